// pkg/event/filter.go
package event

import (
	"github.com/mendyEdri/mcp-events-sub002/pkg/pattern"
)

// EventFilter narrows which events a subscription receives. Criteria
// are ANDed; within one criterion any listed value matches. An empty
// filter matches every event.
type EventFilter struct {
	Sources    []Source   `json:"sources,omitempty"`
	EventTypes []string   `json:"eventTypes,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Priority   []Priority `json:"priority,omitempty"`
}

func (f EventFilter) Matches(ev Event) bool {
	if len(f.Sources) > 0 && !containsSource(f.Sources, ev.Metadata.Source) {
		return false
	}
	if len(f.EventTypes) > 0 && !pattern.MatchAny(ev.Type, f.EventTypes) {
		return false
	}
	if len(f.Tags) > 0 && !intersects(f.Tags, ev.Metadata.Tags) {
		return false
	}
	if len(f.Priority) > 0 && !containsPriority(f.Priority, ev.Metadata.Priority) {
		return false
	}
	return true
}

// Empty reports whether the filter has no criteria at all.
func (f EventFilter) Empty() bool {
	return len(f.Sources) == 0 && len(f.EventTypes) == 0 && len(f.Tags) == 0 && len(f.Priority) == 0
}

func containsSource(list []Source, s Source) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsPriority(list []Priority, p Priority) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
