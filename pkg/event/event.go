// pkg/event/event.go

// Package event defines the wire model shared by the broker and its
// clients: events, subscription filters, delivery preferences and the
// subscription record itself, plus the validation applied at the
// subscribe and publish boundaries.
package event

import (
	"time"

	"github.com/google/uuid"
)

type Source string

const (
	SourceGitHub Source = "github"
	SourceGmail  Source = "gmail"
	SourceSlack  Source = "slack"
	SourceCustom Source = "custom"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Metadata struct {
	Source        Source    `json:"source"`
	SourceEventID string    `json:"sourceEventId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Priority      Priority  `json:"priority"`
	Tags          []string  `json:"tags,omitempty"`
}

// Event is immutable once published. The broker assigns ID and
// Timestamp when the producer leaves them empty; Data is opaque and
// passed through untouched.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

func NewID() string {
	return uuid.New().String()
}

func KnownSource(s Source) bool {
	switch s {
	case SourceGitHub, SourceGmail, SourceSlack, SourceCustom:
		return true
	}
	return false
}

func KnownPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}
