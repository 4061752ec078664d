// pkg/event/validate.go
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/mendyEdri/mcp-events-sub002/pkg/pattern"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every failed check so callers report all
// problems in one response.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// OrNil returns the collected errors, or a plain nil error when there
// are none.
func (v ValidationErrors) OrNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// ValidateType checks a concrete event type: non-empty and
// dot-separated with no empty segments.
func ValidateType(t string) error {
	if t == "" {
		return fmt.Errorf("event type is empty")
	}
	for _, seg := range strings.Split(t, ".") {
		if seg == "" {
			return fmt.Errorf("event type %q has an empty segment", t)
		}
	}
	return nil
}

// ValidateEvent checks an inbound event before publication. Priority
// may be empty; the broker defaults it to normal.
func ValidateEvent(ev *Event) ValidationErrors {
	var errs ValidationErrors
	if err := ValidateType(ev.Type); err != nil {
		errs = append(errs, FieldError{Field: "type", Message: err.Error()})
	}
	if !KnownSource(ev.Metadata.Source) {
		errs = append(errs, FieldError{Field: "metadata.source", Message: fmt.Sprintf("unknown source %q", ev.Metadata.Source)})
	}
	if ev.Metadata.Priority != "" && !KnownPriority(ev.Metadata.Priority) {
		errs = append(errs, FieldError{Field: "metadata.priority", Message: fmt.Sprintf("unknown priority %q", ev.Metadata.Priority)})
	}
	return errs
}

func ValidateFilter(f EventFilter) ValidationErrors {
	var errs ValidationErrors
	for i, s := range f.Sources {
		if !KnownSource(s) {
			errs = append(errs, FieldError{Field: fmt.Sprintf("filter.sources[%d]", i), Message: fmt.Sprintf("unknown source %q", s)})
		}
	}
	for i, p := range f.EventTypes {
		if !pattern.Valid(p) {
			errs = append(errs, FieldError{Field: fmt.Sprintf("filter.eventTypes[%d]", i), Message: "invalid pattern"})
		}
	}
	for i, tag := range f.Tags {
		if tag == "" {
			errs = append(errs, FieldError{Field: fmt.Sprintf("filter.tags[%d]", i), Message: "empty tag"})
		}
	}
	for i, p := range f.Priority {
		if !KnownPriority(p) {
			errs = append(errs, FieldError{Field: fmt.Sprintf("filter.priority[%d]", i), Message: fmt.Sprintf("unknown priority %q", p)})
		}
	}
	return errs
}

func ValidateDelivery(d DeliveryPreferences) ValidationErrors {
	var errs ValidationErrors
	if len(d.Channels) == 0 {
		errs = append(errs, FieldError{Field: "delivery.channels", Message: "at least one channel is required"})
	}
	for i, c := range d.Channels {
		if !KnownChannel(c) {
			errs = append(errs, FieldError{Field: fmt.Sprintf("delivery.channels[%d]", i), Message: fmt.Sprintf("unknown channel %q", c)})
		}
	}
	if d.Priority != "" && !KnownDeliveryPriority(d.Priority) {
		errs = append(errs, FieldError{Field: "delivery.priority", Message: fmt.Sprintf("unknown priority %q", d.Priority)})
	}
	if d.BatchInterval < 0 {
		errs = append(errs, FieldError{Field: "delivery.batchInterval", Message: "must not be negative"})
	}

	hasCron := d.HasChannel(ChannelCron)
	hasScheduled := d.HasChannel(ChannelScheduled)
	if hasCron && hasScheduled {
		errs = append(errs, FieldError{Field: "delivery.channels", Message: "cron and scheduled channels are mutually exclusive"})
	}
	if hasCron && d.CronSchedule == nil {
		errs = append(errs, FieldError{Field: "delivery.cronSchedule", Message: "required for the cron channel"})
	}
	if !hasCron && d.CronSchedule != nil {
		errs = append(errs, FieldError{Field: "delivery.cronSchedule", Message: "set without the cron channel"})
	}
	if hasScheduled && d.ScheduledDelivery == nil {
		errs = append(errs, FieldError{Field: "delivery.scheduledDelivery", Message: "required for the scheduled channel"})
	}
	if !hasScheduled && d.ScheduledDelivery != nil {
		errs = append(errs, FieldError{Field: "delivery.scheduledDelivery", Message: "set without the scheduled channel"})
	}

	if cs := d.CronSchedule; cs != nil {
		if cs.Expression == "" {
			errs = append(errs, FieldError{Field: "delivery.cronSchedule.expression", Message: "required"})
		} else if _, err := cronParser.Parse(cs.Expression); err != nil {
			errs = append(errs, FieldError{Field: "delivery.cronSchedule.expression", Message: err.Error()})
		}
		if cs.Timezone != "" {
			if _, err := time.LoadLocation(cs.Timezone); err != nil {
				errs = append(errs, FieldError{Field: "delivery.cronSchedule.timezone", Message: fmt.Sprintf("unknown timezone %q", cs.Timezone)})
			}
		}
		if cs.MaxEventsPerDelivery < 0 {
			errs = append(errs, FieldError{Field: "delivery.cronSchedule.maxEventsPerDelivery", Message: "must not be negative"})
		}
	}
	if sd := d.ScheduledDelivery; sd != nil {
		if sd.DeliverAt.IsZero() {
			errs = append(errs, FieldError{Field: "delivery.scheduledDelivery.deliverAt", Message: "required"})
		}
		if sd.Timezone != "" {
			if _, err := time.LoadLocation(sd.Timezone); err != nil {
				errs = append(errs, FieldError{Field: "delivery.scheduledDelivery.timezone", Message: fmt.Sprintf("unknown timezone %q", sd.Timezone)})
			}
		}
	}
	return errs
}

// ValidateSubscription checks the client-settable parts of a
// subscription together.
func ValidateSubscription(f EventFilter, d DeliveryPreferences) ValidationErrors {
	return append(ValidateFilter(f), ValidateDelivery(d)...)
}
