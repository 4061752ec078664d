// internal/delivery/job.go
package delivery

import (
	"time"

	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

// JobStatus represents the lifecycle state of a delivery Job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusSending   JobStatus = "sending"
	JobStatusDelivered JobStatus = "delivered"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one delivery unit: a window of matched events bound for one
// subscription. Failed jobs are logged and dropped, never requeued.
type Job struct {
	ID           string
	Subscription *event.Subscription
	Events       []event.Event
	Batch        bool
	Status       JobStatus
	Attempts     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	Err          error
}

// NewJob creates a Job in the Queued state for the given subscription
// and event window.
func NewJob(sub *event.Subscription, events []event.Event, batch bool) *Job {
	return &Job{
		ID:           event.NewID(),
		Subscription: sub,
		Events:       events,
		Batch:        batch,
		Status:       JobStatusQueued,
		CreatedAt:    time.Now(),
	}
}
