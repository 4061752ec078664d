// pkg/event/subscription.go
package event

import (
	"time"
)

type Channel string

const (
	ChannelWebSocket Channel = "websocket"
	ChannelSSE       Channel = "sse"
	ChannelWebPush   Channel = "webpush"
	ChannelAPNS      Channel = "apns"
	ChannelCron      Channel = "cron"
	ChannelScheduled Channel = "scheduled"
)

func KnownChannel(c Channel) bool {
	switch c {
	case ChannelWebSocket, ChannelSSE, ChannelWebPush, ChannelAPNS, ChannelCron, ChannelScheduled:
		return true
	}
	return false
}

// DeliveryPriority selects how matched events reach the subscriber:
// realtime forwards each event as it matches, normal forwards
// immediately unless a timer mode is configured, batch aggregates over
// BatchInterval windows.
type DeliveryPriority string

const (
	DeliveryRealtime DeliveryPriority = "realtime"
	DeliveryNormal   DeliveryPriority = "normal"
	DeliveryBatch    DeliveryPriority = "batch"
)

func KnownDeliveryPriority(p DeliveryPriority) bool {
	switch p {
	case DeliveryRealtime, DeliveryNormal, DeliveryBatch:
		return true
	}
	return false
}

type CronSchedule struct {
	Expression string `json:"expression"`
	Timezone   string `json:"timezone,omitempty"`
	// AggregateEvents delivers the whole buffered window as one batch;
	// false delivers the same window as individual events.
	AggregateEvents      bool `json:"aggregateEvents"`
	MaxEventsPerDelivery int  `json:"maxEventsPerDelivery,omitempty"`
}

type ScheduledDelivery struct {
	DeliverAt       time.Time `json:"deliverAt"`
	Timezone        string    `json:"timezone,omitempty"`
	Description     string    `json:"description,omitempty"`
	AggregateEvents bool      `json:"aggregateEvents"`
	// AutoExpire expires the subscription right after its single
	// delivery fires.
	AutoExpire bool `json:"autoExpire"`
}

type DeliveryPreferences struct {
	Channels []Channel        `json:"channels"`
	Priority DeliveryPriority `json:"priority,omitempty"`
	// BatchInterval is the aggregation window in seconds for
	// priority=batch subscriptions without an explicit schedule.
	BatchInterval     int                `json:"batchInterval,omitempty"`
	APNSAlert         bool               `json:"apnsAlert,omitempty"`
	CronSchedule      *CronSchedule      `json:"cronSchedule,omitempty"`
	ScheduledDelivery *ScheduledDelivery `json:"scheduledDelivery,omitempty"`
}

func (d DeliveryPreferences) HasChannel(c Channel) bool {
	for _, ch := range d.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusExpired Status = "expired"
)

func KnownStatus(s Status) bool {
	switch s {
	case StatusActive, StatusPaused, StatusExpired:
		return true
	}
	return false
}

type Subscription struct {
	ID        string              `json:"id"`
	ClientID  string              `json:"clientId"`
	Filter    EventFilter         `json:"filter"`
	Delivery  DeliveryPreferences `json:"delivery"`
	Status    Status              `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
	ExpiresAt *time.Time          `json:"expiresAt,omitempty"`
}

// Lapsed reports whether the subscription's expiry time has passed.
// Subscriptions without ExpiresAt never lapse.
func (s *Subscription) Lapsed(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.IsZero() && !now.Before(*s.ExpiresAt)
}

// Clone returns a copy that shares no mutable state with the original,
// so matched snapshots stay stable while the store keeps mutating.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Filter.Sources = append([]Source(nil), s.Filter.Sources...)
	c.Filter.EventTypes = append([]string(nil), s.Filter.EventTypes...)
	c.Filter.Tags = append([]string(nil), s.Filter.Tags...)
	c.Filter.Priority = append([]Priority(nil), s.Filter.Priority...)
	c.Delivery.Channels = append([]Channel(nil), s.Delivery.Channels...)
	if s.Delivery.CronSchedule != nil {
		cs := *s.Delivery.CronSchedule
		c.Delivery.CronSchedule = &cs
	}
	if s.Delivery.ScheduledDelivery != nil {
		sd := *s.Delivery.ScheduledDelivery
		c.Delivery.ScheduledDelivery = &sd
	}
	if s.ExpiresAt != nil {
		at := *s.ExpiresAt
		c.ExpiresAt = &at
	}
	return &c
}
