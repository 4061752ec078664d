// internal/scheduler/scheduler.go

// Package scheduler decides, per matched (subscription, event) pair,
// whether delivery happens now or after a timer. It owns every
// aggregation buffer and timer; actual delivery goes through the
// flush callback, so the scheduler never touches stores or transports
// while holding its lock.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mendyEdri/mcp-events-sub002/internal/clock"
	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

// FlushFunc hands a delivery window to the dispatcher. batch is true
// for aggregated windows; single deliveries arrive one event at a
// time.
type FlushFunc func(sub *event.Subscription, events []event.Event, batch bool)

// ExpireFunc reports a one-shot subscription whose autoExpire fired.
type ExpireFunc func(sub *event.Subscription)

type mode int

const (
	modeImmediate mode = iota
	modeCron
	modeScheduled
	modeInterval
)

func (m mode) String() string {
	switch m {
	case modeCron:
		return "cron"
	case modeScheduled:
		return "scheduled"
	case modeInterval:
		return "interval"
	default:
		return "immediate"
	}
}

// DefaultBatchInterval is the window for priority=batch subscriptions
// that set no explicit batchInterval.
const DefaultBatchInterval = 30 * time.Second

type entry struct {
	sub       *event.Subscription
	mode      mode
	schedule  cron.Schedule
	interval  time.Duration
	deliverAt time.Time
	aggregate bool
	maxEvents int

	buf   []event.Event
	timer clock.Timer
	armed bool
	// done marks a fired one-shot; late routes are swallowed so an
	// expired scheduled subscription can never buffer again.
	done bool
	gen  uint64
}

type Scheduler struct {
	mu            sync.Mutex
	clock         clock.Clock
	batchInterval time.Duration
	flush         FlushFunc
	expire        ExpireFunc
	entries       map[string]*entry
	genSeq        uint64
}

// New creates a scheduler. defaultBatchInterval <= 0 falls back to
// DefaultBatchInterval; a nil clk uses the system clock.
func New(clk clock.Clock, defaultBatchInterval time.Duration, flush FlushFunc, expire ExpireFunc) *Scheduler {
	if clk == nil {
		clk = clock.System()
	}
	if defaultBatchInterval <= 0 {
		defaultBatchInterval = DefaultBatchInterval
	}
	if expire == nil {
		expire = func(*event.Subscription) {}
	}
	return &Scheduler{
		clock:         clk,
		batchInterval: defaultBatchInterval,
		flush:         flush,
		expire:        expire,
		entries:       make(map[string]*entry),
	}
}

func modeFor(d event.DeliveryPreferences) mode {
	switch {
	case d.Priority == event.DeliveryRealtime:
		return modeImmediate
	case d.CronSchedule != nil:
		return modeCron
	case d.ScheduledDelivery != nil:
		return modeScheduled
	case d.Priority == event.DeliveryBatch:
		return modeInterval
	default:
		return modeImmediate
	}
}

// Register installs or replaces the timer entry for a subscription.
// Call it on subscribe, after updates, and when restoring persisted
// subscriptions at startup. Buffered events from a replaced entry are
// carried over; a subscription that no longer needs timers gets its
// entry canceled. Scheduled one-shots arm right away so autoExpire
// fires even if no event ever matches.
func (s *Scheduler) Register(sub *event.Subscription) {
	m := modeFor(sub.Delivery)

	s.mu.Lock()
	old := s.entries[sub.ID]
	var carried []event.Event
	if old != nil {
		if old.timer != nil {
			old.timer.Stop()
		}
		carried = old.buf
		delete(s.entries, sub.ID)
	}
	if m == modeImmediate {
		pending := len(carried)
		s.mu.Unlock()
		if pending > 0 {
			slog.Warn("dropping buffered events on mode change", "subscription_id", sub.ID, "count", pending)
		}
		return
	}

	e := s.newEntryLocked(sub, m)
	if e == nil {
		s.mu.Unlock()
		return
	}
	e.buf = carried
	s.entries[sub.ID] = e
	if e.mode == modeScheduled || len(e.buf) > 0 {
		s.armLocked(e)
	}
	s.mu.Unlock()

	slog.Debug("scheduler entry registered", "subscription_id", sub.ID, "mode", m, "buffered", len(carried))
}

// newEntryLocked builds an entry for a timer-mode subscription.
// Returns nil when the schedule cannot be resolved, which create-time
// validation should have ruled out.
func (s *Scheduler) newEntryLocked(sub *event.Subscription, m mode) *entry {
	e := &entry{sub: sub, mode: m}
	switch m {
	case modeCron:
		cs := sub.Delivery.CronSchedule
		sched, err := event.ParseCron(cs)
		if err != nil {
			slog.Error("invalid cron schedule", "subscription_id", sub.ID, "expression", cs.Expression, "error", err)
			return nil
		}
		e.schedule = sched
		e.aggregate = cs.AggregateEvents
		e.maxEvents = cs.MaxEventsPerDelivery
	case modeScheduled:
		sd := sub.Delivery.ScheduledDelivery
		e.deliverAt = sd.DeliverAt
		e.aggregate = sd.AggregateEvents
	case modeInterval:
		e.interval = s.batchInterval
		if sub.Delivery.BatchInterval > 0 {
			e.interval = time.Duration(sub.Delivery.BatchInterval) * time.Second
		}
		e.aggregate = true
	}
	return e
}

// Route handles one matched event. Immediate subscriptions flush
// synchronously; timer modes buffer, arming the window timer on the
// first event and flushing early when a cron cap is reached.
func (s *Scheduler) Route(sub *event.Subscription, ev event.Event) {
	if modeFor(sub.Delivery) == modeImmediate {
		s.flush(sub, []event.Event{ev}, false)
		return
	}

	s.mu.Lock()
	e := s.entries[sub.ID]
	if e == nil {
		m := modeFor(sub.Delivery)
		e = s.newEntryLocked(sub, m)
		if e == nil {
			s.mu.Unlock()
			return
		}
		s.entries[sub.ID] = e
	}
	if e.done {
		s.mu.Unlock()
		return
	}
	e.sub = sub
	e.buf = append(e.buf, ev)
	if !e.armed {
		s.armLocked(e)
	}

	var early []event.Event
	if e.maxEvents > 0 && len(e.buf) >= e.maxEvents {
		early = e.buf[:e.maxEvents:e.maxEvents]
		e.buf = append([]event.Event(nil), e.buf[e.maxEvents:]...)
	}
	flushSub, aggregate := e.sub, e.aggregate
	s.mu.Unlock()

	if len(early) > 0 {
		s.deliver(flushSub, early, aggregate)
	}
}

// armLocked starts the timer for the entry's next window.
func (s *Scheduler) armLocked(e *entry) {
	now := s.clock.Now()
	var d time.Duration
	switch e.mode {
	case modeCron:
		next := e.schedule.Next(now)
		if next.IsZero() {
			slog.Warn("cron schedule has no next occurrence", "subscription_id", e.sub.ID)
			return
		}
		d = next.Sub(now)
	case modeScheduled:
		d = e.deliverAt.Sub(now)
	case modeInterval:
		d = e.interval
	}

	s.genSeq++
	gen := s.genSeq
	e.gen = gen
	e.armed = true
	id := e.sub.ID
	e.timer = s.clock.AfterFunc(d, func() {
		s.fire(id, gen)
	})
}

// fire runs at a window boundary. Stale generations mean the entry was
// canceled or re-armed after this timer was set; they do nothing.
func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.armed = false

	window := e.buf
	if e.maxEvents > 0 && len(window) > e.maxEvents {
		window = e.buf[:e.maxEvents:e.maxEvents]
		e.buf = append([]event.Event(nil), e.buf[e.maxEvents:]...)
	} else {
		e.buf = nil
	}

	var expired *event.Subscription
	switch e.mode {
	case modeCron, modeInterval:
		if len(e.buf) > 0 {
			s.armLocked(e)
		}
	case modeScheduled:
		e.done = true
		if e.sub.Delivery.ScheduledDelivery != nil && e.sub.Delivery.ScheduledDelivery.AutoExpire {
			expired = e.sub
		}
	}
	flushSub, aggregate := e.sub, e.aggregate
	s.mu.Unlock()

	if len(window) > 0 {
		s.deliver(flushSub, window, aggregate)
	}
	if expired != nil {
		s.expire(expired)
	}
}

// deliver invokes the flush callback outside the scheduler lock,
// splitting non-aggregated windows into single deliveries.
func (s *Scheduler) deliver(sub *event.Subscription, events []event.Event, aggregate bool) {
	if aggregate {
		s.flush(sub, events, true)
		return
	}
	for _, ev := range events {
		s.flush(sub, []event.Event{ev}, false)
	}
}

// Cancel drops the entry and its pending timer. A timer that already
// fired concurrently finds no matching generation and does nothing.
func (s *Scheduler) Cancel(subscriptionID string) {
	s.mu.Lock()
	e := s.entries[subscriptionID]
	if e != nil {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, subscriptionID)
	}
	s.mu.Unlock()
}

// Stop cancels every entry. Buffered events are dropped; the core
// promises no cross-restart delivery.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

// Pending reports how many events are buffered for a subscription.
func (s *Scheduler) Pending(subscriptionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[subscriptionID]; e != nil {
		return len(e.buf)
	}
	return 0
}
