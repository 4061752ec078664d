// internal/hub/hub.go

// Package hub assembles the broker: subscription store, delivery
// scheduler, sink registry, delivery queue, and the live protocol
// sessions. Events enter through Publish, fan out to matching
// subscriptions, and leave through session notifications or push
// sinks.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mendyEdri/mcp-events-sub002/internal/clock"
	"github.com/mendyEdri/mcp-events-sub002/internal/delivery"
	"github.com/mendyEdri/mcp-events-sub002/internal/scheduler"
	"github.com/mendyEdri/mcp-events-sub002/internal/store"
	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
	"github.com/mendyEdri/mcp-events-sub002/pkg/jsonrpc"
)

// sendConcurrency bounds parallel notification sends per delivery.
const sendConcurrency = 4

// Options configures the hub assembly.
type Options struct {
	MaxSubscriptionsPerClient int
	DefaultBatchInterval      time.Duration
	SweepInterval             time.Duration
	DeliveryWorkers           int64
	QueueSize                 int
	Clock                     clock.Clock
}

// Hub wires the store, scheduler, and delivery pipeline together and
// owns the session table. Queue and Registry are exported so the
// operator wiring can install push sinks and drain on shutdown.
type Hub struct {
	store   *store.Store
	devices *store.DeviceStore
	sched   *scheduler.Scheduler
	clock   clock.Clock

	Queue    *delivery.Queue
	Registry *delivery.Registry
	retry    *delivery.RetryPolicy

	maxPerClient  int
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}

	published atomic.Int64
	matched   atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	acked     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Hub wired to the provided stores.
func New(st *store.Store, devices *store.DeviceStore, opts Options) *Hub {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	h := &Hub{
		store:         st,
		devices:       devices,
		clock:         clk,
		Registry:      delivery.NewRegistry(),
		retry:         delivery.DefaultRetryPolicy(),
		maxPerClient:  opts.MaxSubscriptionsPerClient,
		sweepInterval: sweep,
		sessions:      make(map[string]map[*Session]struct{}),
	}
	h.sched = scheduler.New(clk, opts.DefaultBatchInterval, h.flush, h.expire)
	h.Queue = delivery.NewQueue(opts.DeliveryWorkers, opts.QueueSize)
	h.Queue.SetProcessor(h.process)
	return h
}

// Start initialises the hub's context, starts the delivery queue, and
// begins the expiry sweep loop.
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.Queue.Start(h.ctx)
	h.wg.Add(1)
	go h.sweepLoop()
}

// Stop cancels the hub context, stops the scheduler and queue, and
// waits for the sweep loop to exit.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.sched.Stop()
	h.Queue.Stop()
	h.wg.Wait()
}

func (h *Hub) runCtx() context.Context {
	if h.ctx != nil {
		return h.ctx
	}
	return context.Background()
}

// Publish assigns defaults, validates the event, and routes it through
// every matching subscription's scheduler entry. Returns the number of
// subscriptions matched.
func (h *Hub) Publish(ctx context.Context, ev *event.Event) (int, error) {
	if ev.ID == "" {
		ev.ID = event.NewID()
	}
	if ev.Metadata.Timestamp.IsZero() {
		ev.Metadata.Timestamp = h.clock.Now()
	}
	if ev.Metadata.Priority == "" {
		ev.Metadata.Priority = event.PriorityNormal
	}
	if err := event.ValidateEvent(ev).OrNil(); err != nil {
		return 0, err
	}
	h.published.Add(1)

	matches, err := h.store.FindMatching(ctx, *ev)
	if err != nil {
		return 0, fmt.Errorf("find matching subscriptions: %w", err)
	}
	h.matched.Add(int64(len(matches)))
	for _, sub := range matches {
		h.sched.Route(sub, *ev)
	}
	slog.Debug("event published", "event_id", ev.ID, "type", ev.Type, "matched", len(matches))
	return len(matches), nil
}

// Restore re-registers scheduler entries for persisted subscriptions
// after a restart. Expired and lapsed ones are skipped; the sweep
// handles those.
func (h *Hub) Restore(ctx context.Context) (int, error) {
	subs, err := h.store.All(ctx)
	if err != nil {
		return 0, err
	}
	now := h.clock.Now()
	n := 0
	for _, sub := range subs {
		if sub.Status == event.StatusExpired || sub.Lapsed(now) {
			continue
		}
		h.sched.Register(sub)
		n++
	}
	return n, nil
}

func (h *Hub) subscribe(ctx context.Context, clientID string, req store.CreateRequest) (*event.Subscription, error) {
	sub, err := h.store.Create(ctx, clientID, req)
	if err != nil {
		return nil, err
	}
	h.sched.Register(sub)
	slog.Info("subscription created",
		"subscription_id", sub.ID,
		"client_id", clientID,
		"channels", sub.Delivery.Channels)
	return sub, nil
}

func (h *Hub) unsubscribe(ctx context.Context, id, clientID string) error {
	if err := h.store.Remove(ctx, id, clientID); err != nil {
		return err
	}
	h.sched.Cancel(id)
	h.Queue.Drop(id)
	slog.Info("subscription removed", "subscription_id", id, "client_id", clientID)
	return nil
}

func (h *Hub) update(ctx context.Context, id, clientID string, patch store.UpdateRequest) (*event.Subscription, error) {
	sub, err := h.store.Update(ctx, id, clientID, patch)
	if err != nil {
		return nil, err
	}
	if patch.Delivery != nil {
		h.sched.Register(sub)
	}
	return sub, nil
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep transitions lapsed subscriptions to expired, cancels their
// timers and lanes, and notifies the owning clients.
func (h *Hub) sweep() {
	swept, err := h.store.SweepExpired(h.runCtx(), h.clock.Now())
	if err != nil {
		slog.Error("subscription sweep failed", "error", err)
		return
	}
	for _, sub := range swept {
		h.sched.Cancel(sub.ID)
		h.Queue.Drop(sub.ID)
		h.notifyExpired(sub, "expired")
		slog.Info("subscription expired", "subscription_id", sub.ID, "client_id", sub.ClientID)
	}
}

// flush is the scheduler's delivery callback: wrap the window in a job
// and hand it to the queue. A full lane drops the window.
func (h *Hub) flush(sub *event.Subscription, events []event.Event, batch bool) {
	job := delivery.NewJob(sub, events, batch)
	if err := h.Queue.Enqueue(job); err != nil {
		h.dropped.Add(1)
		slog.Error("delivery window dropped",
			"subscription_id", sub.ID,
			"events", len(events),
			"error", err)
	}
}

// expire is the scheduler's one-shot callback. The scheduler keeps the
// fired entry as a tombstone, so no Cancel here; removing the
// subscription is what clears it.
func (h *Hub) expire(sub *event.Subscription) {
	if _, err := h.store.MarkExpired(h.runCtx(), sub.ID); err != nil {
		slog.Error("auto-expire failed", "subscription_id", sub.ID, "error", err)
	}
	h.notifyExpired(sub, "auto_expire")
	slog.Info("subscription auto-expired", "subscription_id", sub.ID, "client_id", sub.ClientID)
}

// process delivers one job across the subscription's channels. Session
// channels (websocket, sse, cron, scheduled) share a single in-protocol
// notification; push channels go through the sink registry with
// retries.
func (h *Hub) process(job *delivery.Job) error {
	ctx := h.runCtx()
	sub := job.Subscription

	var firstErr error
	notified := false
	for _, ch := range sub.Delivery.Channels {
		var err error
		switch ch {
		case event.ChannelWebPush, event.ChannelAPNS:
			err = h.retry.Execute(func() error {
				job.Attempts++
				return h.Registry.Deliver(ctx, ch, job)
			})
		default:
			if notified {
				continue
			}
			notified = true
			err = h.notifySessions(ctx, job)
		}
		if err != nil {
			h.failed.Add(1)
			slog.Error("delivery failed",
				"subscription_id", sub.ID,
				"client_id", sub.ClientID,
				"channel", ch,
				"events", len(job.Events),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr == nil {
		h.delivered.Add(1)
	}
	return firstErr
}

type eventParams struct {
	SubscriptionID string      `json:"subscriptionId"`
	Event          event.Event `json:"event"`
}

type batchParams struct {
	SubscriptionID string        `json:"subscriptionId"`
	Events         []event.Event `json:"events"`
	Count          int           `json:"count"`
}

type expiredParams struct {
	SubscriptionID string    `json:"subscriptionId"`
	ExpiredAt      time.Time `json:"expiredAt"`
	Reason         string    `json:"reason"`
}

func notificationBytes(job *delivery.Job) ([]byte, error) {
	if len(job.Events) == 0 {
		return nil, fmt.Errorf("empty delivery window")
	}
	var note *jsonrpc.Request
	var err error
	if job.Batch {
		note, err = jsonrpc.NewNotification(MethodBatch, batchParams{
			SubscriptionID: job.Subscription.ID,
			Events:         job.Events,
			Count:          len(job.Events),
		})
	} else {
		note, err = jsonrpc.NewNotification(MethodEvent, eventParams{
			SubscriptionID: job.Subscription.ID,
			Event:          job.Events[0],
		})
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(note)
}

// notifySessions serialises the job as an events/event or events/batch
// notification and sends it to every live session of the owning
// client.
func (h *Hub) notifySessions(ctx context.Context, job *delivery.Job) error {
	data, err := notificationBytes(job)
	if err != nil {
		return err
	}
	sessions := h.sessionsFor(job.Subscription.ClientID)
	if len(sessions) == 0 {
		return fmt.Errorf("no connected session for client %s", job.Subscription.ClientID)
	}

	g := new(errgroup.Group)
	g.SetLimit(sendConcurrency)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Send(ctx, data); err != nil {
				return fmt.Errorf("session %s: %w", s.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *Hub) notifyExpired(sub *event.Subscription, reason string) {
	at := h.clock.Now()
	if sub.ExpiresAt != nil {
		at = *sub.ExpiresAt
	}
	note, err := jsonrpc.NewNotification(MethodSubscriptionExpired, expiredParams{
		SubscriptionID: sub.ID,
		ExpiredAt:      at,
		Reason:         reason,
	})
	if err != nil {
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		return
	}
	for _, s := range h.sessionsFor(sub.ClientID) {
		if err := s.Send(h.runCtx(), data); err != nil {
			slog.Warn("expiry notification failed",
				"subscription_id", sub.ID,
				"session_id", s.ID(),
				"error", err)
		}
	}
}

func (h *Hub) attach(s *Session) {
	clientID := s.ClientID()
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[clientID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[clientID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) detach(s *Session) {
	clientID := s.ClientID()
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[clientID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, clientID)
		}
	}
}

func (h *Hub) sessionsFor(clientID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.sessions[clientID]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// channelCapabilities lists every channel the broker can currently
// deliver on: the in-protocol session channels plus registered sinks.
func (h *Hub) channelCapabilities() []event.Channel {
	chans := []event.Channel{
		event.ChannelWebSocket,
		event.ChannelSSE,
		event.ChannelCron,
		event.ChannelScheduled,
	}
	for _, ch := range h.Registry.Channels() {
		seen := false
		for _, c := range chans {
			if c == ch {
				seen = true
				break
			}
		}
		if !seen {
			chans = append(chans, ch)
		}
	}
	sort.Slice(chans, func(i, j int) bool { return chans[i] < chans[j] })
	return chans
}

// Subscriptions lists a client's subscriptions, or every subscription
// when clientID is empty. Debug API support.
func (h *Hub) Subscriptions(ctx context.Context, clientID string) ([]*event.Subscription, error) {
	if clientID == "" {
		return h.store.All(ctx)
	}
	return h.store.List(ctx, clientID, nil)
}

// Stats is a point-in-time snapshot of the hub's counters.
type Stats struct {
	Published int64 `json:"published"`
	Matched   int64 `json:"matched"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Acked     int64 `json:"acked"`
	Sessions  int   `json:"sessions"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	h.mu.RUnlock()
	return Stats{
		Published: h.published.Load(),
		Matched:   h.matched.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Failed:    h.failed.Load(),
		Acked:     h.acked.Load(),
		Sessions:  n,
	}
}
