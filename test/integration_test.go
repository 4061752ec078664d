//go:build integration

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mendyEdri/mcp-events-sub002/internal/clock"
	"github.com/mendyEdri/mcp-events-sub002/internal/hub"
	"github.com/mendyEdri/mcp-events-sub002/internal/store"
	"github.com/mendyEdri/mcp-events-sub002/pkg/dispatch"
	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
	"github.com/mendyEdri/mcp-events-sub002/pkg/jsonrpc"
)

// openBroker assembles a file-backed broker in dir. Callers stop it
// themselves so restart scenarios control the ordering.
func openBroker(t *testing.T, dir string) *hub.Hub {
	t.Helper()
	backend, err := store.NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(backend, 50, clock.System())
	devices := store.NewDeviceStore(filepath.Join(dir, "devices.json"), clock.System())
	h := hub.New(st, devices, hub.Options{
		SweepInterval:   time.Hour,
		DeliveryWorkers: 4,
		QueueSize:       64,
	})
	h.Start(context.Background())
	return h
}

// recorder collects dispatched events on the client side.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
	subIDs []string
}

func (r *recorder) callback(_ context.Context, ev event.Event, subID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.subIDs = append(r.subIDs, subID)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) at(i int) (event.Event, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i], r.subIDs[i]
}

// connect wires a session whose transport feeds server notifications
// straight into the client-side dispatcher.
func connect(t *testing.T, h *hub.Hub, d *dispatch.Dispatcher) *hub.Session {
	t.Helper()
	return h.NewSession(func(ctx context.Context, data []byte) error {
		var frame jsonrpc.Request
		if err := json.Unmarshal(data, &frame); err != nil {
			return err
		}
		if frame.IsNotification() {
			return d.HandleNotification(ctx, frame.Method, frame.Params)
		}
		return nil
	})
}

func call(t *testing.T, sess *hub.Session, id int, method string, params any) *jsonrpc.Response {
	t.Helper()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	respData := sess.HandleMessage(context.Background(), data)
	if respData == nil {
		t.Fatalf("expected response for %s, got nil", method)
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return &resp
}

func initialize(t *testing.T, sess *hub.Session, clientID string) {
	t.Helper()
	resp := call(t, sess, 1, "initialize", map[string]any{
		"protocolVersion": hub.ProtocolVersion,
		"clientId":        clientID,
		"clientInfo":      map[string]any{"name": "integration", "version": "0.0.1"},
	})
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
}

func subscribe(t *testing.T, sess *hub.Session, id int, params map[string]any) string {
	t.Helper()
	resp := call(t, sess, id, "events_subscribe", params)
	if resp.Error != nil {
		t.Fatalf("subscribe failed: %+v", resp.Error)
	}
	var result struct {
		Subscription *event.Subscription `json:"subscription"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	return result.Subscription.ID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-tick.C:
			if cond() {
				return
			}
		}
	}
}

func TestEndToEnd(t *testing.T) {
	h := openBroker(t, t.TempDir())
	defer h.Stop()

	d := dispatch.New()
	rec := &recorder{}
	if _, err := d.Register("ci.**", rec.callback); err != nil {
		t.Fatal(err)
	}

	sess := connect(t, h, d)
	initialize(t, sess, "client-integration")

	rtID := subscribe(t, sess, 2, map[string]any{
		"filter":   map[string]any{"eventTypes": []string{"ci.build.**"}},
		"delivery": map[string]any{"channels": []string{"websocket"}, "priority": "realtime"},
	})
	batchID := subscribe(t, sess, 3, map[string]any{
		"filter":   map[string]any{"eventTypes": []string{"ci.test.*"}},
		"delivery": map[string]any{"channels": []string{"websocket"}, "priority": "batch", "batchInterval": 1},
	})

	ctx := context.Background()

	// Realtime path: publish, expect one dispatched event
	matched, err := h.Publish(ctx, &event.Event{
		Type:     "ci.build.finished",
		Data:     map[string]any{"status": "green"},
		Metadata: event.Metadata{Source: event.SourceCustom},
	})
	if err != nil {
		t.Fatal(err)
	}
	if matched != 1 {
		t.Fatalf("expected 1 match, got %d", matched)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 }, "timeout waiting for realtime delivery")

	ev, subID := rec.at(0)
	if ev.Type != "ci.build.finished" {
		t.Errorf("expected ci.build.finished, got %s", ev.Type)
	}
	if subID != rtID {
		t.Errorf("expected subscription %s, got %s", rtID, subID)
	}

	// Batch path: two events inside the 1s window arrive together
	for i := 0; i < 2; i++ {
		if _, err := h.Publish(ctx, &event.Event{
			Type:     fmt.Sprintf("ci.test.suite%d", i),
			Metadata: event.Metadata{Source: event.SourceCustom},
		}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, 4*time.Second, func() bool { return rec.count() == 3 }, "timeout waiting for batch delivery")

	first, firstSub := rec.at(1)
	second, secondSub := rec.at(2)
	if firstSub != batchID || secondSub != batchID {
		t.Errorf("expected batch subscription %s, got %s and %s", batchID, firstSub, secondSub)
	}
	// Oldest first within the window
	if first.Type != "ci.test.suite0" || second.Type != "ci.test.suite1" {
		t.Errorf("expected suite0 then suite1, got %s then %s", first.Type, second.Type)
	}

	// Ack the realtime event
	resp := call(t, sess, 4, "events_ack", map[string]any{
		"subscriptionId": rtID,
		"eventId":        ev.ID,
	})
	if resp.Error != nil {
		t.Fatalf("ack failed: %+v", resp.Error)
	}
	if got := h.Stats().Acked; got != 1 {
		t.Errorf("expected 1 ack, got %d", got)
	}

	// Unsubscribe stops future matching
	resp = call(t, sess, 5, "events_unsubscribe", map[string]any{"subscriptionId": rtID})
	if resp.Error != nil {
		t.Fatalf("unsubscribe failed: %+v", resp.Error)
	}
	matched, err = h.Publish(ctx, &event.Event{
		Type:     "ci.build.started",
		Metadata: event.Metadata{Source: event.SourceCustom},
	})
	if err != nil {
		t.Fatal(err)
	}
	if matched != 0 {
		t.Errorf("expected 0 matches after unsubscribe, got %d", matched)
	}

	stats := h.Stats()
	if stats.Delivered < 2 {
		t.Errorf("expected at least 2 delivered jobs, got %d", stats.Delivered)
	}
	if stats.Failed != 0 {
		t.Errorf("expected no failed deliveries, got %d", stats.Failed)
	}
}

func TestRestartRestoresSubscriptions(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// First life: subscribe and deliver once
	h1 := openBroker(t, dir)
	d1 := dispatch.New()
	rec1 := &recorder{}
	if _, err := d1.Register("*", rec1.callback); err != nil {
		t.Fatal(err)
	}
	sess1 := connect(t, h1, d1)
	initialize(t, sess1, "client-restart")

	subscribe(t, sess1, 2, map[string]any{
		"filter":   map[string]any{"eventTypes": []string{"deploy.**"}},
		"delivery": map[string]any{"channels": []string{"websocket"}, "priority": "realtime"},
	})
	batchID := subscribe(t, sess1, 3, map[string]any{
		"filter":   map[string]any{"eventTypes": []string{"audit.*"}},
		"delivery": map[string]any{"channels": []string{"websocket"}, "priority": "batch", "batchInterval": 1},
	})

	if _, err := h1.Publish(ctx, &event.Event{
		Type:     "deploy.finished",
		Metadata: event.Metadata{Source: event.SourceCustom},
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return rec1.count() == 1 }, "timeout waiting for first-life delivery")
	h1.Stop()

	// Second life over the same data dir
	h2 := openBroker(t, dir)
	defer h2.Stop()

	restored, err := h2.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if restored != 2 {
		t.Fatalf("expected 2 restored subscriptions, got %d", restored)
	}

	d2 := dispatch.New()
	rec2 := &recorder{}
	if _, err := d2.Register("audit.*", rec2.callback); err != nil {
		t.Fatal(err)
	}
	sess2 := connect(t, h2, d2)
	initialize(t, sess2, "client-restart")

	// The listing survives the restart
	resp := call(t, sess2, 2, "events_list", map[string]any{})
	if resp.Error != nil {
		t.Fatalf("list failed: %+v", resp.Error)
	}
	var listed struct {
		Subscriptions []*event.Subscription `json:"subscriptions"`
	}
	if err := json.Unmarshal(resp.Result, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Subscriptions) != 2 {
		t.Fatalf("expected 2 listed subscriptions, got %d", len(listed.Subscriptions))
	}

	// The restored batch timer still aggregates and delivers
	if _, err := h2.Publish(ctx, &event.Event{
		Type:     "audit.login",
		Metadata: event.Metadata{Source: event.SourceCustom},
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 4*time.Second, func() bool { return rec2.count() == 1 }, "timeout waiting for post-restart delivery")

	ev, subID := rec2.at(0)
	if ev.Type != "audit.login" {
		t.Errorf("expected audit.login, got %s", ev.Type)
	}
	if subID != batchID {
		t.Errorf("expected restored subscription %s, got %s", batchID, subID)
	}
}
