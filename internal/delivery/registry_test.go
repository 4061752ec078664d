// internal/delivery/registry_test.go
package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

func testJob(subID string) *Job {
	sub := &event.Subscription{
		ID:       subID,
		ClientID: "client-1",
		Delivery: event.DeliveryPreferences{
			Channels: []event.Channel{event.ChannelWebSocket},
			Priority: event.DeliveryNormal,
		},
		Status:    event.StatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	ev := event.Event{
		ID:   event.NewID(),
		Type: "github.push",
		Data: map[string]any{"repo": "demo"},
		Metadata: event.Metadata{
			Source:    event.SourceGitHub,
			Timestamp: time.Now(),
		},
	}
	return NewJob(sub, []event.Event{ev}, false)
}

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var got *Job
	reg.Register(event.ChannelWebSocket, func(ctx context.Context, job *Job) error {
		got = job
		return nil
	})

	job := testJob("sub-1")
	if err := reg.Deliver(context.Background(), event.ChannelWebSocket, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("sink was not invoked")
	}
	if got.ID != job.ID {
		t.Errorf("expected job %s, got %s", job.ID, got.ID)
	}
	if len(got.Events) != 1 || got.Events[0].Type != "github.push" {
		t.Errorf("job events did not pass through: %+v", got.Events)
	}
}

func TestRegistryNoSink(t *testing.T) {
	reg := NewRegistry()

	err := reg.Deliver(context.Background(), event.ChannelWebPush, testJob("sub-1"))
	if err == nil {
		t.Fatal("expected error for unregistered channel, got nil")
	}
	if !errors.Is(err, ErrNoSink) {
		t.Errorf("expected ErrNoSink, got %v", err)
	}
}

func TestRegistryMultipleChannels(t *testing.T) {
	reg := NewRegistry()

	var wsCalls, pushCalls int
	reg.Register(event.ChannelWebSocket, func(ctx context.Context, job *Job) error {
		wsCalls++
		return nil
	})
	reg.Register(event.ChannelWebPush, func(ctx context.Context, job *Job) error {
		pushCalls++
		return nil
	})

	if err := reg.Deliver(context.Background(), event.ChannelWebSocket, testJob("sub-a")); err != nil {
		t.Fatalf("websocket deliver error: %v", err)
	}
	if err := reg.Deliver(context.Background(), event.ChannelWebPush, testJob("sub-b")); err != nil {
		t.Fatalf("webpush deliver error: %v", err)
	}

	if wsCalls != 1 {
		t.Errorf("expected 1 websocket call, got %d", wsCalls)
	}
	if pushCalls != 1 {
		t.Errorf("expected 1 webpush call, got %d", pushCalls)
	}
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()

	var first, second int
	reg.Register(event.ChannelSSE, func(ctx context.Context, job *Job) error {
		first++
		return nil
	})
	reg.Register(event.ChannelSSE, func(ctx context.Context, job *Job) error {
		second++
		return nil
	})

	if err := reg.Deliver(context.Background(), event.ChannelSSE, testJob("sub-1")); err != nil {
		t.Fatalf("deliver error: %v", err)
	}
	if first != 0 {
		t.Errorf("replaced sink should not be called, got %d calls", first)
	}
	if second != 1 {
		t.Errorf("expected 1 call to replacement sink, got %d", second)
	}
}

func TestRegistryChannels(t *testing.T) {
	reg := NewRegistry()
	reg.Register(event.ChannelWebSocket, func(ctx context.Context, job *Job) error { return nil })
	reg.Register(event.ChannelAPNS, func(ctx context.Context, job *Job) error { return nil })
	reg.Register(event.ChannelSSE, func(ctx context.Context, job *Job) error { return nil })

	got := reg.Channels()
	want := []event.Channel{event.ChannelAPNS, event.ChannelSSE, event.ChannelWebSocket}
	if len(got) != len(want) {
		t.Fatalf("expected %d channels, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected channels[%d] = %s, got %s", i, want[i], got[i])
		}
	}
}
