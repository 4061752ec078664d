// internal/delivery/registry.go
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

var ErrNoSink = errors.New("no delivery sink")

// Sink delivers a job over one channel.
type Sink func(ctx context.Context, job *Job) error

// Registry routes jobs to the sink registered for each delivery
// channel (websocket, sse, webpush, apns, ...).
type Registry struct {
	mu    sync.RWMutex
	sinks map[event.Channel]Sink
}

// NewRegistry creates an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[event.Channel]Sink),
	}
}

// Register adds a sink for a channel, replacing any previous one.
func (r *Registry) Register(channel event.Channel, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[channel] = sink
}

// Deliver hands the job to the channel's sink. Returns ErrNoSink when
// nothing is registered for the channel.
func (r *Registry) Deliver(ctx context.Context, channel event.Channel, job *Job) error {
	r.mu.RLock()
	sink, ok := r.sinks[channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w for channel %q", ErrNoSink, channel)
	}
	return sink(ctx, job)
}

// Channels lists the registered channels in stable order.
func (r *Registry) Channels() []event.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]event.Channel, 0, len(r.sinks))
	for ch := range r.sinks {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
