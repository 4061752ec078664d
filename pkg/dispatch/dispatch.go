// pkg/dispatch/dispatch.go

// Package dispatch routes received events to client-side callbacks by
// wildcard pattern. A client holds one Dispatcher, registers callbacks
// against event type patterns, and feeds it the events/event and
// events/batch notifications its transport receives from the broker.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
	"github.com/mendyEdri/mcp-events-sub002/pkg/pattern"
)

// Callback handles one dispatched event. subscriptionID names the
// broker subscription the event arrived under, "" when unknown.
type Callback func(ctx context.Context, ev event.Event, subscriptionID string) error

type registration struct {
	id int
	fn Callback
}

// Dispatcher fans events out to pattern-matched callbacks. Callbacks
// registered under "*" are global and run before pattern matches.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	global   []*registration
	patterns map[string][]*registration
}

func New() *Dispatcher {
	return &Dispatcher{patterns: make(map[string][]*registration)}
}

// Register adds a callback for an event type pattern and returns a
// function that removes it again. Unregistering twice is a no-op.
func (d *Dispatcher) Register(pat string, fn Callback) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("nil callback")
	}
	if !pattern.Valid(pat) {
		return nil, fmt.Errorf("invalid pattern %q", pat)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	reg := &registration{id: d.nextID, fn: fn}
	if pat == "*" {
		d.global = append(d.global, reg)
	} else {
		d.patterns[pat] = append(d.patterns[pat], reg)
	}
	return func() { d.unregister(pat, reg.id) }, nil
}

func (d *Dispatcher) unregister(pat string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pat == "*" {
		d.global = removeReg(d.global, id)
		return
	}
	regs := removeReg(d.patterns[pat], id)
	if len(regs) == 0 {
		delete(d.patterns, pat)
	} else {
		d.patterns[pat] = regs
	}
}

func removeReg(regs []*registration, id int) []*registration {
	for i, reg := range regs {
		if reg.id == id {
			return append(regs[:i], regs[i+1:]...)
		}
	}
	return regs
}

// Dispatch runs the global callbacks, then the callbacks of every
// pattern matching the event type. Within a pattern, callbacks run in
// registration order; pattern order is unspecified. A panicking or
// failing callback is logged and never stops the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event, subscriptionID string) {
	d.mu.RLock()
	cbs := make([]*registration, 0, len(d.global))
	cbs = append(cbs, d.global...)
	for pat, regs := range d.patterns {
		if pattern.Match(ev.Type, pat) {
			cbs = append(cbs, regs...)
		}
	}
	d.mu.RUnlock()

	for _, reg := range cbs {
		d.invoke(ctx, reg, ev, subscriptionID)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, reg *registration, ev event.Event, subscriptionID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event callback panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	if err := reg.fn(ctx, ev, subscriptionID); err != nil {
		slog.Warn("event callback failed", "event_type", ev.Type, "error", err)
	}
}

// Clear removes every registered callback.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = nil
	d.patterns = make(map[string][]*registration)
}

// Count returns the number of registered callbacks.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := len(d.global)
	for _, regs := range d.patterns {
		n += len(regs)
	}
	return n
}

type eventParams struct {
	SubscriptionID string      `json:"subscriptionId"`
	Event          event.Event `json:"event"`
}

type batchParams struct {
	SubscriptionID string        `json:"subscriptionId"`
	Events         []event.Event `json:"events"`
}

// HandleNotification decodes an events/event or events/batch
// notification and dispatches each carried event. Other methods are
// ignored, so a transport can feed every inbound notification through
// without filtering first.
func (d *Dispatcher) HandleNotification(ctx context.Context, method string, params json.RawMessage) error {
	switch method {
	case "events/event":
		var p eventParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("decode %s params: %w", method, err)
		}
		d.Dispatch(ctx, p.Event, p.SubscriptionID)
	case "events/batch":
		var p batchParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("decode %s params: %w", method, err)
		}
		for _, ev := range p.Events {
			d.Dispatch(ctx, ev, p.SubscriptionID)
		}
	}
	return nil
}
