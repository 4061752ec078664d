// internal/store/store.go

// Package store owns subscription and device records: quota
// enforcement, ownership checks, status lifecycle and expiry. Mutating
// operations serialize on one mutex; the mutex is never held across
// timer work or notification sends, which belong to the scheduler and
// hub.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mendyEdri/mcp-events-sub002/internal/clock"
	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

var (
	ErrNotFound      = errors.New("subscription not found")
	ErrQuotaExceeded = errors.New("subscription quota exceeded")
	ErrExpired       = errors.New("subscription expired")
)

type Store struct {
	mu           sync.Mutex
	backend      Backend
	clock        clock.Clock
	maxPerClient int
}

// New creates a store over backend. maxPerClient <= 0 disables the
// quota. A nil clk falls back to the system clock.
func New(backend Backend, maxPerClient int, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System()
	}
	return &Store{
		backend:      backend,
		clock:        clk,
		maxPerClient: maxPerClient,
	}
}

// CreateRequest carries the client-settable parts of a new
// subscription.
type CreateRequest struct {
	Filter    event.EventFilter         `json:"filter"`
	Delivery  event.DeliveryPreferences `json:"delivery"`
	ExpiresAt *time.Time                `json:"expiresAt,omitempty"`
}

// UpdateRequest is a patch: nil fields keep their stored values.
type UpdateRequest struct {
	Filter    *event.EventFilter         `json:"filter,omitempty"`
	Delivery  *event.DeliveryPreferences `json:"delivery,omitempty"`
	Status    *event.Status              `json:"status,omitempty"`
	ExpiresAt *time.Time                 `json:"expiresAt,omitempty"`
}

// Create validates the request and inserts a new active subscription,
// enforcing the per-client quota atomically with the insert.
func (s *Store) Create(ctx context.Context, clientID string, req CreateRequest) (*event.Subscription, error) {
	if clientID == "" {
		return nil, fmt.Errorf("empty client id")
	}
	now := s.clock.Now()

	errs := event.ValidateSubscription(req.Filter, req.Delivery)
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		errs = append(errs, event.FieldError{Field: "expiresAt", Message: "must be in the future"})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	sub := &event.Subscription{
		ID:        event.NewID(),
		ClientID:  clientID,
		Filter:    req.Filter,
		Delivery:  req.Delivery,
		Status:    event.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}
	if sub.Delivery.Priority == "" {
		sub.Delivery.Priority = event.DeliveryNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxPerClient > 0 {
		existing, err := s.backend.ListByClient(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		live := 0
		for _, e := range existing {
			if e.Status != event.StatusExpired && !e.Lapsed(now) {
				live++
			}
		}
		if live >= s.maxPerClient {
			return nil, fmt.Errorf("client %s has %d subscriptions: %w", clientID, live, ErrQuotaExceeded)
		}
	}

	if err := s.backend.Put(ctx, sub); err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}
	return sub.Clone(), nil
}

// Get looks a subscription up by id alone. Internal callers only;
// protocol paths go through GetOwned.
func (s *Store) Get(ctx context.Context, id string) (*event.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

// GetOwned returns the subscription only when clientID owns it. A
// missing subscription and a foreign one are indistinguishable to the
// caller.
func (s *Store) GetOwned(ctx context.Context, id, clientID string) (*event.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.getOwnedLocked(ctx, id, clientID)
	if err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

func (s *Store) getOwnedLocked(ctx context.Context, id, clientID string) (*event.Subscription, error) {
	sub, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || sub.ClientID != clientID {
		return nil, ErrNotFound
	}
	return sub, nil
}

// Update applies a patch to an owned subscription. The stored record
// is only replaced once the patched result validates.
func (s *Store) Update(ctx context.Context, id, clientID string, patch UpdateRequest) (*event.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.getOwnedLocked(ctx, id, clientID)
	if err != nil {
		return nil, err
	}

	next := stored.Clone()
	if patch.Filter != nil {
		next.Filter = *patch.Filter
	}
	if patch.Delivery != nil {
		next.Delivery = *patch.Delivery
		if next.Delivery.Priority == "" {
			next.Delivery.Priority = event.DeliveryNormal
		}
	}
	if patch.ExpiresAt != nil {
		at := *patch.ExpiresAt
		next.ExpiresAt = &at
	}

	errs := event.ValidateSubscription(next.Filter, next.Delivery)
	if patch.Status != nil {
		switch *patch.Status {
		case event.StatusActive, event.StatusPaused:
			next.Status = *patch.Status
		default:
			errs = append(errs, event.FieldError{Field: "status", Message: fmt.Sprintf("cannot set status %q", *patch.Status)})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	next.UpdatedAt = s.clock.Now()
	if err := s.backend.Put(ctx, next); err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}
	return next.Clone(), nil
}

// Remove deletes an owned subscription, with the same not-found
// conflation as GetOwned.
func (s *Store) Remove(ctx context.Context, id, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getOwnedLocked(ctx, id, clientID); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// List returns the client's subscriptions in creation order,
// optionally narrowed to one status.
func (s *Store) List(ctx context.Context, clientID string, status *event.Status) ([]*event.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.backend.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	out := make([]*event.Subscription, 0, len(subs))
	for _, sub := range subs {
		if status != nil && sub.Status != *status {
			continue
		}
		out = append(out, sub.Clone())
	}
	return out, nil
}

// SetStatus flips an owned subscription between active and paused.
// Expired subscriptions stay expired.
func (s *Store) SetStatus(ctx context.Context, id, clientID string, status event.Status) (*event.Subscription, error) {
	if status != event.StatusActive && status != event.StatusPaused {
		return nil, fmt.Errorf("cannot set status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.getOwnedLocked(ctx, id, clientID)
	if err != nil {
		return nil, err
	}
	if stored.Status == event.StatusExpired || stored.Lapsed(s.clock.Now()) {
		return nil, ErrExpired
	}

	next := stored.Clone()
	next.Status = status
	next.UpdatedAt = s.clock.Now()
	if err := s.backend.Put(ctx, next); err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}
	return next.Clone(), nil
}

// FindMatching snapshots every subscription that should receive ev:
// active, not lapsed, filter satisfied. Callers deliver from the
// snapshot without touching store state.
func (s *Store) FindMatching(ctx context.Context, ev event.Event) ([]*event.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var matched []*event.Subscription
	for _, sub := range subs {
		if sub.Status != event.StatusActive || sub.Lapsed(now) {
			continue
		}
		if !sub.Filter.Matches(ev) {
			continue
		}
		matched = append(matched, sub.Clone())
	}
	return matched, nil
}

// All returns a snapshot of every stored subscription, across clients.
// Used when rebuilding delivery timers after a restart.
func (s *Store) All(ctx context.Context) ([]*event.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*event.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Clone())
	}
	return out, nil
}

// MarkExpired transitions a subscription to expired regardless of
// owner. Used by the scheduler's auto-expire and the sweep.
func (s *Store) MarkExpired(ctx context.Context, id string) (*event.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if sub.Status == event.StatusExpired {
		return sub.Clone(), nil
	}
	next := sub.Clone()
	next.Status = event.StatusExpired
	next.UpdatedAt = s.clock.Now()
	if err := s.backend.Put(ctx, next); err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}
	return next.Clone(), nil
}

// SweepExpired transitions every lapsed subscription to expired and
// returns the ones it changed.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) ([]*event.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	var swept []*event.Subscription
	for _, sub := range subs {
		if sub.Status == event.StatusExpired || !sub.Lapsed(now) {
			continue
		}
		next := sub.Clone()
		next.Status = event.StatusExpired
		next.UpdatedAt = now
		if err := s.backend.Put(ctx, next); err != nil {
			return swept, fmt.Errorf("store subscription: %w", err)
		}
		swept = append(swept, next.Clone())
	}
	return swept, nil
}
