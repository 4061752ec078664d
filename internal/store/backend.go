// internal/store/backend.go
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

// Backend holds subscription records. Implementations must preserve
// per-client insertion order in ListByClient and List; the Store above
// them owns quota, ownership and lifecycle rules.
type Backend interface {
	Put(ctx context.Context, sub *event.Subscription) error
	Get(ctx context.Context, id string) (*event.Subscription, bool, error)
	Delete(ctx context.Context, id string) error
	ListByClient(ctx context.Context, clientID string) ([]*event.Subscription, error)
	List(ctx context.Context) ([]*event.Subscription, error)
}

// MemoryBackend keeps everything in process memory. It is the default
// backend and the cache layer for the file backend.
type MemoryBackend struct {
	mu       sync.RWMutex
	subs     map[string]*event.Subscription
	byClient map[string][]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		subs:     make(map[string]*event.Subscription),
		byClient: make(map[string][]string),
	}
}

func (m *MemoryBackend) Put(_ context.Context, sub *event.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.ID]; !exists {
		m.byClient[sub.ClientID] = append(m.byClient[sub.ClientID], sub.ID)
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) (*event.Subscription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	return sub, ok, nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil
	}
	delete(m.subs, id)
	ids := m.byClient[sub.ClientID]
	for i, sid := range ids {
		if sid == id {
			m.byClient[sub.ClientID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byClient[sub.ClientID]) == 0 {
		delete(m.byClient, sub.ClientID)
	}
	return nil
}

func (m *MemoryBackend) ListByClient(_ context.Context, clientID string) ([]*event.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listClientLocked(clientID), nil
}

func (m *MemoryBackend) List(_ context.Context) ([]*event.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]string, 0, len(m.byClient))
	for clientID := range m.byClient {
		clients = append(clients, clientID)
	}
	sort.Strings(clients)

	var out []*event.Subscription
	for _, clientID := range clients {
		out = append(out, m.listClientLocked(clientID)...)
	}
	return out, nil
}

func (m *MemoryBackend) listClientLocked(clientID string) []*event.Subscription {
	ids := m.byClient[clientID]
	out := make([]*event.Subscription, 0, len(ids))
	for _, id := range ids {
		if sub, ok := m.subs[id]; ok {
			out = append(out, sub)
		}
	}
	return out
}
