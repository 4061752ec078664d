// internal/store/filestore.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

// FileBackend persists each client's subscriptions as one JSON
// document under <root>/subscriptions/ and serves reads from a cache
// loaded at startup. The daemon is the only writer; the CLI reads the
// same files for offline inspection.
type FileBackend struct {
	mu  sync.Mutex
	dir string
	mem *MemoryBackend
}

func NewFileBackend(root string) (*FileBackend, error) {
	dir := filepath.Join(root, "subscriptions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create subscriptions dir: %w", err)
	}
	f := &FileBackend{dir: dir, mem: NewMemoryBackend()}
	if err := f.loadAll(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileBackend) loadAll() error {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("glob subscriptions: %w", err)
	}
	ctx := context.Background()
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var subs []*event.Subscription
		if err := json.Unmarshal(data, &subs); err != nil {
			return fmt.Errorf("unmarshal %s: %w", path, err)
		}
		for _, sub := range subs {
			if err := f.mem.Put(ctx, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// clientPath escapes the client id so it is always a plain file name.
func (f *FileBackend) clientPath(clientID string) string {
	return filepath.Join(f.dir, url.PathEscape(clientID)+".json")
}

func (f *FileBackend) Put(ctx context.Context, sub *event.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.mem.ListByClient(ctx, sub.ClientID)
	if err != nil {
		return err
	}
	next := make([]*event.Subscription, 0, len(current)+1)
	replaced := false
	for _, s := range current {
		if s.ID == sub.ID {
			next = append(next, sub)
			replaced = true
			continue
		}
		next = append(next, s)
	}
	if !replaced {
		next = append(next, sub)
	}

	if err := f.save(sub.ClientID, next); err != nil {
		return err
	}
	return f.mem.Put(ctx, sub)
}

func (f *FileBackend) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok, err := f.mem.Get(ctx, id)
	if err != nil || !ok {
		return err
	}

	current, err := f.mem.ListByClient(ctx, sub.ClientID)
	if err != nil {
		return err
	}
	next := make([]*event.Subscription, 0, len(current))
	for _, s := range current {
		if s.ID != id {
			next = append(next, s)
		}
	}

	if err := f.save(sub.ClientID, next); err != nil {
		return err
	}
	return f.mem.Delete(ctx, id)
}

func (f *FileBackend) Get(ctx context.Context, id string) (*event.Subscription, bool, error) {
	return f.mem.Get(ctx, id)
}

func (f *FileBackend) ListByClient(ctx context.Context, clientID string) ([]*event.Subscription, error) {
	return f.mem.ListByClient(ctx, clientID)
}

func (f *FileBackend) List(ctx context.Context) ([]*event.Subscription, error) {
	return f.mem.List(ctx)
}

// save writes a client document atomically (temp file + rename).
func (f *FileBackend) save(clientID string, subs []*event.Subscription) error {
	if subs == nil {
		subs = []*event.Subscription{}
	}
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}

	target := f.clientPath(clientID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp subscriptions file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp subscriptions file: %w", err)
	}
	return nil
}
