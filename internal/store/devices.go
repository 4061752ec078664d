// internal/store/devices.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mendyEdri/mcp-events-sub002/internal/clock"
	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNotOwner       = errors.New("device owned by another client")
)

// Device is a push delivery target registered through the protocol.
// Push sinks look devices up by owner and channel when they deliver.
type Device struct {
	ID        string        `json:"id"`
	ClientID  string        `json:"clientId"`
	Channel   event.Channel `json:"channel"`
	Token     string        `json:"token"`
	Endpoint  string        `json:"endpoint,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// DeviceStore is a JSON-file-backed registry of push devices.
type DeviceStore struct {
	mu    sync.Mutex
	path  string
	clock clock.Clock
}

func NewDeviceStore(path string, clk clock.Clock) *DeviceStore {
	if clk == nil {
		clk = clock.System()
	}
	return &DeviceStore{path: path, clock: clk}
}

// Register adds a device for clientID. Re-registering the same
// client/channel/token returns the existing record, so app restarts
// do not pile up duplicates.
func (d *DeviceStore) Register(_ context.Context, clientID string, channel event.Channel, token, endpoint string) (*Device, error) {
	var errs event.ValidationErrors
	if channel != event.ChannelWebPush && channel != event.ChannelAPNS {
		errs = append(errs, event.FieldError{Field: "channel", Message: fmt.Sprintf("cannot register devices for channel %q", channel)})
	}
	if token == "" {
		errs = append(errs, event.FieldError{Field: "token", Message: "required"})
	}
	if clientID == "" {
		errs = append(errs, event.FieldError{Field: "clientId", Message: "required"})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	devices, err := d.load()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.ClientID == clientID && dev.Channel == channel && dev.Token == token {
			return dev, nil
		}
	}

	dev := &Device{
		ID:        event.NewID(),
		ClientID:  clientID,
		Channel:   channel,
		Token:     token,
		Endpoint:  endpoint,
		CreatedAt: d.clock.Now(),
	}
	devices = append(devices, dev)
	if err := d.save(devices); err != nil {
		return nil, err
	}
	return dev, nil
}

// Invalidate removes a device. Unknown ids and devices owned by a
// different client fail distinctly.
func (d *DeviceStore) Invalidate(_ context.Context, id, clientID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices, err := d.load()
	if err != nil {
		return err
	}
	for i, dev := range devices {
		if dev.ID != id {
			continue
		}
		if dev.ClientID != clientID {
			return ErrNotOwner
		}
		devices = append(devices[:i], devices[i+1:]...)
		return d.save(devices)
	}
	return ErrDeviceNotFound
}

// Get returns a device by id. Push sinks use it to re-check a token
// they resolved earlier before invalidating it.
func (d *DeviceStore) Get(_ context.Context, id string) (*Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices, err := d.load()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.ID == id {
			return dev, nil
		}
	}
	return nil, ErrDeviceNotFound
}

// ListByClient returns the client's devices, optionally narrowed to
// one channel when channel is non-empty.
func (d *DeviceStore) ListByClient(_ context.Context, clientID string, channel event.Channel) ([]*Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices, err := d.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Device, 0, len(devices))
	for _, dev := range devices {
		if dev.ClientID != clientID {
			continue
		}
		if channel != "" && dev.Channel != channel {
			continue
		}
		out = append(out, dev)
	}
	return out, nil
}

func (d *DeviceStore) load() ([]*Device, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	var devices []*Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("unmarshal devices: %w", err)
	}
	return devices, nil
}

func (d *DeviceStore) save(devices []*Device) error {
	if devices == nil {
		devices = []*Device{}
	}
	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal devices: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("create devices dir: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp devices file: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp devices file: %w", err)
	}
	return nil
}
