package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mendyEdri/mcp-events-sub002/internal/clock"
	"github.com/mendyEdri/mcp-events-sub002/internal/hub"
	"github.com/mendyEdri/mcp-events-sub002/internal/store"
	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

func setupServer(t *testing.T, token string) (*Server, *store.Store) {
	t.Helper()
	st := store.New(store.NewMemoryBackend(), 50, clock.System())
	devices := store.NewDeviceStore(filepath.Join(t.TempDir(), "devices.json"), clock.System())
	h := hub.New(st, devices, hub.Options{
		SweepInterval:   time.Hour,
		DeliveryWorkers: 2,
		QueueSize:       16,
	})
	h.Start(context.Background())
	t.Cleanup(h.Stop)
	return NewServer(h, token), st
}

func seedSubscription(t *testing.T, st *store.Store, clientID string, types ...string) *event.Subscription {
	t.Helper()
	sub, err := st.Create(context.Background(), clientID, store.CreateRequest{
		Filter: event.EventFilter{EventTypes: types},
		Delivery: event.DeliveryPreferences{
			Channels: []event.Channel{event.ChannelWebSocket},
			Priority: event.DeliveryRealtime,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestIngestHealth(t *testing.T) {
	srv, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestIngestPublishAccepted(t *testing.T) {
	srv, st := setupServer(t, "")
	seedSubscription(t, st, "client-a", "github.push")

	body := `{"type":"github.push","data":{"repo":"demo"},"metadata":{"source":"github"}}`
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["id"] == "" || resp["id"] == nil {
		t.Error("expected an assigned event id")
	}
	if n, ok := resp["matched"].(float64); !ok || n != 1 {
		t.Errorf("expected matched 1, got %v", resp["matched"])
	}
}

func TestIngestPublishNoMatch(t *testing.T) {
	srv, st := setupServer(t, "")
	seedSubscription(t, st, "client-a", "gmail.**")

	body := `{"type":"github.push","metadata":{"source":"github"}}`
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if n, ok := resp["matched"].(float64); !ok || n != 0 {
		t.Errorf("expected matched 0, got %v", resp["matched"])
	}
}

func TestIngestPublishInvalidJSON(t *testing.T) {
	srv, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestIngestPublishValidation(t *testing.T) {
	srv, _ := setupServer(t, "")

	// No type, unknown source
	body := `{"metadata":{"source":"carrier-pigeon"}}`
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}

	var resp struct {
		Error  string `json:"error"`
		Fields []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"fields"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "invalid event" {
		t.Errorf("expected error 'invalid event', got %q", resp.Error)
	}
	if len(resp.Fields) != 2 {
		t.Fatalf("expected 2 field errors, got %d", len(resp.Fields))
	}
	if resp.Fields[0].Field != "type" {
		t.Errorf("expected first field error on type, got %q", resp.Fields[0].Field)
	}
	if resp.Fields[1].Field != "metadata.source" {
		t.Errorf("expected second field error on metadata.source, got %q", resp.Fields[1].Field)
	}
}

func TestIngestAuthorization(t *testing.T) {
	srv, st := setupServer(t, "hunter2")
	seedSubscription(t, st, "client-a", "github.push")

	body := `{"type":"github.push","metadata":{"source":"github"}}`

	// No header
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without token, got %d", w.Code)
	}

	// Wrong token
	req = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 with wrong token, got %d", w.Code)
	}

	// Correct token
	req = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer hunter2")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 with correct token, got %d", w.Code)
	}

	// The token gates intake only, not the read API
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for health, got %d", w.Code)
	}
}

func TestIngestSubscriptionsList(t *testing.T) {
	srv, st := setupServer(t, "")
	subA := seedSubscription(t, st, "client-a", "github.**")
	seedSubscription(t, st, "client-b", "gmail.**")

	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions?client_id=client-a", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var result []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(result))
	}
	if result[0]["id"] != subA.ID {
		t.Errorf("expected subscription %s, got %v", subA.ID, result[0]["id"])
	}

	// Without client_id every subscription is listed
	req = httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	result = nil
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if len(result) != 2 {
		t.Errorf("expected 2 subscriptions, got %d", len(result))
	}
}

func TestIngestSubscriptionsEmpty(t *testing.T) {
	srv, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions?client_id=nobody", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestIngestStats(t *testing.T) {
	srv, st := setupServer(t, "")
	seedSubscription(t, st, "client-a", "github.push")

	body := `{"type":"github.push","metadata":{"source":"github"}}`
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var stats map[string]any
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if n, ok := stats["published"].(float64); !ok || n != 1 {
		t.Errorf("expected published 1, got %v", stats["published"])
	}
	if n, ok := stats["matched"].(float64); !ok || n != 1 {
		t.Errorf("expected matched 1, got %v", stats["matched"])
	}
}
