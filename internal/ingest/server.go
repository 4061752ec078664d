// internal/ingest/server.go

// Package ingest exposes the broker's HTTP boundary: event intake for
// producers plus a small read-only API over subscriptions and counters.
package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mendyEdri/mcp-events-sub002/internal/hub"
	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

// Server is a lightweight HTTP handler for the ingest endpoints.
type Server struct {
	hub   *hub.Hub
	token string
	mux   *http.ServeMux
}

// NewServer creates an ingest Server around the hub. A non-empty token
// requires producers to send "Authorization: Bearer <token>"; an empty
// token leaves intake open, which only makes sense on a loopback
// listener.
func NewServer(h *hub.Hub, token string) *Server {
	s := &Server{
		hub:   h,
		token: token,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /events", s.handlePublish)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/subscriptions", s.handleAPISubscriptions)
	s.mux.HandleFunc("GET /api/stats", s.handleAPIStats)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got := r.Header.Get("Authorization")
	want := "Bearer " + s.token
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	matched, err := s.hub.Publish(r.Context(), &ev)
	if err != nil {
		var verrs event.ValidationErrors
		if errors.As(err, &verrs) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid event", "fields": verrs})
			return
		}
		slog.Error("ingest publish failed", "type", ev.Type, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"id": ev.ID, "matched": matched})
}

func (s *Server) handleAPISubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.hub.Subscriptions(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		slog.Error("list subscriptions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if subs == nil {
		subs = []*event.Subscription{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(subs)
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.Stats())
}
