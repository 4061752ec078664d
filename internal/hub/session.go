// internal/hub/session.go
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mendyEdri/mcp-events-sub002/internal/store"
	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
	"github.com/mendyEdri/mcp-events-sub002/pkg/jsonrpc"
)

// ProtocolVersion is the protocol revision this broker speaks.
const ProtocolVersion = "2025-06-18"

const (
	serverName    = "eventsub"
	serverVersion = "0.3.0"
)

// Request methods handled by a session.
const (
	MethodInitialize        = "initialize"
	MethodSubscribe         = "events_subscribe"
	MethodUnsubscribe       = "events_unsubscribe"
	MethodList              = "events_list"
	MethodUpdate            = "events_update"
	MethodPause             = "events_pause"
	MethodResume            = "events_resume"
	MethodAck               = "events_ack"
	MethodDevicesRegister   = "devices_register"
	MethodDevicesInvalidate = "devices_invalidate"
)

// Notification methods pushed to clients.
const (
	MethodEvent               = "events/event"
	MethodBatch               = "events/batch"
	MethodSubscriptionExpired = "events/subscription_expired"
)

type sessionState int

const (
	stateUninitialized sessionState = iota
	stateReady
	stateClosed
)

// SendFunc writes one frame to the client's transport.
type SendFunc func(ctx context.Context, data []byte) error

// Session is one connection's protocol state machine. The transport
// feeds inbound frames to HandleMessage and receives responses and
// server notifications through the SendFunc. Closing a session leaves
// its subscriptions and timers untouched.
type Session struct {
	hub  *Hub
	send SendFunc

	mu              sync.Mutex
	state           sessionState
	id              string
	clientID        string
	clientName      string
	protocolVersion string
}

// NewSession creates an uninitialized session bound to the transport's
// send function.
func (h *Hub) NewSession(send SendFunc) *Session {
	return &Session{
		hub:  h,
		send: send,
		id:   uuid.New().String(),
	}
}

// ID returns the server-assigned session id.
func (s *Session) ID() string {
	return s.id
}

// ClientID returns the client identity bound at initialize, or ""
// before the handshake.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Send writes a frame to the client if the session is still live.
func (s *Session) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.state != stateReady {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	send := s.send
	s.mu.Unlock()
	if send == nil {
		return errors.New("no transport send function")
	}
	return send(ctx, data)
}

// Close detaches the session from the hub. Subscriptions and their
// timers survive; removing a subscription is what cancels them.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	wasReady := s.state == stateReady
	s.state = stateClosed
	s.mu.Unlock()
	if wasReady {
		s.hub.detach(s)
	}
	slog.Info("session closed", "session_id", s.id, "client_id", s.ClientID())
}

// HandleMessage processes one inbound frame and returns the response
// frame, or nil when the request was a notification.
func (s *Session) HandleMessage(ctx context.Context, data []byte) []byte {
	var req jsonrpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return marshalResponse(jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error", nil))
	}
	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		return marshalResponse(jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "invalid request", nil))
	}
	resp := s.dispatch(ctx, &req)
	if req.IsNotification() || resp == nil {
		return nil
	}
	return marshalResponse(resp)
}

func marshalResponse(resp *jsonrpc.Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("response marshal failed", "error", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}

func (s *Session) dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == stateClosed {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "session closed", nil)
	}
	if req.Method == MethodInitialize {
		return s.handleInitialize(ctx, req)
	}
	if state != stateReady {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeNotInitialized, "session not initialized", nil)
	}

	switch req.Method {
	case MethodSubscribe:
		return s.handleSubscribe(ctx, req)
	case MethodUnsubscribe:
		return s.handleUnsubscribe(ctx, req)
	case MethodList:
		return s.handleList(ctx, req)
	case MethodUpdate:
		return s.handleUpdate(ctx, req)
	case MethodPause:
		return s.handleSetStatus(ctx, req, event.StatusPaused)
	case MethodResume:
		return s.handleSetStatus(ctx, req, event.StatusActive)
	case MethodAck:
		return s.handleAck(ctx, req)
	case MethodDevicesRegister:
		return s.handleDevicesRegister(ctx, req)
	case MethodDevicesInvalidate:
		return s.handleDevicesInvalidate(ctx, req)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

// errorResponse maps store and validation failures onto the protocol's
// error codes. Internal details stay in the log, not on the wire.
func (s *Session) errorResponse(id json.RawMessage, method string, err error) *jsonrpc.Response {
	var verrs event.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "invalid params", verrs)
	case errors.Is(err, store.ErrQuotaExceeded):
		return jsonrpc.NewError(id, jsonrpc.CodeSubscriptionLimitReached, "subscription limit reached", nil)
	case errors.Is(err, store.ErrExpired):
		return jsonrpc.NewError(id, jsonrpc.CodeSubscriptionNotFound, "subscription expired", nil)
	case errors.Is(err, store.ErrNotFound):
		return jsonrpc.NewError(id, jsonrpc.CodeSubscriptionNotFound, "subscription not found", nil)
	case errors.Is(err, store.ErrDeviceNotFound):
		return jsonrpc.NewError(id, jsonrpc.CodeDeviceNotFound, "device not found", nil)
	case errors.Is(err, store.ErrNotOwner):
		return jsonrpc.NewError(id, jsonrpc.CodeUnauthorized, "unauthorized", nil)
	default:
		slog.Error("request failed", "session_id", s.id, "method", method, "error", err)
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, "internal error", nil)
	}
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	MaxSubscriptionsPerClient int             `json:"maxSubscriptionsPerClient"`
	Channels                  []event.Channel `json:"channels"`
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientID        string     `json:"clientId,omitempty"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Capabilities    capabilities `json:"capabilities"`
	ClientID        string       `json:"clientId"`
}

func (s *Session) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params initializeParams
	if err := req.UnmarshalParams(&params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}

	// Single supported revision; when the client asks for something
	// else it gets ours back and can decide whether to continue.
	version := ProtocolVersion

	s.mu.Lock()
	if s.state == stateReady {
		s.mu.Unlock()
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "session already initialized", nil)
	}
	clientID := params.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	s.state = stateReady
	s.clientID = clientID
	s.clientName = params.ClientInfo.Name
	s.protocolVersion = version
	s.mu.Unlock()

	s.hub.attach(s)
	slog.Info("session initialized",
		"session_id", s.id,
		"client_id", clientID,
		"client", params.ClientInfo.Name)

	return jsonrpc.NewResult(req.ID, initializeResult{
		ProtocolVersion: version,
		ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
		Capabilities: capabilities{
			MaxSubscriptionsPerClient: s.hub.maxPerClient,
			Channels:                  s.hub.channelCapabilities(),
		},
		ClientID: clientID,
	})
}

type subscribeParams struct {
	Filter    *event.EventFilter         `json:"filter,omitempty"`
	Delivery  *event.DeliveryPreferences `json:"delivery"`
	ExpiresAt *time.Time                 `json:"expiresAt,omitempty"`
}

type subscriptionResult struct {
	Subscription *event.Subscription `json:"subscription"`
}

func (s *Session) handleSubscribe(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params subscribeParams
	if err := req.UnmarshalParams(&params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}
	if params.Delivery == nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "delivery preferences required", nil)
	}

	createReq := store.CreateRequest{Delivery: *params.Delivery, ExpiresAt: params.ExpiresAt}
	if params.Filter != nil {
		createReq.Filter = *params.Filter
	}
	sub, err := s.hub.subscribe(ctx, s.ClientID(), createReq)
	if err != nil {
		return s.errorResponse(req.ID, req.Method, err)
	}
	return jsonrpc.NewResult(req.ID, subscriptionResult{Subscription: sub})
}

type subscriptionIDParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

type removedResult struct {
	Removed bool `json:"removed"`
}

func (s *Session) handleUnsubscribe(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params subscriptionIDParams
	if err := req.UnmarshalParams(&params); err != nil || params.SubscriptionID == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}
	if err := s.hub.unsubscribe(ctx, params.SubscriptionID, s.ClientID()); err != nil {
		return s.errorResponse(req.ID, req.Method, err)
	}
	return jsonrpc.NewResult(req.ID, removedResult{Removed: true})
}

type listParams struct {
	Status string `json:"status,omitempty"`
}

type listResult struct {
	Subscriptions []*event.Subscription `json:"subscriptions"`
}

func (s *Session) handleList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params listParams
	if len(req.Params) != 0 {
		if err := req.UnmarshalParams(&params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
		}
	}
	var status *event.Status
	if params.Status != "" {
		st := event.Status(params.Status)
		if !event.KnownStatus(st) {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("unknown status %q", params.Status), nil)
		}
		status = &st
	}
	subs, err := s.hub.store.List(ctx, s.ClientID(), status)
	if err != nil {
		return s.errorResponse(req.ID, req.Method, err)
	}
	if subs == nil {
		subs = []*event.Subscription{}
	}
	return jsonrpc.NewResult(req.ID, listResult{Subscriptions: subs})
}

type updateParams struct {
	SubscriptionID string                     `json:"subscriptionId"`
	Filter         *event.EventFilter         `json:"filter,omitempty"`
	Delivery       *event.DeliveryPreferences `json:"delivery,omitempty"`
	Status         *event.Status              `json:"status,omitempty"`
	ExpiresAt      *time.Time                 `json:"expiresAt,omitempty"`
}

func (s *Session) handleUpdate(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params updateParams
	if err := req.UnmarshalParams(&params); err != nil || params.SubscriptionID == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}
	sub, err := s.hub.update(ctx, params.SubscriptionID, s.ClientID(), store.UpdateRequest{
		Filter:    params.Filter,
		Delivery:  params.Delivery,
		Status:    params.Status,
		ExpiresAt: params.ExpiresAt,
	})
	if err != nil {
		return s.errorResponse(req.ID, req.Method, err)
	}
	return jsonrpc.NewResult(req.ID, subscriptionResult{Subscription: sub})
}

func (s *Session) handleSetStatus(ctx context.Context, req *jsonrpc.Request, status event.Status) *jsonrpc.Response {
	var params subscriptionIDParams
	if err := req.UnmarshalParams(&params); err != nil || params.SubscriptionID == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}
	sub, err := s.hub.store.SetStatus(ctx, params.SubscriptionID, s.ClientID(), status)
	if err != nil {
		return s.errorResponse(req.ID, req.Method, err)
	}
	return jsonrpc.NewResult(req.ID, subscriptionResult{Subscription: sub})
}

type ackParams struct {
	SubscriptionID string `json:"subscriptionId"`
	EventID        string `json:"eventId"`
}

type ackResult struct {
	Acknowledged bool `json:"acknowledged"`
}

func (s *Session) handleAck(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params ackParams
	if err := req.UnmarshalParams(&params); err != nil || params.SubscriptionID == "" || params.EventID == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}
	if _, err := s.hub.store.GetOwned(ctx, params.SubscriptionID, s.ClientID()); err != nil {
		return s.errorResponse(req.ID, req.Method, err)
	}
	s.hub.acked.Add(1)
	slog.Debug("event acknowledged",
		"subscription_id", params.SubscriptionID,
		"event_id", params.EventID,
		"client_id", s.ClientID())
	return jsonrpc.NewResult(req.ID, ackResult{Acknowledged: true})
}

type devicesRegisterParams struct {
	Channel  string `json:"channel"`
	Token    string `json:"token"`
	Endpoint string `json:"endpoint,omitempty"`
}

type deviceResult struct {
	Device *store.Device `json:"device"`
}

func (s *Session) handleDevicesRegister(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params devicesRegisterParams
	if err := req.UnmarshalParams(&params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}
	dev, err := s.hub.devices.Register(ctx, s.ClientID(), event.Channel(params.Channel), params.Token, params.Endpoint)
	if err != nil {
		return s.errorResponse(req.ID, req.Method, err)
	}
	return jsonrpc.NewResult(req.ID, deviceResult{Device: dev})
}

type devicesInvalidateParams struct {
	DeviceID string `json:"deviceId"`
}

func (s *Session) handleDevicesInvalidate(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params devicesInvalidateParams
	if err := req.UnmarshalParams(&params); err != nil || params.DeviceID == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}
	if err := s.hub.devices.Invalidate(ctx, params.DeviceID, s.ClientID()); err != nil {
		return s.errorResponse(req.ID, req.Method, err)
	}
	return jsonrpc.NewResult(req.ID, removedResult{Removed: true})
}
