// pkg/jsonrpc/jsonrpc.go

// Package jsonrpc carries the JSON-RPC 2.0 envelope used on both sides
// of the event protocol, plus the broker's error code table.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Standard JSON-RPC 2.0 codes, then the broker's range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotInitialized           = -32000
	CodeSubscriptionNotFound     = -32001
	CodeSubscriptionLimitReached = -32002
	CodeDeviceNotFound           = -32003
	CodeUnauthorized             = -32004
)

// Request is a request or, when ID is absent, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

func NewRequest(id any, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if id != nil {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, fmt.Errorf("marshal id: %w", err)
		}
		req.ID = raw
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewNotification builds a request without an ID; no response is
// expected for it.
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(nil, method, params)
}

// IsNotification reports whether the request carries no usable ID.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

func (r *Request) UnmarshalParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// NewResult wraps a successful result for id. A result that cannot be
// marshaled degrades to an internal error response.
func NewResult(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewError(id, CodeInternalError, "marshal result", nil)
	}
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: raw}
}

func NewError(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// normalizeID keeps the response ID field present (JSON-RPC 2.0 wants
// id:null when the request ID was unparseable).
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
