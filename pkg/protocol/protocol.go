// Package protocol defines the WebSocket wire frames and event names
// shared by the gateway server and its clients.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 1

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"` // always "req"
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame.
type ResponseFrame struct {
	Type   string      `json:"type"` // always "res"
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server → client push.
type EventFrame struct {
	Type    string      `json:"type"` // always "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorInfo carries a machine-readable error code plus human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent builds an EventFrame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: name, Payload: payload}
}

// NewResponse builds a success ResponseFrame.
func NewResponse(id string, result interface{}) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: true, Result: result}
}

// NewErrorResponse builds a failure ResponseFrame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}
