// Package codec implements the wire framings the backend adapters share:
// JSON-RPC 2.0 over newline-delimited JSON, server-sent events, and plain
// NDJSON. The adapters own the protocol semantics; this package only frames.
package codec

import (
	"bytes"
	"encoding/json"
	"sync/atomic"

	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
)

// JSON-RPC framing errors.
var (
	ErrEmptyMessage   = gateerr.New(gateerr.KindProtocol, "empty message")
	ErrInvalidJSONRPC = gateerr.New(gateerr.KindProtocol, "invalid JSON-RPC message")
)

// Method-not-found error code, used when an agent calls capabilities the
// gateway does not implement (fs/*, terminal/*).
const CodeMethodNotFound = -32601

// RPCError is the error object in a JSON-RPC 2.0 response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// RPCMessage is a JSON-RPC 2.0 request, notification or response.
// ID is nil for notifications.
type RPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether m expects a response.
func (m *RPCMessage) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsNotification reports whether m is a fire-and-forget call.
func (m *RPCMessage) IsNotification() bool { return m.ID == nil && m.Method != "" }

// IsResponse reports whether m answers an earlier request.
func (m *RPCMessage) IsResponse() bool { return m.ID != nil && m.Method == "" }

// JSONRPC is a stateful JSON-RPC 2.0 codec. Request ids are strictly
// increasing starting at 1 per codec instance. Safe for concurrent use.
type JSONRPC struct {
	nextID atomic.Int64
}

// NewJSONRPC creates a codec with its id counter at zero.
func NewJSONRPC() *JSONRPC { return &JSONRPC{} }

// NewRequest builds a request with the next id.
func (c *JSONRPC) NewRequest(method string, params any) (RPCMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return RPCMessage{}, err
	}
	id := c.nextID.Add(1)
	return RPCMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification (no id, no response expected).
func (c *JSONRPC) NewNotification(method string, params any) (RPCMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return RPCMessage{}, err
	}
	return RPCMessage{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given request id.
func (c *JSONRPC) NewResponse(id int64, result any) (RPCMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return RPCMessage{}, err
	}
	return RPCMessage{JSONRPC: "2.0", ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func (c *JSONRPC) NewErrorResponse(id int64, code int, message string) RPCMessage {
	return RPCMessage{JSONRPC: "2.0", ID: &id, Error: &RPCError{Code: code, Message: message}}
}

// Encode serializes m as one newline-terminated line.
func (c *JSONRPC) Encode(m RPCMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode parses one wire line. Empty lines and non-2.0 frames are rejected.
func (c *JSONRPC) Decode(line []byte) (RPCMessage, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return RPCMessage{}, ErrEmptyMessage
	}
	var m RPCMessage
	if err := json.Unmarshal(line, &m); err != nil {
		return RPCMessage{}, gateerr.Wrap(gateerr.KindProtocol, "invalid JSON-RPC message", err)
	}
	if m.JSONRPC != "2.0" {
		return RPCMessage{}, ErrInvalidJSONRPC
	}
	return m, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
