// Package mcp implements the host side of the tool server wire protocol:
// JSON-RPC 2.0 messages framed over a child process's standard input and
// output. It provides the message codec, the two stdio framings, the
// protocol handler with its pending-request table, the child process
// manager, and the per-server client with its circuit breaker.
package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// JSON-RPC canonical error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type (
	// ID is a JSON-RPC request identifier. The protocol allows both string
	// and integer ids; the handler allocates integers for outgoing requests
	// but must echo whatever form a server uses for its own requests. The
	// zero ID is "absent". ID is comparable and usable as a map key.
	ID struct {
		num   int64
		str   string
		isStr bool
		set   bool
	}

	// Message is a JSON-RPC 2.0 message. A single struct covers requests,
	// notifications and responses; classification helpers tell them apart.
	Message struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *ID             `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
	}

	// RPCError is the error object carried by a JSON-RPC response.
	RPCError struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
)

// IntID returns an integer request id.
func IntID(n int64) ID { return ID{num: n, set: true} }

// StringID returns a string request id.
func StringID(s string) ID { return ID{str: s, isStr: true, set: true} }

// Valid reports whether the id is present.
func (id ID) Valid() bool { return id.set }

// String renders the id for logs and error messages.
func (id ID) String() string {
	if !id.set {
		return "<none>"
	}
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON encodes the id in its original form.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.set {
		return []byte("null"), nil
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON accepts string, integer and null ids.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid JSON-RPC id %s: %w", data, err)
	}
	*id = IntID(n)
	return nil
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsResponse reports whether m is a response: id present with a result or
// error.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.ID.Valid() && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether m is a notification: method present, id
// absent.
func (m *Message) IsNotification() bool {
	return m.Method != "" && (m.ID == nil || !m.ID.Valid()) && m.Result == nil && m.Error == nil
}

// IsRequest reports whether m is an incoming request: method and id present.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil && m.ID.Valid() && m.Result == nil && m.Error == nil
}

// NewRequest builds a request message. params may be nil.
func NewRequest(id ID, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification builds a notification message. Notifications carry no id.
func NewNotification(method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id ID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id ID, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: &id, Error: &RPCError{Code: code, Message: message}}
}
