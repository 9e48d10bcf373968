package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDRoundTrip(t *testing.T) {
	intID := IntID(42)
	data, err := json.Marshal(intID)
	require.NoError(t, err)
	require.Equal(t, "42", string(data))
	var back ID
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, intID, back)

	strID := StringID("req-1")
	data, err = json.Marshal(strID)
	require.NoError(t, err)
	require.Equal(t, `"req-1"`, string(data))
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, strID, back)
}

func TestIDNull(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte("null"), &id))
	require.False(t, id.Valid())
}

func TestMessageClassification(t *testing.T) {
	id := IntID(1)
	cases := []struct {
		name                         string
		msg                          Message
		request, notification, reply bool
	}{
		{
			name:    "request",
			msg:     Message{JSONRPC: Version, ID: &id, Method: "tools/call"},
			request: true,
		},
		{
			name:         "notification",
			msg:          Message{JSONRPC: Version, Method: "notifications/initialized"},
			notification: true,
		},
		{
			name:  "response with result",
			msg:   Message{JSONRPC: Version, ID: &id, Result: json.RawMessage(`{}`)},
			reply: true,
		},
		{
			name:  "response with error",
			msg:   Message{JSONRPC: Version, ID: &id, Error: &RPCError{Code: CodeInternalError, Message: "boom"}},
			reply: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.request, tc.msg.IsRequest())
			require.Equal(t, tc.notification, tc.msg.IsNotification())
			require.Equal(t, tc.reply, tc.msg.IsResponse())
		})
	}
}

func TestMessageWireRoundTrip(t *testing.T) {
	req, err := NewRequest(StringID("a"), "tools/call", map[string]any{"name": "echo"})
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, req.Method, back.Method)
	require.Equal(t, *req.ID, *back.ID)
	require.JSONEq(t, string(req.Params), string(back.Params))
}

func TestRPCErrorError(t *testing.T) {
	err := &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}
	require.EqualError(t, err, "rpc error -32601: Method not found")
}
