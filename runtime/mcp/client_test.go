package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/toolhost/config"
	"goa.design/toolhost/runtime/mcp"
	"goa.design/toolhost/runtime/mcp/mcptest"
)

func testConfig() config.Server {
	return config.Server{
		Name:      "srv",
		Command:   "unused",
		TimeoutMS: 2000,
	}
}

func newTestClient(t *testing.T, srv *mcptest.Server, opts ...mcp.ClientOption) *mcp.Client {
	t.Helper()
	opts = append([]mcp.ClientOption{mcp.WithDialer(srv.Dialer())}, opts...)
	c := mcp.NewClient(testConfig(), opts...)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestClientConnectAndCall(t *testing.T) {
	srv := mcptest.NewServer(mcptest.WithTools(mcptest.EchoTool("echo")))
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.False(t, c.IsConnected())
	require.NoError(t, c.Connect(ctx))
	require.True(t, c.IsConnected())

	// Connect is idempotent while connected.
	require.NoError(t, c.Connect(ctx))
	require.Equal(t, 1, srv.Dials())

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Name)

	out, err := c.CallTool(ctx, "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hi"}`, string(out))
	require.Equal(t, 1, srv.Calls())

	st := c.Status()
	require.Equal(t, mcp.StatusConnected, st.State)
	require.False(t, st.LastConnected.IsZero())
	require.Greater(t, st.ResponseTime, time.Duration(0))
}

func TestClientCallWithoutConnect(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	_, err := c.CallTool(context.Background(), "echo", nil)
	require.ErrorIs(t, err, mcp.ErrNotConnected)
}

func TestClientConnectFailureRecordsBreakerFailure(t *testing.T) {
	srv := mcptest.NewServer()
	srv.Refuse(true)
	c := newTestClient(t, srv)

	err := c.Connect(context.Background())
	require.Error(t, err)
	require.False(t, c.IsConnected())
	require.Equal(t, 1, c.Breaker().Status().FailureCount)
	require.Equal(t, mcp.StatusError, c.Status().State)
}

func TestClientBreakerOpensAndFailsFast(t *testing.T) {
	srv := mcptest.NewServer()
	srv.Refuse(true)
	c := newTestClient(t, srv)
	ctx := context.Background()

	for i := 0; i < mcp.DefaultFailureThreshold; i++ {
		require.Error(t, c.Connect(ctx))
	}
	require.Equal(t, mcp.StateOpen, c.Breaker().State())
	dialsBefore := srv.Dials()

	// Open circuit rejects without dialing.
	err := c.Connect(ctx)
	require.ErrorIs(t, err, mcp.ErrCircuitOpen)
	require.Equal(t, dialsBefore, srv.Dials())
}

func TestClientToolErrorIsRPCError(t *testing.T) {
	srv := mcptest.NewServer(
		mcptest.WithTools(mcptest.EchoTool("echo")),
		mcptest.WithCallHandler(func(name string, args json.RawMessage) (any, *mcp.RPCError) {
			return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: "tool exploded"}
		}),
	)
	c := newTestClient(t, srv)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	_, err := c.CallTool(ctx, "echo", json.RawMessage(`{}`))
	var rpcErr *mcp.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, mcp.CodeInternalError, rpcErr.Code)
}

func TestClientPingTreatsMethodNotFoundAsLive(t *testing.T) {
	// mcptest answers unknown methods, including ping, with -32601. The
	// probe must still count the server as live.
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Ping(ctx))
}

func TestClientDisconnectIdempotent(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Disconnect(ctx))
	require.False(t, c.IsConnected())
	require.Equal(t, mcp.StatusDisconnected, c.Status().State)
}

func TestClientServerLossSurfacesAsTransportError(t *testing.T) {
	srv := mcptest.NewServer(mcptest.WithTools(mcptest.EchoTool("echo")))
	c := newTestClient(t, srv)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	srv.KillAll()

	_, err := c.CallTool(ctx, "echo", json.RawMessage(`{}`))
	require.Error(t, err)
	var rpcErr *mcp.RPCError
	require.False(t, errors.As(err, &rpcErr))
	require.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 10*time.Millisecond)
}
