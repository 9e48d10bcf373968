package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer answers the protocol session from the far end of a pipe pair.
type fakeServer struct {
	transport *StdioTransport
	// initParams captures the params of the initialize request.
	initParams chan json.RawMessage
	notified   chan string
}

func startFakeServer(t *testing.T, serverSide *StdioTransport, tools []ToolDescriptor) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		transport:  serverSide,
		initParams: make(chan json.RawMessage, 1),
		notified:   make(chan string, 4),
	}
	serverSide.SetErrorHandler(func(error) {})
	serverSide.SetMessageHandler(func(msg *Message) {
		if msg.IsNotification() {
			fs.notified <- msg.Method
			return
		}
		if !msg.IsRequest() {
			return
		}
		id := *msg.ID
		switch msg.Method {
		case "initialize":
			fs.initParams <- msg.Params
			resp, err := NewResponse(id, ProtocolInfo{
				ProtocolVersion: ProtocolVersion,
				ServerInfo:      PeerInfo{Name: "fake", Version: "0.1.0"},
			})
			require.NoError(t, err)
			require.NoError(t, serverSide.Send(resp))
		case "tools/list":
			resp, err := NewResponse(id, map[string]any{"tools": tools})
			require.NoError(t, err)
			require.NoError(t, serverSide.Send(resp))
		case "tools/call":
			var params struct {
				Arguments json.RawMessage `json:"arguments"`
			}
			require.NoError(t, json.Unmarshal(msg.Params, &params))
			resp, err := NewResponse(id, json.RawMessage(params.Arguments))
			require.NoError(t, err)
			require.NoError(t, serverSide.Send(resp))
		case "slow":
			// Never answered; exercises the request timeout.
		default:
			require.NoError(t, serverSide.Send(NewErrorResponse(id, CodeMethodNotFound, "Method not found")))
		}
	})
	require.NoError(t, serverSide.Start())
	t.Cleanup(func() { _ = serverSide.Stop() })
	return fs
}

func startProtocol(t *testing.T, opts ...ProtocolOption) (*Protocol, *fakeServer) {
	t.Helper()
	clientSide, serverSide := PipeTransports()
	fs := startFakeServer(t, serverSide, []ToolDescriptor{{Name: "echo", Description: "echoes"}})
	p := NewProtocol(opts...)
	require.NoError(t, p.Start(clientSide))
	t.Cleanup(func() { _ = p.Stop() })
	return p, fs
}

func TestProtocolInitializeHandshake(t *testing.T) {
	p, fs := startProtocol(t, WithClientInfo("hosttest", "0.0.1"))
	info, err := p.Initialize(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "fake", info.ServerInfo.Name)
	require.Equal(t, ProtocolVersion, info.ProtocolVersion)
	require.Equal(t, info, p.Info())

	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Roots struct {
				ListRoots bool `json:"listRoots"`
			} `json:"roots"`
			Sampling map[string]any `json:"sampling"`
		} `json:"capabilities"`
		ClientInfo PeerInfo `json:"clientInfo"`
	}
	select {
	case raw := <-fs.initParams:
		require.NoError(t, json.Unmarshal(raw, &params))
	case <-time.After(time.Second):
		t.Fatal("initialize request not observed")
	}
	require.Equal(t, ProtocolVersion, params.ProtocolVersion)
	require.False(t, params.Capabilities.Roots.ListRoots)
	require.NotNil(t, params.Capabilities.Sampling)
	require.Equal(t, PeerInfo{Name: "hosttest", Version: "0.0.1"}, params.ClientInfo)

	select {
	case method := <-fs.notified:
		require.Equal(t, "notifications/initialized", method)
	case <-time.After(time.Second):
		t.Fatal("initialized notification not observed")
	}
}

func TestProtocolListAndCall(t *testing.T) {
	p, _ := startProtocol(t)
	ctx := context.Background()

	tools, err := p.ListTools(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Name)

	out, err := p.CallTool(ctx, "echo", json.RawMessage(`{"text":"hi"}`), time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hi"}`, string(out))
}

func TestProtocolConcurrentRequestsMatchByID(t *testing.T) {
	p, _ := startProtocol(t)
	ctx := context.Background()

	const n = 8
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			arg, _ := json.Marshal(map[string]int{"i": i})
			out, err := p.CallTool(ctx, "echo", arg, time.Second)
			if err != nil {
				results <- err.Error()
				return
			}
			results <- string(out)
		}(i)
	}
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			seen[r] = true
		case <-time.After(2 * time.Second):
			t.Fatal("concurrent call did not complete")
		}
	}
	// Every caller got its own payload back.
	require.Len(t, seen, n)
}

func TestProtocolRequestTimeout(t *testing.T) {
	p, _ := startProtocol(t)
	_, err := p.SendRequest(context.Background(), "slow", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
	// The session remains usable after a timeout.
	_, err = p.CallTool(context.Background(), "echo", json.RawMessage(`{}`), time.Second)
	require.NoError(t, err)
}

func TestProtocolZeroTimeoutFailsWithoutSending(t *testing.T) {
	p := NewProtocol()
	// Never started: a send attempt would fail differently.
	_, err := p.SendRequest(context.Background(), "anything", nil, 0)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestProtocolMethodNotFoundError(t *testing.T) {
	p, _ := startProtocol(t)
	resp, err := p.Ping(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestProtocolAnswersUnknownServerRequest(t *testing.T) {
	clientSide, serverSide := PipeTransports()
	replies := make(chan *Message, 1)
	serverSide.SetErrorHandler(func(error) {})
	serverSide.SetMessageHandler(func(msg *Message) {
		if msg.IsResponse() {
			replies <- msg
		}
	})
	require.NoError(t, serverSide.Start())
	defer func() { _ = serverSide.Stop() }()

	p := NewProtocol()
	require.NoError(t, p.Start(clientSide))
	defer func() { _ = p.Stop() }()

	req, err := NewRequest(StringID("srv-1"), "roots/list", nil)
	require.NoError(t, err)
	require.NoError(t, serverSide.Send(req))

	select {
	case resp := <-replies:
		require.Equal(t, StringID("srv-1"), *resp.ID)
		require.NotNil(t, resp.Error)
		require.Equal(t, CodeMethodNotFound, resp.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("no reply to unknown request")
	}
}

func TestProtocolRequestHandlerErrorsBecomeInternalErrors(t *testing.T) {
	clientSide, serverSide := PipeTransports()
	replies := make(chan *Message, 1)
	serverSide.SetErrorHandler(func(error) {})
	serverSide.SetMessageHandler(func(msg *Message) {
		if msg.IsResponse() {
			replies <- msg
		}
	})
	require.NoError(t, serverSide.Start())
	defer func() { _ = serverSide.Stop() }()

	p := NewProtocol(WithRequestHandler(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return nil, context.DeadlineExceeded
	}))
	require.NoError(t, p.Start(clientSide))
	defer func() { _ = p.Stop() }()

	req, err := NewRequest(IntID(9), "sampling/createMessage", nil)
	require.NoError(t, err)
	require.NoError(t, serverSide.Send(req))

	select {
	case resp := <-replies:
		require.NotNil(t, resp.Error)
		require.Equal(t, CodeInternalError, resp.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("no reply from request handler")
	}
}

func TestProtocolStopFailsPending(t *testing.T) {
	p, _ := startProtocol(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := p.SendRequest(context.Background(), "slow", nil, 10*time.Second)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Stop())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed by stop")
	}
}

func TestProtocolTransportLossFailsPending(t *testing.T) {
	clientSide, serverSide := PipeTransports()
	serverSide.SetErrorHandler(func(error) {})
	serverSide.SetMessageHandler(func(*Message) {}) // swallow everything
	require.NoError(t, serverSide.Start())

	p := NewProtocol()
	require.NoError(t, p.Start(clientSide))
	defer func() { _ = p.Stop() }()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.SendRequest(context.Background(), "slow", nil, 10*time.Second)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, serverSide.Stop())

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrStopped)
		var rpcErr *RPCError
		require.False(t, errors.As(err, &rpcErr), "transport loss must not look like a protocol error")
	case <-time.After(time.Second):
		t.Fatal("pending request not failed by transport loss")
	}
}
