// Package mcptest provides an in-process tool server for tests. A Server
// speaks the same JSON-RPC session a spawned child would, over in-memory
// pipes instead of process stdio, so client, pool and host behavior can be
// exercised without external binaries.
package mcptest

import (
	"encoding/json"
	"sync"

	"goa.design/toolhost/config"
	"goa.design/toolhost/runtime/mcp"
)

type (
	// CallHandler serves one tools/call invocation. Returning a non-nil
	// *mcp.RPCError produces a JSON-RPC error response.
	CallHandler func(name string, args json.RawMessage) (any, *mcp.RPCError)

	// Server is an in-process tool server. Every Dial creates an
	// independent session sharing the server's tool list and handler.
	Server struct {
		mu       sync.Mutex
		tools    []mcp.ToolDescriptor
		handler  CallHandler
		sessions []*session
		dials    int
		calls    int
		refuse   bool
	}

	session struct {
		transport *mcp.StdioTransport
	}

	// Option configures a Server.
	Option func(*Server)
)

// WithTools sets the advertised tool list.
func WithTools(tools ...mcp.ToolDescriptor) Option {
	return func(s *Server) { s.tools = tools }
}

// WithCallHandler sets the tools/call handler. The default echoes the
// arguments back as the result.
func WithCallHandler(h CallHandler) Option {
	return func(s *Server) { s.handler = h }
}

// NewServer constructs a server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		handler: func(name string, args json.RawMessage) (any, *mcp.RPCError) {
			return json.RawMessage(args), nil
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EchoTool is a ready-made descriptor for a tool taking {"text": string}.
func EchoTool(name string) mcp.ToolDescriptor {
	return mcp.ToolDescriptor{
		Name:        name,
		Description: "Echoes text back.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
	}
}

// Dialer returns an mcp.Dialer that connects clients to this server.
func (s *Server) Dialer() mcp.Dialer {
	return func(cfg config.Server) (*mcp.Session, error) {
		return s.dial()
	}
}

func (s *Server) dial() (*mcp.Session, error) {
	s.mu.Lock()
	s.dials++
	refuse := s.refuse
	s.mu.Unlock()

	clientTransport, serverTransport := mcp.PipeTransports()
	if refuse {
		// Simulate a child that dies before the handshake.
		_ = serverTransport.Stop()
		return &mcp.Session{Transport: clientTransport}, nil
	}

	sess := &session{transport: serverTransport}
	serverTransport.SetMessageHandler(func(msg *mcp.Message) { s.serve(sess, msg) })
	serverTransport.SetErrorHandler(func(error) {})
	if err := serverTransport.Start(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
	return &mcp.Session{Transport: clientTransport}, nil
}

// serve answers one inbound message on a session.
func (s *Server) serve(sess *session, msg *mcp.Message) {
	if !msg.IsRequest() {
		return
	}
	id := *msg.ID
	switch msg.Method {
	case "initialize":
		s.reply(sess, id, map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      mcp.PeerInfo{Name: "mcptest", Version: "1.0.0"},
		})
	case "tools/list":
		s.mu.Lock()
		tools := append([]mcp.ToolDescriptor(nil), s.tools...)
		s.mu.Unlock()
		s.reply(sess, id, map[string]any{"tools": tools})
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			_ = sess.transport.Send(mcp.NewErrorResponse(id, mcp.CodeInvalidParams, err.Error()))
			return
		}
		s.mu.Lock()
		s.calls++
		handler := s.handler
		s.mu.Unlock()
		result, rpcErr := handler(params.Name, params.Arguments)
		if rpcErr != nil {
			_ = sess.transport.Send(mcp.NewErrorResponse(id, rpcErr.Code, rpcErr.Message))
			return
		}
		s.reply(sess, id, result)
	default:
		_ = sess.transport.Send(mcp.NewErrorResponse(id, mcp.CodeMethodNotFound, "Method not found"))
	}
}

func (s *Server) reply(sess *session, id mcp.ID, result any) {
	resp, err := mcp.NewResponse(id, result)
	if err != nil {
		resp = mcp.NewErrorResponse(id, mcp.CodeInternalError, err.Error())
	}
	_ = sess.transport.Send(resp)
}

// SetTools replaces the advertised tool list; later tools/list calls see
// the new set.
func (s *Server) SetTools(tools ...mcp.ToolDescriptor) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

// SetCallHandler replaces the tools/call handler.
func (s *Server) SetCallHandler(h CallHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Refuse makes subsequent dials produce sessions whose server side is
// already gone, as if the child exited immediately.
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	s.refuse = refuse
	s.mu.Unlock()
}

// KillAll tears down every live session, simulating server crashes.
// Clients observe transport loss on their next request.
func (s *Server) KillAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.transport.Stop()
	}
}

// Dials returns how many sessions were dialed.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Calls returns how many tools/call requests were served.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
