package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/toolhost/runtime/telemetry"
)

// ProtocolVersion is the wire protocol revision sent in the initialize
// handshake.
const ProtocolVersion = "2024-11-05"

// DefaultRequestTimeout bounds requests when the server config does not
// override it.
const DefaultRequestTimeout = 30 * time.Second

// Client-originated methods.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodListTools   = "tools/list"
	methodCallTool    = "tools/call"
	methodPing        = "ping"
)

var (
	// ErrStopped is delivered to pending requests when the handler stops.
	ErrStopped = errors.New("protocol handler stopped")
	// ErrRequestTimeout is returned when a request's deadline elapses. The
	// transport stays healthy; only the pending entry is discarded.
	ErrRequestTimeout = errors.New("request timed out")
)

type (
	// RequestHandler serves requests initiated by the tool server. A nil
	// return value produces a null result. Errors are reported to the
	// server as JSON-RPC internal errors (-32603).
	RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

	// NotificationHandler receives server-initiated notifications.
	NotificationHandler func(method string, params json.RawMessage)

	// ProtocolInfo is the server identity returned by initialize.
	ProtocolInfo struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Capabilities    json.RawMessage `json:"capabilities,omitempty"`
		ServerInfo      PeerInfo        `json:"serverInfo"`
	}

	// PeerInfo identifies one end of the protocol session.
	PeerInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	// ToolDescriptor is a tool advertised by a server via tools/list.
	ToolDescriptor struct {
		Name         string          `json:"name"`
		Description  string          `json:"description,omitempty"`
		InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
		OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	}

	// Protocol owns the JSON-RPC 2.0 session on one transport: id
	// allocation, the pending-request table with timeouts, notification and
	// incoming-request dispatch, and the initialize handshake.
	Protocol struct {
		client PeerInfo
		logger telemetry.Logger

		requestFn RequestHandler
		notifyFn  NotificationHandler

		mu        sync.Mutex
		transport Transport
		pending   map[ID]chan pendingResult
		nextID    int64
		stopped   bool
		info      *ProtocolInfo

		stopCh   chan struct{}
		stopOnce sync.Once
	}

	// ProtocolOption configures a Protocol.
	ProtocolOption func(*Protocol)

	// pendingResult carries either the matched response or the terminal
	// error that failed the request.
	pendingResult struct {
		msg *Message
		err error
	}
)

// WithProtocolLogger sets the logger. Defaults to noop.
func WithProtocolLogger(l telemetry.Logger) ProtocolOption {
	return func(p *Protocol) { p.logger = l }
}

// WithClientInfo sets the client identity sent during initialize.
func WithClientInfo(name, version string) ProtocolOption {
	return func(p *Protocol) { p.client = PeerInfo{Name: name, Version: version} }
}

// WithRequestHandler installs the callback serving server-initiated
// requests. Without one, inbound requests are answered with a
// method-not-found error.
func WithRequestHandler(fn RequestHandler) ProtocolOption {
	return func(p *Protocol) { p.requestFn = fn }
}

// WithNotificationHandler installs the callback receiving server-initiated
// notifications.
func WithNotificationHandler(fn NotificationHandler) ProtocolOption {
	return func(p *Protocol) { p.notifyFn = fn }
}

// NewProtocol constructs an unstarted protocol handler.
func NewProtocol(opts ...ProtocolOption) *Protocol {
	p := &Protocol{
		client:  PeerInfo{Name: "toolhost", Version: "dev"},
		logger:  telemetry.NewNoopLogger(),
		pending: make(map[ID]chan pendingResult),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start attaches the handler to the transport and begins reading.
func (p *Protocol) Start(t Transport) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.transport != nil {
		p.mu.Unlock()
		return errors.New("protocol already started")
	}
	p.transport = t
	p.mu.Unlock()

	t.SetMessageHandler(p.handleMessage)
	t.SetErrorHandler(p.handleTransportError)
	return t.Start()
}

// Stop rejects all pending requests with ErrStopped and releases the
// transport. Idempotent.
func (p *Protocol) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		t := p.transport
		p.mu.Unlock()
		close(p.stopCh)
		p.failPending(ErrStopped)
		if t != nil {
			_ = t.Stop()
		}
	})
	return nil
}

// IsActive reports whether the underlying transport is up.
func (p *Protocol) IsActive() bool {
	p.mu.Lock()
	t := p.transport
	stopped := p.stopped
	p.mu.Unlock()
	return !stopped && t != nil && t.IsActive()
}

// Info returns the server identity captured during initialize, or nil
// before the handshake completes.
func (p *Protocol) Info() *ProtocolInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Initialize performs the protocol handshake: it sends initialize with the
// protocol version, client capabilities and identity, stores the returned
// server info, and acknowledges with notifications/initialized.
func (p *Protocol) Initialize(ctx context.Context, timeout time.Duration) (*ProtocolInfo, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listRoots": false},
			"sampling": map[string]any{},
		},
		"clientInfo": p.client,
	}
	resp, err := p.SendRequest(ctx, methodInitialize, params, timeout)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize: %w", resp.Error)
	}
	var info ProtocolInfo
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &info); err != nil {
			return nil, fmt.Errorf("initialize: decode result: %w", err)
		}
	}
	p.mu.Lock()
	p.info = &info
	p.mu.Unlock()
	if err := p.SendNotification(methodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return &info, nil
}

// ListTools returns the tools the server advertises, or an empty slice when
// the server reports none.
func (p *Protocol) ListTools(ctx context.Context, timeout time.Duration) ([]ToolDescriptor, error) {
	resp, err := p.SendRequest(ctx, methodListTools, nil, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
	}
	return result.Tools, nil
}

// CallTool invokes tools/call and returns the raw result payload.
func (p *Protocol) CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]any{
		"name":      name,
		"arguments": arguments,
	}
	if arguments == nil {
		params["arguments"] = map[string]any{}
	}
	resp, err := p.SendRequest(ctx, methodCallTool, params, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Ping sends a liveness probe and returns the raw response. A JSON-RPC
// error response still indicates a live protocol loop; callers decide how
// to interpret it.
func (p *Protocol) Ping(ctx context.Context, timeout time.Duration) (*Message, error) {
	return p.SendRequest(ctx, methodPing, nil, timeout)
}

// SendRequest sends method with params and waits for the matching response.
// A non-positive timeout fails immediately without sending. Timeouts and
// transport errors discard the pending entry but leave the transport
// healthy for other in-flight requests.
func (p *Protocol) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	t := p.transport
	p.nextID++
	id := IntID(p.nextID)
	ch := make(chan pendingResult, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	if t == nil {
		p.removePending(id)
		return nil, errors.New("protocol not started")
	}

	req, err := NewRequest(id, method, params)
	if err != nil {
		p.removePending(id)
		return nil, err
	}
	if err := t.Send(req); err != nil {
		p.removePending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.msg, nil
	case <-timer.C:
		p.removePending(id)
		return nil, fmt.Errorf("%s after %v: %w", method, timeout, ErrRequestTimeout)
	case <-ctx.Done():
		p.removePending(id)
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, ErrStopped
	}
}

// SendNotification sends a fire-and-forget notification. Notifications
// carry no id and expect no response.
func (p *Protocol) SendNotification(method string, params any) error {
	p.mu.Lock()
	t := p.transport
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || t == nil {
		return ErrStopped
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.Send(msg)
}

// handleMessage classifies an inbound message: responses resolve pending
// requests, notifications go to the notification callback, requests are
// dispatched to the request handler, anything else is dropped.
func (p *Protocol) handleMessage(msg *Message) {
	switch {
	case msg.IsResponse():
		p.mu.Lock()
		ch, ok := p.pending[*msg.ID]
		if ok {
			delete(p.pending, *msg.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- pendingResult{msg: msg}
		}
		// Late responses after a timeout are dropped.
	case msg.IsNotification():
		if p.notifyFn != nil {
			p.notifyFn(msg.Method, msg.Params)
		}
	case msg.IsRequest():
		go p.serveRequest(msg)
	default:
		p.logger.Debug(context.Background(), "dropping unclassifiable message", "method", msg.Method)
	}
}

// serveRequest answers a server-initiated request. Without a configured
// handler the reply is a method-not-found error; handler failures become
// internal errors.
func (p *Protocol) serveRequest(msg *Message) {
	id := *msg.ID
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return
	}

	if p.requestFn == nil {
		_ = t.Send(NewErrorResponse(id, CodeMethodNotFound, "Method not found"))
		return
	}
	result, err := p.requestFn(context.Background(), msg.Method, msg.Params)
	if err != nil {
		_ = t.Send(NewErrorResponse(id, CodeInternalError, err.Error()))
		return
	}
	resp, err := NewResponse(id, result)
	if err != nil {
		_ = t.Send(NewErrorResponse(id, CodeInternalError, err.Error()))
		return
	}
	_ = t.Send(resp)
}

// handleTransportError logs recoverable transport errors. When the
// transport has gone down, all pending requests are failed so callers do
// not hang until their timeouts.
func (p *Protocol) handleTransportError(err error) {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t != nil && !t.IsActive() {
		p.logger.Warn(context.Background(), "transport lost", "err", err)
		p.failPending(fmt.Errorf("transport lost: %w", err))
		return
	}
	p.logger.Warn(context.Background(), "recoverable transport error", "err", err)
}

func (p *Protocol) removePending(id ID) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Protocol) failPending(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[ID]chan pendingResult)
	p.mu.Unlock()
	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}
