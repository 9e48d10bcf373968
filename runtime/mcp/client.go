package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/toolhost/config"
	"goa.design/toolhost/runtime/telemetry"
)

// ErrNotConnected is returned by tool operations before Connect succeeds or
// after the connection is lost.
var ErrNotConnected = errors.New("server not connected")

// pingTimeout bounds health probes issued by the pool.
const pingTimeout = 5 * time.Second

// Connection states reported by Status.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusError        = "error"
)

type (
	// Session is a live link to a spawned server: the framed transport plus
	// the child process behind it. Process is nil for sessions not backed
	// by a child, such as in-process test servers.
	Session struct {
		Transport Transport
		Process   *Process
	}

	// Dialer establishes a Session for a server config. The default dialer
	// spawns the configured command and frames its stdio; tests substitute
	// pipe-backed sessions.
	Dialer func(cfg config.Server) (*Session, error)

	// Client owns the lifecycle of one configured tool server: its child
	// process, transport, protocol session, and circuit breaker.
	Client struct {
		cfg     config.Server
		breaker *CircuitBreaker
		limiter *rate.Limiter
		logger  telemetry.Logger
		dial    Dialer
		info    PeerInfo

		mu               sync.Mutex
		process          *Process
		transport        Transport
		protocol         *Protocol
		connecting       bool
		connectedAt      time.Time
		lastErr          error
		lastResponseTime time.Duration
	}

	// Status is a point-in-time view of a client.
	Status struct {
		ServerID string
		// State is one of StatusConnected, StatusDisconnected,
		// StatusConnecting, StatusError.
		State         string
		LastConnected time.Time
		LastError     string
		// ToolCount is filled in by the registry owner; the client does not
		// track tools.
		ToolCount    int
		ResponseTime time.Duration
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)
)

// WithClientLogger sets the logger. Defaults to noop.
func WithClientLogger(l telemetry.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithBreaker overrides the default circuit breaker.
func WithBreaker(b *CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// WithDialer overrides how sessions are established. Used by tests to back
// a client with in-process pipes instead of a child process.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dial = d }
}

// WithHostInfo sets the client identity sent during initialize.
func WithHostInfo(name, version string) ClientOption {
	return func(c *Client) { c.info = PeerInfo{Name: name, Version: version} }
}

// NewClient constructs a disconnected client for the given server config.
// A rateLimit in the config installs a token-bucket limiter on tool calls.
func NewClient(cfg config.Server, opts ...ClientOption) *Client {
	c := &Client{
		cfg:     cfg,
		breaker: NewCircuitBreaker(),
		logger:  telemetry.NewNoopLogger(),
		info:    PeerInfo{Name: "toolhost", Version: "dev"},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = spawnDialer
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// spawnDialer launches the configured command and frames its stdio.
func spawnDialer(cfg config.Server) (*Session, error) {
	proc, err := Spawn(cfg)
	if err != nil {
		return nil, err
	}
	framing := FramingFor(cfg.EffectiveFraming())
	return &Session{
		Transport: NewStdioTransport(proc.Stdout(), proc.Stdin(), framing),
		Process:   proc,
	}, nil
}

// ServerID returns the stable server identifier.
func (c *Client) ServerID() string { return c.cfg.Name }

// Config returns the server configuration.
func (c *Client) Config() config.Server { return c.cfg }

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Connect spawns the server process, starts the protocol session, and
// performs the initialize handshake. It returns immediately when already
// connected and fails fast while the circuit breaker is open. Any failure
// is recorded on the breaker and partial state is torn down.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.isConnectedLocked() {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("server %s: connect already in progress", c.cfg.Name)
	}
	c.connecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	if err := c.breaker.Allow(); err != nil {
		c.setLastErr(err)
		return fmt.Errorf("server %s: %w", c.cfg.Name, err)
	}

	session, err := c.dial(c.cfg)
	if err != nil {
		c.breaker.RecordFailure()
		c.setLastErr(err)
		return fmt.Errorf("server %s: %w", c.cfg.Name, err)
	}

	proto := NewProtocol(
		WithProtocolLogger(c.logger),
		WithClientInfo(c.info.Name, c.info.Version),
	)
	if err := proto.Start(session.Transport); err != nil {
		c.teardown(ctx, proto, session)
		c.breaker.RecordFailure()
		c.setLastErr(err)
		return fmt.Errorf("server %s: start transport: %w", c.cfg.Name, err)
	}
	if _, err := proto.Initialize(ctx, c.cfg.Timeout()); err != nil {
		err = c.withStderr(err, session.Process)
		c.teardown(ctx, proto, session)
		c.breaker.RecordFailure()
		c.setLastErr(err)
		return fmt.Errorf("server %s: %w", c.cfg.Name, err)
	}

	c.breaker.RecordSuccess()
	c.mu.Lock()
	c.process = session.Process
	c.transport = session.Transport
	c.protocol = proto
	c.connectedAt = time.Now()
	c.lastErr = nil
	c.mu.Unlock()
	c.logger.Info(ctx, "server connected", "server", c.cfg.Name)
	return nil
}

// Disconnect stops the protocol session and terminates the child process
// (SIGTERM, then SIGKILL after the grace period). Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	proto := c.protocol
	proc := c.process
	c.protocol = nil
	c.transport = nil
	c.process = nil
	c.connectedAt = time.Time{}
	c.mu.Unlock()

	if proto != nil {
		_ = proto.Stop()
	}
	if proc != nil {
		if err := proc.Stop(ctx); err != nil {
			return fmt.Errorf("server %s: stop process: %w", c.cfg.Name, err)
		}
	}
	return nil
}

// IsConnected reports whether the protocol session is active and the child
// process, when present, is alive.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

func (c *Client) isConnectedLocked() bool {
	if c.protocol == nil || !c.protocol.IsActive() {
		return false
	}
	return c.process == nil || c.process.Alive()
}

// ListTools queries the server's advertised tools. Requires a live
// connection and a non-open breaker; results feed the tool registry.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	proto, err := c.sessionForCall()
	if err != nil {
		return nil, err
	}
	tools, err := proto.ListTools(ctx, c.cfg.Timeout())
	if err != nil {
		c.breaker.RecordFailure()
		c.setLastErr(err)
		return nil, fmt.Errorf("server %s: list tools: %w", c.cfg.Name, err)
	}
	c.breaker.RecordSuccess()
	return tools, nil
}

// CallTool invokes a tool on the server and returns the raw result payload.
// The call honors the per-server rate limit and request timeout. Failures
// are recorded on the circuit breaker; successes close a half-open circuit.
// The limiter is waited on before the breaker is consulted so a rate-limit
// rejection never consumes a half-open trial slot.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("server %s: rate limit: %w", c.cfg.Name, err)
		}
	}
	proto, err := c.sessionForCall()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := proto.CallTool(ctx, name, arguments, c.cfg.Timeout())
	if err != nil {
		c.breaker.RecordFailure()
		c.setLastErr(err)
		return nil, fmt.Errorf("server %s: call %s: %w", c.cfg.Name, name, err)
	}
	c.breaker.RecordSuccess()
	c.mu.Lock()
	c.lastResponseTime = time.Since(start)
	c.mu.Unlock()
	return result, nil
}

// Ping probes the server's protocol loop. Any response, including a
// method-not-found error, proves the loop is serviced; only transport
// failures and timeouts count as probe failures.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	proto := c.protocol
	connected := c.isConnectedLocked()
	c.mu.Unlock()
	if !connected || proto == nil {
		return ErrNotConnected
	}
	_, err := proto.Ping(ctx, pingTimeout)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil
		}
		return err
	}
	return nil
}

// Status returns a point-in-time view of the client.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		ServerID:      c.cfg.Name,
		LastConnected: c.connectedAt,
		ResponseTime:  c.lastResponseTime,
	}
	switch {
	case c.connecting:
		st.State = StatusConnecting
	case c.isConnectedLocked():
		st.State = StatusConnected
	case c.lastErr != nil:
		st.State = StatusError
	default:
		st.State = StatusDisconnected
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// sessionForCall returns the live protocol session after checking the
// connection and circuit breaker preconditions.
func (c *Client) sessionForCall() (*Protocol, error) {
	c.mu.Lock()
	proto := c.protocol
	connected := c.isConnectedLocked()
	c.mu.Unlock()
	if !connected || proto == nil {
		return nil, fmt.Errorf("server %s: %w", c.cfg.Name, ErrNotConnected)
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("server %s: %w", c.cfg.Name, err)
	}
	return proto, nil
}

// withStderr enriches an error with the child's stderr tail when available.
func (c *Client) withStderr(err error, proc *Process) error {
	if proc == nil {
		return err
	}
	if tail := proc.StderrTail(); tail != "" {
		return fmt.Errorf("%w (stderr: %s)", err, tail)
	}
	return err
}

func (c *Client) teardown(ctx context.Context, proto *Protocol, session *Session) {
	if proto != nil {
		_ = proto.Stop()
	}
	if session != nil && session.Process != nil {
		_ = session.Process.Stop(ctx)
	}
}

func (c *Client) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
