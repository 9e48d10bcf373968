// Package host is the façade over the tool server runtime: it owns the
// connection pool and the tool registry, executes tool calls with retries
// and circuit breaking, and exposes server and breaker status to callers.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"goa.design/toolhost/config"
	"goa.design/toolhost/runtime/hooks"
	"goa.design/toolhost/runtime/mcp"
	"goa.design/toolhost/runtime/pool"
	"goa.design/toolhost/runtime/telemetry"
	"goa.design/toolhost/runtime/toolregistry"
)

// Host errors. These are returned for caller mistakes; tool execution
// failures are reported inside ToolResult instead.
var (
	ErrNotInitialized = errors.New("host not initialized")
	ErrShutdown       = errors.New("host shut down")
	ErrServerMismatch = errors.New("tool does not belong to server")
)

// Retry policy for transient tool call failures. Protocol errors and open
// circuits are never retried.
const (
	DefaultRetryMaxAttempts  = 3
	DefaultRetryBaseInterval = 100 * time.Millisecond
	DefaultRetryMaxInterval  = 2 * time.Second
	retryJitter              = 0.2
)

const eventSource = "host"

type (
	// ToolCall identifies one tool invocation.
	ToolCall struct {
		// ServerID names the server expected to own the tool.
		ServerID string
		// ToolID is the full registry key, serverId + "/" + name.
		ToolID string
		// Arguments is the JSON arguments object; nil means no arguments.
		Arguments json.RawMessage
	}

	// ToolResult is the uniform outcome shape for tool invocations.
	// ExecutionTime covers the whole call including retries.
	ToolResult struct {
		ToolID        string
		Success       bool
		Output        json.RawMessage
		Error         string
		ExecutionTime time.Duration
	}

	// ServerStatus aggregates everything the host knows about one server.
	ServerStatus struct {
		ServerID  string
		Connected bool
		LastError string
		ToolCount int
		Pool      pool.Stats
		Breaker   mcp.BreakerStatus
	}

	// ServerErrorHandler receives per-server failures during initialization
	// and registry refresh. Failures never abort the batch.
	ServerErrorHandler func(serverID string, err error)

	// Host coordinates the pool, registry and per-server circuit breakers.
	Host struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		bus     hooks.Bus
		dialer  mcp.Dialer
		onError ServerErrorHandler

		retryMaxAttempts  int
		retryBaseInterval time.Duration
		retryMaxInterval  time.Duration

		pool     *pool.Pool
		poolOpts []pool.Option
		registry *toolregistry.Registry

		mu          sync.Mutex
		servers     map[string]config.Server
		breakers    map[string]*mcp.CircuitBreaker
		serverErrs  map[string]error
		initialized bool
		closed      bool
	}

	// Option configures a Host.
	Option func(*Host)
)

// WithLogger sets the logger. Defaults to noop.
func WithLogger(l telemetry.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to noop.
func WithMetrics(m telemetry.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithTracer sets the tracer. Defaults to noop.
func WithTracer(t telemetry.Tracer) Option {
	return func(h *Host) { h.tracer = t }
}

// WithBus sets the event bus runtime events are published to.
func WithBus(b hooks.Bus) Option {
	return func(h *Host) { h.bus = b }
}

// WithDialer overrides how server sessions are established. Used by tests
// to run servers in-process.
func WithDialer(d mcp.Dialer) Option {
	return func(h *Host) { h.dialer = d }
}

// WithServerErrorHandler installs the per-server error callback.
func WithServerErrorHandler(f ServerErrorHandler) Option {
	return func(h *Host) { h.onError = f }
}

// WithPool overrides the connection pool. The default pool shares one
// circuit breaker per server across all of that server's connections.
func WithPool(p *pool.Pool) Option {
	return func(h *Host) { h.pool = p }
}

// WithRegistry overrides the tool registry.
func WithRegistry(r *toolregistry.Registry) Option {
	return func(h *Host) { h.registry = r }
}

// WithRetryPolicy tunes the transient-failure retry loop.
func WithRetryPolicy(maxAttempts int, base, cap time.Duration) Option {
	return func(h *Host) {
		h.retryMaxAttempts = maxAttempts
		h.retryBaseInterval = base
		h.retryMaxInterval = cap
	}
}

// WithPoolOptions configures the host-built pool. Ignored when WithPool is
// used.
func WithPoolOptions(opts ...pool.Option) Option {
	return func(h *Host) { h.poolOpts = append(h.poolOpts, opts...) }
}

// New constructs a host. Servers are added with Initialize.
func New(opts ...Option) *Host {
	h := &Host{
		logger:            telemetry.NewNoopLogger(),
		metrics:           telemetry.NewNoopMetrics(),
		tracer:            telemetry.NewNoopTracer(),
		retryMaxAttempts:  DefaultRetryMaxAttempts,
		retryBaseInterval: DefaultRetryBaseInterval,
		retryMaxInterval:  DefaultRetryMaxInterval,
		servers:           make(map[string]config.Server),
		breakers:          make(map[string]*mcp.CircuitBreaker),
		serverErrs:        make(map[string]error),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.registry == nil {
		h.registry = toolregistry.New(toolregistry.WithLogger(h.logger))
	}
	if h.pool == nil {
		poolOpts := append([]pool.Option{
			pool.WithLogger(h.logger),
			pool.WithMetrics(h.metrics),
			pool.WithBus(h.bus),
			pool.WithClientFactory(h.newClient),
		}, h.poolOpts...)
		h.pool = pool.New(poolOpts...)
	}
	return h
}

// newClient builds a server client sharing the server's circuit breaker.
func (h *Host) newClient(cfg config.Server) *mcp.Client {
	opts := []mcp.ClientOption{
		mcp.WithClientLogger(h.logger),
		mcp.WithBreaker(h.breakerFor(cfg.Name)),
	}
	if h.dialer != nil {
		opts = append(opts, mcp.WithDialer(h.dialer))
	}
	return mcp.NewClient(cfg, opts...)
}

// breakerFor returns the server's shared circuit breaker, creating it on
// first use.
func (h *Host) breakerFor(serverID string) *mcp.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.breakers[serverID]
	if !ok {
		b = mcp.NewCircuitBreaker()
		h.breakers[serverID] = b
	}
	return b
}

// Initialize registers the given servers: each gets a pool, eager
// connections and a tool listing that populates the registry. One server
// failing does not abort the rest; failures go to the error handler and
// are visible in ServerStatus.
func (h *Host) Initialize(ctx context.Context, configs []config.Server) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrShutdown
	}
	h.initialized = true
	h.mu.Unlock()

	for _, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		if err := h.initializeServer(ctx, cfg); err != nil {
			h.recordServerError(ctx, cfg.Name, err)
			continue
		}
		h.setServerError(cfg.Name, nil)
	}
	hooks.Emit(ctx, h.bus, hooks.NewComponentInitializedEvent(eventSource, "host"))
	return nil
}

func (h *Host) initializeServer(ctx context.Context, cfg config.Server) error {
	h.mu.Lock()
	h.servers[cfg.Name] = cfg
	h.mu.Unlock()
	if err := h.pool.InitializeServer(ctx, cfg); err != nil {
		return err
	}
	return h.refreshServer(ctx, cfg.Name)
}

// refreshServer re-lists a server's tools and atomically replaces its
// registry entries.
func (h *Host) refreshServer(ctx context.Context, serverID string) error {
	conn, err := h.pool.Acquire(ctx, serverID, 0)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", serverID, err)
	}
	defer func() { _ = h.pool.Release(ctx, serverID, conn.ID()) }()

	descs, err := conn.Client().ListTools(ctx)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", serverID, err)
	}
	defs := make([]toolregistry.Definition, 0, len(descs))
	for _, d := range descs {
		defs = append(defs, toolregistry.Definition{
			ServerID:    serverID,
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	if err := h.registry.ReplaceServer(ctx, serverID, defs); err != nil {
		return fmt.Errorf("refresh %s: %w", serverID, err)
	}
	h.logger.Info(ctx, "tool registry refreshed", "server", serverID, "tools", len(defs))
	return nil
}

// RefreshToolRegistry re-lists tools for every registered server. Per-server
// failures are reported through the error handler and joined in the return
// value; successful servers are refreshed regardless.
func (h *Host) RefreshToolRegistry(ctx context.Context) error {
	if err := h.ready(); err != nil {
		return err
	}
	h.mu.Lock()
	ids := make([]string, 0, len(h.servers))
	for id := range h.servers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := h.refreshServer(ctx, id); err != nil {
			h.recordServerError(ctx, id, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExecuteTool runs one tool call. Transient failures (transport loss,
// request timeouts) are retried with exponential backoff and jitter;
// protocol errors and open circuits are not. Arguments failing schema
// validation fail the result without reaching the server. The returned
// ToolResult always reports the outcome; the error return is reserved for
// caller mistakes such as unknown tools or a server mismatch.
func (h *Host) ExecuteTool(ctx context.Context, call ToolCall) (ToolResult, error) {
	if err := h.ready(); err != nil {
		return ToolResult{}, err
	}
	tool, ok := h.registry.Get(call.ToolID)
	if !ok {
		return ToolResult{}, fmt.Errorf("%w: %s", toolregistry.ErrToolNotFound, call.ToolID)
	}
	if tool.ServerID != call.ServerID {
		return ToolResult{}, fmt.Errorf("%w: %s belongs to %s, not %s",
			ErrServerMismatch, call.ToolID, tool.ServerID, call.ServerID)
	}
	if err := h.registry.ValidateArguments(call.ToolID, call.Arguments); err != nil {
		h.metrics.IncCounter(telemetry.MetricToolFailures, 1, "tool", call.ToolID)
		hooks.Emit(ctx, h.bus, hooks.NewToolExecutedEvent(eventSource, call.ToolID, call.ServerID, false, 0, err))
		return ToolResult{ToolID: call.ToolID, Success: false, Error: err.Error()}, nil
	}

	ctx, span := h.tracer.Start(ctx, "host.execute_tool")
	defer span.End()

	start := time.Now()
	breaker := h.breakerFor(call.ServerID)
	if st := breaker.Status(); st.State == mcp.StateOpen && time.Now().Before(st.NextRetryTime) {
		err := fmt.Errorf("server %s: %w", call.ServerID, mcp.ErrCircuitOpen)
		return h.failureResult(ctx, call, start, err), nil
	}

	output, err := h.callWithRetry(ctx, call, tool.Name)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		return h.failureResult(ctx, call, start, err), nil
	}

	if uerr := h.registry.UpdateUsage(call.ToolID, elapsed); uerr != nil {
		h.logger.Warn(ctx, "usage update failed", "tool", call.ToolID, "err", uerr)
	}
	h.metrics.IncCounter(telemetry.MetricToolCalls, 1, "tool", call.ToolID)
	h.metrics.RecordTimer(telemetry.MetricToolDuration, elapsed, "tool", call.ToolID)
	hooks.Emit(ctx, h.bus, hooks.NewToolExecutedEvent(eventSource, call.ToolID, call.ServerID, true, elapsed, nil))
	return ToolResult{
		ToolID:        call.ToolID,
		Success:       true,
		Output:        output,
		ExecutionTime: elapsed,
	}, nil
}

// callWithRetry acquires a connection and invokes the tool, retrying
// transient failures up to the configured attempt budget.
func (h *Host) callWithRetry(ctx context.Context, call ToolCall, toolName string) (json.RawMessage, error) {
	operation := func() (json.RawMessage, error) {
		conn, err := h.pool.Acquire(ctx, call.ServerID, 0)
		if err != nil {
			return nil, classify(err)
		}
		defer func() { _ = h.pool.Release(ctx, call.ServerID, conn.ID()) }()
		out, err := conn.Client().CallTool(ctx, toolName, call.Arguments)
		if err != nil {
			return nil, classify(err)
		}
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.retryBaseInterval
	bo.MaxInterval = h.retryMaxInterval
	bo.RandomizationFactor = retryJitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	retries := uint64(0)
	if h.retryMaxAttempts > 1 {
		retries = uint64(h.retryMaxAttempts - 1)
	}
	return backoff.RetryWithData(operation, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
}

// classify wraps non-retryable failures in backoff.Permanent. Protocol
// errors, open circuits, capacity errors and lifecycle errors end the retry
// loop immediately; everything else (transport loss, request timeouts) is
// retried.
func classify(err error) error {
	var rpcErr *mcp.RPCError
	switch {
	case errors.As(err, &rpcErr),
		errors.Is(err, mcp.ErrCircuitOpen),
		errors.Is(err, pool.ErrAcquireTimeout),
		errors.Is(err, pool.ErrPoolClosed),
		errors.Is(err, pool.ErrUnknownServer),
		errors.Is(err, pool.ErrServerClosing):
		return backoff.Permanent(err)
	default:
		return err
	}
}

func (h *Host) failureResult(ctx context.Context, call ToolCall, start time.Time, err error) ToolResult {
	elapsed := time.Since(start)
	h.setServerError(call.ServerID, err)
	h.metrics.IncCounter(telemetry.MetricToolFailures, 1, "tool", call.ToolID)
	hooks.Emit(ctx, h.bus, hooks.NewToolExecutedEvent(eventSource, call.ToolID, call.ServerID, false, elapsed, err))
	h.logger.Warn(ctx, "tool execution failed", "tool", call.ToolID, "err", err)
	return ToolResult{
		ToolID:        call.ToolID,
		Success:       false,
		Error:         err.Error(),
		ExecutionTime: elapsed,
	}
}

// ExecuteBatch runs the calls concurrently and returns results in input
// order. Caller mistakes surface as failed results rather than aborting the
// batch.
func (h *Host) ExecuteBatch(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			res, err := h.ExecuteTool(ctx, call)
			if err != nil {
				res = ToolResult{ToolID: call.ToolID, Success: false, Error: err.Error()}
			}
			results[i] = res
		}(i, call)
	}
	wg.Wait()
	return results
}

// AvailableTools returns every registered tool.
func (h *Host) AvailableTools() []toolregistry.Tool { return h.registry.All() }

// GetToolDefinition returns the tool registered under key.
func (h *Host) GetToolDefinition(key string) (toolregistry.Tool, bool) { return h.registry.Get(key) }

// PromptCatalog renders the registry as a system-prompt tool catalog.
func (h *Host) PromptCatalog() string { return h.registry.PromptCatalog() }

// Registry exposes the tool registry.
func (h *Host) Registry() *toolregistry.Registry { return h.registry }

// Pool exposes the connection pool.
func (h *Host) Pool() *pool.Pool { return h.pool }

// ServerStatus reports everything known about one server.
func (h *Host) ServerStatus(serverID string) (ServerStatus, bool) {
	h.mu.Lock()
	_, known := h.servers[serverID]
	lastErr := h.serverErrs[serverID]
	breaker := h.breakers[serverID]
	h.mu.Unlock()
	if !known {
		return ServerStatus{}, false
	}
	st := ServerStatus{
		ServerID:  serverID,
		ToolCount: h.registry.CountForServer(serverID),
	}
	if stats, ok := h.pool.ServerStats(serverID); ok {
		st.Pool = stats
		st.Connected = stats.TotalConnections > 0
	}
	if breaker != nil {
		st.Breaker = breaker.Status()
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st, true
}

// AllServerStatuses reports every registered server, sorted by id.
func (h *Host) AllServerStatuses() []ServerStatus {
	h.mu.Lock()
	ids := make([]string, 0, len(h.servers))
	for id := range h.servers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)
	out := make([]ServerStatus, 0, len(ids))
	for _, id := range ids {
		if st, ok := h.ServerStatus(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// CircuitBreakerStatus reports the server's breaker state.
func (h *Host) CircuitBreakerStatus(serverID string) (mcp.BreakerStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.breakers[serverID]
	if !ok {
		return mcp.BreakerStatus{}, false
	}
	return b.Status(), true
}

// Shutdown disconnects every server and closes the pool. Idempotent.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	err := h.pool.CloseAll(ctx)
	hooks.Emit(ctx, h.bus, hooks.NewComponentShutdownEvent(eventSource, "host"))
	return err
}

func (h *Host) ready() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrShutdown
	}
	if !h.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (h *Host) recordServerError(ctx context.Context, serverID string, err error) {
	h.setServerError(serverID, err)
	h.logger.Error(ctx, "server initialization failed", "server", serverID, "err", err)
	hooks.Emit(ctx, h.bus, hooks.NewErrorEvent(eventSource, "server "+serverID, err))
	if h.onError != nil {
		h.onError(serverID, err)
	}
}

func (h *Host) setServerError(serverID string, err error) {
	h.mu.Lock()
	if err == nil {
		delete(h.serverErrs, serverID)
	} else {
		h.serverErrs[serverID] = err
	}
	h.mu.Unlock()
}
