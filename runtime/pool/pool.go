// Package pool maintains per-server pools of connected tool server clients.
// Each pool grows on demand up to a maximum, reclaims idle connections down
// to a minimum, health-checks idle connections on a timer and queues
// acquirers FIFO when the pool is saturated.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/toolhost/config"
	"goa.design/toolhost/runtime/hooks"
	"goa.design/toolhost/runtime/mcp"
	"goa.design/toolhost/runtime/telemetry"
)

// Pool errors. ErrAcquireTimeout and ErrServerClosing are wrapped with the
// server id; match with errors.Is.
var (
	ErrPoolClosed     = errors.New("connection pool closed")
	ErrUnknownServer  = errors.New("unknown server")
	ErrAcquireTimeout = errors.New("connection acquire timeout")
	ErrServerClosing  = errors.New("server closing")
)

// Pool defaults.
const (
	DefaultMinConnections      = 1
	DefaultMaxConnections      = 5
	DefaultIdleTimeout         = 60 * time.Second
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
)

const eventSource = "pool"

type (
	// ClientFactory builds a client for a server config. Tests substitute
	// factories that dial in-process servers.
	ClientFactory func(cfg config.Server) *mcp.Client

	// Conn is one pooled connection. The embedded client is safe to use
	// only between Acquire and Release.
	Conn struct {
		id      string
		client  *mcp.Client
		created time.Time

		// Guarded by the owning pool's mutex.
		inUse          bool
		lastUsed       time.Time
		healthFailures int
		idleTimer      *time.Timer
	}

	// Pool manages one connection pool per initialized server.
	Pool struct {
		minConns       int
		maxConns       int
		idleTimeout    time.Duration
		acquireTimeout time.Duration
		healthInterval time.Duration

		factory ClientFactory
		logger  telemetry.Logger
		metrics telemetry.Metrics
		bus     hooks.Bus

		mu      sync.Mutex
		servers map[string]*serverPool
		closed  bool
	}

	serverPool struct {
		cfg        config.Server
		conns      map[string]*Conn
		pending    int // connections being established, reserved against maxConns
		waiters    []*waiter
		stats      statsAccum
		stopHealth chan struct{}
		closed     bool
	}

	// waiter is one queued acquire. The channel carries the handed-off
	// connection; it is closed without a send when the server shuts down.
	waiter struct {
		ch chan *Conn
	}

	// Option configures a Pool.
	Option func(*Pool)
)

// ID returns the pool-assigned connection identifier.
func (c *Conn) ID() string { return c.id }

// Client returns the connection's server client.
func (c *Conn) Client() *mcp.Client { return c.client }

// Created returns when the connection was established.
func (c *Conn) Created() time.Time { return c.created }

// WithMinConnections sets the per-server floor kept alive by the pool.
func WithMinConnections(n int) Option {
	return func(p *Pool) { p.minConns = n }
}

// WithMaxConnections sets the per-server connection ceiling.
func WithMaxConnections(n int) Option {
	return func(p *Pool) { p.maxConns = n }
}

// WithIdleTimeout sets how long a connection may sit idle before it is
// closed, provided the pool stays above its minimum.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithAcquireTimeout sets the default wait bound for Acquire.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTimeout = d }
}

// WithHealthCheckInterval sets the idle connection probe period. Zero
// disables health checking.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(p *Pool) { p.healthInterval = d }
}

// WithClientFactory overrides how server clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(p *Pool) { p.factory = f }
}

// WithLogger sets the logger. Defaults to noop.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to noop.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithBus sets the event bus pool lifecycle events are published to.
func WithBus(b hooks.Bus) Option {
	return func(p *Pool) { p.bus = b }
}

// New constructs an empty pool. Servers are added with InitializeServer.
func New(opts ...Option) *Pool {
	p := &Pool{
		minConns:       DefaultMinConnections,
		maxConns:       DefaultMaxConnections,
		idleTimeout:    DefaultIdleTimeout,
		acquireTimeout: DefaultAcquireTimeout,
		healthInterval: DefaultHealthCheckInterval,
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		servers:        make(map[string]*serverPool),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxConns < 1 {
		p.maxConns = 1
	}
	if p.minConns > p.maxConns {
		p.minConns = p.maxConns
	}
	if p.factory == nil {
		p.factory = func(cfg config.Server) *mcp.Client {
			return mcp.NewClient(cfg, mcp.WithClientLogger(p.logger))
		}
	}
	return p
}

// InitializeServer registers a server and eagerly establishes the minimum
// number of connections in parallel, then starts the health check loop.
// When every eager connection fails the first error is returned; the server
// stays registered so later acquires can retry.
func (p *Pool) InitializeServer(ctx context.Context, cfg config.Server) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.servers[cfg.Name]; ok {
		p.mu.Unlock()
		return fmt.Errorf("server %s already initialized", cfg.Name)
	}
	sp := &serverPool{
		cfg:        cfg,
		conns:      make(map[string]*Conn),
		stopHealth: make(chan struct{}),
	}
	p.servers[cfg.Name] = sp
	sp.pending = p.minConns
	p.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
		created  int
	)
	for i := 0; i < p.minConns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.newConn(ctx, cfg)
			p.mu.Lock()
			sp.pending--
			if err != nil {
				p.mu.Unlock()
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				p.logger.Warn(ctx, "eager connection failed", "server", cfg.Name, "err", err)
				return
			}
			if sp.closed {
				p.mu.Unlock()
				_ = conn.client.Disconnect(ctx)
				return
			}
			sp.conns[conn.id] = conn
			p.startIdleTimerLocked(sp, conn)
			p.recordGaugeLocked(sp)
			p.mu.Unlock()
			errMu.Lock()
			created++
			errMu.Unlock()
		}()
	}
	wg.Wait()

	if p.healthInterval > 0 {
		go p.healthLoop(sp)
	}
	hooks.Emit(ctx, p.bus, hooks.NewComponentInitializedEvent(eventSource, cfg.Name))

	if p.minConns > 0 && created == 0 && firstErr != nil {
		return fmt.Errorf("server %s: %w", cfg.Name, firstErr)
	}
	return nil
}

// Acquire returns a connection for the server, creating one when the pool
// has room and queueing FIFO behind other acquirers when it does not.
// timeout bounds the wait; zero uses the pool default. A timed out or
// cancelled acquire counts as a failed request.
func (p *Pool) Acquire(ctx context.Context, serverID string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = p.acquireTimeout
	}
	start := time.Now()

	p.mu.Lock()
	sp, ok := p.servers[serverID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if p.closed || sp.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	sp.stats.totalRequests++

	if conn := p.idleConnLocked(sp); conn != nil {
		p.checkOutLocked(sp, conn, start)
		p.mu.Unlock()
		p.emitAcquired(ctx, serverID, conn.id, start)
		return conn, nil
	}

	if len(sp.conns)+sp.pending < p.maxConns {
		sp.pending++
		p.mu.Unlock()
		conn, err := p.newConn(ctx, sp.cfg)
		p.mu.Lock()
		sp.pending--
		if err != nil {
			sp.stats.failedRequests++
			p.mu.Unlock()
			p.metrics.IncCounter(telemetry.MetricPoolFailures, 1, "server", serverID)
			return nil, fmt.Errorf("server %s: create connection: %w", serverID, err)
		}
		if sp.closed {
			p.mu.Unlock()
			_ = conn.client.Disconnect(ctx)
			return nil, fmt.Errorf("server %s: %w", serverID, ErrServerClosing)
		}
		sp.conns[conn.id] = conn
		p.checkOutLocked(sp, conn, start)
		p.recordGaugeLocked(sp)
		p.mu.Unlock()
		p.emitAcquired(ctx, serverID, conn.id, start)
		return conn, nil
	}

	// Saturated: queue behind earlier acquirers.
	w := &waiter{ch: make(chan *Conn, 1)}
	sp.waiters = append(sp.waiters, w)
	waiting := len(sp.waiters)
	p.mu.Unlock()
	hooks.Emit(ctx, p.bus, hooks.NewPoolFullEvent(eventSource, serverID, waiting))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case conn, open := <-w.ch:
		if !open {
			return nil, fmt.Errorf("server %s: %w", serverID, ErrServerClosing)
		}
		p.mu.Lock()
		sp.stats.recordWait(time.Since(start))
		p.mu.Unlock()
		p.emitAcquired(ctx, serverID, conn.id, start)
		return conn, nil
	case <-timer.C:
		if conn, open := p.abandonWait(sp, w); conn != nil || !open {
			if !open {
				return nil, fmt.Errorf("server %s: %w", serverID, ErrServerClosing)
			}
			p.mu.Lock()
			sp.stats.recordWait(time.Since(start))
			p.mu.Unlock()
			p.emitAcquired(ctx, serverID, conn.id, start)
			return conn, nil
		}
		p.metrics.IncCounter(telemetry.MetricPoolFailures, 1, "server", serverID)
		return nil, fmt.Errorf("server %s: %w after %s", serverID, ErrAcquireTimeout, timeout)
	case <-ctx.Done():
		if conn, open := p.abandonWait(sp, w); conn != nil || !open {
			if open {
				// The handoff raced the cancellation; hand the connection back.
				_ = p.Release(context.Background(), serverID, conn.id)
			}
		}
		return nil, ctx.Err()
	}
}

// abandonWait removes w from the wait queue. When the handoff already
// happened the won connection (or the closed-channel signal) is returned
// instead.
func (p *Pool) abandonWait(sp *serverPool, w *waiter) (*Conn, bool) {
	p.mu.Lock()
	for i, q := range sp.waiters {
		if q == w {
			sp.waiters = append(sp.waiters[:i], sp.waiters[i+1:]...)
			sp.stats.failedRequests++
			p.mu.Unlock()
			return nil, true
		}
	}
	p.mu.Unlock()
	// Not queued anymore: a connection was handed off (or the server
	// closed the channel) before we could withdraw.
	conn, open := <-w.ch
	return conn, open
}

// Release returns a connection to its pool. When acquirers are waiting the
// connection is handed to the head of the queue without going idle.
func (p *Pool) Release(ctx context.Context, serverID, connID string) error {
	p.mu.Lock()
	sp, ok := p.servers[serverID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	conn, ok := sp.conns[connID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("server %s: unknown connection %s", serverID, connID)
	}
	conn.lastUsed = time.Now()
	if len(sp.waiters) > 0 {
		w := sp.waiters[0]
		sp.waiters = sp.waiters[1:]
		w.ch <- conn // buffered; stays inUse
		p.mu.Unlock()
		hooks.Emit(ctx, p.bus, hooks.NewConnectionEvent(hooks.ConnectionReleased, eventSource, serverID, connID))
		return nil
	}
	conn.inUse = false
	p.startIdleTimerLocked(sp, conn)
	p.mu.Unlock()
	hooks.Emit(ctx, p.bus, hooks.NewConnectionEvent(hooks.ConnectionReleased, eventSource, serverID, connID))
	return nil
}

// HasAvailableConnection reports whether an acquire would succeed without
// waiting: an idle live connection exists or the pool has room to grow.
func (p *Pool) HasAvailableConnection(serverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.servers[serverID]
	if !ok || sp.closed {
		return false
	}
	if p.idleConnLocked(sp) != nil {
		return true
	}
	return len(sp.conns)+sp.pending < p.maxConns
}

// ServerStats returns the stats snapshot for one server.
func (p *Pool) ServerStats(serverID string) (Stats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.servers[serverID]
	if !ok {
		return Stats{}, false
	}
	return p.statsLocked(serverID, sp), true
}

// AllStats returns stats snapshots for every server, sorted by server id.
func (p *Pool) AllStats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.servers))
	for id, sp := range p.servers {
		out = append(out, p.statsLocked(id, sp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// CloseServer tears down one server pool: the health loop stops, waiters are
// rejected and every connection is disconnected.
func (p *Pool) CloseServer(ctx context.Context, serverID string) error {
	p.mu.Lock()
	sp, ok := p.servers[serverID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	sp.closed = true
	close(sp.stopHealth)
	waiters := sp.waiters
	sp.waiters = nil
	conns := make([]*Conn, 0, len(sp.conns))
	for _, c := range sp.conns {
		conns = append(conns, c)
	}
	sp.conns = make(map[string]*Conn)
	delete(p.servers, serverID)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, c := range conns {
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		_ = c.client.Disconnect(ctx)
		hooks.Emit(ctx, p.bus, hooks.NewConnectionEvent(hooks.ConnectionClosed, eventSource, serverID, c.id))
	}
	p.metrics.RecordGauge(telemetry.MetricPoolConnections, 0, "server", serverID)
	hooks.Emit(ctx, p.bus, hooks.NewComponentShutdownEvent(eventSource, serverID))
	return nil
}

// CloseAll tears down every server pool and marks the pool closed.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.servers))
	for id := range p.servers {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		if err := p.CloseServer(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newConn dials and handshakes one connection.
func (p *Pool) newConn(ctx context.Context, cfg config.Server) (*Conn, error) {
	client := p.factory(cfg)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	conn := &Conn{
		id:       uuid.NewString(),
		client:   client,
		created:  time.Now(),
		lastUsed: time.Now(),
	}
	hooks.Emit(ctx, p.bus, hooks.NewConnectionEvent(hooks.ConnectionCreated, eventSource, cfg.Name, conn.id))
	return conn, nil
}

// idleConnLocked returns any idle live connection, or nil. Order is
// whatever map iteration yields; the pool does not promise LRU.
func (p *Pool) idleConnLocked(sp *serverPool) *Conn {
	for _, c := range sp.conns {
		if !c.inUse && c.client.IsConnected() {
			return c
		}
	}
	return nil
}

func (p *Pool) checkOutLocked(sp *serverPool, conn *Conn, start time.Time) {
	conn.inUse = true
	conn.lastUsed = time.Now()
	if conn.idleTimer != nil {
		conn.idleTimer.Stop()
		conn.idleTimer = nil
	}
	sp.stats.recordWait(time.Since(start))
}

func (p *Pool) startIdleTimerLocked(sp *serverPool, conn *Conn) {
	if p.idleTimeout <= 0 {
		return
	}
	serverID := sp.cfg.Name
	connID := conn.id
	if conn.idleTimer != nil {
		conn.idleTimer.Stop()
	}
	conn.idleTimer = time.AfterFunc(p.idleTimeout, func() {
		p.reclaimIdle(serverID, connID)
	})
}

// reclaimIdle closes a connection whose idle timer fired, provided it is
// still idle and the pool stays at or above its minimum.
func (p *Pool) reclaimIdle(serverID, connID string) {
	p.mu.Lock()
	sp, ok := p.servers[serverID]
	if !ok || sp.closed {
		p.mu.Unlock()
		return
	}
	conn, ok := sp.conns[connID]
	if !ok || conn.inUse {
		p.mu.Unlock()
		return
	}
	if len(sp.conns) <= p.minConns {
		p.mu.Unlock()
		return
	}
	delete(sp.conns, connID)
	p.recordGaugeLocked(sp)
	p.mu.Unlock()

	ctx := context.Background()
	_ = conn.client.Disconnect(ctx)
	p.logger.Debug(ctx, "idle connection reclaimed", "server", serverID, "conn", connID)
	hooks.Emit(ctx, p.bus, hooks.NewConnectionEvent(hooks.ConnectionClosed, eventSource, serverID, connID))
}

// healthLoop probes idle connections every healthInterval. A connection
// that fails maxRetries consecutive probes is evicted; the pool is then
// refilled up to its minimum.
func (p *Pool) healthLoop(sp *serverPool) {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sp.stopHealth:
			return
		case <-ticker.C:
			p.checkHealth(sp)
		}
	}
}

func (p *Pool) checkHealth(sp *serverPool) {
	ctx := context.Background()
	maxRetries := sp.cfg.Retries()

	p.mu.Lock()
	if sp.closed {
		p.mu.Unlock()
		return
	}
	serverID := sp.cfg.Name
	idle := make([]*Conn, 0, len(sp.conns))
	for _, c := range sp.conns {
		if !c.inUse {
			idle = append(idle, c)
		}
	}
	p.mu.Unlock()

	for _, conn := range idle {
		err := conn.client.Ping(ctx)

		p.mu.Lock()
		if sp.closed {
			p.mu.Unlock()
			return
		}
		if _, still := sp.conns[conn.id]; !still || conn.inUse {
			// Acquired or evicted while the probe was in flight.
			p.mu.Unlock()
			continue
		}
		if err == nil {
			conn.healthFailures = 0
			p.mu.Unlock()
			hooks.Emit(ctx, p.bus, hooks.NewHealthCheckEvent(eventSource, serverID, conn.id, 0, nil))
			continue
		}
		conn.healthFailures++
		failures := conn.healthFailures
		evict := failures >= maxRetries
		if evict {
			if conn.idleTimer != nil {
				conn.idleTimer.Stop()
			}
			delete(sp.conns, conn.id)
			p.recordGaugeLocked(sp)
		}
		p.mu.Unlock()

		hooks.Emit(ctx, p.bus, hooks.NewHealthCheckEvent(eventSource, serverID, conn.id, failures, err))
		if evict {
			p.logger.Warn(ctx, "connection evicted after failed health checks",
				"server", serverID, "conn", conn.id, "failures", failures)
			_ = conn.client.Disconnect(ctx)
			hooks.Emit(ctx, p.bus, hooks.NewConnectionEvent(hooks.ConnectionClosed, eventSource, serverID, conn.id))
			p.refill(ctx, sp)
		}
	}
}

// refill restores the pool to its minimum size after an eviction.
func (p *Pool) refill(ctx context.Context, sp *serverPool) {
	p.mu.Lock()
	need := p.minConns - len(sp.conns) - sp.pending
	if sp.closed || need <= 0 {
		p.mu.Unlock()
		return
	}
	sp.pending += need
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		go func() {
			conn, err := p.newConn(ctx, sp.cfg)
			p.mu.Lock()
			sp.pending--
			if err != nil {
				p.mu.Unlock()
				p.logger.Warn(ctx, "replacement connection failed", "server", sp.cfg.Name, "err", err)
				return
			}
			if sp.closed {
				p.mu.Unlock()
				_ = conn.client.Disconnect(ctx)
				return
			}
			sp.conns[conn.id] = conn
			if len(sp.waiters) > 0 {
				w := sp.waiters[0]
				sp.waiters = sp.waiters[1:]
				conn.inUse = true
				w.ch <- conn
				p.recordGaugeLocked(sp)
				p.mu.Unlock()
				return
			}
			p.startIdleTimerLocked(sp, conn)
			p.recordGaugeLocked(sp)
			p.mu.Unlock()
		}()
	}
}

func (p *Pool) statsLocked(serverID string, sp *serverPool) Stats {
	active := 0
	for _, c := range sp.conns {
		if c.inUse {
			active++
		}
	}
	return Stats{
		ServerID:          serverID,
		TotalConnections:  len(sp.conns),
		ActiveConnections: active,
		IdleConnections:   len(sp.conns) - active,
		WaitingRequests:   len(sp.waiters),
		TotalRequests:     sp.stats.totalRequests,
		FailedRequests:    sp.stats.failedRequests,
		AverageWaitTime:   sp.stats.averageWait(),
	}
}

func (p *Pool) recordGaugeLocked(sp *serverPool) {
	p.metrics.RecordGauge(telemetry.MetricPoolConnections, float64(len(sp.conns)), "server", sp.cfg.Name)
}

func (p *Pool) emitAcquired(ctx context.Context, serverID, connID string, start time.Time) {
	p.metrics.RecordTimer(telemetry.MetricPoolAcquireWait, time.Since(start), "server", serverID)
	hooks.Emit(ctx, p.bus, hooks.NewConnectionEvent(hooks.ConnectionAcquired, eventSource, serverID, connID))
}
