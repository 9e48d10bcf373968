// Package telemetry defines the observability surface used by the toolhost
// runtime. Implementations typically delegate to Clue and OpenTelemetry but
// the interfaces are intentionally small so tests can provide lightweight
// stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer and gauge helpers for runtime
// instrumentation. Tags are flat key/value string pairs.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the runtime. Exported so operator dashboards can
// reference stable identifiers.
const (
	MetricToolCalls        = "toolhost.tool.calls"
	MetricToolDuration     = "toolhost.tool.duration"
	MetricToolFailures     = "toolhost.tool.failures"
	MetricPoolAcquireWait  = "toolhost.pool.acquire_wait"
	MetricPoolConnections  = "toolhost.pool.connections"
	MetricPoolFailures     = "toolhost.pool.failed_requests"
	MetricQueueDepth       = "toolhost.queue.depth"
	MetricQueueRejected    = "toolhost.queue.rejected"
	MetricQueueDeadLetters = "toolhost.queue.dead_letters"
	MetricWorkerCount      = "toolhost.queue.workers"
)
