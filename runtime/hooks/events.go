package hooks

import (
	"time"

	"goa.design/toolhost/runtime/queue/priority"
)

// EventType identifies the specific lifecycle event carried by an Event.
type EventType string

const (
	// ComponentInitialized fires when a runtime component finishes startup.
	ComponentInitialized EventType = "component_initialized"
	// ComponentShutdown fires when a runtime component finishes shutdown.
	ComponentShutdown EventType = "component_shutdown"
	// ToolExecuted fires after every tool invocation, successful or not.
	ToolExecuted EventType = "tool_executed"
	// PoolFull fires when an acquire finds the pool at max with no idle
	// connection and must wait.
	PoolFull EventType = "pool_full"
	// ConnectionCreated fires when the pool opens a new server connection.
	ConnectionCreated EventType = "connection_created"
	// ConnectionAcquired fires when a connection is handed to a caller.
	ConnectionAcquired EventType = "connection_acquired"
	// ConnectionReleased fires when a caller returns a connection.
	ConnectionReleased EventType = "connection_released"
	// ConnectionClosed fires when a connection is closed or evicted.
	ConnectionClosed EventType = "connection_closed"
	// HealthCheckPassed fires when a pooled connection answers a probe.
	HealthCheckPassed EventType = "health_check_passed"
	// HealthCheckFailed fires when a pooled connection fails a probe.
	HealthCheckFailed EventType = "health_check_failed"
	// MessageEnqueued fires when the message queue accepts a message.
	MessageEnqueued EventType = "message_enqueued"
	// MessageProcessing fires when a worker picks up a message.
	MessageProcessing EventType = "message_processing"
	// MessageCompleted fires when a worker finishes a message successfully.
	MessageCompleted EventType = "message_completed"
	// MessageFailed fires when processing a message returns an error,
	// whether or not the message will be retried.
	MessageFailed EventType = "message_failed"
	// WorkerStarted fires when the worker pool scales up.
	WorkerStarted EventType = "worker_started"
	// WorkerStopped fires when a worker exits.
	WorkerStopped EventType = "worker_stopped"
	// QueueFull fires when an enqueue is rejected because the queue is at
	// capacity.
	QueueFull EventType = "queue_full"
	// ErrorOccurred fires for failures that have no more specific event.
	ErrorOccurred EventType = "error_occurred"
)

type (
	// Event is the interface all runtime events implement. Subscribers use
	// type switches to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.ToolExecutedEvent:
	//	        log.Printf("tool %s took %v", e.ToolKey, e.Duration)
	//	    case *hooks.QueueFullEvent:
	//	        log.Printf("queue rejected message at capacity %d", e.Capacity)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the specific event type constant.
		Type() EventType
		// Source returns the component that emitted the event, e.g. "pool"
		// or "queue".
		Source() string
		// Timestamp returns the time the event was created, not delivered.
		Timestamp() time.Time
	}

	baseEvent struct {
		typ    EventType
		source string
		at     time.Time
	}

	// ComponentEvent fires on component initialization and shutdown.
	ComponentEvent struct {
		baseEvent
		// Component names the initialized or shut-down component.
		Component string
	}

	// ToolExecutedEvent fires after every tool invocation.
	ToolExecutedEvent struct {
		baseEvent
		// ToolKey is the full registry key, serverId + "/" + name.
		ToolKey string
		// ServerID is the server that executed the tool.
		ServerID string
		// Success reports whether the invocation produced a result.
		Success bool
		// Duration is the wall-clock execution time including retries.
		Duration time.Duration
		// Err carries the terminal error for failed invocations, nil on
		// success.
		Err error
	}

	// ConnectionEvent fires on pooled connection lifecycle transitions
	// (created, acquired, released, closed).
	ConnectionEvent struct {
		baseEvent
		// ServerID is the server the connection belongs to.
		ServerID string
		// ConnectionID is the pool-assigned connection identifier.
		ConnectionID string
	}

	// PoolFullEvent fires when an acquire must wait because the pool is at
	// its maximum size.
	PoolFullEvent struct {
		baseEvent
		// ServerID is the saturated server pool.
		ServerID string
		// Waiting is the number of queued waiters including the new one.
		Waiting int
	}

	// HealthCheckEvent fires after each connection health probe.
	HealthCheckEvent struct {
		baseEvent
		// ServerID is the probed server.
		ServerID string
		// ConnectionID is the probed connection.
		ConnectionID string
		// Failures is the connection's consecutive probe failure count after
		// this probe.
		Failures int
		// Err carries the probe error for failed checks, nil on success.
		Err error
	}

	// MessageEvent fires on queued message lifecycle transitions (enqueued,
	// processing, completed, failed).
	MessageEvent struct {
		baseEvent
		// MessageID identifies the queued message.
		MessageID string
		// Priority is the message's effective priority.
		Priority priority.Level
		// Attempt is the zero-based processing attempt number.
		Attempt int
		// DeadLettered reports whether a failed message was moved to the
		// dead-letter set instead of being retried.
		DeadLettered bool
		// Err carries the processing error for failed messages.
		Err error
	}

	// WorkerEvent fires when the worker pool scales up or down.
	WorkerEvent struct {
		baseEvent
		// WorkerID identifies the started or stopped worker.
		WorkerID int
		// Count is the pool's worker count after the transition.
		Count int
	}

	// QueueFullEvent fires when an enqueue is rejected at capacity.
	QueueFullEvent struct {
		baseEvent
		// Capacity is the configured maximum queue size.
		Capacity int
	}

	// ErrorEvent fires for failures with no more specific event type.
	ErrorEvent struct {
		baseEvent
		// Err is the underlying failure.
		Err error
		// Detail optionally names the failed operation.
		Detail string
	}
)

func newBase(typ EventType, source string) baseEvent {
	return baseEvent{typ: typ, source: source, at: time.Now()}
}

func (e baseEvent) Type() EventType      { return e.typ }
func (e baseEvent) Source() string       { return e.source }
func (e baseEvent) Timestamp() time.Time { return e.at }

// NewComponentInitializedEvent constructs a ComponentInitialized event.
func NewComponentInitializedEvent(source, component string) *ComponentEvent {
	return &ComponentEvent{baseEvent: newBase(ComponentInitialized, source), Component: component}
}

// NewComponentShutdownEvent constructs a ComponentShutdown event.
func NewComponentShutdownEvent(source, component string) *ComponentEvent {
	return &ComponentEvent{baseEvent: newBase(ComponentShutdown, source), Component: component}
}

// NewToolExecutedEvent constructs a ToolExecuted event.
func NewToolExecutedEvent(source, toolKey, serverID string, success bool, d time.Duration, err error) *ToolExecutedEvent {
	return &ToolExecutedEvent{
		baseEvent: newBase(ToolExecuted, source),
		ToolKey:   toolKey,
		ServerID:  serverID,
		Success:   success,
		Duration:  d,
		Err:       err,
	}
}

// NewConnectionEvent constructs a connection lifecycle event. typ must be one
// of ConnectionCreated, ConnectionAcquired, ConnectionReleased or
// ConnectionClosed.
func NewConnectionEvent(typ EventType, source, serverID, connID string) *ConnectionEvent {
	return &ConnectionEvent{baseEvent: newBase(typ, source), ServerID: serverID, ConnectionID: connID}
}

// NewPoolFullEvent constructs a PoolFull event.
func NewPoolFullEvent(source, serverID string, waiting int) *PoolFullEvent {
	return &PoolFullEvent{baseEvent: newBase(PoolFull, source), ServerID: serverID, Waiting: waiting}
}

// NewHealthCheckEvent constructs a HealthCheckPassed or HealthCheckFailed
// event depending on err.
func NewHealthCheckEvent(source, serverID, connID string, failures int, err error) *HealthCheckEvent {
	typ := HealthCheckPassed
	if err != nil {
		typ = HealthCheckFailed
	}
	return &HealthCheckEvent{
		baseEvent:    newBase(typ, source),
		ServerID:     serverID,
		ConnectionID: connID,
		Failures:     failures,
		Err:          err,
	}
}

// NewMessageEvent constructs a message lifecycle event. typ must be one of
// MessageEnqueued, MessageProcessing, MessageCompleted or MessageFailed.
func NewMessageEvent(typ EventType, source, messageID string, prio priority.Level, attempt int, deadLettered bool, err error) *MessageEvent {
	return &MessageEvent{
		baseEvent:    newBase(typ, source),
		MessageID:    messageID,
		Priority:     prio,
		Attempt:      attempt,
		DeadLettered: deadLettered,
		Err:          err,
	}
}

// NewWorkerEvent constructs a WorkerStarted or WorkerStopped event.
func NewWorkerEvent(typ EventType, source string, workerID, count int) *WorkerEvent {
	return &WorkerEvent{baseEvent: newBase(typ, source), WorkerID: workerID, Count: count}
}

// NewQueueFullEvent constructs a QueueFull event.
func NewQueueFullEvent(source string, capacity int) *QueueFullEvent {
	return &QueueFullEvent{baseEvent: newBase(QueueFull, source), Capacity: capacity}
}

// NewErrorEvent constructs an ErrorOccurred event.
func NewErrorEvent(source, detail string, err error) *ErrorEvent {
	return &ErrorEvent{baseEvent: newBase(ErrorOccurred, source), Err: err, Detail: detail}
}
