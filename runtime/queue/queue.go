package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/toolhost/runtime/hooks"
	"goa.design/toolhost/runtime/queue/priority"
	"goa.design/toolhost/runtime/telemetry"
)

// Message queue errors.
var (
	ErrQueueFull    = errors.New("queue full")
	ErrQueueStopped = errors.New("queue stopped")
)

// DefaultMaxQueueSize bounds the number of queued messages.
const DefaultMaxQueueSize = 100

// DefaultDeadLetterMaxRetries is how many processing failures a message
// survives before it is dead-lettered.
const DefaultDeadLetterMaxRetries = 3

const queueSource = "queue"

type (
	// Processor handles one dequeued message. A returned error triggers the
	// retry and dead-letter policy.
	Processor func(ctx context.Context, msg *Message) error

	// BoostConfig raises the priority of selected inbound messages to High:
	// command messages, messages from administrative senders and messages
	// containing configured keywords.
	BoostConfig struct {
		Commands   bool
		AdminUsers []string
		Keywords   []string
	}

	// DeadLetterConfig controls failure handling. When enabled, a message
	// that fails MaxRetries times is retained for inspection instead of
	// being dropped.
	DeadLetterConfig struct {
		Enabled    bool
		MaxRetries int
	}

	// MessageQueue accepts bounded inbound work, dispatches it to an
	// elastic worker pool in strict priority order and applies retry,
	// demotion and dead-letter semantics to failures.
	MessageQueue struct {
		maxSize int
		boost   BoostConfig
		admins  map[string]bool
		dlq     DeadLetterConfig

		logger  telemetry.Logger
		metrics telemetry.Metrics
		bus     hooks.Bus

		pq      *PriorityQueue
		workers *WorkerPool
		notify  chan struct{}

		mu        sync.Mutex
		started   bool
		stopped   bool
		stopCh    chan struct{}
		loopDone  chan struct{}
		processor Processor
		dead      []*Message
	}

	// QueueOption configures a MessageQueue.
	QueueOption func(*MessageQueue)
)

// WithMaxQueueSize bounds the queue; enqueues beyond it are rejected.
func WithMaxQueueSize(n int) QueueOption {
	return func(q *MessageQueue) { q.maxSize = n }
}

// WithPriorityBoost configures which messages are promoted to High.
func WithPriorityBoost(b BoostConfig) QueueOption {
	return func(q *MessageQueue) { q.boost = b }
}

// WithDeadLetter configures failure retention.
func WithDeadLetter(d DeadLetterConfig) QueueOption {
	return func(q *MessageQueue) { q.dlq = d }
}

// WithQueueLogger sets the logger. Defaults to noop.
func WithQueueLogger(l telemetry.Logger) QueueOption {
	return func(q *MessageQueue) { q.logger = l }
}

// WithQueueMetrics sets the metrics sink. Defaults to noop.
func WithQueueMetrics(m telemetry.Metrics) QueueOption {
	return func(q *MessageQueue) { q.metrics = m }
}

// WithQueueBus sets the event bus queue events are published to.
func WithQueueBus(b hooks.Bus) QueueOption {
	return func(q *MessageQueue) { q.bus = b }
}

// WithWorkers overrides the worker pool.
func WithWorkers(w *WorkerPool) QueueOption {
	return func(q *MessageQueue) { q.workers = w }
}

// NewMessageQueue constructs a stopped queue.
func NewMessageQueue(opts ...QueueOption) *MessageQueue {
	q := &MessageQueue{
		maxSize: DefaultMaxQueueSize,
		dlq:     DeadLetterConfig{Enabled: true, MaxRetries: DefaultDeadLetterMaxRetries},
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		pq:      NewPriorityQueue(),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.dlq.MaxRetries < 1 {
		q.dlq.MaxRetries = DefaultDeadLetterMaxRetries
	}
	if q.workers == nil {
		q.workers = NewWorkerPool(
			WithWorkerLogger(q.logger),
			WithWorkerMetrics(q.metrics),
			WithWorkerBus(q.bus),
		)
	}
	q.admins = make(map[string]bool, len(q.boost.AdminUsers))
	for _, u := range q.boost.AdminUsers {
		q.admins[u] = true
	}
	return q
}

// Enqueue admits a message. The effective priority defaults to Normal and
// is boosted to High for command messages, admin senders and keyword hits.
// A full queue rejects the message without mutating the heap.
func (q *MessageQueue) Enqueue(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if q.pq.Len() >= q.maxSize {
		q.mu.Unlock()
		q.metrics.IncCounter(telemetry.MetricQueueRejected, 1)
		hooks.Emit(ctx, q.bus, hooks.NewQueueFullEvent(queueSource, q.maxSize))
		return fmt.Errorf("%w: %d messages", ErrQueueFull, q.maxSize)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.EnqueueTime = time.Now()
	if !msg.Priority.Valid() {
		msg.Priority = priority.Normal
	}
	if boosted := q.boostedPriority(msg); boosted < msg.Priority {
		msg.Priority = boosted
	}
	q.pq.Enqueue(msg)
	depth := q.pq.Len()
	q.mu.Unlock()

	q.metrics.RecordGauge(telemetry.MetricQueueDepth, float64(depth))
	hooks.Emit(ctx, q.bus, hooks.NewMessageEvent(hooks.MessageEnqueued, queueSource, msg.ID, msg.Priority, msg.RetryCount, false, nil))
	q.signal()
	return nil
}

// boostedPriority returns High when any boost rule matches, otherwise the
// message's own priority.
func (q *MessageQueue) boostedPriority(msg *Message) priority.Level {
	if q.boost.Commands && msg.Command {
		return priority.High
	}
	if msg.Sender != "" && q.admins[msg.Sender] {
		return priority.High
	}
	if msg.Text != "" {
		text := strings.ToLower(msg.Text)
		for _, kw := range q.boost.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return priority.High
			}
		}
	}
	return msg.Priority
}

// Start spins up the worker pool and begins dispatching queued messages in
// priority order.
func (q *MessageQueue) Start(processor Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	if q.started {
		return errors.New("queue already started")
	}
	if processor == nil {
		return errors.New("queue requires a processor")
	}
	q.started = true
	q.processor = processor
	q.loopDone = make(chan struct{})
	if err := q.workers.Start(); err != nil {
		return err
	}
	go q.loop()
	return nil
}

// Stop rejects new messages, lets in-flight workers drain and shuts the
// worker pool down. Queued but undispatched messages stay in the heap for
// inspection. Idempotent.
func (q *MessageQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		loopDone := q.loopDone
		q.mu.Unlock()
		if loopDone != nil {
			<-loopDone
		}
		q.workers.Stop()
		return
	}
	q.stopped = true
	started := q.started
	loopDone := q.loopDone
	close(q.stopCh)
	q.mu.Unlock()

	if started && loopDone != nil {
		<-loopDone
	}
	q.workers.Stop()
	hooks.Emit(context.Background(), q.bus, hooks.NewComponentShutdownEvent(queueSource, "message_queue"))
}

// Clear drops every queued and dead-lettered message.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pq.Clear()
	q.dead = nil
	q.metrics.RecordGauge(telemetry.MetricQueueDepth, 0)
}

// Size returns the number of queued messages.
func (q *MessageQueue) Size() int { return q.pq.Len() }

// CountByPriority returns queued message counts per priority class.
func (q *MessageQueue) CountByPriority() map[priority.Level]int { return q.pq.CountByPriority() }

// DeadLetters returns a snapshot of the dead-lettered messages.
func (q *MessageQueue) DeadLetters() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MessageQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// loop dequeues in priority order and hands messages to workers. Submit
// blocks while every worker is busy, so dispatch order follows the heap.
// Stop is honored before each dequeue: only the in-flight messages drain,
// the rest of the backlog stays in the heap.
func (q *MessageQueue) loop() {
	defer close(q.loopDone)
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}
		msg, ok := q.pq.Dequeue()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-q.stopCh:
				return
			}
		}
		q.metrics.RecordGauge(telemetry.MetricQueueDepth, float64(q.pq.Len()))
		m := msg
		if err := q.workers.Submit(context.Background(), q.pq.Len(), func() { q.process(m) }); err != nil {
			// Stopping: put the message back so it remains inspectable.
			q.pq.Enqueue(m)
			return
		}
	}
}

func (q *MessageQueue) process(msg *Message) {
	ctx := context.Background()
	hooks.Emit(ctx, q.bus, hooks.NewMessageEvent(hooks.MessageProcessing, queueSource, msg.ID, msg.Priority, msg.RetryCount, false, nil))
	if err := q.processor(ctx, msg); err != nil {
		q.handleFailure(ctx, msg, err)
		return
	}
	hooks.Emit(ctx, q.bus, hooks.NewMessageEvent(hooks.MessageCompleted, queueSource, msg.ID, msg.Priority, msg.RetryCount, false, nil))
}

// handleFailure retries a failed message at a demoted priority so fresh
// traffic overtakes it, until the retry budget is spent and the message is
// dead-lettered (or dropped when retention is disabled).
func (q *MessageQueue) handleFailure(ctx context.Context, msg *Message, err error) {
	msg.RetryCount++
	if msg.RetryCount >= q.dlq.MaxRetries {
		q.deadLetter(ctx, msg, err)
		return
	}
	msg.Priority = msg.Priority.Demote()
	q.mu.Lock()
	stopped := q.stopped
	full := q.pq.Len() >= q.maxSize
	if !stopped && !full {
		q.pq.Enqueue(msg)
	}
	q.mu.Unlock()
	if stopped || full {
		q.deadLetter(ctx, msg, err)
		return
	}
	q.logger.Debug(ctx, "message retry scheduled", "msg", msg.ID, "attempt", msg.RetryCount, "priority", msg.Priority.String())
	hooks.Emit(ctx, q.bus, hooks.NewMessageEvent(hooks.MessageFailed, queueSource, msg.ID, msg.Priority, msg.RetryCount, false, err))
	q.signal()
}

func (q *MessageQueue) deadLetter(ctx context.Context, msg *Message, err error) {
	retained := q.dlq.Enabled
	if retained {
		q.mu.Lock()
		q.dead = append(q.dead, msg)
		q.mu.Unlock()
		q.metrics.IncCounter(telemetry.MetricQueueDeadLetters, 1)
	}
	q.logger.Warn(ctx, "message dead-lettered", "msg", msg.ID, "attempts", msg.RetryCount, "retained", retained, "err", err)
	hooks.Emit(ctx, q.bus, hooks.NewMessageEvent(hooks.MessageFailed, queueSource, msg.ID, msg.Priority, msg.RetryCount, retained, err))
}
