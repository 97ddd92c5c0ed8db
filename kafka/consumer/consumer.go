// kafka/consumer/consumer.go
//
// Пакет consumer - асинхронный фасад над poll-ориентированным Kafka-клиентом.
// Одна фоновая goroutine (poll driver) опрашивает native handle и складывает
// доставки в ограниченную очередь; вызывающий код забирает их через Receive.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
	"github.com/YangYounghwa/asynkaf/kafka/queue"
)

// Option настраивает Consumer при создании.
type Option func(*options)

type options struct {
	opener native.Opener
}

// WithOpener overrides backend lookup by Config.Backend.
func WithOpener(open native.Opener) Option {
	return func(o *options) { o.opener = open }
}

// Stats is a snapshot of the consumer counters.
type Stats struct {
	Queued            uint64 // pushed by the poll driver
	Delivered         uint64 // handed to Receive callers
	Dropped           uint64 // removed by the on-full policy
	RecoverableErrors uint64
	ShutdownLost      uint64 // in hand when the driver stopped and not queued
	Discarded         uint64 // left in the queue at Close
	QueueLen          int
	Waiting           int // suspended Receive calls
}

type counters struct {
	queued, delivered, dropped, recoverable, lost, discarded atomic.Uint64
}

// Consumer is safe for concurrent use.
type Consumer struct {
	cfg  Config
	opts parsed
	log  *logger.Logger

	handle native.Handle
	queue  *queue.Queue[kafka.Delivery]

	state atomic.Int32

	// admin сериализует Subscribe/Unsubscribe/Commit/Close относительно handle.
	admin        sync.Mutex
	subscription map[string]struct{}
	released     bool

	failMu  sync.Mutex
	failErr error

	stopDriver context.CancelFunc
	driverDone <-chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	closed     chan struct{}
	closedOnce sync.Once

	stats counters
}

// New validates cfg and opens the native handle. No polling starts until the
// first Subscribe.
func New(ctx context.Context, cfg Config, log *logger.Logger, opts ...Option) (*Consumer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = logger.NewNop()
	}

	cfg = cfg.clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.opener == nil {
		if !native.Registered(cfg.Backend) {
			return nil, fmt.Errorf("%w: backend %q not registered (available: %s)",
				ErrConfig, cfg.Backend, strings.Join(native.Backends(), ", "))
		}
		backend := cfg.Backend
		o.opener = func(no native.Options) (native.Handle, error) { return native.Open(backend, no) }
	}
	p := cfg.parse()
	log = log.Named("consumer").With(
		zap.String("client_id", cfg.ClientID),
		zap.String("group", cfg.GroupID),
	)

	_, span := tracer.Start(ctx, "consumer.New",
		trace.WithAttributes(
			attribute.StringSlice("brokers", cfg.Brokers),
			attribute.String("group", cfg.GroupID),
			attribute.String("backend", cfg.Backend),
		))
	defer span.End()

	h, err := o.opener(native.Options{
		Brokers:            cfg.Brokers,
		GroupID:            cfg.GroupID,
		ClientID:           cfg.ClientID,
		CommitMode:         p.mode,
		AutoCommitInterval: cfg.AutoCommitInterval,
		InitialOffset:      p.initialOffset,
		EmitPartitionEOF:   cfg.EmitPartitionEOF,
		Properties:         cfg.Properties,
		Logger:             log.Named("native." + cfg.Backend),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: open %s handle: %w", ErrConnection, cfg.Backend, err)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s opener returned nil handle", ErrConnection, cfg.Backend)
	}

	c := &Consumer{
		cfg:          cfg,
		opts:         p,
		log:          log,
		handle:       h,
		queue:        queue.New[kafka.Delivery](cfg.QueueCapacity, p.policy),
		subscription: make(map[string]struct{}),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}
	c.state.Store(int32(StateCreated))
	log.Info("consumer created",
		zap.String("backend", cfg.Backend),
		zap.Strings("brokers", cfg.Brokers),
		zap.Stringer("commit_mode", p.mode),
		zap.Stringer("on_full", p.policy),
		zap.Int("queue_capacity", cfg.QueueCapacity),
	)
	return c, nil
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

// Config returns a copy of the effective configuration.
func (c *Consumer) Config() Config { return c.cfg.clone() }

// State returns the current lifecycle state.
func (c *Consumer) State() State { return State(c.state.Load()) }

// Err returns the fatal cause once the consumer is Failed, nil otherwise.
func (c *Consumer) Err() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failErr
}

// Subscription returns the subscribed topics, sorted.
func (c *Consumer) Subscription() []string {
	c.admin.Lock()
	defer c.admin.Unlock()
	return c.topicsLocked()
}

// Stats returns a counters snapshot.
func (c *Consumer) Stats() Stats {
	return Stats{
		Queued:            c.stats.queued.Load(),
		Delivered:         c.stats.delivered.Load(),
		Dropped:           c.stats.dropped.Load(),
		RecoverableErrors: c.stats.recoverable.Load(),
		ShutdownLost:      c.stats.lost.Load(),
		Discarded:         c.stats.discarded.Load(),
		QueueLen:          c.queue.Len(),
		Waiting:           c.queue.Waiters(),
	}
}

// Done is closed once no poll driver runs for this consumer any more: after
// the driver exits, or at Close/failure if it never started.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Ready reports nil while the consumer is Running.
func (c *Consumer) Ready() error {
	switch s := c.State(); s {
	case StateRunning:
		return nil
	case StateFailed:
		return c.stateError("ready", s)
	default:
		return fmt.Errorf("consumer: not running (state %s)", s)
	}
}

// -----------------------------------------------------------------------------
// Subscribe / Unsubscribe
// -----------------------------------------------------------------------------

// Subscribe adds topics to the subscription. The first successful call starts
// the poll driver (Created → Connecting → Running).
func (c *Consumer) Subscribe(ctx context.Context, topics ...string) error {
	if err := validateTopics(topics); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "consumer.Subscribe",
		trace.WithAttributes(attribute.StringSlice("topics", topics)))
	defer span.End()

	c.admin.Lock()
	defer c.admin.Unlock()

	switch s := c.State(); s {
	case StateRunning:
		next := c.withTopicsLocked(topics, nil)
		if slices.Equal(next, c.topicsLocked()) {
			// набор не изменился: backend не перезапускаем, ребалансировки не будет
			return nil
		}
		if err := c.handle.Subscribe(ctx, next); err != nil {
			span.RecordError(err)
			return fmt.Errorf("%w: subscribe %v: %w", ErrConnection, next, err)
		}
		c.setTopicsLocked(next)
		c.log.Info("subscription updated", zap.Strings("topics", next))
		return nil

	case StateCreated:
		if !c.transition(StateCreated, StateConnecting) {
			return c.stateError("subscribe", c.State())
		}
		next := c.withTopicsLocked(topics, nil)
		if err := c.handle.Subscribe(ctx, next); err != nil {
			span.RecordError(err)
			c.transition(StateConnecting, StateCreated)
			return fmt.Errorf("%w: subscribe %v: %w", ErrConnection, next, err)
		}
		c.setTopicsLocked(next)
		if !c.transition(StateConnecting, StateRunning) {
			return c.stateError("subscribe", c.State())
		}
		c.startDriver()
		c.log.Info("consumer running", zap.Strings("topics", next))
		return nil

	default:
		return c.stateError("subscribe", s)
	}
}

// Unsubscribe removes topics and re-subscribes the rest. Removing the last
// topic leaves the driver polling an empty subscription.
func (c *Consumer) Unsubscribe(ctx context.Context, topics ...string) error {
	if err := validateTopics(topics); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "consumer.Unsubscribe",
		trace.WithAttributes(attribute.StringSlice("topics", topics)))
	defer span.End()

	c.admin.Lock()
	defer c.admin.Unlock()

	if s := c.State(); s != StateRunning {
		return c.stateError("unsubscribe", s)
	}
	next := c.withTopicsLocked(nil, topics)
	if slices.Equal(next, c.topicsLocked()) {
		return nil
	}
	if err := c.handle.Subscribe(ctx, next); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: resubscribe %v: %w", ErrConnection, next, err)
	}
	c.setTopicsLocked(next)
	c.log.Info("subscription updated", zap.Strings("topics", next))
	return nil
}

func validateTopics(topics []string) error {
	if len(topics) == 0 {
		return fmt.Errorf("%w: no topics given", ErrConfig)
	}
	for _, t := range topics {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: empty topic name", ErrConfig)
		}
	}
	return nil
}

func (c *Consumer) topicsLocked() []string {
	out := make([]string, 0, len(c.subscription))
	for t := range c.subscription {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Consumer) withTopicsLocked(add, remove []string) []string {
	set := make(map[string]struct{}, len(c.subscription)+len(add))
	for t := range c.subscription {
		set[t] = struct{}{}
	}
	for _, t := range add {
		set[t] = struct{}{}
	}
	for _, t := range remove {
		delete(set, t)
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Consumer) setTopicsLocked(topics []string) {
	c.subscription = make(map[string]struct{}, len(topics))
	for _, t := range topics {
		c.subscription[t] = struct{}{}
	}
}

// -----------------------------------------------------------------------------
// Receive
// -----------------------------------------------------------------------------

// Receive waits for the next delivery. timeout <= 0 waits until ctx ends.
//
// Returns (nil, ErrTimeout) when the timeout elapses, (kafka.Closed{}, ErrClosed)
// when the consumer closes, ctx.Err() on cancellation and *StateError when the
// consumer is not Running. A cancelled call never takes a delivery.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (kafka.Delivery, error) {
	switch s := c.State(); s {
	case StateRunning:
	case StateClosing:
		return kafka.Closed{}, ErrClosed
	default:
		return nil, c.stateError("receive", s)
	}

	d, err := c.queue.Pop(ctx, timeout)
	switch {
	case err == nil:
		c.stats.delivered.Add(1)
		c.observeQueueDepth()
		return d, nil
	case errors.Is(err, queue.ErrTimeout):
		return nil, ErrTimeout
	case errors.Is(err, queue.ErrClosed):
		if s := c.State(); s == StateFailed {
			return nil, c.stateError("receive", s)
		}
		return kafka.Closed{}, ErrClosed
	default:
		return nil, err
	}
}

// -----------------------------------------------------------------------------
// Commit
// -----------------------------------------------------------------------------

// CommitMessage commits m.Offset+1 for m's partition.
func (c *Consumer) CommitMessage(ctx context.Context, m *kafka.Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrCommit)
	}
	return c.CommitOffsets(ctx, []kafka.TopicPartition{m.TopicPartition()})
}

// CommitOffsets forwards offsets (next offset to consume) to the native client
// using the configured commit mode.
func (c *Consumer) CommitOffsets(ctx context.Context, offsets []kafka.TopicPartition) error {
	ctx, span := tracer.Start(ctx, "consumer.Commit",
		trace.WithAttributes(
			attribute.String("mode", c.opts.mode.String()),
			attribute.Int("partitions", len(offsets)),
		))
	defer span.End()

	c.admin.Lock()
	defer c.admin.Unlock()

	if s := c.State(); s != StateRunning {
		return c.stateError("commit", s)
	}
	if c.opts.mode == kafka.CommitAuto {
		if c.cfg.StrictCommit {
			metrics.Commits.WithLabelValues(serviceLabel, c.opts.mode.String(), "rejected").Inc()
			return fmt.Errorf("%w: explicit commit in auto mode", ErrCommit)
		}
		return nil
	}
	if len(offsets) == 0 {
		return nil
	}
	if err := c.handle.Commit(ctx, offsets, c.opts.mode); err != nil {
		span.RecordError(err)
		metrics.Commits.WithLabelValues(serviceLabel, c.opts.mode.String(), "error").Inc()
		c.log.WithContext(ctx).Warn("commit rejected", zap.Int("partitions", len(offsets)), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}
	metrics.Commits.WithLabelValues(serviceLabel, c.opts.mode.String(), "ok").Inc()
	return nil
}

// -----------------------------------------------------------------------------
// Close
// -----------------------------------------------------------------------------

// Close stops the poll driver (waiting at most ShutdownTimeout), wakes every
// pending Receive with Closed, discards what is still queued and releases the
// native handle. Calling it again, or on a Failed consumer, is a no-op.
func (c *Consumer) Close() error {
	for {
		switch s := c.State(); s {
		case StateClosed, StateFailed:
			return nil

		case StateClosing:
			<-c.closed
			return nil

		case StateCreated:
			if !c.transition(StateCreated, StateClosed) {
				continue
			}
			c.queue.Close()
			err := c.releaseHandle()
			c.markDone()
			c.closedOnce.Do(func() { close(c.closed) })
			c.log.Info("consumer closed before start")
			return err

		case StateConnecting, StateRunning:
			if !c.transition(s, StateClosing) {
				continue
			}
			return c.shutdown()
		}
	}
}

func (c *Consumer) shutdown() error {
	_, span := tracer.Start(context.Background(), "consumer.Close")
	defer span.End()
	defer c.closedOnce.Do(func() { close(c.closed) })

	// Subscribe в Connecting может ещё держать admin: он увидит Closing и не
	// запустит driver.
	c.admin.Lock()
	stop, driverDone := c.stopDriver, c.driverDone
	c.admin.Unlock()

	if stop != nil {
		stop()
		t := time.NewTimer(c.cfg.ShutdownTimeout)
		select {
		case <-driverDone:
		case <-t.C:
			c.log.Error("poll driver did not stop in time, abandoning it",
				zap.Duration("shutdown_timeout", c.cfg.ShutdownTimeout))
		}
		t.Stop()
	}

	c.queue.Close()
	if left := c.queue.Drain(); len(left) > 0 {
		c.stats.discarded.Add(uint64(len(left)))
		metrics.Lost.WithLabelValues(serviceLabel, "discarded").Add(float64(len(left)))
		c.log.Warn("discarding undelivered deliveries", zap.Int("count", len(left)))
	}
	c.dropQueueDepth()

	err := c.releaseHandle()
	if stop == nil {
		c.markDone()
	}
	c.transition(StateClosing, StateClosed)
	c.log.Info("consumer closed", zap.Uint64("delivered", c.stats.delivered.Load()))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// -----------------------------------------------------------------------------
// internal
// -----------------------------------------------------------------------------

// observeQueueDepth обновляет gauge только пока consumer жив: после Close или
// fail серия client_id удаляется и не должна появиться снова.
func (c *Consumer) observeQueueDepth() {
	if c.State() != StateRunning {
		return
	}
	metrics.QueueDepth.WithLabelValues(serviceLabel, c.cfg.ClientID).Set(float64(c.queue.Len()))
}

func (c *Consumer) dropQueueDepth() {
	metrics.QueueDepth.DeleteLabelValues(serviceLabel, c.cfg.ClientID)
}

func (c *Consumer) transition(from, to State) bool {
	if !CanTransition(from, to) {
		c.log.Error("illegal state transition", zap.Stringer("from", from), zap.Stringer("to", to))
		return false
	}
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	metrics.Transitions.WithLabelValues(serviceLabel, from.String(), to.String()).Inc()
	c.log.Debug("state transition", zap.Stringer("from", from), zap.Stringer("to", to))
	return true
}

func (c *Consumer) stateError(op string, s State) error {
	e := &StateError{Op: op, State: s}
	if s == StateFailed {
		e.Cause = c.Err()
	}
	return e
}

// releaseHandle closes the native handle exactly once.
func (c *Consumer) releaseHandle() error {
	c.admin.Lock()
	defer c.admin.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	if err := c.handle.Close(); err != nil {
		c.log.Warn("native handle close failed", zap.Error(err))
		return fmt.Errorf("consumer: close native handle: %w", err)
	}
	return nil
}

func (c *Consumer) markDone() { c.doneOnce.Do(func() { close(c.done) }) }
