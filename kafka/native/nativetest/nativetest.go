// Package nativetest provides a scripted in-memory native.Handle.
package nativetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
)

// CommitCall records one Commit invocation.
type CommitCall struct {
	Offsets []kafka.TopicPartition
	Mode    kafka.CommitMode
}

// Handle replays deliveries fed by the test and records admin calls.
type Handle struct {
	events chan kafka.Delivery

	mu            sync.Mutex
	opts          native.Options
	subscriptions [][]string
	commits       []CommitCall
	closeCount    int
	pollCount     int
	subscribeErr  error
	commitErr     error
	closeErr      error
	pollPanic     any
	stall         time.Duration
}

// New returns a handle that can buffer up to 4096 fed deliveries.
func New() *Handle {
	return &Handle{events: make(chan kafka.Delivery, 4096)}
}

// Opener returns an opener that hands out h and remembers the options.
func (h *Handle) Opener() native.Opener {
	return func(o native.Options) (native.Handle, error) {
		h.mu.Lock()
		h.opts = o
		h.mu.Unlock()
		return h, nil
	}
}

// FailingOpener always fails with err.
func FailingOpener(err error) native.Opener {
	return func(native.Options) (native.Handle, error) { return nil, err }
}

// Feed queues deliveries for Poll.
func (h *Handle) Feed(ds ...kafka.Delivery) {
	for _, d := range ds {
		h.events <- d
	}
}

// Msg builds a message with a string value.
func Msg(topic string, partition int32, offset int64, value string) *kafka.Message {
	return &kafka.Message{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Value:     []byte(value),
		Timestamp: time.Now(),
	}
}

// Fatal builds a fatal error event.
func Fatal(msg string) *kafka.Error {
	return &kafka.Error{Err: errors.New(msg), Fatal: true, Partition: -1}
}

// Recoverable builds a non-fatal error event.
func Recoverable(msg string) *kafka.Error {
	return &kafka.Error{Err: errors.New(msg), Partition: -1}
}

func (h *Handle) SetSubscribeError(err error) { h.mu.Lock(); h.subscribeErr = err; h.mu.Unlock() }
func (h *Handle) SetCommitError(err error) { h.mu.Lock(); h.commitErr = err; h.mu.Unlock() }
func (h *Handle) SetCloseError(err error) { h.mu.Lock(); h.closeErr = err; h.mu.Unlock() }

// PanicOnPoll makes the next Poll panic with v.
func (h *Handle) PanicOnPoll(v any) { h.mu.Lock(); h.pollPanic = v; h.mu.Unlock() }

// Stall makes every Poll sleep d ignoring both ctx and timeout.
func (h *Handle) Stall(d time.Duration) { h.mu.Lock(); h.stall = d; h.mu.Unlock() }

// -----------------------------------------------------------------------------
// native.Handle
// -----------------------------------------------------------------------------

func (h *Handle) Subscribe(_ context.Context, topics []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribeErr != nil {
		return h.subscribeErr
	}
	h.subscriptions = append(h.subscriptions, append([]string(nil), topics...))
	return nil
}

func (h *Handle) Poll(ctx context.Context, timeout time.Duration) kafka.Delivery {
	h.mu.Lock()
	h.pollCount++
	p, stall := h.pollPanic, h.stall
	h.pollPanic = nil
	h.mu.Unlock()

	if p != nil {
		panic(p)
	}
	if stall > 0 {
		time.Sleep(stall)
		return nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d := <-h.events:
		return d
	case <-t.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (h *Handle) Commit(_ context.Context, offsets []kafka.TopicPartition, mode kafka.CommitMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.commitErr != nil {
		return h.commitErr
	}
	h.commits = append(h.commits, CommitCall{Offsets: append([]kafka.TopicPartition(nil), offsets...), Mode: mode})
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCount++
	return h.closeErr
}

// -----------------------------------------------------------------------------
// inspection
// -----------------------------------------------------------------------------

func (h *Handle) Options() native.Options {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts
}

func (h *Handle) Subscriptions() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string(nil), h.subscriptions...)
}

func (h *Handle) Commits() []CommitCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]CommitCall(nil), h.commits...)
}

func (h *Handle) CloseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCount
}

func (h *Handle) PollCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pollCount
}

// Pending returns how many fed deliveries Poll has not returned yet.
func (h *Handle) Pending() int { return len(h.events) }
