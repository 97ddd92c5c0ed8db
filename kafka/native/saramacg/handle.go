// kafka/native/saramacg/handle.go
//
// Backend на sarama.ConsumerGroup. Сессии Consume крутятся в собственной
// goroutine; handler перекладывает сообщения в канал, из которого читает Poll.
package saramacg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/backoff"
	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
)

// Name is the registry name of this backend.
const Name = "sarama"

func init() { native.Register(Name, Open) }

// ErrNoSession is returned by Commit when no group session is active
// (before the first assignment or during a rebalance).
var ErrNoSession = errors.New("saramacg: no active group session")

type handle struct {
	opts  native.Options
	log   *logger.Logger
	group sarama.ConsumerGroup

	// client принадлежит handle: группа, созданная из клиента, его не закрывает
	client  sarama.Client
	version sarama.KafkaVersion
	// commitOffsets отправляет OffsetCommit координатору группы (CommitSync)
	commitOffsets offsetCommitter

	events chan kafka.Delivery
	closed chan struct{}

	// loop state, guarded by admin calls (Subscribe/Close are serialized)
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	sessMu  sync.Mutex
	session sarama.ConsumerGroupSession

	errsDone  chan struct{}
	closeOnce sync.Once
}

// Open creates the consumer group client.
func Open(o native.Options) (native.Handle, error) {
	cfg, err := buildSaramaConfig(o)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(o.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("saramacg: new client: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(o.GroupID, client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("saramacg: new consumer group: %w", err)
	}
	h := newHandle(o, group)
	h.client, h.version = client, cfg.Version
	h.commitOffsets = coordinatorCommitter(client, o.GroupID)
	go h.forwardErrors()
	h.log.Info("consumer group created",
		zap.Strings("brokers", o.Brokers),
		zap.String("group", o.GroupID),
		zap.String("version", cfg.Version.String()),
	)
	return h, nil
}

func newHandle(o native.Options, group sarama.ConsumerGroup) *handle {
	return &handle{
		opts:     o,
		log:      o.Log(),
		group:    group,
		events:   make(chan kafka.Delivery, defaultEventsBacklog),
		closed:   make(chan struct{}),
		errsDone: make(chan struct{}),
		version:  sarama.DefaultVersion,
	}
}

// Subscribe restarts the consume loop with the new topic list.
func (h *handle) Subscribe(_ context.Context, topics []string) error {
	select {
	case <-h.closed:
		return errors.New("saramacg: handle closed")
	default:
	}
	h.stopLoop()
	if len(topics) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.cancelLoop, h.loopDone = cancel, done
	go func() {
		defer close(done)
		h.consumeLoop(ctx, append([]string(nil), topics...))
	}()
	return nil
}

func (h *handle) stopLoop() {
	if h.cancelLoop == nil {
		return
	}
	h.cancelLoop()
	<-h.loopDone
	h.cancelLoop, h.loopDone = nil, nil
}

// consumeLoop повторяет Consume после каждой ребалансировки; ошибки между
// сессиями ретраятся через backoff, фатальные завершают цикл.
func (h *handle) consumeLoop(ctx context.Context, topics []string) {
	gh := &groupHandler{h: h}
	for ctx.Err() == nil {
		err := backoff.ExecuteNamed(ctx, "sarama.consume", sessionRetry, h.log, func(ctx context.Context) error {
			err := h.group.Consume(ctx, topics, gh)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, sarama.ErrClosedConsumerGroup), isFatal(err):
				return backoff.Permanent(err)
			default:
				h.emit(ctx, &kafka.Error{Err: err, Partition: -1})
				return err
			}
		})
		if err == nil || ctx.Err() != nil {
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		h.log.Error("consume loop stopped", zap.Strings("topics", topics), zap.Error(err))
		h.emit(ctx, &kafka.Error{Err: err, Fatal: true, Partition: -1})
		return
	}
}

// forwardErrors переводит ошибки из group.Errors() в доставки.
func (h *handle) forwardErrors() {
	defer close(h.errsDone)
	for err := range h.group.Errors() {
		ev := &kafka.Error{Err: err, Fatal: isFatal(err), Partition: -1}
		var ce *sarama.ConsumerError
		if errors.As(err, &ce) {
			ev.Topic, ev.Partition = ce.Topic, ce.Partition
		}
		select {
		case h.events <- ev:
		case <-h.closed:
			return
		}
	}
}

func (h *handle) emit(ctx context.Context, d kafka.Delivery) bool {
	select {
	case h.events <- d:
		return true
	case <-ctx.Done():
		return false
	case <-h.closed:
		return false
	}
}

func (h *handle) Poll(ctx context.Context, timeout time.Duration) kafka.Delivery {
	select {
	case d := <-h.events:
		return d
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d := <-h.events:
		return d
	case <-t.C:
	case <-ctx.Done():
	case <-h.closed:
	}
	return nil
}

// Commit marks offsets in the current session. CommitSync also sends them
// to the group coordinator and returns the per-partition errors it reports.
func (h *handle) Commit(_ context.Context, offsets []kafka.TopicPartition, mode kafka.CommitMode) error {
	h.sessMu.Lock()
	defer h.sessMu.Unlock()
	if h.session == nil {
		return ErrNoSession
	}
	for _, tp := range offsets {
		h.session.MarkOffset(tp.Topic, tp.Partition, tp.Offset, "")
	}
	if mode != kafka.CommitSync || len(offsets) == 0 {
		return nil
	}
	if h.commitOffsets == nil {
		// без координатора остаётся только асинхронный flush сессии
		h.session.Commit()
		return nil
	}

	req := newCommitRequest(h.version, h.opts.GroupID, h.session, offsets)
	resp, err := h.commitOffsets(req)
	if err != nil {
		return fmt.Errorf("saramacg: offset commit: %w", err)
	}
	return commitResponseError(resp)
}

func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.cancelLoop != nil {
			h.cancelLoop()
		}
		err = h.group.Close()
		if h.loopDone != nil {
			<-h.loopDone
		}
		if h.client != nil {
			if cerr := h.client.Close(); cerr != nil && !errors.Is(cerr, sarama.ErrClosedClient) {
				err = errors.Join(err, cerr)
			}
		}
		close(h.closed)
		h.log.Info("consumer group closed")
	})
	return err
}

func (h *handle) setSession(s sarama.ConsumerGroupSession) {
	h.sessMu.Lock()
	h.session = s
	h.sessMu.Unlock()
}

// isFatal: ошибки, после которых повтор не поможет.
func isFatal(err error) bool {
	for _, kerr := range []sarama.KError{
		sarama.ErrSASLAuthenticationFailed,
		sarama.ErrTopicAuthorizationFailed,
		sarama.ErrGroupAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
		sarama.ErrUnsupportedSASLMechanism,
		sarama.ErrInvalidGroupId,
	} {
		if errors.Is(err, kerr) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Internal handler
// -----------------------------------------------------------------------------

type groupHandler struct {
	h *handle
}

func (g *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	g.h.setSession(sess)
	g.h.log.Info("group session started",
		zap.String("member", sess.MemberID()),
		zap.Int32("generation", sess.GenerationID()),
		zap.Any("claims", sess.Claims()),
	)
	return nil
}

func (g *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if g.h.opts.CommitMode == kafka.CommitSync {
		sess.Commit()
	}
	g.h.setSession(nil)
	return nil
}

func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !g.h.emit(ctx, convert(m)) {
				return nil
			}
			if g.h.opts.CommitMode == kafka.CommitAuto {
				sess.MarkMessage(m, "")
			}
			if g.h.opts.EmitPartitionEOF && m.Offset+1 == claim.HighWaterMarkOffset() {
				g.h.emit(ctx, kafka.PartitionEOF{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset + 1})
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func convert(m *sarama.ConsumerMessage) *kafka.Message {
	headers := make(map[string][]byte, len(m.Headers))
	for _, hdr := range m.Headers {
		if hdr != nil && hdr.Key != nil {
			headers[string(hdr.Key)] = hdr.Value
		}
	}
	return &kafka.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
		Headers:   headers,
	}
}
