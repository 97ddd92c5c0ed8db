// Package kafkago is a native backend on segmentio/kafka-go's Reader.
//
// kafka-go fixes the topic list when the Reader is built, so Subscribe
// replaces the Reader.
package kafkago

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
)

// Name is the registry name of this backend.
const Name = "kafka-go"

// Property keys understood by this backend.
const (
	PropMinBytes = "fetch.min.bytes"
	PropMaxBytes = "fetch.max.bytes"
	PropMaxWait  = "fetch.max.wait.ms"
)

func init() { native.Register(Name, Open) }

// Reader is the part of *kafkago.Reader the backend uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

var _ Reader = (*kafkago.Reader)(nil)

type handle struct {
	opts      native.Options
	log       *logger.Logger
	cfg       kafkago.ReaderConfig
	newReader func(kafkago.ReaderConfig) Reader

	mu     sync.RWMutex
	reader Reader

	// eof ждёт следующего Poll; трогает только poll-goroutine
	eof *kafka.PartitionEOF
}

// readerConfig builds everything but the topics.
func readerConfig(o native.Options) (kafkago.ReaderConfig, error) {
	log := o.Log().Named("kafka-go")
	cfg := kafkago.ReaderConfig{
		Brokers:  append([]string(nil), o.Brokers...),
		GroupID:  o.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
		Logger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			log.Sugar().Debugf(msg, args...)
		}),
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			log.Sugar().Warnf(msg, args...)
		}),
	}
	if o.ClientID != "" {
		cfg.Dialer = &kafkago.Dialer{ClientID: o.ClientID, Timeout: 10 * time.Second, DualStack: true}
	}
	if o.InitialOffset == kafka.OffsetOldest {
		cfg.StartOffset = kafkago.FirstOffset
	} else {
		cfg.StartOffset = kafkago.LastOffset
	}
	// CommitInterval > 0 делает CommitMessages асинхронным
	if o.CommitMode != kafka.CommitSync {
		cfg.CommitInterval = o.AutoCommitInterval
	}

	for key, dst := range map[string]*int{PropMinBytes: &cfg.MinBytes, PropMaxBytes: &cfg.MaxBytes} {
		if s, ok := o.Properties[key]; ok {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				return cfg, fmt.Errorf("kafkago: %s must be a positive integer, got %q", key, s)
			}
			*dst = v
		}
	}
	if s, ok := o.Properties[PropMaxWait]; ok {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return cfg, fmt.Errorf("kafkago: %s must be a positive integer, got %q", PropMaxWait, s)
		}
		cfg.MaxWait = time.Duration(v) * time.Millisecond
	}
	return cfg, nil
}

// Open validates the configuration. The Reader itself is built on Subscribe.
func Open(o native.Options) (native.Handle, error) {
	cfg, err := readerConfig(o)
	if err != nil {
		return nil, err
	}
	probe := cfg
	probe.GroupTopics = []string{"probe"}
	if err := probe.Validate(); err != nil {
		return nil, fmt.Errorf("kafkago: invalid reader config: %w", err)
	}
	return newHandle(o, cfg, func(c kafkago.ReaderConfig) Reader { return kafkago.NewReader(c) }), nil
}

func newHandle(o native.Options, cfg kafkago.ReaderConfig, newReader func(kafkago.ReaderConfig) Reader) *handle {
	return &handle{opts: o, log: o.Log(), cfg: cfg, newReader: newReader}
}

func (h *handle) Subscribe(_ context.Context, topics []string) error {
	var next Reader
	if len(topics) > 0 {
		cfg := h.cfg
		cfg.GroupTopics = append([]string(nil), topics...)
		next = h.newReader(cfg)
	}

	h.mu.Lock()
	prev := h.reader
	h.reader = next
	h.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			h.log.Warn("closing previous reader", zap.Error(err))
		}
	}
	h.log.Info("reader subscribed", zap.Strings("topics", topics))
	return nil
}

func (h *handle) Poll(ctx context.Context, timeout time.Duration) kafka.Delivery {
	if h.eof != nil {
		eof := *h.eof
		h.eof = nil
		return eof
	}
	h.mu.RLock()
	r := h.reader
	h.mu.RUnlock()
	if r == nil {
		// подписки нет: просто выдерживаем таймаут
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		m   kafkago.Message
		err error
	)
	if h.opts.CommitMode == kafka.CommitAuto {
		m, err = r.ReadMessage(pctx)
	} else {
		m, err = r.FetchMessage(pctx)
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
		return nil
	default:
		return &kafka.Error{Err: err, Fatal: isFatal(err), Partition: -1}
	}

	if h.opts.EmitPartitionEOF && m.HighWaterMark > 0 && m.Offset+1 == m.HighWaterMark {
		h.eof = &kafka.PartitionEOF{Topic: m.Topic, Partition: int32(m.Partition), Offset: m.HighWaterMark}
	}
	return convert(m)
}

func convert(m kafkago.Message) *kafka.Message {
	headers := make(map[string][]byte, len(m.Headers))
	for _, hdr := range m.Headers {
		headers[hdr.Key] = hdr.Value
	}
	return &kafka.Message{
		Topic:     m.Topic,
		Partition: int32(m.Partition),
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Time,
		Headers:   headers,
	}
}

func (h *handle) Commit(ctx context.Context, offsets []kafka.TopicPartition, _ kafka.CommitMode) error {
	h.mu.RLock()
	r := h.reader
	h.mu.RUnlock()
	if r == nil {
		return errors.New("kafkago: not subscribed")
	}
	msgs := make([]kafkago.Message, len(offsets))
	for i, tp := range offsets {
		// kafka-go коммитит Offset+1 сам
		msgs[i] = kafkago.Message{Topic: tp.Topic, Partition: int(tp.Partition), Offset: tp.Offset - 1}
	}
	return r.CommitMessages(ctx, msgs...)
}

func (h *handle) Close() error {
	h.mu.Lock()
	r := h.reader
	h.reader = nil
	h.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Close()
}

func isFatal(err error) bool {
	for _, f := range []kafkago.Error{
		kafkago.SASLAuthenticationFailed,
		kafkago.TopicAuthorizationFailed,
		kafkago.GroupAuthorizationFailed,
		kafkago.ClusterAuthorizationFailed,
		kafkago.InvalidGroupId,
	} {
		if errors.Is(err, f) {
			return true
		}
	}
	return false
}
