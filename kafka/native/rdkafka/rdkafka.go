//go:build cgo

package rdkafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
)

// Name is the registry name of this backend.
const Name = "rdkafka"

func init() { native.Register(Name, Open) }

type handle struct {
	c    *ck.Consumer
	mode kafka.CommitMode
	log  *logger.Logger
}

type kv struct {
	k string
	v ck.ConfigValue
}

// buildConfigMap: базовые ключи из Options, затем Properties поверх.
func buildConfigMap(o native.Options) (*ck.ConfigMap, error) {
	base := []kv{
		{"bootstrap.servers", strings.Join(o.Brokers, ",")},
		{"group.id", o.GroupID},
		{"enable.partition.eof", o.EmitPartitionEOF},
		{"auto.offset.reset", autoOffsetReset(o.InitialOffset)},
	}
	if o.ClientID != "" {
		base = append(base, kv{"client.id", o.ClientID})
	}
	switch o.CommitMode {
	case kafka.CommitSync:
		base = append(base, kv{"enable.auto.commit", false})
	case kafka.CommitAsync:
		base = append(base, kv{"enable.auto.commit", true}, kv{"enable.auto.offset.store", false})
	case kafka.CommitAuto:
		base = append(base, kv{"enable.auto.commit", true})
	}
	if o.AutoCommitInterval > 0 {
		base = append(base, kv{"auto.commit.interval.ms", int(o.AutoCommitInterval / time.Millisecond)})
	}
	for k, v := range o.Properties {
		base = append(base, kv{k, v})
	}

	cm := &ck.ConfigMap{}
	for _, e := range base {
		if err := cm.SetKey(e.k, e.v); err != nil {
			return nil, fmt.Errorf("rdkafka: set %s: %w", e.k, err)
		}
	}
	return cm, nil
}

func autoOffsetReset(o kafka.InitialOffset) string {
	if o == kafka.OffsetOldest {
		return "earliest"
	}
	return "latest"
}

// Open creates a librdkafka consumer. librdkafka connects lazily.
func Open(o native.Options) (native.Handle, error) {
	cm, err := buildConfigMap(o)
	if err != nil {
		return nil, err
	}
	c, err := ck.NewConsumer(cm)
	if err != nil {
		return nil, fmt.Errorf("rdkafka: new consumer: %w", err)
	}
	log := o.Log()
	log.Info("librdkafka consumer created",
		zap.Strings("brokers", o.Brokers),
		zap.String("group", o.GroupID),
		zap.String("librdkafka", libVersion()),
	)
	return &handle{c: c, mode: o.CommitMode, log: log}, nil
}

func libVersion() string {
	_, s := ck.LibraryVersion()
	return s
}

func (h *handle) Subscribe(_ context.Context, topics []string) error {
	if len(topics) == 0 {
		return h.c.Unsubscribe()
	}
	return h.c.SubscribeTopics(topics, nil)
}

func (h *handle) Poll(ctx context.Context, timeout time.Duration) kafka.Delivery {
	if ctx.Err() != nil {
		return nil
	}
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return convertEvent(h.c.Poll(ms), h.log)
}

// convertEvent переводит событие librdkafka в доставку; nil - пропустить.
func convertEvent(ev ck.Event, log *logger.Logger) kafka.Delivery {
	switch e := ev.(type) {
	case nil:
		return nil
	case *ck.Message:
		tp := e.TopicPartition
		if tp.Error != nil {
			return &kafka.Error{Err: tp.Error, Fatal: isFatal(tp.Error), Topic: topicOf(tp), Partition: tp.Partition}
		}
		headers := make(map[string][]byte, len(e.Headers))
		for _, hdr := range e.Headers {
			headers[hdr.Key] = hdr.Value
		}
		return &kafka.Message{
			Topic:     topicOf(tp),
			Partition: tp.Partition,
			Offset:    int64(tp.Offset),
			Key:       e.Key,
			Value:     e.Value,
			Timestamp: e.Timestamp,
			Headers:   headers,
		}
	case ck.PartitionEOF:
		tp := ck.TopicPartition(e)
		return kafka.PartitionEOF{Topic: topicOf(tp), Partition: tp.Partition, Offset: int64(tp.Offset)}
	case ck.Error:
		return &kafka.Error{Err: e, Fatal: isFatal(e), Partition: -1}
	case ck.OffsetsCommitted:
		if e.Error != nil {
			return &kafka.Error{Err: fmt.Errorf("offset commit: %w", e.Error), Partition: -1}
		}
		return nil
	default:
		log.Debug("ignoring librdkafka event", zap.String("event", ev.String()))
		return nil
	}
}

func topicOf(tp ck.TopicPartition) string {
	if tp.Topic == nil {
		return ""
	}
	return *tp.Topic
}

func isFatal(err error) bool {
	var kerr ck.Error
	if !errors.As(err, &kerr) {
		return false
	}
	if kerr.IsFatal() {
		return true
	}
	switch kerr.Code() {
	case ck.ErrTopicAuthorizationFailed, ck.ErrGroupAuthorizationFailed, ck.ErrSaslAuthenticationFailed:
		return true
	}
	return false
}

func (h *handle) Commit(_ context.Context, offsets []kafka.TopicPartition, mode kafka.CommitMode) error {
	tps := make([]ck.TopicPartition, len(offsets))
	for i, o := range offsets {
		topic := o.Topic
		tps[i] = ck.TopicPartition{Topic: &topic, Partition: o.Partition, Offset: ck.Offset(o.Offset)}
	}

	var (
		res []ck.TopicPartition
		err error
	)
	if mode == kafka.CommitAsync {
		// сохраняем offset-ы, librdkafka закоммитит их по auto.commit.interval.ms
		res, err = h.c.StoreOffsets(tps)
	} else {
		res, err = h.c.CommitOffsets(tps)
	}
	if err != nil {
		return err
	}
	for _, tp := range res {
		if tp.Error != nil {
			return fmt.Errorf("rdkafka: %s[%d]: %w", topicOf(tp), tp.Partition, tp.Error)
		}
	}
	return nil
}

func (h *handle) Close() error {
	if err := h.c.Close(); err != nil {
		return fmt.Errorf("rdkafka: close: %w", err)
	}
	h.log.Info("librdkafka consumer closed")
	return nil
}
