//go:build cgo

package rdkafka

import (
	"context"
	"errors"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
)

func TestBuildConfigMap(t *testing.T) {
	cases := []struct {
		mode      kafka.CommitMode
		autoStore any
		auto      bool
	}{
		{kafka.CommitSync, nil, false},
		{kafka.CommitAsync, false, true},
		{kafka.CommitAuto, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			cm, err := buildConfigMap(native.Options{
				Brokers:            []string{"a:9092", "b:9092"},
				GroupID:            "g",
				ClientID:           "cid",
				CommitMode:         tc.mode,
				AutoCommitInterval: 2 * time.Second,
				InitialOffset:      kafka.OffsetOldest,
				EmitPartitionEOF:   true,
				Properties:         map[string]string{"session.timeout.ms": "6000"},
			})
			require.NoError(t, err)
			m := *cm
			assert.Equal(t, "a:9092,b:9092", m["bootstrap.servers"])
			assert.Equal(t, "g", m["group.id"])
			assert.Equal(t, "earliest", m["auto.offset.reset"])
			assert.Equal(t, true, m["enable.partition.eof"])
			assert.Equal(t, tc.auto, m["enable.auto.commit"])
			assert.Equal(t, 2000, m["auto.commit.interval.ms"])
			assert.Equal(t, "6000", m["session.timeout.ms"])
			if tc.autoStore != nil {
				assert.Equal(t, tc.autoStore, m["enable.auto.offset.store"])
			} else {
				_, ok := m["enable.auto.offset.store"]
				assert.False(t, ok)
			}
		})
	}
}

func TestConvertEvent(t *testing.T) {
	log := logger.NewNop()
	topic := "orders"

	d := convertEvent(&ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &topic, Partition: 2, Offset: 17},
		Key:            []byte("k"),
		Value:          []byte("v"),
		Headers:        []ck.Header{{Key: "trace", Value: []byte("abc")}},
	}, log)
	m, ok := d.(*kafka.Message)
	require.True(t, ok, "got %T", d)
	assert.Equal(t, "orders", m.Topic)
	assert.EqualValues(t, 17, m.Offset)
	assert.Equal(t, []byte("abc"), m.Headers["trace"])

	d = convertEvent(ck.PartitionEOF{Topic: &topic, Partition: 2, Offset: 18}, log)
	assert.Equal(t, kafka.PartitionEOF{Topic: "orders", Partition: 2, Offset: 18}, d)

	d = convertEvent(ck.NewError(ck.ErrAllBrokersDown, "all brokers down", false), log)
	kerr, ok := d.(*kafka.Error)
	require.True(t, ok)
	assert.False(t, kerr.Fatal)

	d = convertEvent(ck.NewError(ck.ErrTopicAuthorizationFailed, "denied", false), log)
	assert.True(t, d.(*kafka.Error).Fatal)

	assert.Nil(t, convertEvent(nil, log))
	assert.Nil(t, convertEvent(ck.OffsetsCommitted{}, log))
	assert.NotNil(t, convertEvent(ck.OffsetsCommitted{Error: errors.New("rebalance")}, log))
}

func TestOpenSubscribePollClose(t *testing.T) {
	// librdkafka не подключается до первого poll, поэтому недоступный брокер допустим
	h, err := Open(native.Options{
		Brokers:    []string{"127.0.0.1:1"},
		GroupID:    "asynkaf-test",
		ClientID:   "asynkaf-test",
		CommitMode: kafka.CommitSync,
	})
	require.NoError(t, err)
	require.NoError(t, h.Subscribe(context.Background(), []string{"t"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, h.Poll(ctx, 10*time.Millisecond))
	require.NoError(t, h.Close())
}
