// kafka/native/saramacg/config.go
package saramacg

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/YangYounghwa/asynkaf/common/backoff"
	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
)

// Property keys understood by this backend.
const (
	PropVersion          = "sarama.version"
	PropRebalance        = "partition.assignment.strategy"
	PropSessionTimeout   = "session.timeout.ms"
	PropHeartbeat        = "heartbeat.interval.ms"
	PropFetchMinBytes    = "fetch.min.bytes"
	PropChannelBuffer    = "sarama.channel.buffer.size"
	defaultKafkaVersion  = "2.8.0"
	defaultEventsBacklog = 256
)

// buildSaramaConfig переводит native.Options в sarama.Config.
func buildSaramaConfig(o native.Options) (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(o.Property(PropVersion, defaultKafkaVersion))
	if err != nil {
		return nil, fmt.Errorf("saramacg: invalid %s: %w", PropVersion, err)
	}

	cfg := sarama.NewConfig()
	cfg.Version = version
	if o.ClientID != "" {
		cfg.ClientID = o.ClientID
	}
	cfg.Consumer.Return.Errors = true

	switch o.InitialOffset {
	case kafka.OffsetOldest:
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	// sync коммитит явно; async и auto отдают помеченные offset-ы фоновому flush.
	cfg.Consumer.Offsets.AutoCommit.Enable = o.CommitMode != kafka.CommitSync
	if o.AutoCommitInterval > 0 {
		cfg.Consumer.Offsets.AutoCommit.Interval = o.AutoCommitInterval
	}

	if s, ok := o.Properties[PropRebalance]; ok {
		var strategies []sarama.BalanceStrategy
		for _, name := range strings.Split(s, ",") {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "range":
				strategies = append(strategies, sarama.NewBalanceStrategyRange())
			case "roundrobin":
				strategies = append(strategies, sarama.NewBalanceStrategyRoundRobin())
			case "sticky", "cooperative-sticky":
				strategies = append(strategies, sarama.NewBalanceStrategySticky())
			default:
				return nil, fmt.Errorf("saramacg: unknown %s %q", PropRebalance, name)
			}
		}
		cfg.Consumer.Group.Rebalance.GroupStrategies = strategies
	}
	if err := setMillis(o, PropSessionTimeout, &cfg.Consumer.Group.Session.Timeout); err != nil {
		return nil, err
	}
	if err := setMillis(o, PropHeartbeat, &cfg.Consumer.Group.Heartbeat.Interval); err != nil {
		return nil, err
	}
	if err := setInt(o, PropFetchMinBytes, func(v int) { cfg.Consumer.Fetch.Min = int32(v) }); err != nil {
		return nil, err
	}
	if err := setInt(o, PropChannelBuffer, func(v int) { cfg.ChannelBufferSize = v }); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("saramacg: invalid config: %w", err)
	}
	return cfg, nil
}

func setMillis(o native.Options, key string, dst *time.Duration) error {
	return setInt(o, key, func(v int) { *dst = time.Duration(v) * time.Millisecond })
}

func setInt(o native.Options, key string, set func(int)) error {
	s, ok := o.Properties[key]
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v <= 0 {
		return fmt.Errorf("saramacg: %s must be a positive integer, got %q", key, s)
	}
	set(v)
	return nil
}

// sessionRetry управляет паузами между сессиями ConsumerGroup.Consume.
var sessionRetry = backoff.Config{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}
