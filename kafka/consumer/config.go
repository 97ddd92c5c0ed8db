// kafka/consumer/config.go
package consumer

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/queue"
)

// DefaultBackend is used when Config.Backend is empty.
const DefaultBackend = "sarama"

// Config содержит параметры consumer-фасада.
//
// Brokers и GroupID обязательны, остальное имеет значения по умолчанию
// (см. ApplyDefaults). После New конфигурация не меняется.
type Config struct {
	Brokers  []string `mapstructure:"brokers"`
	GroupID  string   `mapstructure:"group_id"`
	ClientID string   `mapstructure:"client_id"`
	Backend  string   `mapstructure:"backend"`

	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	OnFull        string        `mapstructure:"on_full"`

	CommitMode         string        `mapstructure:"commit_mode"`
	AutoCommitInterval time.Duration `mapstructure:"auto_commit_interval"`
	StrictCommit       bool          `mapstructure:"strict_commit"`

	InitialOffset    string `mapstructure:"initial_offset"`
	EmitPartitionEOF bool   `mapstructure:"emit_partition_eof"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Properties передаются backend-у как есть (например, ключи librdkafka).
	Properties map[string]string `mapstructure:"properties"`
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "asynkaf-" + uuid.NewString()
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = time.Second
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 1024
	}
	if c.OnFull == "" {
		c.OnFull = queue.Block.String()
	}
	if c.CommitMode == "" {
		c.CommitMode = kafka.CommitSync.String()
	}
	if c.AutoCommitInterval == 0 {
		c.AutoCommitInterval = 5 * time.Second
	}
	if c.InitialOffset == "" {
		c.InitialOffset = kafka.OffsetNewest.String()
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Validate checks the configuration. Every failure wraps ErrConfig.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: brokers required", ErrConfig)
	}
	for _, b := range c.Brokers {
		host, port, err := net.SplitHostPort(strings.TrimSpace(b))
		if err != nil || host == "" || port == "" {
			return fmt.Errorf("%w: malformed broker address %q", ErrConfig, b)
		}
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return fmt.Errorf("%w: group_id required", ErrConfig)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll_timeout must be > 0", ErrConfig)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: queue_capacity must be > 0", ErrConfig)
	}
	if c.AutoCommitInterval <= 0 {
		return fmt.Errorf("%w: auto_commit_interval must be > 0", ErrConfig)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be > 0", ErrConfig)
	}
	if _, err := queue.ParsePolicy(c.OnFull); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if _, err := kafka.ParseCommitMode(c.CommitMode); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if _, err := kafka.ParseInitialOffset(c.InitialOffset); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

// clone returns a deep copy so the caller cannot mutate a live consumer's config.
func (c Config) clone() Config {
	out := c
	out.Brokers = make([]string, len(c.Brokers))
	for i, b := range c.Brokers {
		out.Brokers[i] = strings.TrimSpace(b)
	}
	if c.Properties != nil {
		out.Properties = make(map[string]string, len(c.Properties))
		for k, v := range c.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// parsed holds the enum values of a validated Config.
type parsed struct {
	policy        queue.Policy
	mode          kafka.CommitMode
	initialOffset kafka.InitialOffset
}

func (c Config) parse() parsed {
	// ошибки уже отсеяны Validate
	p, _ := queue.ParsePolicy(c.OnFull)
	m, _ := kafka.ParseCommitMode(c.CommitMode)
	o, _ := kafka.ParseInitialOffset(c.InitialOffset)
	return parsed{policy: p, mode: m, initialOffset: o}
}
