// internal/config/config.go
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/YangYounghwa/asynkaf/common/backoff"
	"github.com/YangYounghwa/asynkaf/common/configloader"
	"github.com/YangYounghwa/asynkaf/common/httpserver"
	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/common/telemetry"
	"github.com/YangYounghwa/asynkaf/kafka/consumer"
	"github.com/YangYounghwa/asynkaf/kafka/producer"
)

// EnvPrefix - префикс переменных окружения: consumer.group_id → ASYNKAF_CONSUMER_GROUP_ID.
const EnvPrefix = "ASYNKAF"

// -----------------------------------------------------------------------------
// Структуры
// -----------------------------------------------------------------------------

// Config хранит все настройки CLI asynkaf.
type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Logging   logger.Config     `mapstructure:"logging"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
	HTTP      httpserver.Config `mapstructure:"http"`

	Consumer consumer.Config `mapstructure:"consumer"`
	Consume  ConsumeConfig   `mapstructure:"consume"`

	Producer producer.Config `mapstructure:"producer"`
	Produce  ProduceConfig   `mapstructure:"produce"`
}

// ConsumeConfig управляет циклом команды consume.
type ConsumeConfig struct {
	Topics []string `mapstructure:"topics"`

	// ReceiveTimeout - сколько ждать одну доставку перед повтором Receive.
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`

	// MaxMessages > 0 завершает цикл после стольких сообщений.
	MaxMessages int `mapstructure:"max_messages"`

	// PrintValues печатает payload в stdout.
	PrintValues bool `mapstructure:"print_values"`

	// Properties - native-свойства в виде "key=value". viper режет ключи по
	// точке, поэтому "session.timeout.ms" нельзя положить в consumer.properties.
	Properties []string `mapstructure:"properties"`

	// Reopen - back-off пересоздания consumer после перехода в failed.
	Reopen backoff.Config `mapstructure:"reopen"`
}

// ProduceConfig управляет командой produce.
type ProduceConfig struct {
	Topic string `mapstructure:"topic"`
	// KeySeparator делит строку на key и value; пусто - ключ не задаётся.
	KeySeparator string `mapstructure:"key_separator"`
}

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

func registerDefaults() {
	configloader.RegisterDefaultsMap(map[string]interface{}{
		"service_name":    "asynkaf",
		"service_version": "dev",

		"logging.level":    "info",
		"logging.dev_mode": false,
		"logging.encoding": "",

		"telemetry.endpoint":      "",
		"telemetry.insecure":      true,
		"telemetry.sampler_ratio": 1.0,
		"telemetry.environment":   "",
		"telemetry.headers":       "",
		"telemetry.attributes":    "",

		"http.addr":             ":9100",
		"http.read_timeout":     "10s",
		"http.write_timeout":    "15s",
		"http.idle_timeout":     "60s",
		"http.shutdown_timeout": "5s",
		"http.metrics_path":     "/metrics",
		"http.healthz_path":     "/healthz",
		"http.readyz_path":      "/readyz",

		"consumer.brokers":              []string{},
		"consumer.group_id":             "",
		"consumer.client_id":            "",
		"consumer.backend":              consumer.DefaultBackend,
		"consumer.poll_timeout":         "1s",
		"consumer.queue_capacity":       1024,
		"consumer.on_full":              "block",
		"consumer.commit_mode":          "sync",
		"consumer.auto_commit_interval": "5s",
		"consumer.strict_commit":        false,
		"consumer.initial_offset":       "newest",
		"consumer.emit_partition_eof":   false,
		"consumer.shutdown_timeout":     "5s",

		"consume.topics":                  []string{},
		"consume.receive_timeout":         "1s",
		"consume.max_messages":            0,
		"consume.print_values":            true,
		"consume.properties":              []string{},
		"consume.reopen.initial_interval": "1s",
		"consume.reopen.max_interval":     "30s",
		"consume.reopen.max_elapsed_time": "5m",

		"producer.brokers":       []string{},
		"producer.required_acks": "all",
		"producer.timeout":       "5s",
		"producer.compression":   "none",
		"producer.idempotent":    false,

		"produce.topic":         "",
		"produce.key_separator": "",
	})
}

// Load читает конфиг: defaults → ENV (ASYNKAF_*) → YAML (если указан) → Validate.
func Load(path string) (*Config, error) {
	registerDefaults()
	var cfg Config
	if err := configloader.Load(path, EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет секции, общие для всех команд. Kafka-секции проверяются
// командой, которая их использует: ValidateConsume / ValidateProduce.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	for key, path := range map[string]string{
		"http.metrics_path": c.HTTP.MetricsPath,
		"http.healthz_path": c.HTTP.HealthzPath,
		"http.readyz_path":  c.HTTP.ReadyzPath,
	} {
		if path != "" && !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/'", key)
		}
	}
	if r := c.Telemetry.SamplerRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sampler_ratio must be between 0.0 and 1.0")
	}
	return nil
}

// ValidateConsume проверяет настройки команды consume.
func (c *Config) ValidateConsume() error {
	cc := c.Consumer
	cc.ApplyDefaults()
	if err := cc.Validate(); err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	if len(c.Consume.Topics) == 0 {
		return fmt.Errorf("consume.topics is required")
	}
	for _, t := range c.Consume.Topics {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("consume.topics must not contain empty names")
		}
	}
	if c.Consume.ReceiveTimeout <= 0 {
		return fmt.Errorf("consume.receive_timeout must be >0")
	}
	if c.Consume.MaxMessages < 0 {
		return fmt.Errorf("consume.max_messages must be >=0")
	}
	_, err := c.ConsumerConfig()
	return err
}

// ConsumerConfig возвращает consumer.Config с добавленными consume.properties.
func (c *Config) ConsumerConfig() (consumer.Config, error) {
	cc := c.Consumer
	props := make(map[string]string, len(cc.Properties)+len(c.Consume.Properties))
	for k, v := range cc.Properties {
		props[k] = v
	}
	for _, kv := range c.Consume.Properties {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return consumer.Config{}, fmt.Errorf("consume.properties: %q is not key=value", kv)
		}
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if len(props) > 0 {
		cc.Properties = props
	}
	return cc, nil
}

// ValidateProduce проверяет настройки команды produce. Пустой список брокеров
// продьюсера наследуется от consumer.brokers.
func (c *Config) ValidateProduce() error {
	if len(c.Producer.Brokers) == 0 {
		c.Producer.Brokers = append([]string(nil), c.Consumer.Brokers...)
	}
	if len(c.Producer.Brokers) == 0 {
		return fmt.Errorf("producer.brokers is required")
	}
	if c.Produce.Topic == "" {
		return fmt.Errorf("produce.topic is required")
	}
	return nil
}

// Print выводит текущий конфиг в JSON.
func (c *Config) Print(w io.Writer) error { return configloader.PrintConfig(w, c) }
