// kafka/producer/producer.go
package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/backoff"
	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/kafka"
)

// -----------------------------------------------------------------------------
// Service label (заполняется через serviceid.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel вызывается из serviceid.InitServiceName(..) один раз при старте.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var producerMetrics = struct {
	Publish        *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	Ping           *prometheus.CounterVec
}{
	Publish: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asynkaf", Subsystem: "producer", Name: "publish_total",
			Help: "Publish attempts by result",
		},
		[]string{"service", "result"},
	),
	PublishLatency: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "asynkaf", Subsystem: "producer", Name: "publish_latency_seconds",
			Help:    "Publish latency including retries (seconds)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
	Ping: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asynkaf", Subsystem: "producer", Name: "ping_total",
			Help: "Metadata refreshes by result",
		},
		[]string{"service", "result"},
	),
}

var tracer = otel.Tracer("asynkaf/producer")

// ErrClosed возвращается из Publish после Close.
var ErrClosed = errors.New("producer: closed")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config groups the tunables of the sarama SyncProducer used by the CLI.
type Config struct {
	Brokers []string `mapstructure:"brokers"`

	// RequiredAcks: "all" (дефолт) | "leader" | "none".
	RequiredAcks string `mapstructure:"required_acks"`

	Timeout time.Duration `mapstructure:"timeout"`

	// Compression: "none" (дефолт), "gzip", "snappy", "lz4", "zstd".
	Compression string `mapstructure:"compression"`

	// Idempotent включает идемпотентную запись; требует RequiredAcks=all.
	Idempotent bool `mapstructure:"idempotent"`

	// Backoff описывает ретраи отправки.
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka producer: brokers required")
	}
	if c.Idempotent && strings.ToLower(c.RequiredAcks) != "all" {
		return fmt.Errorf("kafka producer: idempotent requires required_acks=all")
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka producer: invalid RequiredAcks %q", c.RequiredAcks)
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	if c.Idempotent {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka producer: invalid Compression %q", c.Compression)
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return sc, nil
}

// -----------------------------------------------------------------------------
// Producer implementation
// -----------------------------------------------------------------------------

// Pinger обновляет метаданные кластера; sarama.Client удовлетворяет ему.
type Pinger interface {
	RefreshMetadata(topics ...string) error
	Close() error
}

// Producer публикует сообщения через sarama.SyncProducer.
type Producer struct {
	prod       sarama.SyncProducer
	client     Pinger
	log        *logger.Logger
	backoffCfg backoff.Config

	closed    chan struct{}
	closeOnce sync.Once
}

var _ kafka.Producer = (*Producer)(nil)

// New подключается к брокерам и возвращает готовый продьюсер.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	_, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	defer span.End()

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("kafka producer: new client: %w", err)
	}
	syncProd, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		span.RecordError(err)
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}

	p := NewFromSync(otelsarama.WrapSyncProducer(sc, syncProd), client, cfg.Backoff, log)
	p.log.Info("kafka producer ready", zap.Strings("brokers", cfg.Brokers))
	return p, nil
}

// NewFromSync собирает Producer поверх готового SyncProducer (в тестах - sarama/mocks).
// client может быть nil: тогда Ping всегда успешен.
func NewFromSync(sp sarama.SyncProducer, client Pinger, bo backoff.Config, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Producer{
		prod:       sp,
		client:     client,
		log:        log.Named("producer"),
		backoffCfg: bo,
		closed:     make(chan struct{}),
	}
}

// Publish отправляет сообщение c ретраями согласно Backoff.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()
	start := time.Now()

	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(value)}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}

	var partition int32
	var offset int64
	send := func(context.Context) error {
		var err error
		partition, offset, err = p.prod.SendMessage(msg)
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.ExecuteNamed(ctx, "producer.publish", p.backoffCfg, p.log, send)
	producerMetrics.PublishLatency.WithLabelValues(serviceLabel).Observe(time.Since(start).Seconds())
	if err != nil {
		producerMetrics.Publish.WithLabelValues(serviceLabel, "error").Inc()
		span.RecordError(err)
		p.log.WithContext(ctx).Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("kafka producer: publish to %s: %w", topic, err)
	}

	producerMetrics.Publish.WithLabelValues(serviceLabel, "ok").Inc()
	p.log.Debug("published",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// isPermanent отделяет ошибки, которые повтор не исправит.
func isPermanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, sarama.ErrMessageSizeTooLarge),
		errors.Is(err, sarama.ErrInvalidMessage),
		errors.Is(err, sarama.ErrTopicAuthorizationFailed),
		errors.Is(err, sarama.ErrClosedClient):
		return true
	}
	return false
}

// Ping обновляет метаданные клиента, проверяя доступность кластера.
func (p *Producer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()
	if p.client == nil {
		return nil
	}
	if err := p.client.RefreshMetadata(); err != nil {
		producerMetrics.Ping.WithLabelValues(serviceLabel, "error").Inc()
		span.RecordError(err)
		return fmt.Errorf("kafka producer: ping: %w", err)
	}
	producerMetrics.Ping.WithLabelValues(serviceLabel, "ok").Inc()
	return nil
}

// Close закрывает продьюсер и клиент. Повторный вызов ничего не делает.
func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.close()
	})
	return err
}

func (p *Producer) close() error {
	var errs []error
	if err := p.prod.Close(); err != nil {
		p.log.Error("producer close failed", zap.Error(err))
		errs = append(errs, err)
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
			p.log.Error("client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	p.log.Info("kafka producer closed")
	return errors.Join(errs...)
}
