package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/YangYounghwa/asynkaf/common/logger"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		expectsErr bool
	}{
		{"missing endpoint", Config{ServiceName: "svc", ServiceVersion: "v1"}, true},
		{"missing serviceName", Config{Endpoint: "host:1234", ServiceVersion: "v1"}, true},
		{"missing version", Config{Endpoint: "host:1234", ServiceName: "svc"}, true},
		{"bad ratio", Config{Endpoint: "host:1234", ServiceName: "svc", ServiceVersion: "v1", SamplerRatio: 2}, true},
		{"empty attribute key", Config{Endpoint: "host:1234", ServiceName: "svc", ServiceVersion: "v1", Attributes: map[string]string{" ": "x"}}, true},
		{"all set", Config{Endpoint: "host:1234", ServiceName: "svc", ServiceVersion: "v1"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConfig(tc.cfg)
			if tc.expectsErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Endpoint: "e", ServiceName: "s", ServiceVersion: "v"}
	applyDefaults(&cfg)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.ReconnectPeriod)
	assert.Equal(t, 1.0, cfg.SamplerRatio)
	assert.NotEmpty(t, cfg.InstanceID)

	fixed := Config{InstanceID: "pod-1"}
	applyDefaults(&fixed)
	assert.Equal(t, "pod-1", fixed.InstanceID)
}

func TestNewResource_KafkaConsumerAttributes(t *testing.T) {
	cfg := Config{
		ServiceName:    "asynkaf",
		ServiceVersion: "v1.2.3",
		Environment:    "staging",
		InstanceID:     "pod-1",
		Attributes:     map[string]string{"team": "data"},
	}
	cfg.SetKafkaConsumer("orders-group", "sarama")

	res, err := newResource(cfg)
	require.NoError(t, err)
	set := res.Set()

	want := map[attribute.Key]string{
		"service.name":                   "asynkaf",
		"service.version":                "v1.2.3",
		"service.instance.id":            "pod-1",
		"deployment.environment":         "staging",
		"messaging.system":               "kafka",
		"messaging.kafka.consumer.group": "orders-group",
		BackendKey:                       "sarama",
		"team":                           "data",
	}
	for k, v := range want {
		got, ok := set.Value(k)
		if assert.True(t, ok, "missing %s", k) {
			assert.Equal(t, v, got.AsString(), "attribute %s", k)
		}
	}
}

func TestNewResource_OptionalAttributesOmitted(t *testing.T) {
	res, err := newResource(Config{ServiceName: "s", ServiceVersion: "v"})
	require.NoError(t, err)
	_, ok := res.Set().Value("deployment.environment")
	assert.False(t, ok)
	_, ok = res.Set().Value(BackendKey)
	assert.False(t, ok)
}

func TestInitTracer_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{}, logger.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracer_Success(t *testing.T) {
	svcCfg := Config{
		Endpoint:       "localhost:4317",
		ServiceName:    "testsvc",
		ServiceVersion: "v0.1",
		Insecure:       true,
		Timeout:        time.Second,
		Headers:        map[string]string{"authorization": "Bearer test"},
	}
	svcCfg.SetKafkaConsumer("g", "sarama")
	shutdown, err := InitTracer(context.Background(), svcCfg, logger.NewNop())
	require.NoError(t, err)
	// спанов не было, батчеру нечего отправлять
	assert.NoError(t, shutdown(context.Background()))
}
