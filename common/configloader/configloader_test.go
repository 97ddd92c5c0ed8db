package configloader

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
	Hosts   []string      `mapstructure:"hosts"`
	Debug   bool          `mapstructure:"debug"`
	Nested  struct {
		Size int `mapstructure:"size"`
	} `mapstructure:"nested"`
	Headers map[string]string `mapstructure:"headers"`
}

func (c *sampleConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func TestLoad_FileEnvAndDefaults(t *testing.T) {
	RegisterDefaultsMap(map[string]interface{}{
		"nested.size": 7,
		"timeout":     "2s",
		"debug":       false,
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: file\nhosts: [\"a:1\", \"b:2\"]\n"), 0o600))

	t.Setenv("CLTEST_DEBUG", "true")

	var cfg sampleConfig
	require.NoError(t, Load(path, "CLTEST", &cfg))

	assert.Equal(t, "file", cfg.Name)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Hosts)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 7, cfg.Nested.Size)
}

func TestLoad_ValidationError(t *testing.T) {
	var cfg sampleConfig
	err := Load("", "CLTEST_EMPTY", &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg sampleConfig
	err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "CLTEST", &cfg)
	require.Error(t, err)
}

func TestDecode_StringSliceAndBool(t *testing.T) {
	var cfg sampleConfig
	err := Decode(map[string]interface{}{
		"name":  "x",
		"hosts": "h1:9092,h2:9092",
		"debug": "1",
	}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1:9092", "h2:9092"}, cfg.Hosts)
	assert.True(t, cfg.Debug)
}

func TestDecode_KeyValueMap(t *testing.T) {
	var cfg sampleConfig
	require.NoError(t, Decode(map[string]interface{}{
		"name":    "x",
		"headers": "authorization=Bearer abc, x-tenant = t1",
	}, &cfg))
	assert.Equal(t, map[string]string{"authorization": "Bearer abc", "x-tenant": "t1"}, cfg.Headers)

	cfg = sampleConfig{}
	require.NoError(t, Decode(map[string]interface{}{"name": "x", "headers": ""}, &cfg))
	assert.Empty(t, cfg.Headers)

	err := Decode(map[string]interface{}{"name": "x", "headers": "novalue"}, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")
}

func TestLoad_MapFromEnv(t *testing.T) {
	RegisterDefaults("headers", "")
	t.Setenv("CLMAP_NAME", "env")
	t.Setenv("CLMAP_HEADERS", "k=v")

	var cfg sampleConfig
	require.NoError(t, Load("", "CLMAP", &cfg))
	assert.Equal(t, map[string]string{"k": "v"}, cfg.Headers)
}

func TestPrintConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintConfig(&buf, map[string]int{"a": 1}))
	assert.True(t, strings.HasPrefix(buf.String(), "Loaded configuration:"))
}

func TestPrintConfig_MasksSecrets(t *testing.T) {
	type kafkaSection struct {
		Brokers    []string
		Properties map[string]string
	}
	v := struct {
		Name    string
		Headers map[string]string
		Kafka   kafkaSection
	}{
		Name:    "asynkaf",
		Headers: map[string]string{"authorization": "Bearer abc"},
		Kafka: kafkaSection{
			Brokers:    []string{"b1:9092"},
			Properties: map[string]string{"sasl.password": "hunter2", "fetch.min.bytes": "1"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, PrintConfig(&buf, v))
	out := buf.String()
	assert.NotContains(t, out, "Bearer abc")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, redacted)
	assert.Contains(t, out, "b1:9092")
	assert.Contains(t, out, `"fetch.min.bytes": "1"`)
}
