// kafka/native/native.go
//
// Пакет native - граница между consumer и конкретным Kafka-клиентом.
// Каждый backend регистрирует свой Opener в init(); consumer выбирает его по
// имени из конфигурации.
package native

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/kafka"
)

// Handle is one native client instance. Poll is called from a single
// goroutine; Subscribe, Commit and Close are serialized by the caller but may
// run concurrently with Poll.
type Handle interface {
	// Subscribe replaces the current subscription.
	Subscribe(ctx context.Context, topics []string) error
	// Poll waits up to timeout for the next event. nil means nothing happened.
	Poll(ctx context.Context, timeout time.Duration) kafka.Delivery
	// Commit stores offsets (next offset to consume) for the group.
	Commit(ctx context.Context, offsets []kafka.TopicPartition, mode kafka.CommitMode) error
	// Close releases the client. Called exactly once.
	Close() error
}

// Options is what every backend gets from the consumer configuration.
type Options struct {
	Brokers            []string
	GroupID            string
	ClientID           string
	CommitMode         kafka.CommitMode
	AutoCommitInterval time.Duration
	InitialOffset      kafka.InitialOffset
	EmitPartitionEOF   bool
	Properties         map[string]string
	Logger             *logger.Logger
}

// Log returns the configured logger or a no-op one.
func (o Options) Log() *logger.Logger {
	if o.Logger == nil {
		return logger.NewNop()
	}
	return o.Logger
}

// Opener creates a Handle. It must not start consuming before Subscribe.
type Opener func(Options) (Handle, error)

// ErrUnknownBackend is returned by Open for unregistered names.
var ErrUnknownBackend = errors.New("native: unknown backend")

var (
	mu      sync.RWMutex
	openers = map[string]Opener{}
)

// Register makes a backend available under name. Registering the same name
// twice panics.
func Register(name string, open Opener) {
	mu.Lock()
	defer mu.Unlock()
	if open == nil {
		panic("native: Register opener is nil")
	}
	if _, dup := openers[name]; dup {
		panic("native: Register called twice for backend " + name)
	}
	openers[name] = open
}

// Open creates a handle with the named backend.
func Open(name string, opts Options) (Handle, error) {
	mu.RLock()
	open, ok := openers[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownBackend, name, Backends())
	}
	return open(opts)
}

// Registered reports whether name has been registered.
func Registered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := openers[name]
	return ok
}

// Backends returns the sorted list of registered names.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(openers))
	for n := range openers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Property returns Properties[key] or def.
func (o Options) Property(key, def string) string {
	if v, ok := o.Properties[key]; ok {
		return v
	}
	return def
}
