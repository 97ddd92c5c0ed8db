package native_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
)

type stubHandle struct{ opts native.Options }

func (stubHandle) Subscribe(context.Context, []string) error { return nil }
func (stubHandle) Poll(context.Context, time.Duration) kafka.Delivery { return nil }
func (stubHandle) Commit(context.Context, []kafka.TopicPartition, kafka.CommitMode) error { return nil }
func (stubHandle) Close() error { return nil }

// реестр глобальный: при -count=N каждый прогон регистрирует своё имя
var registryRun atomic.Int32

func TestRegistry(t *testing.T) {
	name := fmt.Sprintf("registry-test-%d", registryRun.Add(1))
	native.Register(name, func(o native.Options) (native.Handle, error) {
		return stubHandle{opts: o}, nil
	})

	assert.True(t, native.Registered(name))
	assert.Contains(t, native.Backends(), name)

	h, err := native.Open(name, native.Options{GroupID: "g"})
	require.NoError(t, err)
	assert.Equal(t, "g", h.(stubHandle).opts.GroupID)

	_, err = native.Open("no-such-backend", native.Options{})
	assert.True(t, errors.Is(err, native.ErrUnknownBackend))

	assert.Panics(t, func() {
		native.Register(name, func(native.Options) (native.Handle, error) { return nil, nil })
	})
	assert.Panics(t, func() { native.Register("nil-opener", nil) })
}

func TestOptions_PropertyAndLog(t *testing.T) {
	o := native.Options{Properties: map[string]string{"fetch.min.bytes": "1"}}
	assert.Equal(t, "1", o.Property("fetch.min.bytes", "x"))
	assert.Equal(t, "x", o.Property("missing", "x"))
	assert.NotNil(t, o.Log())
}
