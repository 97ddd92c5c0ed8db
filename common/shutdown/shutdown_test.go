package shutdown_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/common/shutdown"
)

func TestGraceful_PassesDeadline(t *testing.T) {
	err := shutdown.Graceful("test", 50*time.Millisecond, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGraceful_ReturnsError(t *testing.T) {
	want := errors.New("boom")
	err := shutdown.Graceful("test", time.Second, func(context.Context) error { return want }, logger.NewNop())
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestNotifyContext_CancelStopsWatcher(t *testing.T) {
	ctx, cancel := shutdown.NotifyContext(context.Background(), logger.NewNop())
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}
