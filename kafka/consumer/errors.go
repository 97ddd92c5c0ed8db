// kafka/consumer/errors.go
package consumer

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig: конфигурация отсутствует или некорректна. Не ретраится.
	ErrConfig = errors.New("consumer: invalid config")
	// ErrConnection: не удалось создать native handle или подписаться.
	ErrConnection = errors.New("consumer: connection failed")
	// ErrState: операция недопустима в текущем состоянии (см. StateError).
	ErrState = errors.New("consumer: illegal state")
	// ErrCommit: брокер отклонил commit (или commit в auto-режиме при StrictCommit).
	ErrCommit = errors.New("consumer: commit failed")
	// ErrTimeout: Receive не дождался доставки.
	ErrTimeout = errors.New("consumer: receive timeout")
	// ErrClosed: consumer закрыт, пока вызывающий ждал.
	ErrClosed = errors.New("consumer: closed")
	// ErrQueueOverflow labels dropped deliveries in logs and Stats; it is never
	// returned from an operation.
	ErrQueueOverflow = errors.New("consumer: queue overflow")
	// ErrFatalNative: необратимая ошибка native-клиента перевела consumer в Failed.
	ErrFatalNative = errors.New("consumer: fatal native error")
)

// StateError reports an operation attempted in a state that does not allow it.
// errors.Is(err, ErrState) holds; Cause is the fatal error for StateFailed.
type StateError struct {
	Op    string
	State State
	Cause error
}

func (e *StateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("consumer: %s not allowed in state %s: %v", e.Op, e.State, e.Cause)
	}
	return fmt.Sprintf("consumer: %s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrState }

func (e *StateError) Unwrap() error { return e.Cause }
