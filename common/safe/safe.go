// common/safe/safe.go
package safe

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/logger"
)

// PanicError оборачивает значение, пойманное recover().
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Go запускает fn в защищённой goroutine.
// Паника логируется и передаётся в onPanic (если он не nil); done закрывается
// при любом выходе из fn.
func Go(log *logger.Logger, name string, fn func(), onPanic func(*PanicError)) (done <-chan struct{}) {
	if log == nil {
		log = logger.NewNop()
	}
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				perr := &PanicError{Value: r, Stack: debug.Stack()}
				log.Error("panic recovered",
					zap.String("goroutine", name),
					zap.Any("error", r),
					zap.ByteString("stack", perr.Stack),
				)
				if onPanic != nil {
					onPanic(perr)
				}
			}
		}()
		fn()
	}()
	return ch
}
