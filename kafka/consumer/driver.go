// kafka/consumer/driver.go
package consumer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/common/safe"
	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/queue"
)

// startDriver запускает poll driver. Вызывается под admin.
func (c *Consumer) startDriver() {
	ctx, cancel := context.WithCancel(context.Background())
	log := c.log.Named("poll-driver")

	done := safe.Go(log, "poll-driver", func() { c.pollLoop(ctx, log) }, func(p *safe.PanicError) {
		c.fail(fmt.Errorf("%w: poll driver: %w", ErrFatalNative, p))
	})
	c.stopDriver = cancel
	c.driverDone = done

	go func() {
		<-done
		cancel()
		c.markDone()
	}()
}

// pollLoop never returns errors: everything becomes a delivery or a Failed
// transition.
func (c *Consumer) pollLoop(ctx context.Context, log *logger.Logger) {
	log.Info("poll driver started", zap.Duration("poll_timeout", c.cfg.PollTimeout))
	defer log.Info("poll driver stopped")

	for ctx.Err() == nil {
		d := c.handle.Poll(ctx, c.cfg.PollTimeout)
		if d == nil {
			continue
		}
		if ctx.Err() != nil {
			c.keepOnShutdown(d, log)
			return
		}

		var fatal *kafka.Error
		switch v := d.(type) {
		case *kafka.Message, kafka.PartitionEOF:
		case *kafka.Error:
			metrics.PollErrors.WithLabelValues(serviceLabel, fmt.Sprint(v.Fatal)).Inc()
			if v.Fatal {
				fatal = v
			} else {
				c.stats.recoverable.Add(1)
				log.Warn("native error", zap.Error(v))
			}
		default:
			log.Warn("ignoring unexpected native event", zap.String("type", fmt.Sprintf("%T", d)))
			continue
		}

		if fatal != nil {
			// очередь может быть заполнена, а получателей нет: не блокируемся
			if c.queue.TryPush(d) {
				c.countQueued(d)
			} else {
				log.Warn("fatal error not queued, queue full", zap.Error(fatal))
			}
			c.fail(fmt.Errorf("%w: %w", ErrFatalNative, fatal))
			return
		}
		if !c.push(ctx, d, log) {
			return
		}
	}
}

// push applies the on-full policy. false means the driver must stop.
func (c *Consumer) push(ctx context.Context, d kafka.Delivery, log *logger.Logger) bool {
	dropped, err := c.queue.Push(ctx, d)
	switch {
	case err == nil:
		if dropped {
			c.stats.dropped.Add(1)
			metrics.Drops.WithLabelValues(serviceLabel, c.opts.policy.String()).Inc()
			log.Debug("delivery dropped",
				zap.Error(ErrQueueOverflow),
				zap.Stringer("policy", c.opts.policy),
				zap.Uint64("dropped_total", c.stats.dropped.Load()),
			)
		}
		if !dropped || c.opts.policy == queue.DropOldest {
			c.countQueued(d)
		}
		return true

	case errors.Is(err, queue.ErrClosed):
		c.loseOnShutdown(d, log)
		return false

	default:
		// остановка, пока ждали места в очереди
		c.keepOnShutdown(d, log)
		return false
	}
}

// keepOnShutdown tries to queue a delivery in hand when the driver stops.
func (c *Consumer) keepOnShutdown(d kafka.Delivery, log *logger.Logger) {
	if c.queue.TryPush(d) {
		c.countQueued(d)
		return
	}
	c.loseOnShutdown(d, log)
}

func (c *Consumer) loseOnShutdown(d kafka.Delivery, log *logger.Logger) {
	c.stats.lost.Add(1)
	metrics.Lost.WithLabelValues(serviceLabel, "in_flight").Inc()
	fields := []zap.Field{zap.String("type", fmt.Sprintf("%T", d))}
	if m, ok := d.(*kafka.Message); ok {
		fields = append(fields, zap.String("message", m.String()))
	}
	log.Warn("delivery lost on shutdown", fields...)
}

func (c *Consumer) countQueued(d kafka.Delivery) {
	c.stats.queued.Add(1)
	kind := "message"
	switch d.(type) {
	case kafka.PartitionEOF:
		kind = "eof"
	case *kafka.Error:
		kind = "error"
	}
	metrics.Deliveries.WithLabelValues(serviceLabel, kind).Inc()
	c.observeQueueDepth()
}

// fail moves Running → Failed, wakes receivers and releases the handle.
// If Close got there first it does nothing.
func (c *Consumer) fail(cause error) {
	c.failMu.Lock()
	c.failErr = cause
	c.failMu.Unlock()

	if !c.transition(StateRunning, StateFailed) {
		c.failMu.Lock()
		c.failErr = nil
		c.failMu.Unlock()
		return
	}
	c.log.Error("consumer failed", zap.Error(cause))

	c.queue.Close()
	if left := c.queue.Drain(); len(left) > 0 {
		c.stats.discarded.Add(uint64(len(left)))
		metrics.Lost.WithLabelValues(serviceLabel, "discarded").Add(float64(len(left)))
	}
	c.dropQueueDepth()
	_ = c.releaseHandle()
}
