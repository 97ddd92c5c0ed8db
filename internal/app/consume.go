// internal/app/consume.go
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YangYounghwa/asynkaf/common/backoff"
	"github.com/YangYounghwa/asynkaf/common/httpserver"
	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/common/serviceid"
	"github.com/YangYounghwa/asynkaf/common/shutdown"
	"github.com/YangYounghwa/asynkaf/common/telemetry"
	"github.com/YangYounghwa/asynkaf/internal/config"
	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/consumer"
)

const shutdownTimeout = 5 * time.Second

var errNotStarted = errors.New("consumer not started")

// consumeRunner держит текущий consumer: после failed он пересоздаётся.
type consumeRunner struct {
	cfg  *config.Config
	ccfg consumer.Config
	out  io.Writer
	log  *logger.Logger
	opts []consumer.Option

	current  atomic.Pointer[consumer.Consumer]
	received int
}

// Consume запускает команду consume: цикл Receive → печать → commit и
// HTTP-сервер с /metrics и /readyz. Возвращает nil при отмене ctx или после
// consume.max_messages сообщений.
func Consume(ctx context.Context, cfg *config.Config, out io.Writer, log *logger.Logger, opts ...consumer.Option) error {
	if err := cfg.ValidateConsume(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ccfg, err := cfg.ConsumerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	serviceid.InitServiceName(cfg.ServiceName)

	shutdownTracer, err := telemetry.InitTracer(ctx, tracerConfig(cfg, ccfg), log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() { _ = shutdown.Graceful("telemetry", shutdownTimeout, shutdownTracer, log) }()

	r := &consumeRunner{cfg: cfg, ccfg: ccfg, out: out, log: log.Named("consume"), opts: opts}

	httpSrv, err := httpserver.New(cfg.HTTP, r.ready, log)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(gctx) })
	g.Go(func() error {
		// остановка цикла (max_messages) гасит и HTTP-сервер
		defer cancel()
		return r.loop(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	r.log.Info("consume stopped", zap.Int("received", r.received))
	return nil
}

// tracerConfig дополняет telemetry-секцию именем сервиса и атрибутами группы.
// Исходный cfg не меняется.
func tracerConfig(cfg *config.Config, ccfg consumer.Config) telemetry.Config {
	tc := cfg.Telemetry
	tc.ServiceName = cfg.ServiceName
	tc.ServiceVersion = cfg.ServiceVersion
	tc.Attributes = maps.Clone(cfg.Telemetry.Attributes)

	backend := ccfg.Backend
	if backend == "" {
		backend = consumer.DefaultBackend
	}
	tc.SetKafkaConsumer(ccfg.GroupID, backend)
	return tc
}

// ready - ReadyChecker для /readyz.
func (r *consumeRunner) ready() error {
	c := r.current.Load()
	if c == nil {
		return errNotStarted
	}
	return c.Ready()
}

// loop открывает consumer и читает из него, пока он не упадёт; после failed
// открывает новый с back-off.
func (r *consumeRunner) loop(ctx context.Context) error {
	for {
		c, err := r.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = r.drain(ctx, c)
		if cerr := c.Close(); cerr != nil {
			r.log.Warn("consumer close failed", zap.Error(cerr))
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errMaxMessages):
			return nil
		case c.State() == consumer.StateFailed:
			r.log.Error("consumer failed, reopening", zap.Error(c.Err()))
			continue
		default:
			return err
		}
	}
}

func (r *consumeRunner) open(ctx context.Context) (*consumer.Consumer, error) {
	var c *consumer.Consumer
	err := backoff.ExecuteNamed(ctx, "consumer.open", r.cfg.Consume.Reopen, r.log, func(ctx context.Context) error {
		nc, err := consumer.New(ctx, r.ccfg, r.log, r.opts...)
		if err != nil {
			if errors.Is(err, consumer.ErrConfig) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := nc.Subscribe(ctx, r.cfg.Consume.Topics...); err != nil {
			_ = nc.Close()
			return err
		}
		c = nc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open consumer: %w", err)
	}
	r.current.Store(c)
	r.log.Info("consuming",
		zap.Strings("topics", c.Subscription()),
		zap.String("backend", c.Config().Backend),
	)
	return c, nil
}

var errMaxMessages = errors.New("max messages reached")

// drain читает доставки, пока consumer работает.
func (r *consumeRunner) drain(ctx context.Context, c *consumer.Consumer) error {
	mode, _ := kafka.ParseCommitMode(c.Config().CommitMode)
	for {
		d, err := c.Receive(ctx, r.cfg.Consume.ReceiveTimeout)
		switch {
		case errors.Is(err, consumer.ErrTimeout):
			continue
		case err != nil:
			return err
		}

		switch d := d.(type) {
		case *kafka.Message:
			r.print(d)
			if mode != kafka.CommitAuto {
				if err := c.CommitMessage(ctx, d); err != nil {
					r.log.Warn("commit failed", zap.Stringer("message", d), zap.Error(err))
				}
			}
			r.received++
			if limit := r.cfg.Consume.MaxMessages; limit > 0 && r.received >= limit {
				return errMaxMessages
			}
		case kafka.PartitionEOF:
			r.log.Info("end of partition",
				zap.String("topic", d.Topic),
				zap.Int32("partition", d.Partition),
				zap.Int64("offset", d.Offset),
			)
		case *kafka.Error:
			// fatal сам переводит consumer в failed; следующий Receive это вернёт
			r.log.Warn("kafka error", zap.Bool("fatal", d.Fatal), zap.Error(d))
		case kafka.Closed:
			return consumer.ErrClosed
		}
	}
}

func (r *consumeRunner) print(m *kafka.Message) {
	if !r.cfg.Consume.PrintValues {
		fmt.Fprintln(r.out, m.String())
		return
	}
	fmt.Fprintf(r.out, "%s\t%s\t%s\n", m, m.Key, m.Value)
}
