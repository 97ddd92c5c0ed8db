// Package franz is a native backend on franz-go (kgo). Pure Go, no cgo.
package franz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
)

// Name is the registry name of this backend.
const Name = "franz"

// Property keys understood by this backend.
const (
	PropMaxPollRecords = "max.poll.records"
	PropFetchMaxWait   = "fetch.max.wait.ms"
	PropSessionTimeout = "session.timeout.ms"
	PropRebalance      = "partition.assignment.strategy"
)

func init() { native.Register(Name, Open) }

// Client is the part of *kgo.Client the backend uses.
type Client interface {
	AddConsumeTopics(topics ...string)
	PurgeTopicsFromConsuming(topics ...string)
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitOffsetsSync(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset,
		onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	CommitOffsets(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset,
		onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	Close()
}

var _ Client = (*kgo.Client)(nil)

type handle struct {
	client   Client
	opts     native.Options
	log      *logger.Logger
	maxPoll  int
	topics   map[string]struct{}

	// pending: события из последнего PollRecords и ошибки async-коммитов
	mu      sync.Mutex
	pending []kafka.Delivery
}

// buildOpts переводит native.Options в опции kgo.
func buildOpts(o native.Options) ([]kgo.Opt, int, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(o.Brokers...),
		kgo.ConsumerGroup(o.GroupID),
		kgo.WithLogger(zapLogger{log: o.Log()}),
	}
	if o.ClientID != "" {
		opts = append(opts, kgo.ClientID(o.ClientID))
	}
	if o.InitialOffset == kafka.OffsetOldest {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	if o.CommitMode == kafka.CommitAuto {
		if o.AutoCommitInterval > 0 {
			opts = append(opts, kgo.AutoCommitInterval(o.AutoCommitInterval))
		}
	} else {
		opts = append(opts, kgo.DisableAutoCommit())
	}

	maxPoll := 512
	if s, ok := o.Properties[PropMaxPollRecords]; ok {
		v, err := positive(PropMaxPollRecords, s)
		if err != nil {
			return nil, 0, err
		}
		maxPoll = v
	}
	if s, ok := o.Properties[PropFetchMaxWait]; ok {
		v, err := positive(PropFetchMaxWait, s)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, kgo.FetchMaxWait(time.Duration(v)*time.Millisecond))
	}
	if s, ok := o.Properties[PropSessionTimeout]; ok {
		v, err := positive(PropSessionTimeout, s)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, kgo.SessionTimeout(time.Duration(v)*time.Millisecond))
	}
	if s, ok := o.Properties[PropRebalance]; ok {
		var balancers []kgo.GroupBalancer
		switch s {
		case "range":
			balancers = append(balancers, kgo.RangeBalancer())
		case "roundrobin":
			balancers = append(balancers, kgo.RoundRobinBalancer())
		case "sticky":
			balancers = append(balancers, kgo.StickyBalancer())
		case "cooperative-sticky":
			balancers = append(balancers, kgo.CooperativeStickyBalancer())
		default:
			return nil, 0, fmt.Errorf("franz: unknown %s %q", PropRebalance, s)
		}
		opts = append(opts, kgo.Balancers(balancers...))
	}
	return opts, maxPoll, nil
}

func positive(key, s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("franz: %s must be a positive integer, got %q", key, s)
	}
	return v, nil
}

// Open creates a kgo client. kgo dials brokers lazily.
func Open(o native.Options) (native.Handle, error) {
	opts, maxPoll, err := buildOpts(o)
	if err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("franz: new client: %w", err)
	}
	o.Log().Info("kgo client created", zap.Strings("brokers", o.Brokers), zap.String("group", o.GroupID))
	return newHandle(cl, o, maxPoll), nil
}

func newHandle(cl Client, o native.Options, maxPoll int) *handle {
	return &handle{
		client:  cl,
		opts:    o,
		log:     o.Log(),
		maxPoll: maxPoll,
		topics:  make(map[string]struct{}),
	}
}

func (h *handle) Subscribe(_ context.Context, topics []string) error {
	next := make(map[string]struct{}, len(topics))
	var added []string
	for _, t := range topics {
		next[t] = struct{}{}
		if _, ok := h.topics[t]; !ok {
			added = append(added, t)
		}
	}
	var removed []string
	for t := range h.topics {
		if _, ok := next[t]; !ok {
			removed = append(removed, t)
		}
	}
	if len(removed) > 0 {
		h.client.PurgeTopicsFromConsuming(removed...)
	}
	if len(added) > 0 {
		h.client.AddConsumeTopics(added...)
	}
	h.topics = next
	return nil
}

func (h *handle) Poll(ctx context.Context, timeout time.Duration) kafka.Delivery {
	if d := h.next(); d != nil {
		return d
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := h.client.PollRecords(pctx, h.maxPoll)
	if fetches.IsClientClosed() {
		return nil
	}

	var batch []kafka.Delivery
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		batch = append(batch, &kafka.Error{Err: fe.Err, Fatal: isFatal(fe.Err), Topic: fe.Topic, Partition: fe.Partition})
	}
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		for _, r := range p.Records {
			batch = append(batch, convert(r))
		}
		if h.opts.EmitPartitionEOF && len(p.Records) > 0 {
			last := p.Records[len(p.Records)-1]
			if last.Offset+1 == p.HighWatermark {
				batch = append(batch, kafka.PartitionEOF{Topic: p.Topic, Partition: p.Partition, Offset: p.HighWatermark})
			}
		}
	})

	h.mu.Lock()
	h.pending = append(h.pending, batch...)
	h.mu.Unlock()
	return h.next()
}

func (h *handle) next() kafka.Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		return nil
	}
	d := h.pending[0]
	h.pending[0] = nil
	h.pending = h.pending[1:]
	return d
}

func convert(r *kgo.Record) *kafka.Message {
	headers := make(map[string][]byte, len(r.Headers))
	for _, hdr := range r.Headers {
		headers[hdr.Key] = hdr.Value
	}
	return &kafka.Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		Headers:   headers,
	}
}

func (h *handle) Commit(ctx context.Context, offsets []kafka.TopicPartition, mode kafka.CommitMode) error {
	m := make(map[string]map[int32]kgo.EpochOffset)
	for _, tp := range offsets {
		if m[tp.Topic] == nil {
			m[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		m[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: tp.Offset}
	}

	if mode == kafka.CommitAsync {
		h.client.CommitOffsets(ctx, m, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err = commitError(resp, err); err != nil {
				h.log.Warn("async commit failed", zap.Error(err))
				h.mu.Lock()
				h.pending = append(h.pending, &kafka.Error{Err: err, Partition: -1})
				h.mu.Unlock()
			}
		})
		return nil
	}

	var cerr error
	h.client.CommitOffsetsSync(ctx, m, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		cerr = commitError(resp, err)
	})
	return cerr
}

// commitError returns the request error or the first per-partition error.
func commitError(resp *kmsg.OffsetCommitResponse, err error) error {
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil {
				return fmt.Errorf("franz: commit %s[%d]: %w", t.Topic, p.Partition, perr)
			}
		}
	}
	return nil
}

func (h *handle) Close() error {
	h.client.Close()
	h.log.Info("kgo client closed")
	return nil
}

func isFatal(err error) bool {
	for _, f := range []error{
		kerr.SaslAuthenticationFailed,
		kerr.TopicAuthorizationFailed,
		kerr.GroupAuthorizationFailed,
		kerr.ClusterAuthorizationFailed,
		kerr.InvalidGroupID,
	} {
		if errors.Is(err, f) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// kgo.Logger поверх zap
// -----------------------------------------------------------------------------

type zapLogger struct {
	log *logger.Logger
}

func (z zapLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (z zapLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	l := z.log.Zap().Sugar().With(keyvals...)
	switch level {
	case kgo.LogLevelError:
		l.Error(msg)
	case kgo.LogLevelWarn:
		l.Warn(msg)
	case kgo.LogLevelInfo:
		l.Info(msg)
	default:
		l.Debug(msg)
	}
}
