package saramacg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangYounghwa/asynkaf/kafka"
	"github.com/YangYounghwa/asynkaf/kafka/native"
)

// -----------------------------------------------------------------------------
// fakes
// -----------------------------------------------------------------------------

type mark struct {
	topic     string
	partition int32
	offset    int64
}

type fakeSession struct {
	ctx context.Context

	mu      sync.Mutex
	marks   []mark
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return map[string][]int32{"t": {0}} }
func (s *fakeSession) MemberID() string { return "member-1" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, mark{topic, partition, offset})
}
func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, md string) {
	s.MarkOffset(m.Topic, m.Partition, m.Offset+1, md)
}
func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) snapshot() ([]mark, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mark(nil), s.marks...), s.commits
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
	hwm  int64
}

func (c *fakeClaim) Topic() string { return "t" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return c.hwm }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// fakeGroup runs one session per Consume call over the scripted messages.
type fakeGroup struct {
	msgs       []*sarama.ConsumerMessage
	consumeErr error
	errs       chan error

	mu       sync.Mutex
	session  *fakeSession
	consumes int
	closed   bool
}

func newFakeGroup(msgs ...*sarama.ConsumerMessage) *fakeGroup {
	return &fakeGroup{msgs: msgs, errs: make(chan error, 8)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.consumes++
	if g.closed {
		g.mu.Unlock()
		return sarama.ErrClosedConsumerGroup
	}
	if g.consumeErr != nil {
		err := g.consumeErr
		g.mu.Unlock()
		return err
	}
	sess := &fakeSession{ctx: ctx}
	g.session = sess
	msgs := g.msgs
	g.msgs = nil
	g.mu.Unlock()

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, len(msgs)), hwm: int64(len(msgs))}
	for _, m := range msgs {
		claim.msgs <- m
	}
	if err := handler.Setup(sess); err != nil {
		return err
	}
	_ = handler.ConsumeClaim(sess, claim)
	_ = handler.Cleanup(sess)
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32) {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll() {}
func (g *fakeGroup) ResumeAll() {}

func (g *fakeGroup) currentSession() *fakeSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func msg(offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic: "t", Partition: 0, Offset: offset,
		Key: []byte("k"), Value: []byte("v"),
		Headers: []*sarama.RecordHeader{{Key: []byte("h"), Value: []byte("1")}},
	}
}

func pollN(t *testing.T, h *handle, n int) []kafka.Delivery {
	t.Helper()
	var out []kafka.Delivery
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		if d := h.Poll(context.Background(), 20*time.Millisecond); d != nil {
			out = append(out, d)
		}
	}
	require.Len(t, out, n)
	return out
}

// -----------------------------------------------------------------------------
// tests
// -----------------------------------------------------------------------------

func TestBuildSaramaConfig(t *testing.T) {
	cfg, err := buildSaramaConfig(native.Options{
		ClientID:           "asynkaf-test",
		CommitMode:         kafka.CommitSync,
		AutoCommitInterval: 3 * time.Second,
		InitialOffset:      kafka.OffsetOldest,
		Properties: map[string]string{
			PropVersion:        "3.6.0",
			PropRebalance:      "sticky,range",
			PropSessionTimeout: "30000",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "asynkaf-test", cfg.ClientID)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	assert.False(t, cfg.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, 3*time.Second, cfg.Consumer.Offsets.AutoCommit.Interval)
	assert.True(t, cfg.Consumer.Return.Errors)
	assert.Len(t, cfg.Consumer.Group.Rebalance.GroupStrategies, 2)
	assert.Equal(t, 30*time.Second, cfg.Consumer.Group.Session.Timeout)
	assert.True(t, cfg.Version.IsAtLeast(sarama.V3_6_0_0))

	cfg, err = buildSaramaConfig(native.Options{ClientID: "c", CommitMode: kafka.CommitAsync})
	require.NoError(t, err)
	assert.True(t, cfg.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, sarama.OffsetNewest, cfg.Consumer.Offsets.Initial)
}

func TestBuildSaramaConfig_Invalid(t *testing.T) {
	for name, props := range map[string]map[string]string{
		"version":   {PropVersion: "not-a-version"},
		"rebalance": {PropRebalance: "random"},
		"session":   {PropSessionTimeout: "-1"},
		"fetch":     {PropFetchMinBytes: "lots"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := buildSaramaConfig(native.Options{ClientID: "c", Properties: props})
			assert.Error(t, err)
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, isFatal(sarama.ErrSASLAuthenticationFailed))
	assert.True(t, isFatal(&sarama.ConsumerError{Topic: "t", Err: sarama.ErrTopicAuthorizationFailed}))
	assert.False(t, isFatal(sarama.ErrNotLeaderForPartition))
	assert.False(t, isFatal(errors.New("i/o timeout")))
}

func TestHandle_DeliversMessagesAndEOF(t *testing.T) {
	g := newFakeGroup(msg(0), msg(1))
	h := newHandle(native.Options{CommitMode: kafka.CommitSync, EmitPartitionEOF: true}, g)
	go h.forwardErrors()

	require.NoError(t, h.Subscribe(context.Background(), []string{"t"}))
	ds := pollN(t, h, 3)

	m0 := ds[0].(*kafka.Message)
	assert.EqualValues(t, 0, m0.Offset)
	assert.Equal(t, []byte("1"), m0.Headers["h"])
	assert.EqualValues(t, 1, ds[1].(*kafka.Message).Offset)
	assert.Equal(t, kafka.PartitionEOF{Topic: "t", Partition: 0, Offset: 2}, ds[2])

	require.NoError(t, h.Close())
	assert.Nil(t, h.Poll(context.Background(), 10*time.Millisecond))
}

func TestHandle_CommitSyncMarksAndFlushes(t *testing.T) {
	g := newFakeGroup(msg(0))
	h := newHandle(native.Options{CommitMode: kafka.CommitSync}, g)
	defer h.Close()

	assert.ErrorIs(t, h.Commit(context.Background(), []kafka.TopicPartition{{Topic: "t", Offset: 1}}, kafka.CommitSync), ErrNoSession)

	require.NoError(t, h.Subscribe(context.Background(), []string{"t"}))
	pollN(t, h, 1)

	require.Eventually(t, func() bool { return g.currentSession() != nil }, time.Second, time.Millisecond)

	require.NoError(t, h.Commit(context.Background(), []kafka.TopicPartition{{Topic: "t", Partition: 0, Offset: 1}}, kafka.CommitSync))
	marks, commits := g.currentSession().snapshot()
	assert.Equal(t, []mark{{"t", 0, 1}}, marks)
	assert.GreaterOrEqual(t, commits, 1)
}

func TestHandle_AutoModeMarksEachMessage(t *testing.T) {
	g := newFakeGroup(msg(0), msg(1))
	h := newHandle(native.Options{CommitMode: kafka.CommitAuto}, g)
	defer h.Close()

	require.NoError(t, h.Subscribe(context.Background(), []string{"t"}))
	pollN(t, h, 2)
	require.Eventually(t, func() bool {
		s := g.currentSession()
		if s == nil {
			return false
		}
		marks, _ := s.snapshot()
		return len(marks) == 2
	}, time.Second, time.Millisecond)
}

func TestHandle_FatalConsumeErrorStopsLoop(t *testing.T) {
	g := newFakeGroup()
	g.consumeErr = sarama.ErrGroupAuthorizationFailed
	h := newHandle(native.Options{}, g)
	defer h.Close()

	require.NoError(t, h.Subscribe(context.Background(), []string{"t"}))
	d := pollN(t, h, 1)[0]
	kerr, ok := d.(*kafka.Error)
	require.True(t, ok, "got %T", d)
	assert.True(t, kerr.Fatal)
	assert.ErrorIs(t, kerr, sarama.ErrGroupAuthorizationFailed)
}

func TestHandle_GroupErrorsBecomeDeliveries(t *testing.T) {
	g := newFakeGroup()
	h := newHandle(native.Options{}, g)
	go h.forwardErrors()
	defer h.Close()

	g.errs <- &sarama.ConsumerError{Topic: "t", Partition: 3, Err: sarama.ErrOffsetOutOfRange}
	d := pollN(t, h, 1)[0]
	kerr := d.(*kafka.Error)
	assert.False(t, kerr.Fatal)
	assert.Equal(t, "t", kerr.Topic)
	assert.EqualValues(t, 3, kerr.Partition)
}

func TestHandle_ResubscribeRestartsLoop(t *testing.T) {
	g := newFakeGroup()
	h := newHandle(native.Options{}, g)
	defer h.Close()

	consumes := func() int {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.consumes
	}

	require.NoError(t, h.Subscribe(context.Background(), []string{"a"}))
	// первая сессия должна успеть стартовать, иначе stopLoop отменит её раньше Consume
	require.Eventually(t, func() bool { return consumes() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Subscribe(context.Background(), []string{"a", "b"}))
	require.Eventually(t, func() bool { return consumes() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, h.Subscribe(context.Background(), nil))
	assert.Nil(t, h.cancelLoop)
}
