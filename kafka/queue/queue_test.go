package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushersBlocked[T any](q *Queue[T]) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.spaceWaiters
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{
		"block":       Block,
		"":            Block,
		"drop-oldest": DropOldest,
		"DROP_OLDEST": DropOldest,
		"drop-newest": DropNewest,
	}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("drop-random")
	assert.Error(t, err)
	assert.Equal(t, "drop-oldest", DropOldest.String())
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0, Block) })
}

func TestFIFO(t *testing.T) {
	q := New[int](8, Block)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.Push(ctx, i)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, q.Len())
	for i := 0; i < 5; i++ {
		v, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

// capacity=2, block: 0,1 fill the queue, 2 waits until 0 is taken, 3 waits
// for 1. The receiver sees 0,1,2,3 in order.
func TestBlockPolicy_PusherWaitsForSpace(t *testing.T) {
	q := New[int](2, Block)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dropped, err := q.Push(ctx, i)
		require.NoError(t, err)
		require.False(t, dropped)
	}

	pushed := make(chan error, 1)
	go func() {
		for i := 2; i < 4; i++ {
			if _, err := q.Push(ctx, i); err != nil {
				pushed <- err
				return
			}
		}
		pushed <- nil
	}()

	require.Eventually(t, func() bool { return pushersBlocked(q) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, q.Len())

	var got []int
	for i := 0; i < 4; i++ {
		v, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, <-pushed)
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestDropOldest(t *testing.T) {
	const c, k = 3, 4
	q := New[int](c, DropOldest)
	ctx := context.Background()

	drops := 0
	for i := 0; i < c+k; i++ {
		dropped, err := q.Push(ctx, i)
		require.NoError(t, err)
		if dropped {
			drops++
		}
	}
	assert.Equal(t, k, drops)
	assert.Equal(t, []int{4, 5, 6}, q.Drain())
}

func TestDropNewest(t *testing.T) {
	q := New[int](2, DropNewest)
	ctx := context.Background()
	var dropped []bool
	for i := 0; i < 4; i++ {
		d, err := q.Push(ctx, i)
		require.NoError(t, err)
		dropped = append(dropped, d)
	}
	assert.Equal(t, []bool{false, false, true, true}, dropped)
	assert.Equal(t, []int{0, 1}, q.Drain())
}

func TestTryPush(t *testing.T) {
	q := New[string](1, DropOldest)
	assert.True(t, q.TryPush("a"))
	assert.False(t, q.TryPush("b"), "TryPush never applies the drop policy")
	q.Close()
	assert.False(t, q.TryPush("c"))
}

func TestPop_Timeout(t *testing.T) {
	q := New[int](1, Block)
	start := time.Now()
	_, err := q.Pop(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Zero(t, q.Waiters())
}

func TestPop_WaitersServedInSuspensionOrder(t *testing.T) {
	q := New[int](4, Block)
	ctx := context.Background()

	results := make([]chan int, 3)
	for i := range results {
		results[i] = make(chan int, 1)
		ch := results[i]
		go func() {
			v, err := q.Pop(ctx, 0)
			if err == nil {
				ch <- v
			}
		}()
		n := i + 1
		require.Eventually(t, func() bool { return q.Waiters() == n }, time.Second, time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		_, err := q.Push(ctx, 100+i)
		require.NoError(t, err)
	}
	for i, ch := range results {
		select {
		case v := <-ch:
			assert.Equal(t, 100+i, v, "waiter %d", i)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not served", i)
		}
	}
}

func TestPop_CancelledWaiterLosesNothing(t *testing.T) {
	q := New[int](4, Block)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx, 0)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return q.Waiters() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := q.Push(context.Background(), 7)
	require.NoError(t, err)
	v, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

// Отмена гоняется с push: каждый элемент должен быть получен ровно один раз.
func TestPop_CancelRaceNeverLosesItems(t *testing.T) {
	const n = 300
	q := New[int](n, Block)

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)
	record := func(v int) {
		mu.Lock()
		seen[v]++
		mu.Unlock()
	}

	for i := 0; i < n; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		wg.Add(2)
		go func() {
			defer wg.Done()
			if v, err := q.Pop(ctx, 0); err == nil {
				record(v)
			}
		}()
		go func(v int) {
			defer wg.Done()
			_, _ = q.Push(context.Background(), v)
		}(i)
		cancel()
	}
	wg.Wait()

	for {
		v, err := q.Pop(context.Background(), 10*time.Millisecond)
		if errors.Is(err, ErrTimeout) {
			break
		}
		require.NoError(t, err)
		record(v)
	}

	require.Len(t, seen, n)
	for v, cnt := range seen {
		assert.Equal(t, 1, cnt, "item %d", v)
	}
}

func TestPush_CancelWhileBlocked(t *testing.T) {
	q := New[int](1, Block)
	_, err := q.Push(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Push(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []int{1}, q.Drain())
}

func TestClose_WakesPoppersAndPushers(t *testing.T) {
	q := New[int](1, Block)
	ctx := context.Background()

	popErr := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx, 0)
		popErr <- err
	}()
	require.Eventually(t, func() bool { return q.Waiters() == 1 }, time.Second, time.Millisecond)

	// первый push уходит ждущему получателю, третий упирается в capacity
	_, err := q.Push(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, <-popErr)

	_, err = q.Push(ctx, 2)
	require.NoError(t, err)
	pushErr := make(chan error, 1)
	go func() {
		_, err := q.Push(ctx, 3)
		pushErr <- err
	}()
	require.Eventually(t, func() bool { return pushersBlocked(q) == 1 }, time.Second, time.Millisecond)

	q.Close()
	q.Close()
	assert.ErrorIs(t, <-pushErr, ErrClosed)

	// buffered items are still delivered, then ErrClosed
	v, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	_, err = q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = q.Push(ctx, 4)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_WakesSuspendedPopper(t *testing.T) {
	q := New[int](1, Block)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background(), 0)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return q.Waiters() == 1 }, time.Second, time.Millisecond)
	q.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("popper not woken by Close")
	}
	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed")
	}
}
