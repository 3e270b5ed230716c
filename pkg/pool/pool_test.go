package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/entrhq/webpilot/internal/testing/automationtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, driver *automationtest.Driver, opts ...Option) *Pool {
	t.Helper()
	p := New(driver, opts...)
	t.Cleanup(p.Shutdown)
	return p
}

func TestAcquireLaunchesSession(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(2))

	s, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)
	require.NotNil(t, s.Page())
	assert.True(t, s.IsLive())
	assert.True(t, s.Acquired())
	assert.Equal(t, Key{Owner: "owner", Task: "task-1"}, s.Key())
	assert.Equal(t, 1, driver.Launches())

	assert.Equal(t, Stats{Capacity: 2, InUse: 1, Total: 1}, p.Stats())
}

func TestSameKeyReturnsSameSessionWithoutSecondSlot(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(1), WithAcquireTimeout(50*time.Millisecond))

	first, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)

	second, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, driver.Launches())
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestConcurrentAcquireSameKeyCollapses(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	driver.SlowLaunch(20 * time.Millisecond)
	p := newTestPool(t, driver, WithCapacity(3))

	var wg sync.WaitGroup
	sessions := make([]*Session, 5)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.Acquire(context.Background(), "owner", "task-1")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, driver.Launches())
	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestCapacityBoundBlocksUntilRelease(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(2), WithAcquireTimeout(0))

	held := make([]*Session, 2)
	for i := range held {
		s, err := p.Acquire(t.Context(), "owner", fmt.Sprintf("task-%d", i))
		require.NoError(t, err)
		held[i] = s
	}

	var acquired atomic.Bool
	done := make(chan *Session)
	go func() {
		s, err := p.Acquire(context.Background(), "owner", "task-extra")
		assert.NoError(t, err)
		acquired.Store(true)
		done <- s
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, acquired.Load(), "N+1th acquire must block while N are held")
	assert.Equal(t, 2, p.Stats().InUse)

	p.Release(held[0])

	select {
	case s := <-done:
		assert.Equal(t, "task-extra", s.Key().Task)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire did not proceed after release")
	}
	assert.LessOrEqual(t, p.Stats().InUse, 2)
}

func TestAcquireTimeoutReturnsCapacityExhausted(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(1), WithAcquireTimeout(30*time.Millisecond))

	_, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(t.Context(), "owner", "task-2")
	require.ErrorIs(t, err, ErrCapacityExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, driver.Launches())
}

func TestAcquireHonoursContext(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(1), WithAcquireTimeout(0))

	_, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "owner", "task-2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotent(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(1), WithAcquireTimeout(30*time.Millisecond))

	s, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)

	p.Release(s)
	p.Release(s)
	p.Release(nil)

	// A double release must not have inflated capacity to two.
	_, err = p.Acquire(t.Context(), "owner", "task-2")
	require.NoError(t, err)
	_, err = p.Acquire(t.Context(), "owner", "task-3")
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

func TestReleasedSessionIsReusedBySameKey(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(2))

	s, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)
	p.Release(s)
	assert.Equal(t, Stats{Capacity: 2, Idle: 1, Total: 1}, p.Stats())

	again, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, 1, driver.Launches())
}

func TestInvalidSessionIsRecreated(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(2))

	s, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)
	p.Release(s)

	driver.Handles()[0].Disconnect()

	fresh, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)
	assert.NotSame(t, s, fresh)
	assert.True(t, driver.Handles()[0].Closed())
	assert.Equal(t, 2, driver.Launches())
}

func TestLaunchFailurePropagatesAndFreesSlot(t *testing.T) {
	launchErr := errors.New("chromium crashed")
	driver := automationtest.NewDriver(nil, nil)
	driver.FailLaunch(launchErr)
	p := newTestPool(t, driver, WithCapacity(1), WithAcquireTimeout(30*time.Millisecond))

	_, err := p.Acquire(t.Context(), "owner", "task-1")
	require.ErrorIs(t, err, launchErr)
	assert.Equal(t, 1, driver.Launches(), "launch must not be retried")

	driver.FailLaunch(nil)
	_, err = p.Acquire(t.Context(), "owner", "task-2")
	assert.NoError(t, err, "failed launch must give its slot back")
}

func TestIdleSessionsEvictedForCapacity(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(2))

	for i := 0; i < 3; i++ {
		s, err := p.Acquire(t.Context(), "owner", fmt.Sprintf("task-%d", i))
		require.NoError(t, err)
		p.Release(s)
	}

	st := p.Stats()
	assert.LessOrEqual(t, st.Total, 2)
	assert.True(t, driver.Handles()[0].Closed(), "least recently used idle session is closed first")
}

func TestSweep(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(3), WithIdleTimeout(30*time.Minute), WithClock(clock))

	idle, err := p.Acquire(t.Context(), "owner", "idle")
	require.NoError(t, err)
	busy, err := p.Acquire(t.Context(), "owner", "busy")
	require.NoError(t, err)
	dead, err := p.Acquire(t.Context(), "owner", "dead")
	require.NoError(t, err)

	assert.Equal(t, 0, p.Sweep())

	advance(20 * time.Minute)
	p.Touch(busy)
	dead.Handle().(*automationtest.Handle).Disconnect()

	assert.Equal(t, 1, p.Sweep(), "dead session is swept even though acquired")
	assert.False(t, dead.Acquired())

	advance(15 * time.Minute)
	assert.Equal(t, 1, p.Sweep(), "acquired session idle past the timeout is swept")
	assert.False(t, idle.IsLive())
	assert.True(t, busy.IsLive())

	// The holder releasing a swept session is harmless.
	p.Release(idle)
	assert.Equal(t, Stats{Capacity: 3, InUse: 1, Total: 1}, p.Stats())
}

func TestCloseReleasesSlot(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(1), WithAcquireTimeout(30*time.Millisecond))

	s, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)
	require.NoError(t, p.Close(s))
	assert.True(t, driver.Handles()[0].Closed())

	_, err = p.Acquire(t.Context(), "owner", "task-2")
	assert.NoError(t, err)
}

func TestShutdown(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := New(driver, WithCapacity(2), WithSweepInterval(time.Millisecond))
	p.Start(t.Context())

	_, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)

	p.Shutdown()
	p.Shutdown()
	assert.True(t, driver.Handles()[0].Closed())
	assert.Equal(t, 0, p.Stats().Total)

	_, err = p.Acquire(t.Context(), "owner", "task-2")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestEnsurePageRecreatesClosedPage(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver)

	s, err := p.Acquire(t.Context(), "owner", "task-1")
	require.NoError(t, err)

	original := s.Page()
	require.NoError(t, original.Close())

	page, err := s.EnsurePage(t.Context())
	require.NoError(t, err)
	assert.NotSame(t, original, page)
	assert.False(t, page.IsClosed())
	assert.Same(t, page, s.Page())
}

// Two tasks with capacity one: the second waits for the first to release.
func TestTwoTasksCapacityOne(t *testing.T) {
	driver := automationtest.NewDriver(nil, nil)
	p := newTestPool(t, driver, WithCapacity(1), WithAcquireTimeout(0))

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	first, err := p.Acquire(t.Context(), "owner-a", "task-a")
	require.NoError(t, err)
	record("a acquired")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s, err := p.Acquire(context.Background(), "owner-b", "task-b")
		if !assert.NoError(t, err) {
			return
		}
		record("b acquired")
		p.Release(s)
	}()

	time.Sleep(30 * time.Millisecond)
	record("a released")
	p.Release(first)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second task never acquired")
	}
	assert.Equal(t, []string{"a acquired", "a released", "b acquired"}, order)
}
