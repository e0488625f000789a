package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, tick time.Duration) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(0, tick, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func TestPostRunsTasksInOrder(t *testing.T) {
	l, _ := startLoop(t, time.Hour)

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, l.PostWait(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestTasksRunOnSingleGoroutine(t *testing.T) {
	l, _ := startLoop(t, time.Hour)

	// Unsynchronized counter: the race detector flags this if two tasks
	// ever overlap.
	counter := 0
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = l.PostWait(context.Background(), func() { counter++ })
			}
		}()
	}
	wg.Wait()

	done := make(chan int, 1)
	l.Post(func() { done <- counter })
	assert.Equal(t, 1600, <-done)
}

func TestPostWaitHonoursContext(t *testing.T) {
	l, _ := startLoop(t, time.Hour)

	release := make(chan struct{})
	l.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.PostWait(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStoppedLoopRejectsWork(t *testing.T) {
	l, cancel := startLoop(t, time.Hour)
	cancel()
	<-l.Done()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.PostWait(context.Background(), func() {}), ErrStopped)
}

func TestQueuedTasksRunOnShutdown(t *testing.T) {
	l := New(0, time.Hour, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		l.Post(func() { ran.Add(1) })
	}
	cancel()

	// Run observes the cancelled context first and still drains the mailbox.
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, int32(10), ran.Load())
}

func TestPanickingTaskDoesNotStopLoop(t *testing.T) {
	l, _ := startLoop(t, time.Hour)

	l.Post(func() { panic("boom") })

	var ran atomic.Bool
	require.NoError(t, l.PostWait(context.Background(), func() { ran.Store(true) }))
	assert.True(t, ran.Load())
}

type tickMember struct {
	id    uint64
	ticks atomic.Int32
	loop  *Loop
	stop  int32
}

func (m *tickMember) ID() uint64 { return m.id }

func (m *tickMember) Tick(time.Time) {
	if m.ticks.Add(1) >= m.stop {
		m.loop.Detach(m)
	}
}

func TestTickReachesAttachedMembers(t *testing.T) {
	l, _ := startLoop(t, 5*time.Millisecond)

	m := &tickMember{id: 7, loop: l, stop: 3}
	require.NoError(t, l.PostWait(context.Background(), func() {
		l.Attach(m)
		l.Attach(m)
	}))
	assert.Equal(t, 1, l.Members())

	require.Eventually(t, func() bool { return l.Members() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), m.ticks.Load())
}

func TestPoolPartitionsByID(t *testing.T) {
	p := NewPool(4, time.Hour, zerolog.Nop())
	require.Equal(t, 4, p.Size())

	assert.Same(t, p.For(1), p.For(5))
	assert.Same(t, p.For(0), p.For(8))
	assert.NotSame(t, p.For(1), p.For(2))
	assert.Equal(t, 3, p.For(7).ID())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	for id := uint64(0); id < 8; id++ {
		l := p.For(id)
		m := &tickMember{id: id, loop: l, stop: 1 << 30}
		require.NoError(t, l.PostWait(ctx, func() { l.Attach(m) }))
	}
	assert.Equal(t, 8, p.Members())

	cancel()
	assert.NoError(t, <-errc)
}

func TestDefaultPoolSize(t *testing.T) {
	p := NewPool(0, time.Second, zerolog.Nop())
	assert.GreaterOrEqual(t, p.Size(), 1)
}
