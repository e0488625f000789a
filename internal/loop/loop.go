package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/rs/zerolog"
)

// ErrStopped is returned when work is handed to a loop that has shut down.
var ErrStopped = errors.New("event loop stopped")

const maxSpareTasks = 4096

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Member is something owned by a loop that wants the periodic tick
// (sessions use it for idle and drain checks).
type Member interface {
	ID() uint64
	Tick(now time.Time)
}

// Loop is a single-goroutine executor owning a disjoint set of members.
//
// CRITICAL: everything a member does runs on Run's goroutine, so member
// state needs no locks. Other goroutines only ever talk to a loop via Post.
//
// The mailbox is an unbounded slice guarded by a mutex plus a wake channel
// of capacity one, so Post never blocks the caller. Flow control happens at
// the producers (readers wait via PostWait, senders via backpressure).
type Loop struct {
	id     int
	tick   time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []Task
	spare   []Task
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	// Accessed only on the loop goroutine
	members map[uint64]Member

	memberCount atomic.Int64
	executed    atomic.Int64
}

// New creates a loop. It does nothing until Run is called.
func New(id int, tick time.Duration, logger zerolog.Logger) *Loop {
	if tick <= 0 {
		tick = time.Second
	}
	return &Loop{
		id:      id,
		tick:    tick,
		logger:  logger.With().Str("component", "loop").Int("loop_id", id).Logger(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		members: make(map[uint64]Member),
	}
}

// ID returns the loop index within its pool.
func (l *Loop) ID() int { return l.id }

// Post schedules t on the loop. It never blocks.
// Returns false if the loop has stopped; t will not run.
func (l *Loop) Post(t Task) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
		// Already signalled; the loop will pick this task up in the same batch
	}
	return true
}

// PostWait schedules t and blocks until it has run, ctx is done, or the
// loop stops. Used by socket readers so a fast peer is throttled by the
// loop's pace instead of by an unbounded mailbox.
func (l *Loop) PostWait(ctx context.Context, t Task) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		t()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The final drain in Run may still have executed t
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Attach registers m for ticks. Must be called on the loop goroutine.
func (l *Loop) Attach(m Member) {
	if _, exists := l.members[m.ID()]; exists {
		return
	}
	l.members[m.ID()] = m
	l.memberCount.Add(1)
}

// Detach stops ticking m. Must be called on the loop goroutine.
func (l *Loop) Detach(m Member) {
	if _, exists := l.members[m.ID()]; !exists {
		return
	}
	delete(l.members, m.ID())
	l.memberCount.Add(-1)
}

// Members is the number of attached members (safe from any goroutine).
func (l *Loop) Members() int { return int(l.memberCount.Load()) }

// Pending is the current mailbox depth (safe from any goroutine).
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Executed is the number of tasks run since start.
func (l *Loop) Executed() int64 { return l.executed.Load() }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run executes tasks and ticks until ctx is cancelled.
//
// On cancellation the loop stops accepting tasks and runs whatever is
// already queued, so close tasks posted during shutdown still execute.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	l.logger.Debug().Dur("tick", l.tick).Msg("Event loop started")

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			l.runBatch()

			l.logger.Debug().
				Int64("tasks_executed", l.executed.Load()).
				Int("members", l.Members()).
				Msg("Event loop stopped")
			return nil

		case <-l.wake:
			l.runBatch()

		case now := <-ticker.C:
			l.runTick(now)
		}
	}
}

// runBatch swaps the mailbox out and runs it. Tasks posted while the batch
// runs land in the fresh slice and trigger another wake.
func (l *Loop) runBatch() {
	l.mu.Lock()
	batch := l.queue
	l.queue = l.spare
	l.spare = nil
	l.mu.Unlock()

	for i, t := range batch {
		l.safeRun(t)
		batch[i] = nil
	}

	// Keep the backing array for the next swap unless a burst grew it large
	if cap(batch) <= maxSpareTasks {
		l.mu.Lock()
		l.spare = batch[:0]
		l.mu.Unlock()
	}
}

func (l *Loop) runTick(now time.Time) {
	for _, m := range l.members {
		member := m
		l.safeRun(func() { member.Tick(now) })
	}
	monitoring.UpdateLoopMetrics(l.id, l.Members(), l.Pending())
}

// safeRun isolates the loop from a panicking task: one broken session must
// not stop every other session on the same loop.
func (l *Loop) safeRun(t Task) {
	defer monitoring.RecoverPanic(l.logger, "loop", map[string]any{"loop_id": l.id})
	l.executed.Add(1)
	t()
}
