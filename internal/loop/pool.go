package loop

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Pool is a fixed set of loops. Members are partitioned by id, so every
// callback for a given session always lands on the same goroutine.
type Pool struct {
	loops []*Loop
}

// NewPool creates n loops (n <= 0 means GOMAXPROCS).
func NewPool(n int, tick time.Duration, logger zerolog.Logger) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p := &Pool{loops: make([]*Loop, n)}
	for i := range p.loops {
		p.loops[i] = New(i, tick, logger)
	}
	return p
}

// For returns the loop owning id.
func (p *Pool) For(id uint64) *Loop {
	return p.loops[id%uint64(len(p.loops))]
}

// Loops returns every loop in the pool.
func (p *Pool) Loops() []*Loop { return p.loops }

// Size is the number of loops.
func (p *Pool) Size() int { return len(p.loops) }

// Members is the total number of attached members across loops.
func (p *Pool) Members() int {
	total := 0
	for _, l := range p.loops {
		total += l.Members()
	}
	return total
}

// Run runs every loop until ctx is cancelled and all of them have drained.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range p.loops {
		l := l
		g.Go(func() error { return l.Run(gctx) })
	}
	return g.Wait()
}
