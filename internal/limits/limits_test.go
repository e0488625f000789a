package limits

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/ws_gateway/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestConnectionRateLimiterPerIP(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     2,
		IPRate:      1,
		GlobalBurst: 100,
		GlobalRate:  100,
		Now:         clock.Now,
		Logger:      zerolog.Nop(),
	})

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, l.Allow("10.0.0.2"), "other clients are unaffected")

	clock.Advance(time.Second)
	assert.True(t, l.Allow("10.0.0.1"), "bucket refills at the sustained rate")
	assert.Equal(t, 2, l.TrackedIPs())
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     10,
		GlobalBurst: 3,
		GlobalRate:  1,
		Now:         clock.Now,
		Logger:      zerolog.Nop(),
	})

	for i, ip := range []string{"a", "b", "c"} {
		assert.True(t, l.Allow(ip), "attempt %d", i)
	}
	assert.False(t, l.Allow("d"))
	assert.Equal(t, 3, l.TrackedIPs(), "a globally rejected attempt allocates no per-IP state")
}

func TestConnectionRateLimiterCleanup(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPTTL:  time.Minute,
		Now:    clock.Now,
		Logger: zerolog.Nop(),
	})

	l.Allow("old")
	clock.Advance(45 * time.Second)
	l.Allow("fresh")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 1, l.TrackedIPs())

	done := make(chan struct{})
	go func() {
		l.Run(time.Hour)
		close(done)
	}()
	l.Stop()
	l.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func newGuard(cfg ResourceGuardConfig, sample Sample, err error) (*ResourceGuard, *types.Stats) {
	stats := types.NewStats()
	g := NewResourceGuard(cfg, stats, func() (Sample, error) { return sample, err }, zerolog.Nop())
	return g, stats
}

func TestResourceGuardAdmission(t *testing.T) {
	cfg := ResourceGuardConfig{
		MaxConnections:     2,
		CPURejectThreshold: 75,
		MemoryLimit:        100 << 20,
		MaxGoroutines:      1000,
	}

	t.Run("accepts under limits", func(t *testing.T) {
		g, _ := newGuard(cfg, Sample{CPUPercent: 10, MemoryBytes: 10 << 20}, nil)
		g.UpdateResources()
		ok, reason, _ := g.ShouldAcceptConnection()
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("max connections", func(t *testing.T) {
		g, stats := newGuard(cfg, Sample{}, nil)
		stats.CurrentConnections = 2
		ok, reason, detail := g.ShouldAcceptConnection()
		assert.False(t, ok)
		assert.Equal(t, RejectMaxConnections, reason)
		assert.Contains(t, detail, "2")
	})

	t.Run("cpu", func(t *testing.T) {
		g, stats := newGuard(cfg, Sample{CPUPercent: 90}, nil)
		g.UpdateResources()
		ok, reason, _ := g.ShouldAcceptConnection()
		assert.False(t, ok)
		assert.Equal(t, RejectCPU, reason)

		stats.Mu.RLock()
		assert.Equal(t, 90.0, stats.CPUPercent)
		stats.Mu.RUnlock()
	})

	t.Run("memory", func(t *testing.T) {
		g, _ := newGuard(cfg, Sample{MemoryBytes: 200 << 20}, nil)
		g.UpdateResources()
		ok, reason, _ := g.ShouldAcceptConnection()
		assert.False(t, ok)
		assert.Equal(t, RejectMemory, reason)
	})

	t.Run("goroutines", func(t *testing.T) {
		g, _ := newGuard(cfg, Sample{}, nil)
		g.goroutines = func() int { return 5000 }
		ok, reason, _ := g.ShouldAcceptConnection()
		assert.False(t, ok)
		assert.Equal(t, RejectGoroutines, reason)
	})

	t.Run("zero thresholds disable brakes", func(t *testing.T) {
		g, _ := newGuard(ResourceGuardConfig{}, Sample{CPUPercent: 100, MemoryBytes: 1 << 40}, nil)
		g.goroutines = func() int { return 1 << 20 }
		g.UpdateResources()
		ok, _, _ := g.ShouldAcceptConnection()
		assert.True(t, ok)
	})
}

func TestResourceGuardSamplerErrorKeepsLastReading(t *testing.T) {
	var fail bool
	stats := types.NewStats()
	g := NewResourceGuard(ResourceGuardConfig{CPURejectThreshold: 50}, stats, func() (Sample, error) {
		if fail {
			return Sample{}, errors.New("procfs unavailable")
		}
		return Sample{CPUPercent: 80}, nil
	}, zerolog.Nop())

	g.UpdateResources()
	fail = true
	g.UpdateResources()

	ok, reason, _ := g.ShouldAcceptConnection()
	require.False(t, ok)
	assert.Equal(t, RejectCPU, reason)
	assert.Equal(t, 80.0, g.GetStats()["cpu_percent"])
}
