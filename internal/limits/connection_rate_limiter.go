package limits

import (
	"sync"
	"time"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter throttles upgrade attempts before any token work is
// done.
//
// Two buckets are consulted per attempt:
//   - Global: caps the gateway-wide upgrade rate
//   - Per-IP: caps a single client flooding reconnects
//
// Idle per-IP buckets are evicted after IPTTL so the map does not grow with
// every address ever seen.
type ConnectionRateLimiter struct {
	mu         sync.Mutex
	ipLimiters map[string]*ipLimiterEntry
	ipBurst    int
	ipRate     rate.Limit
	ipTTL      time.Duration

	global *rate.Limiter

	now    func() time.Time
	logger zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig configures NewConnectionRateLimiter. Zero
// values take the defaults noted on each field.
type ConnectionRateLimiterConfig struct {
	IPBurst int           // default 10
	IPRate  float64       // per second, default 1
	IPTTL   time.Duration // default 5m

	GlobalBurst int     // default 300
	GlobalRate  float64 // per second, default 50

	// Now overrides the clock used for bucket refill and eviction.
	Now func() time.Time

	Logger zerolog.Logger
}

// NewConnectionRateLimiter builds a limiter. Call Run to start evicting
// stale per-IP buckets.
func NewConnectionRateLimiter(cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate <= 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 50.0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &ConnectionRateLimiter{
		ipLimiters: make(map[string]*ipLimiterEntry),
		ipBurst:    cfg.IPBurst,
		ipRate:     rate.Limit(cfg.IPRate),
		ipTTL:      cfg.IPTTL,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		now:        cfg.Now,
		logger:     cfg.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stop:       make(chan struct{}),
	}

	l.logger.Info().
		Int("ip_burst", cfg.IPBurst).
		Float64("ip_rate", cfg.IPRate).
		Dur("ip_ttl", cfg.IPTTL).
		Int("global_burst", cfg.GlobalBurst).
		Float64("global_rate", cfg.GlobalRate).
		Msg("Connection rate limiter initialized")

	return l
}

// Allow reports whether an upgrade from ip may proceed. The global bucket is
// checked first so a distributed flood never allocates per-IP state.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	now := l.now()

	if !l.global.AllowN(now, 1) {
		l.logger.Debug().Str("ip", ip).Msg("Upgrade rejected: global rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("global")
		return false
	}

	if !l.ipLimiter(ip, now).AllowN(now, 1) {
		l.logger.Debug().Str("ip", ip).Msg("Upgrade rejected: per-IP rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("per_ip")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = now
	return entry.limiter
}

// Run evicts stale per-IP buckets every interval until Stop is called.
func (l *ConnectionRateLimiter) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stop:
			return
		}
	}
}

// Cleanup removes per-IP buckets not touched within IPTTL and returns how
// many were removed.
func (l *ConnectionRateLimiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Evicted stale IP rate limiters")
	}
	return removed
}

// Stop ends Run. Safe to call more than once.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// TrackedIPs is the number of per-IP buckets currently held.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ipLimiters)
}
