package limits

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/types"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Rejection reasons, also used as metric labels.
const (
	RejectMaxConnections = "max_connections"
	RejectCPU            = "cpu_overload"
	RejectMemory         = "memory_limit"
	RejectGoroutines     = "goroutine_limit"
)

// Sample is one reading of host resources.
type Sample struct {
	CPUPercent  float64
	MemoryBytes int64
}

// Sampler reads current resource usage.
type Sampler func() (Sample, error)

// ResourceGuardConfig holds the static admission limits.
type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // percent, 0 disables the CPU brake
	MemoryLimit        int64   // bytes, 0 disables the memory brake
	MaxGoroutines      int     // 0 disables the goroutine brake
}

// ResourceGuard is the upgrade gate's capacity check. Limits are static:
// nothing here auto-tunes. Resource readings are refreshed by Run and read
// lock-free on the upgrade path.
type ResourceGuard struct {
	config  ResourceGuardConfig
	stats   *types.Stats
	sampler Sampler
	logger  zerolog.Logger

	// goroutines is overridable for tests
	goroutines func() int

	cpuPercent  atomic.Value // float64
	memoryBytes atomic.Int64
}

// NewResourceGuard creates a guard counting live sessions from
// stats.CurrentConnections. A nil sampler uses the process sampler.
func NewResourceGuard(config ResourceGuardConfig, stats *types.Stats, sampler Sampler, logger zerolog.Logger) *ResourceGuard {
	if sampler == nil {
		sampler = ProcessSampler(logger)
	}
	g := &ResourceGuard{
		config:     config,
		stats:      stats,
		sampler:    sampler,
		logger:     logger.With().Str("component", "resource_guard").Logger(),
		goroutines: runtime.NumGoroutine,
	}
	g.cpuPercent.Store(0.0)

	g.logger.Info().
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Int64("memory_limit", config.MemoryLimit).
		Int("max_goroutines", config.MaxGoroutines).
		Msg("ResourceGuard initialized")

	return g
}

// ShouldAcceptConnection checks, in order: the session cap, the CPU brake,
// the memory brake, and the goroutine brake. On rejection reason is one of
// the Reject* labels and detail is human readable.
func (g *ResourceGuard) ShouldAcceptConnection() (accept bool, reason, detail string) {
	current := atomic.LoadInt64(&g.stats.CurrentConnections)
	if g.config.MaxConnections > 0 && current >= int64(g.config.MaxConnections) {
		return false, RejectMaxConnections, fmt.Sprintf("at max connections (%d)", g.config.MaxConnections)
	}

	cpuNow := g.cpuPercent.Load().(float64)
	if g.config.CPURejectThreshold > 0 && cpuNow > g.config.CPURejectThreshold {
		return false, RejectCPU, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuNow, g.config.CPURejectThreshold)
	}

	if mem := g.memoryBytes.Load(); g.config.MemoryLimit > 0 && mem > g.config.MemoryLimit {
		return false, RejectMemory, fmt.Sprintf("memory %dMB > %dMB", mem>>20, g.config.MemoryLimit>>20)
	}

	if goros := g.goroutines(); g.config.MaxGoroutines > 0 && goros > g.config.MaxGoroutines {
		return false, RejectGoroutines, fmt.Sprintf("goroutines %d > %d", goros, g.config.MaxGoroutines)
	}

	return true, "", ""
}

// UpdateResources takes one sample and publishes it to the guard, the
// shared stats and Prometheus.
func (g *ResourceGuard) UpdateResources() {
	sample, err := g.sampler()
	if err != nil {
		monitoring.LogError(g.logger, err, "Failed to sample resources", nil)
		return
	}

	g.cpuPercent.Store(sample.CPUPercent)
	g.memoryBytes.Store(sample.MemoryBytes)

	if g.stats != nil {
		g.stats.Mu.Lock()
		g.stats.CPUPercent = sample.CPUPercent
		g.stats.MemoryMB = float64(sample.MemoryBytes) / (1024 * 1024)
		g.stats.Mu.Unlock()
	}

	goros := g.goroutines()
	monitoring.UpdateSystemMetrics(sample.CPUPercent, sample.MemoryBytes, goros)

	g.logger.Debug().
		Float64("cpu_percent", sample.CPUPercent).
		Int64("memory_mb", sample.MemoryBytes>>20).
		Int("goroutines", goros).
		Msg("Resource state updated")
}

// Run samples every interval until ctx is cancelled.
func (g *ResourceGuard) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.UpdateResources()
	for {
		select {
		case <-ticker.C:
			g.UpdateResources()
		case <-ctx.Done():
			g.logger.Info().Msg("ResourceGuard monitoring stopped")
			return nil
		}
	}
}

// GetStats returns the current readings for the health endpoint.
func (g *ResourceGuard) GetStats() map[string]any {
	return map[string]any{
		"max_connections":      g.config.MaxConnections,
		"current_connections":  atomic.LoadInt64(&g.stats.CurrentConnections),
		"cpu_percent":          g.cpuPercent.Load().(float64),
		"cpu_reject_threshold": g.config.CPURejectThreshold,
		"memory_bytes":         g.memoryBytes.Load(),
		"memory_limit_bytes":   g.config.MemoryLimit,
		"goroutines_current":   g.goroutines(),
		"goroutines_limit":     g.config.MaxGoroutines,
	}
}

// ProcessSampler reads CPU relative to the container's allocation when a
// cgroup with CPU accounting is visible, host CPU from gopsutil otherwise, and
// this process's RSS. cpu.Percent with a zero interval compares against the
// previous call, so the first host reading after startup is 0.
func ProcessSampler(logger zerolog.Logger) Sampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable, using Go heap for memory")
	}

	readCPU := hostCPU
	if cc, err := NewContainerCPU(CgroupRoot); err == nil {
		logger.Info().
			Int("cgroup_version", cc.Version()).
			Float64("cpus_allocated", cc.Allocation()).
			Msg("Using container-aware CPU measurement")
		readCPU = cc.Percent
	} else {
		logger.Debug().Err(err).Msg("No cgroup CPU accounting, using host CPU")
	}

	return func() (Sample, error) {
		var s Sample

		pct, err := readCPU()
		if err != nil {
			return s, fmt.Errorf("cpu percent: %w", err)
		}
		s.CPUPercent = pct

		if proc != nil {
			if info, err := proc.MemoryInfo(); err == nil {
				s.MemoryBytes = int64(info.RSS)
				return s, nil
			}
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		s.MemoryBytes = int64(mem.Alloc)
		return s, nil
	}
}

func hostCPU() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}
