package types

import (
	"sync"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Stats tracks gateway-wide statistics.
// Counters are updated with sync/atomic; the maps are guarded by their own mutexes.
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	StartTime          time.Time

	// Delivery reliability
	FramesDropped        int64 // Dropped by the drop congestion policy
	BackpressureEpisodes int64 // Active -> Backpressured transitions
	BackpressureCloses   int64 // Sessions closed by the close policy or the hard limit

	// Admission
	UpgradesAccepted int64
	UpgradesRejected int64

	// Sampled host resources, written by the ResourceGuard
	Mu         sync.RWMutex
	CPUPercent float64
	MemoryMB   float64

	DisconnectsByReason map[string]int64 // Disconnect counts by close reason
	RejectsByReason     map[string]int64 // Upgrade rejections by reason
	DisconnectsMu       sync.RWMutex     // Protects DisconnectsByReason
	RejectsMu           sync.RWMutex     // Protects RejectsByReason

	DroppedFrameLogCounter int64 // Counter for sampled logging (every 100th drop)
}

// NewStats returns a zeroed Stats with its maps allocated.
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
		RejectsByReason:     make(map[string]int64),
	}
}

// CountDisconnect increments the per-reason disconnect counter.
func (s *Stats) CountDisconnect(reason string) {
	s.DisconnectsMu.Lock()
	s.DisconnectsByReason[reason]++
	s.DisconnectsMu.Unlock()
}

// CountReject increments the per-reason upgrade rejection counter.
func (s *Stats) CountReject(reason string) {
	s.RejectsMu.Lock()
	s.RejectsByReason[reason]++
	s.RejectsMu.Unlock()
}

// Disconnects returns a copy of the disconnect counters.
func (s *Stats) Disconnects() map[string]int64 {
	s.DisconnectsMu.RLock()
	defer s.DisconnectsMu.RUnlock()
	out := make(map[string]int64, len(s.DisconnectsByReason))
	for k, v := range s.DisconnectsByReason {
		out[k] = v
	}
	return out
}

// Rejects returns a copy of the rejection counters.
func (s *Stats) Rejects() map[string]int64 {
	s.RejectsMu.RLock()
	defer s.RejectsMu.RUnlock()
	out := make(map[string]int64, len(s.RejectsByReason))
	for k, v := range s.RejectsByReason {
		out[k] = v
	}
	return out
}
