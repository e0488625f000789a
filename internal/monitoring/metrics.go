package monitoring

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_gateway/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway
// These metrics can be scraped by Prometheus and visualized in Grafana
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket sessions established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of live WebSocket sessions",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_max",
		Help: "Maximum allowed WebSocket sessions",
	})

	// Upgrade gate
	upgradesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_upgrades_rejected_total",
		Help: "Upgrade requests rejected by the gate, by reason",
	}, []string{"reason"})

	upgradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_upgrade_duration_seconds",
		Help:    "Time from upgrade request to accepted session",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// Token service
	tokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_tokens_issued_total",
		Help: "Total credentials issued by the login endpoint",
	})

	tokenFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_token_failures_total",
		Help: "Credential issuance and verification failures by kind",
	}, []string{"kind"})

	// Disconnect tracking with categorization
	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total session closes by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Session duration before close",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, // 1s to 1hr
	}, []string{"reason"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of frames flushed to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of wire bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of payload bytes received from clients",
	})

	// Backpressure
	sendResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_send_results_total",
		Help: "Outbound enqueue outcomes (sent, queued, dropped, backpressure_closed, closed)",
	}, []string{"result"})

	backpressureEpisodes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_backpressure_episodes_total",
		Help: "Number of Active -> Backpressured transitions",
	})

	keepalivePings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_keepalive_pings_total",
		Help: "Pings sent to quiet sessions",
	})

	compressedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_compressed_frames_total",
		Help: "Outbound frames sent with permessage-deflate",
	})

	// Event loops
	loopSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_loop_sessions",
		Help: "Sessions owned by each event loop",
	}, []string{"loop"})

	loopMailboxDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_loop_mailbox_depth",
		Help: "Tasks waiting in each event loop mailbox at the last tick",
	}, []string{"loop"})

	// Router
	topicPublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_topic_publishes_total",
		Help: "Total topic publishes",
	})

	topicDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_topic_deliveries_total",
		Help: "Total per-subscriber deliveries attempted by topic publishes",
	})

	// Connection rate limiting
	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connection_rate_limited_total",
		Help: "Upgrade attempts rejected by the connection rate limiter",
	}, []string{"scope"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_bytes",
		Help: "Current heap allocation in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines_active",
		Help: "Current number of active goroutines",
	})

	// NATS bridge
	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_nats_connected",
		Help: "NATS bridge status (1=connected, 0=disconnected)",
	})

	natsMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_nats_messages_total",
		Help: "Messages crossing the NATS bridge by direction (in, out)",
	}, []string{"direction"})

	// Errors
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_errors_total",
		Help: "Errors by type and severity",
	}, []string{"type", "severity"})
)

// Error types
const (
	ErrorTypePanic     = "panic"
	ErrorTypeSend      = "send"
	ErrorTypeUpgrade   = "upgrade"
	ErrorTypeToken     = "token"
	ErrorTypeNATS      = "nats"
	ErrorTypeSerialize = "serialization"
)

// Error severities
const (
	ErrorSeverityWarning  = "warning"
	ErrorSeverityError    = "error"
	ErrorSeverityCritical = "critical"
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsMax,
		upgradesRejected,
		upgradeDuration,
		tokensIssued,
		tokenFailures,
		disconnectsTotal,
		connectionDuration,
		messagesSent,
		messagesReceived,
		bytesSent,
		bytesReceived,
		sendResults,
		backpressureEpisodes,
		compressedFrames,
		keepalivePings,
		loopSessions,
		loopMailboxDepth,
		topicPublishes,
		topicDeliveries,
		connectionRateLimited,
		memoryUsageBytes,
		cpuUsagePercent,
		goroutinesActive,
		natsConnected,
		natsMessages,
		errorsTotal,
	)
}

// SetMaxConnections publishes the configured session cap
func SetMaxConnections(n int) {
	connectionsMax.Set(float64(n))
}

// RecordConnect records an accepted session
func RecordConnect(stats *types.Stats, upgradeTook time.Duration) {
	atomic.AddInt64(&stats.TotalConnections, 1)
	atomic.AddInt64(&stats.UpgradesAccepted, 1)
	current := atomic.AddInt64(&stats.CurrentConnections, 1)

	connectionsTotal.Inc()
	connectionsActive.Set(float64(current))
	upgradeDuration.Observe(upgradeTook.Seconds())
}

// RecordDisconnectWithStats records a session close in both Prometheus and Stats
func RecordDisconnectWithStats(stats *types.Stats, reason string, duration time.Duration) {
	current := atomic.AddInt64(&stats.CurrentConnections, -1)
	stats.CountDisconnect(reason)

	connectionsActive.Set(float64(current))
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// RecordUpgradeRejected records a gate rejection in both Prometheus and Stats
func RecordUpgradeRejected(stats *types.Stats, reason string) {
	atomic.AddInt64(&stats.UpgradesRejected, 1)
	stats.CountReject(reason)
	upgradesRejected.WithLabelValues(reason).Inc()
}

// IncrementTokensIssued counts a credential issued at login
func IncrementTokensIssued() {
	tokensIssued.Inc()
}

// RecordTokenFailure counts a credential failure by kind
// (missing, invalid, expired, signing)
func RecordTokenFailure(kind string) {
	tokenFailures.WithLabelValues(kind).Inc()
}

// UpdateMessageMetrics updates message counters
func UpdateMessageMetrics(stats *types.Stats, sent, received int64) {
	if sent > 0 {
		atomic.AddInt64(&stats.MessagesSent, sent)
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		atomic.AddInt64(&stats.MessagesReceived, received)
		messagesReceived.Add(float64(received))
	}
}

// UpdateBytesMetrics updates byte counters
func UpdateBytesMetrics(stats *types.Stats, sent, received int64) {
	if sent > 0 {
		atomic.AddInt64(&stats.BytesSent, sent)
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		atomic.AddInt64(&stats.BytesReceived, received)
		bytesReceived.Add(float64(received))
	}
}

// RecordSendResult counts an outbound enqueue outcome
func RecordSendResult(result string) {
	sendResults.WithLabelValues(result).Inc()
}

// RecordBackpressureEpisode counts an Active -> Backpressured transition
func RecordBackpressureEpisode(stats *types.Stats) {
	atomic.AddInt64(&stats.BackpressureEpisodes, 1)
	backpressureEpisodes.Inc()
}

// RecordFrameDropped counts a frame discarded by the drop policy and
// returns the running drop count (used for sampled logging)
func RecordFrameDropped(stats *types.Stats) int64 {
	atomic.AddInt64(&stats.FramesDropped, 1)
	return atomic.AddInt64(&stats.DroppedFrameLogCounter, 1)
}

// RecordBackpressureClose counts a session closed for congestion
func RecordBackpressureClose(stats *types.Stats) {
	atomic.AddInt64(&stats.BackpressureCloses, 1)
}

// IncrementCompressedFrames counts a frame that went out deflated
func IncrementCompressedFrames() {
	compressedFrames.Inc()
}

// RecordKeepalivePing counts a server ping to a quiet session
func RecordKeepalivePing() {
	keepalivePings.Inc()
}

// UpdateLoopMetrics publishes per-loop gauges
func UpdateLoopMetrics(loopID int, sessions, mailbox int) {
	id := strconv.Itoa(loopID)
	loopSessions.WithLabelValues(id).Set(float64(sessions))
	loopMailboxDepth.WithLabelValues(id).Set(float64(mailbox))
}

// RecordPublish counts a topic publish and its fan-out
func RecordPublish(subscribers int) {
	topicPublishes.Inc()
	topicDeliveries.Add(float64(subscribers))
}

// IncrementConnectionRateLimit counts a rate-limited upgrade attempt
func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

// UpdateSystemMetrics publishes sampled host resources
func UpdateSystemMetrics(cpuPercent float64, memBytes int64, goroutines int) {
	cpuUsagePercent.Set(cpuPercent)
	memoryUsageBytes.Set(float64(memBytes))
	goroutinesActive.Set(float64(goroutines))
}

// SetNATSConnected publishes the bridge connection status
func SetNATSConnected(connected bool) {
	if connected {
		natsConnected.Set(1)
	} else {
		natsConnected.Set(0)
	}
}

// IncrementNATSMessages counts a message crossing the bridge
func IncrementNATSMessages(direction string) {
	natsMessages.WithLabelValues(direction).Inc()
}

// RecordError counts an error by type and severity
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// HandleMetrics serves the Prometheus exposition endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
