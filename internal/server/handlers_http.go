package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/google/uuid"
)

// Handler routes every request. Upgrade requests go to the gate on any
// path; everything else goes to the plain HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("OPTIONS /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", monitoring.HandleMetrics)
	mux.HandleFunc("GET /", s.handleHello)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUpgrade(r) {
			s.gate.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// handleHello answers any plain GET.
func (s *Server) handleHello(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("IsExample", "Yes")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Hello there!")
}

var errBodyTooLarge = errors.New("request body too large")

// bodyAccumulator collects a request body up to a limit. It is owned by one
// request and released when that request finishes or aborts.
type bodyAccumulator struct {
	buf   bytes.Buffer
	limit int64
}

func newBodyAccumulator(limit int64) *bodyAccumulator {
	return &bodyAccumulator{limit: limit}
}

// ReadAll appends r to the buffer. Past the limit it returns errBodyTooLarge.
func (a *bodyAccumulator) ReadAll(w http.ResponseWriter, r io.ReadCloser) error {
	body := http.MaxBytesReader(w, r, a.limit)
	if _, err := a.buf.ReadFrom(body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: limit %d", errBodyTooLarge, a.limit)
		}
		return err
	}
	return nil
}

func (a *bodyAccumulator) Bytes() []byte { return a.buf.Bytes() }

// Release drops the buffered body.
func (a *bodyAccumulator) Release() { a.buf = bytes.Buffer{} }

// handleLogin takes a JSON object, adds a fresh "id" and returns a signed
// credential carrying it: {"token": "<jwt>"}. Errors carry no body.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	acc := newBodyAccumulator(s.cfg.LoginMaxBody)
	defer acc.Release()

	if err := acc.ReadAll(w, r.Body); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.logger.Debug().Err(err).Int("status", status).Msg("Login body rejected")
		w.WriteHeader(status)
		return
	}

	var claims auth.ClaimSet
	if err := json.Unmarshal(acc.Bytes(), &claims); err != nil || claims == nil {
		s.logger.Debug().Err(err).Msg("Login body is not a JSON object")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	claims["id"] = uuid.NewString()

	token, err := s.tokens.Issue(claims, s.cfg.TokenTTL)
	if errors.Is(err, auth.ErrReservedClaim) {
		s.logger.Debug().Err(err).Msg("Login body sets a reserved claim")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err != nil {
		monitoring.LogError(s.logger, err, "Failed to issue token", nil)
		monitoring.RecordTokenFailure(auth.Kind(err))
		monitoring.RecordError(monitoring.ErrorTypeToken, monitoring.ErrorSeverityError)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	monitoring.IncrementTokensIssued()

	s.logger.Debug().Str("id", claims["id"].(string)).Msg("Issued token")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"token": token}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write login response")
	}
}

// handleHealth reports capacity and resource checks. Unhealthy (a limit
// exceeded) answers 503 so load balancers stop routing here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.stats.Mu.RLock()
	cpuPercent := s.stats.CPUPercent
	memoryMB := s.stats.MemoryMB
	s.stats.Mu.RUnlock()

	currentConns := atomic.LoadInt64(&s.stats.CurrentConnections)
	maxConns := int64(s.cfg.MaxConnections)
	goroutines := runtime.NumGoroutine()
	memLimitMB := float64(s.cfg.MemoryLimit) / (1024 * 1024)

	healthy := true
	warnings := []string{}
	errs := []string{}

	if s.gate.ShuttingDown() {
		healthy = false
		errs = append(errs, "Server is shutting down")
	}
	if s.cfg.CPURejectThreshold > 0 && cpuPercent > s.cfg.CPURejectThreshold {
		healthy = false
		errs = append(errs, fmt.Sprintf("CPU exceeds reject threshold (%.1f%% > %.1f%%)", cpuPercent, s.cfg.CPURejectThreshold))
	}
	if memLimitMB > 0 && memoryMB > memLimitMB {
		healthy = false
		errs = append(errs, fmt.Sprintf("Memory exceeds limit (%.1fMB > %.1fMB)", memoryMB, memLimitMB))
	}
	if s.cfg.MaxGoroutines > 0 && goroutines > s.cfg.MaxGoroutines {
		healthy = false
		errs = append(errs, fmt.Sprintf("Goroutines exceed limit (%d > %d)", goroutines, s.cfg.MaxGoroutines))
	}

	capacityPercent := 0.0
	if maxConns > 0 {
		capacityPercent = float64(currentConns) / float64(maxConns) * 100
	}
	if capacityPercent >= 100 {
		warnings = append(warnings, fmt.Sprintf("Server at full capacity (%d/%d)", currentConns, maxConns))
	} else if capacityPercent > 90 {
		warnings = append(warnings, fmt.Sprintf("Server near capacity (%.1f%%)", capacityPercent))
	}

	natsStatus := "disabled"
	if s.bridge != nil {
		natsStatus = "disconnected"
		if s.bridge.Connected() {
			natsStatus = "connected"
		} else {
			warnings = append(warnings, "NATS bridge disconnected")
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	gateStats := s.gate.Stats()

	var tasksExecuted int64
	for _, l := range s.pool.Loops() {
		tasksExecuted += l.Executed()
	}

	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"healthy": healthy,
		"checks": map[string]any{
			"capacity": map[string]any{
				"current":    currentConns,
				"max":        maxConns,
				"percentage": capacityPercent,
			},
			"cpu": map[string]any{
				"percentage": cpuPercent,
				"threshold":  s.cfg.CPURejectThreshold,
			},
			"memory": map[string]any{
				"used_mb":  memoryMB,
				"limit_mb": memLimitMB,
			},
			"goroutines": map[string]any{
				"current": goroutines,
				"limit":   s.cfg.MaxGoroutines,
			},
			"nats": natsStatus,
		},
		"loops": map[string]any{
			"count":          s.pool.Size(),
			"sessions":       s.pool.Members(),
			"tasks_executed": tasksExecuted,
		},
		"sessions": map[string]any{
			"live":        s.registry.Len(),
			"total":       atomic.LoadInt64(&s.stats.TotalConnections),
			"disconnects": s.stats.Disconnects(),
		},
		"upgrades": map[string]any{
			"accepted": gateStats.Accepted,
			"rejected": gateStats.Rejected,
			"reasons":  gateStats.Reasons,
		},
		"delivery": map[string]any{
			"frames_dropped":        atomic.LoadInt64(&s.stats.FramesDropped),
			"backpressure_episodes": atomic.LoadInt64(&s.stats.BackpressureEpisodes),
			"backpressure_closes":   atomic.LoadInt64(&s.stats.BackpressureCloses),
		},
		"topics":   s.router.TopicCount(),
		"warnings": warnings,
		"errors":   errs,
		"uptime":   time.Since(s.stats.StartTime).Seconds(),
	})
}
