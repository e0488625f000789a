// Package gate turns authenticated HTTP upgrade requests into sessions.
package gate

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/limits"
	"github.com/adred-codev/ws_gateway/internal/loop"
	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/session"
	"github.com/adred-codev/ws_gateway/internal/transport"
	"github.com/adred-codev/ws_gateway/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/rs/zerolog"
)

// Rejection reasons, used as metric labels and in Stats.
const (
	RejectShuttingDown    = "shutting_down"
	RejectRateLimited     = "rate_limited"
	RejectMissing         = "missing_credential"
	RejectInvalid         = "invalid_credential"
	RejectExpired         = "expired_credential"
	RejectVetoed          = "vetoed"
	RejectHandshakeFailed = "handshake_failed"
)

// Config holds per-connection settings the gate hands to each session.
type Config struct {
	MaxPayload       int64
	Compression      bool // offer permessage-deflate
	WriteTimeout     time.Duration
	WriteWindow      int
	HandshakeTimeout time.Duration
	Session          session.Config
}

// Gate is the WebSocket upgrade handler.
//
// Request states: Received -> Authenticating -> Accepted | Rejected.
// Nothing reaches the session layer unless the credential verified, and a
// rejected request never allocates a session.
type Gate struct {
	cfg      Config
	tokens   *auth.TokenService
	handler  session.Handler
	pool     *loop.Pool
	registry *session.Registry

	rateLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard
	stats       *types.Stats
	audit       *monitoring.AuditLogger
	logger      zerolog.Logger

	shuttingDown atomic.Bool
}

// Option configures optional gate collaborators.
type Option func(*Gate)

// WithRateLimiter rejects upgrade floods with 429.
func WithRateLimiter(l *limits.ConnectionRateLimiter) Option {
	return func(g *Gate) { g.rateLimiter = l }
}

// WithResourceGuard rejects upgrades with 503 when the process is at capacity.
func WithResourceGuard(rg *limits.ResourceGuard) Option {
	return func(g *Gate) { g.guard = rg }
}

// WithStats shares server-wide counters with the gate and its sessions.
func WithStats(s *types.Stats) Option {
	return func(g *Gate) { g.stats = s }
}

// WithAudit records credential rejections and capacity events.
func WithAudit(a *monitoring.AuditLogger) Option {
	return func(g *Gate) { g.audit = a }
}

// New creates a gate. handler receives OnUpgrade here and every session
// event afterwards.
func New(cfg Config, tokens *auth.TokenService, handler session.Handler, pool *loop.Pool,
	registry *session.Registry, logger zerolog.Logger, opts ...Option) *Gate {
	if handler == nil {
		handler = session.NopHandler{}
	}
	g := &Gate{
		cfg:      cfg,
		tokens:   tokens,
		handler:  handler,
		pool:     pool,
		registry: registry,
		logger:   logger.With().Str("component", "gate").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.stats == nil {
		g.stats = types.NewStats()
	}
	return g
}

// Shutdown makes every later upgrade fail with 503.
func (g *Gate) Shutdown() { g.shuttingDown.Store(true) }

// ShuttingDown reports whether Shutdown was called.
func (g *Gate) ShuttingDown() bool { return g.shuttingDown.Load() }

// Stats is a snapshot of gate outcomes.
type Stats struct {
	Accepted int64
	Rejected int64
	Reasons  map[string]int64
}

// Stats returns accepted and rejected upgrade counts.
func (g *Gate) Stats() Stats {
	return Stats{
		Accepted: atomic.LoadInt64(&g.stats.UpgradesAccepted),
		Rejected: atomic.LoadInt64(&g.stats.UpgradesRejected),
		Reasons:  g.stats.Rejects(),
	}
}

// ServeHTTP handles an upgrade request on any path.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientIP := clientIP(r)

	// Received: admission checks first, they are cheaper than a signature
	if g.shuttingDown.Load() {
		g.reject(w, http.StatusServiceUnavailable, RejectShuttingDown, clientIP)
		return
	}

	if g.rateLimiter != nil && !g.rateLimiter.Allow(clientIP) {
		g.reject(w, http.StatusTooManyRequests, RejectRateLimited, clientIP)
		return
	}

	if g.guard != nil {
		if ok, reason, detail := g.guard.ShouldAcceptConnection(); !ok {
			g.logger.Warn().
				Str("client_ip", clientIP).
				Str("reason", reason).
				Str("detail", detail).
				Msg("Upgrade rejected by ResourceGuard")
			if g.audit != nil {
				g.audit.Warning("CapacityRejected", "Upgrade rejected at capacity", map[string]any{
					"reason":    reason,
					"detail":    detail,
					"client_ip": clientIP,
				})
			}
			g.reject(w, http.StatusServiceUnavailable, reason, clientIP)
			return
		}
	}

	// CRITICAL: capture everything from the request before any further work.
	// Once the connection is hijacked the request must not be touched.
	req := &session.UpgradeRequest{
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		Key:        r.Header.Get("Sec-WebSocket-Key"),
		Protocols:  r.Header.Get("Sec-WebSocket-Protocol"),
		Extensions: r.Header.Get("Sec-WebSocket-Extensions"),
		Header:     r.Header.Clone(),
	}

	cred, err := auth.ExtractCredential(r.Header.Get("Authorization"))
	if err != nil {
		g.rejectCredential(w, err, clientIP)
		return
	}

	// Authenticating
	claims, err := g.tokens.Verify(cred)
	if err != nil {
		g.rejectCredential(w, err, clientIP)
		return
	}

	if err := g.handler.OnUpgrade(r.Context(), claims, req); err != nil {
		g.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("Upgrade vetoed by handler")
		g.reject(w, http.StatusUnauthorized, RejectVetoed, clientIP)
		return
	}

	// Accepted: complete the handshake exactly once
	var ext *wsflate.Extension
	upgrader := ws.HTTPUpgrader{Timeout: g.cfg.HandshakeTimeout}
	if g.cfg.Compression {
		ext = &wsflate.Extension{Parameters: wsflate.DefaultParameters}
		upgrader.Negotiate = ext.Negotiate
	}

	conn, rw, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		// The upgrader has already answered (or the conn is gone)
		if conn != nil {
			_ = conn.Close()
		}
		g.logger.Debug().
			Err(err).
			Str("client_ip", clientIP).
			Str("sec_websocket_version", req.Header.Get("Sec-WebSocket-Version")).
			Msg("WebSocket handshake failed")
		monitoring.RecordUpgradeRejected(g.stats, RejectHandshakeFailed)
		monitoring.RecordError(monitoring.ErrorTypeUpgrade, monitoring.ErrorSeverityWarning)
		return
	}

	compression := false
	if ext != nil {
		_, compression = ext.Accepted()
	}

	g.open(conn, rw.Reader, claims, req, compression, clientIP, start)
}

func (g *Gate) open(conn net.Conn, br *bufio.Reader, claims auth.ClaimSet,
	req *session.UpgradeRequest, compression bool, clientIP string, start time.Time) {
	// Deadlines set by http.Server for the handshake would otherwise leak
	// into the session and cut long-lived reads.
	_ = conn.SetDeadline(time.Time{})

	id := g.registry.NextID()
	l := g.pool.For(id)

	tc := transport.New(conn, br, transport.Config{
		MaxPayload:   g.cfg.MaxPayload,
		Compression:  compression,
		WriteTimeout: g.cfg.WriteTimeout,
		Window:       g.cfg.WriteWindow,
	}, g.logger)

	scfg := g.cfg.Session
	scfg.Compression = compression

	s, err := session.New(session.Params{
		ID:         id,
		Claims:     claims,
		Socket:     tc,
		Loop:       l,
		Handler:    g.handler,
		Registry:   g.registry,
		Config:     scfg,
		RemoteAddr: clientIP,
		Logger:     g.logger,
		Stats:      g.stats,
		Audit:      g.audit,
	})
	if err != nil {
		_ = conn.Close()
		monitoring.LogError(g.logger, err, "Failed to create session", map[string]any{"client_ip": clientIP})
		return
	}

	monitoring.RecordConnect(g.stats, time.Since(start))

	// Start must be queued before the reader exists so the first inbound
	// frame always finds an Active session.
	if !l.Post(s.Start) {
		monitoring.RecordDisconnectWithStats(g.stats, session.ReasonServerShutdown.String(), 0)
		tc.Shutdown(ws.StatusGoingAway, session.ReasonServerShutdown.String())
		tc.Serve(s)
		return
	}
	tc.Serve(s)

	g.logger.Debug().
		Uint64("session_id", id).
		Int("loop", l.ID()).
		Str("client_ip", clientIP).
		Str("path", req.Path).
		Bool("compression", compression).
		Dur("upgrade_took", time.Since(start)).
		Msg("Session accepted")
}

func (g *Gate) rejectCredential(w http.ResponseWriter, err error, clientIP string) {
	kind := auth.Kind(err)
	monitoring.RecordTokenFailure(kind)

	reason := RejectInvalid
	switch kind {
	case "missing":
		reason = RejectMissing
	case "expired":
		reason = RejectExpired
	}

	g.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("Credential rejected")
	if g.audit != nil {
		g.audit.Info("CredentialRejected", "Upgrade rejected: credential failed verification", map[string]any{
			"reason":    reason,
			"client_ip": clientIP,
		})
	}
	g.reject(w, http.StatusUnauthorized, reason, clientIP)
}

// reject answers with an empty body; the reason only goes to logs and
// metrics.
func (g *Gate) reject(w http.ResponseWriter, status int, reason, clientIP string) {
	monitoring.RecordUpgradeRejected(g.stats, reason)
	g.logger.Debug().
		Int("status", status).
		Str("reason", reason).
		Str("client_ip", clientIP).
		Msg("Upgrade rejected")
	w.WriteHeader(status)
}

// clientIP prefers the first X-Forwarded-For hop (load balancers) and falls
// back to the connection's remote address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
