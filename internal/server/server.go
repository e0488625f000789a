// Package server wires the gateway together and owns its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_gateway/internal/app"
	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/bus"
	"github.com/adred-codev/ws_gateway/internal/gate"
	"github.com/adred-codev/ws_gateway/internal/limits"
	"github.com/adred-codev/ws_gateway/internal/loop"
	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/platform"
	"github.com/adred-codev/ws_gateway/internal/router"
	"github.com/adred-codev/ws_gateway/internal/session"
	"github.com/adred-codev/ws_gateway/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server is one gateway process: HTTP surface, upgrade gate, loop pool and
// the optional NATS bridge.
type Server struct {
	cfg    *platform.Config
	logger zerolog.Logger

	stats    *types.Stats
	audit    *monitoring.AuditLogger
	tokens   *auth.TokenService
	pool     *loop.Pool
	registry *session.Registry
	router   *router.Router
	app      *app.Handler
	gate     *gate.Gate

	guard       *limits.ResourceGuard
	rateLimiter *limits.ConnectionRateLimiter
	bridge      *bus.Bridge

	sampler limits.Sampler
	httpSrv *http.Server

	addr atomic.Pointer[string]
}

// Option customises New.
type Option func(*Server)

// WithSampler replaces the gopsutil resource sampler.
func WithSampler(s limits.Sampler) Option {
	return func(srv *Server) { srv.sampler = s }
}

// New builds every component from cfg. Nothing runs until Serve.
func New(cfg *platform.Config, logger zerolog.Logger, opts ...Option) (*Server, error) {
	policy, err := session.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		stats:    types.NewStats(),
		audit:    monitoring.NewAuditLogger(logger, monitoring.INFO),
		registry: session.NewRegistry(),
	}
	if cfg.Environment == "development" {
		s.audit.SetAlerter(monitoring.NewConsoleAlerter(os.Stderr))
	}
	for _, opt := range opts {
		opt(s)
	}

	s.tokens = auth.NewTokenService([]byte(cfg.JWTSecret), auth.WithIssuer(cfg.TokenIssuer))
	s.pool = loop.NewPool(cfg.Loops, cfg.LoopTick, logger)

	s.app = app.New(logger)
	s.router = router.New(s.app, logger, router.WithParkLimit(cfg.MaxParked))
	s.app.SetTopics(s.router)

	s.guard = limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimit:        cfg.MemoryLimit,
		MaxGoroutines:      cfg.MaxGoroutines,
	}, s.stats, s.sampler, logger)

	gateOpts := []gate.Option{
		gate.WithStats(s.stats),
		gate.WithAudit(s.audit),
		gate.WithResourceGuard(s.guard),
	}
	if cfg.ConnectionRateLimitEnabled {
		s.rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
		gateOpts = append(gateOpts, gate.WithRateLimiter(s.rateLimiter))
	}

	s.gate = gate.New(gate.Config{
		MaxPayload:       cfg.MaxPayload,
		Compression:      cfg.Compression,
		WriteTimeout:     cfg.WriteTimeout,
		HandshakeTimeout: cfg.HTTPReadTimeout,
		Session: session.Config{
			IdleTimeout:     cfg.IdleTimeout,
			MaxBackpressure: cfg.MaxBackpressure,
			LowWatermark:    cfg.LowWatermark,
			HardLimit:       cfg.HardLimit,
			Policy:          policy,
			KeepalivePings:  cfg.SendPings,
		},
	}, s.tokens, s.router, s.pool, s.registry, logger, gateOpts...)

	if cfg.NATSURL != "" {
		b, err := bus.Connect(bus.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, s.router, logger)
		if err != nil {
			return nil, err
		}
		s.bridge = b
		s.router.SetPublisher(b)
	}

	s.httpSrv = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    cfg.HTTPReadTimeout,
		WriteTimeout:   cfg.HTTPWriteTimeout,
		IdleTimeout:    cfg.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	monitoring.SetMaxConnections(cfg.MaxConnections)
	return s, nil
}

// Registry exposes live sessions.
func (s *Server) Registry() *session.Registry { return s.registry }

// Tokens exposes the token service.
func (s *Server) Tokens() *auth.TokenService { return s.tokens }

// Stats exposes the shared counters.
func (s *Server) Stats() *types.Stats { return s.stats }

// Addr is the bound listen address once Serve has started, else "".
func (s *Server) Addr() string {
	if p := s.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs every component until ctx is cancelled (or one of them fails)
// and then shuts down gracefully.
//
// Shutdown order:
//  1. Gate rejects new upgrades, listener closes
//  2. Every session is closed with 1001 on its own loop
//  3. Wait up to ShutdownGrace for sessions to finish
//  4. Loops, bridge and monitors stop
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	addr := ln.Addr().String()
	s.addr.Store(&addr)

	// Loops and monitors outlive ctx so sessions can drain through them
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return s.pool.Run(gctx) })
	g.Go(func() error { return s.guard.Run(gctx, s.cfg.MetricsInterval) })
	if s.rateLimiter != nil {
		g.Go(func() error {
			s.rateLimiter.Run(time.Minute)
			return nil
		})
	}
	if s.bridge != nil {
		g.Go(func() error { return s.bridge.Run(gctx) })
	}
	g.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	s.logger.Info().
		Str("address", addr).
		Int("loops", s.pool.Size()).
		Bool("nats_bridge", s.bridge != nil).
		Msg("Gateway listening")
	s.audit.Info("ServerStarted", "Gateway started", map[string]any{
		"addr":            addr,
		"max_connections": s.cfg.MaxConnections,
	})

	select {
	case <-ctx.Done():
	case <-gctx.Done():
		s.logger.Error().Msg("Component failed, shutting down")
		s.audit.Critical("ComponentFailed", "A gateway component stopped unexpectedly", map[string]any{
			"addr": addr,
		})
	}

	s.shutdown()

	stopRun()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return g.Wait()
}

func (s *Server) shutdown() {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.gate.Shutdown()

	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(httpCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	closing := s.registry.CloseAll(session.ReasonServerShutdown)
	s.logger.Info().
		Int("sessions", closing).
		Dur("grace_period", s.cfg.ShutdownGrace).
		Msg("Draining sessions")

	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	defer deadline.Stop()
	check := time.NewTicker(50 * time.Millisecond)
	defer check.Stop()

	for s.registry.Len() > 0 {
		select {
		case <-deadline.C:
			s.logger.Warn().
				Int("remaining", s.registry.Len()).
				Msg("Grace period expired with sessions still open")
			return
		case <-check.C:
		}
	}
	s.logger.Info().Msg("All sessions drained")
}
