// Command loadtest ramps authenticated clients against a running gateway and
// holds them open while reporting reply and subscription throughput.
//
// Each client logs in over POST /login, dials the upgrade endpoint with the
// issued token as a bearer credential, optionally subscribes to channels and
// then sends a message on every tick. The gateway answers each message with
// its fixed reply, so the reply counters measure end-to-end round trips.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config for one load test run. Environment variables seed the defaults and
// flags override them.
type Config struct {
	WSURL              string        `env:"WS_URL" envDefault:"ws://localhost:9001/ws"`
	BaseURL            string        `env:"BASE_URL" envDefault:"http://localhost:9001"`
	TargetConnections  int           `env:"TARGET_CONNECTIONS" envDefault:"1000"`
	RampRate           int           `env:"RAMP_RATE" envDefault:"100"` // connections per second
	SustainDuration    time.Duration `env:"DURATION" envDefault:"5m"`
	ReportInterval     time.Duration `env:"REPORT_INTERVAL" envDefault:"10s"`
	HealthInterval     time.Duration `env:"HEALTH_INTERVAL" envDefault:"5s"`
	MessageInterval    time.Duration `env:"MESSAGE_INTERVAL" envDefault:"1s"`
	ConnectionTimeout  time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"10s"`
	MaxConnections     int           `env:"WS_MAX_CONNECTIONS" envDefault:"10000"` // for test mode detection only
	Channels           []string      `env:"CHANNELS" envSeparator:"," envDefault:"BTC.trade,ETH.trade,SOL.trade"`
	SubscriptionMode   string        `env:"SUBSCRIPTION_MODE" envDefault:"all"` // all, single, random, none
	ChannelsPerClient  int           `env:"CHANNELS_PER_CLIENT" envDefault:"2"`
	PublishEvery       int           `env:"PUBLISH_EVERY" envDefault:"0"` // every Nth message is a channel publish, 0 = never
	BinaryMessages     bool          `env:"BINARY_MESSAGES" envDefault:"false"`
	Verbose            bool          `env:"VERBOSE" envDefault:"false"`
}

// State tracks run-wide counters. Everything is updated atomically by the
// client goroutines and read by the reporter.
type State struct {
	active  atomic.Int64
	created atomic.Int64
	failed  atomic.Int64

	loginFailures atomic.Int64
	sent          atomic.Int64
	replies       atomic.Int64
	broadcasts    atomic.Int64
	errors        atomic.Int64
	closedByPeer  atomic.Int64

	subscriptionsSent      atomic.Int64
	subscriptionsConfirmed atomic.Int64

	connectionErrors sync.Map // map[string]*atomic.Int64

	mu          sync.RWMutex
	lastHealth  *HealthResponse
	phase       string // ramping, sustaining, completed
	startTime   time.Time
	sustainedAt time.Time
}

func (s *State) setPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	if phase == "sustaining" {
		s.sustainedAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *State) recordConnectError(err error) {
	s.failed.Add(1)
	key := classifyError(err)
	v, _ := s.connectionErrors.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfg, err := parseConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.Verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	printBanner(cfg, logger)

	state := &State{startTime: time.Now(), phase: "ramping"}
	health := newHealthClient(cfg.BaseURL, cfg.ConnectionTimeout)

	logger.Info().Msg("Performing initial health check")
	if h, err := health.Check(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Server health check failed")
	} else {
		state.mu.Lock()
		state.lastHealth = h
		state.mu.Unlock()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporters, rctx := errgroup.WithContext(ctx)
	reportCtx, stopReports := context.WithCancel(rctx)
	reporters.Go(func() error {
		return every(reportCtx, cfg.HealthInterval, func() {
			h, err := health.Check(reportCtx)
			if err != nil {
				if reportCtx.Err() == nil {
					logger.Warn().Err(err).Msg("Health check failed")
				}
				return
			}
			if !h.Healthy {
				logger.Warn().Str("status", h.Status).Msg("Server reports unhealthy status, continuing")
			}
			state.mu.Lock()
			state.lastHealth = h
			state.mu.Unlock()
		})
	})
	reporters.Go(func() error {
		return every(reportCtx, cfg.ReportInterval, func() { printReport(cfg, state, logger) })
	})

	var clients sync.WaitGroup
	rampUp(ctx, cfg, state, &clients, logger)

	if ctx.Err() == nil {
		state.setPhase("sustaining")
		logger.Info().
			Int64("active", state.active.Load()).
			Dur("duration", cfg.SustainDuration).
			Msg("Ramp-up complete, sustaining load")

		select {
		case <-time.After(cfg.SustainDuration):
		case <-ctx.Done():
			logger.Warn().Msg("Sustain phase interrupted")
		}
	}

	state.setPhase("completed")
	stop()
	stopReports()
	_ = reporters.Wait()

	// Clients observe ctx and send a normal close before exiting.
	clients.Wait()

	logger.Info().Msg("Test completed")
	printReport(cfg, state, logger)
}

func parseConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	channels := strings.Join(cfg.Channels, ",")

	flag.StringVar(&cfg.WSURL, "url", cfg.WSURL, "WebSocket upgrade URL")
	flag.StringVar(&cfg.BaseURL, "base", cfg.BaseURL, "HTTP base URL for /login and /health")
	flag.IntVar(&cfg.TargetConnections, "connections", cfg.TargetConnections, "Target number of connections")
	flag.IntVar(&cfg.RampRate, "ramp-rate", cfg.RampRate, "Connections per second during ramp-up")
	flag.DurationVar(&cfg.SustainDuration, "duration", cfg.SustainDuration, "Sustain duration")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", cfg.ReportInterval, "Report interval")
	flag.DurationVar(&cfg.HealthInterval, "health-interval", cfg.HealthInterval, "Health check interval")
	flag.DurationVar(&cfg.MessageInterval, "message-interval", cfg.MessageInterval, "Per-client message interval")
	flag.DurationVar(&cfg.ConnectionTimeout, "connection-timeout", cfg.ConnectionTimeout, "Login and handshake timeout")
	flag.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "Server max connections (for test mode detection)")
	flag.StringVar(&channels, "channels", channels, "Comma-separated list of channels")
	flag.StringVar(&cfg.SubscriptionMode, "subscription-mode", cfg.SubscriptionMode, "Subscription mode: all, single, random, none")
	flag.IntVar(&cfg.ChannelsPerClient, "channels-per-client", cfg.ChannelsPerClient, "Channels per client (random mode)")
	flag.IntVar(&cfg.PublishEvery, "publish-every", cfg.PublishEvery, "Every Nth message publishes to a channel (0 = never)")
	flag.BoolVar(&cfg.BinaryMessages, "binary", cfg.BinaryMessages, "Send binary frames instead of text")
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Log every connection")
	flag.Parse()

	cfg.Channels = cfg.Channels[:0]
	for _, ch := range strings.Split(channels, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			cfg.Channels = append(cfg.Channels, ch)
		}
	}
	if len(cfg.Channels) == 0 {
		cfg.SubscriptionMode = "none"
	}

	if cfg.TargetConnections < 1 {
		return nil, fmt.Errorf("connections must be > 0, got %d", cfg.TargetConnections)
	}
	if cfg.RampRate < 1 {
		return nil, fmt.Errorf("ramp-rate must be > 0, got %d", cfg.RampRate)
	}
	if cfg.MessageInterval <= 0 {
		return nil, fmt.Errorf("message-interval must be > 0, got %s", cfg.MessageInterval)
	}
	switch cfg.SubscriptionMode {
	case "all", "single", "random", "none":
	default:
		return nil, fmt.Errorf("unknown subscription mode %q", cfg.SubscriptionMode)
	}
	return cfg, nil
}

// rampUp opens connections at RampRate until TargetConnections have been
// attempted or ctx is cancelled. Connects run concurrently, bounded by the
// limiter's burst.
func rampUp(ctx context.Context, cfg *Config, state *State, clients *sync.WaitGroup, logger zerolog.Logger) {
	logger.Info().
		Int("target", cfg.TargetConnections).
		Int("rate", cfg.RampRate).
		Msg("Starting ramp-up")

	burst := max(cfg.RampRate/10, 1)
	limiter := rate.NewLimiter(rate.Limit(cfg.RampRate), burst)

	var connecting sync.WaitGroup
	for id := 0; id < cfg.TargetConnections; id++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		state.created.Add(1)

		connecting.Add(1)
		go func(id int) {
			defer connecting.Done()

			c := newClient(id, cfg, state, logger)
			if err := c.Connect(ctx); err != nil {
				state.recordConnectError(err)
				logger.Debug().Err(err).Int("client", id).Msg("Connect failed")
				return
			}
			clients.Add(1)
			go func() {
				defer clients.Done()
				c.Run(ctx)
			}()
		}(id)
	}
	connecting.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

func printBanner(cfg *Config, logger zerolog.Logger) {
	mode, desc := "CAPACITY TEST", "Testing at server capacity limit"
	switch {
	case cfg.TargetConnections > cfg.MaxConnections:
		mode = "STRESS/OVERLOAD TEST"
		desc = fmt.Sprintf("Intentional overload (%d > %d limit)", cfg.TargetConnections, cfg.MaxConnections)
	case cfg.RampRate >= 1000:
		mode = "BURST/SPIKE TEST"
		desc = fmt.Sprintf("Rapid connection burst (%d conn/sec)", cfg.RampRate)
	}

	ev := logger.Info().
		Str("mode", mode).
		Str("description", desc).
		Int("target", cfg.TargetConnections).
		Int("server_limit", cfg.MaxConnections).
		Int("ramp_rate", cfg.RampRate).
		Dur("sustain", cfg.SustainDuration).
		Dur("message_interval", cfg.MessageInterval).
		Str("ws_url", cfg.WSURL).
		Str("base_url", cfg.BaseURL).
		Str("subscription_mode", cfg.SubscriptionMode)
	if cfg.SubscriptionMode != "none" {
		ev = ev.Strs("channels", cfg.Channels)
	}
	ev.Msg("Sustained load test")
}

func printReport(cfg *Config, state *State, logger zerolog.Logger) {
	state.mu.RLock()
	health := state.lastHealth
	phase := state.phase
	sustainedAt := state.sustainedAt
	state.mu.RUnlock()

	elapsed := time.Since(state.startTime)
	created := state.created.Load()
	failed := state.failed.Load()
	replies := state.replies.Load()

	successRate := 100.0
	if created > 0 {
		successRate = float64(created-failed) / float64(created) * 100
	}

	ev := logger.Info().
		Str("phase", strings.ToUpper(phase)).
		Dur("elapsed", elapsed.Truncate(time.Second)).
		Int64("active", state.active.Load()).
		Int("target", cfg.TargetConnections).
		Int64("created", created).
		Int64("failed", failed).
		Int64("login_failures", state.loginFailures.Load()).
		Str("success_rate", fmt.Sprintf("%.1f%%", successRate)).
		Int64("sent", state.sent.Load()).
		Int64("replies", replies).
		Int64("broadcasts", state.broadcasts.Load()).
		Str("reply_rate", fmt.Sprintf("%.2f/s", float64(replies)/max(elapsed.Seconds(), 1))).
		Int64("errors", state.errors.Load()).
		Int64("closed_by_server", state.closedByPeer.Load())

	if cfg.SubscriptionMode != "none" {
		sent := state.subscriptionsSent.Load()
		confirmed := state.subscriptionsConfirmed.Load()
		ev = ev.Int64("subscriptions_sent", sent).Int64("subscriptions_confirmed", confirmed)
	}

	if health != nil {
		ev = ev.Bool("server_healthy", health.Healthy).
			Int("server_connections", health.Checks.Capacity.Current).
			Float64("server_cpu", health.Checks.CPU.Percentage).
			Float64("server_memory_mb", health.Checks.Memory.UsedMB).
			Int64("server_frames_dropped", health.Delivery.FramesDropped)
	}

	if phase == "sustaining" {
		remaining := max(cfg.SustainDuration-time.Since(sustainedAt), 0)
		ev = ev.Dur("remaining", remaining.Truncate(time.Second))
	}

	ev.Msg("Load test report")

	state.connectionErrors.Range(func(key, value any) bool {
		logger.Warn().Str("error", key.(string)).Int64("count", value.(*atomic.Int64).Load()).Msg("Connection errors")
		return true
	})
}
