package platform

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"WS_ADDR" envDefault:":9001"`

	// Token service
	//
	// The secret is read once at startup and handed to the token service by
	// value. Nothing mutates it afterwards.
	JWTSecret   string        `env:"WS_JWT_SECRET"`
	TokenTTL    time.Duration `env:"WS_TOKEN_TTL" envDefault:"0s"` // 0 = tokens never expire
	TokenIssuer string        `env:"WS_TOKEN_ISSUER" envDefault:""`

	// Login endpoint
	LoginMaxBody int64 `env:"WS_LOGIN_MAX_BODY" envDefault:"1048576"` // 1MB

	// Per-connection limits
	MaxPayload  int64         `env:"WS_MAX_PAYLOAD" envDefault:"16777216"` // 16MB
	IdleTimeout time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"32s"`
	Compression bool          `env:"WS_COMPRESSION" envDefault:"true"`
	SendPings   bool          `env:"WS_SEND_PINGS" envDefault:"true"` // ping quiet clients at half the idle timeout

	// Backpressure
	//
	// MaxBackpressure is the buffered outbound byte count above which the
	// congestion policy fires. LowWatermark is where a backpressured session
	// resumes (0 = MaxBackpressure/2). HardLimit caps the pause policy when a
	// producer ignores the pause signal (0 = 4 x MaxBackpressure).
	MaxBackpressure int    `env:"WS_MAX_BACKPRESSURE" envDefault:"1024"`
	LowWatermark    int    `env:"WS_LOW_WATERMARK" envDefault:"0"`
	HardLimit       int    `env:"WS_BACKPRESSURE_HARD_LIMIT" envDefault:"0"`
	Policy          string `env:"WS_BACKPRESSURE_POLICY" envDefault:"drop"`

	// MaxParked bounds the topic frames held back for one paused subscriber
	// before it is disconnected.
	MaxParked int `env:"WS_MAX_PARKED_BYTES" envDefault:"1048576"` // 1MB

	// Event loops
	Loops        int           `env:"WS_LOOPS" envDefault:"0"` // 0 = GOMAXPROCS
	LoopTick     time.Duration `env:"WS_LOOP_TICK" envDefault:"1s"`
	WriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`

	// Capacity
	MaxConnections int   `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	MemoryLimit    int64 `env:"WS_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	MaxGoroutines  int   `env:"WS_MAX_GOROUTINES" envDefault:"50000"`

	// CPU safety threshold: reject new upgrades above this %
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`

	// Connection rate limiting (upgrade attempts)
	ConnectionRateLimitEnabled bool    `env:"WS_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst       int     `env:"WS_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate        float64 `env:"WS_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst   int     `env:"WS_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate    float64 `env:"WS_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Shutdown
	ShutdownGrace time.Duration `env:"WS_SHUTDOWN_GRACE" envDefault:"30s"`

	// NATS topic bridge (disabled when NATS_URL is empty)
	NATSURL           string `env:"NATS_URL" envDefault:""`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"ws.topic"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is optional - production containers use environment variables directly
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// applyDerived fills values that default relative to other fields.
func (c *Config) applyDerived() {
	if c.LowWatermark == 0 {
		c.LowWatermark = c.MaxBackpressure / 2
	}
	if c.HardLimit == 0 {
		c.HardLimit = c.MaxBackpressure * 4
	}
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	// Required fields (no sensible defaults)
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("WS_JWT_SECRET is required")
	}

	// Range checks
	if c.MaxPayload < 1 {
		return fmt.Errorf("WS_MAX_PAYLOAD must be > 0, got %d", c.MaxPayload)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("WS_IDLE_TIMEOUT must be > 0, got %s", c.IdleTimeout)
	}
	if c.MaxParked < 1 {
		return fmt.Errorf("WS_MAX_PARKED_BYTES must be > 0, got %d", c.MaxParked)
	}
	if c.MaxBackpressure < 1 {
		return fmt.Errorf("WS_MAX_BACKPRESSURE must be > 0, got %d", c.MaxBackpressure)
	}
	if c.LoopTick <= 0 {
		return fmt.Errorf("WS_LOOP_TICK must be > 0, got %s", c.LoopTick)
	}
	if c.Loops < 0 {
		return fmt.Errorf("WS_LOOPS must be >= 0, got %d", c.Loops)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.LoginMaxBody < 1 {
		return fmt.Errorf("WS_LOGIN_MAX_BODY must be > 0, got %d", c.LoginMaxBody)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	// Logical checks
	if c.LowWatermark < 0 || c.LowWatermark >= c.MaxBackpressure {
		return fmt.Errorf("WS_LOW_WATERMARK (%d) must be in [0, WS_MAX_BACKPRESSURE (%d))",
			c.LowWatermark, c.MaxBackpressure)
	}
	if c.HardLimit < c.MaxBackpressure {
		return fmt.Errorf("WS_BACKPRESSURE_HARD_LIMIT (%d) must be >= WS_MAX_BACKPRESSURE (%d)",
			c.HardLimit, c.MaxBackpressure)
	}

	// Enum checks
	validPolicies := map[string]bool{"drop": true, "pause": true, "close": true}
	if !validPolicies[c.Policy] {
		return fmt.Errorf("WS_BACKPRESSURE_POLICY must be one of: drop, pause, close (got: %s)", c.Policy)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Gateway Configuration ===")
	fmt.Printf("Environment:      %s\n", c.Environment)
	fmt.Printf("Address:          %s\n", c.Addr)
	fmt.Printf("Token TTL:        %s\n", c.TokenTTL)
	fmt.Println("\n=== Connection Limits ===")
	fmt.Printf("Max Payload:      %d bytes\n", c.MaxPayload)
	fmt.Printf("Idle Timeout:     %s\n", c.IdleTimeout)
	fmt.Printf("Compression:      %t\n", c.Compression)
	fmt.Printf("Keepalive Pings:  %t\n", c.SendPings)
	fmt.Printf("Max Connections:  %d\n", c.MaxConnections)
	fmt.Println("\n=== Backpressure ===")
	fmt.Printf("Policy:           %s\n", c.Policy)
	fmt.Printf("High Watermark:   %d bytes\n", c.MaxBackpressure)
	fmt.Printf("Low Watermark:    %d bytes\n", c.LowWatermark)
	fmt.Printf("Hard Limit:       %d bytes\n", c.HardLimit)
	fmt.Printf("Max Parked:       %d bytes\n", c.MaxParked)
	fmt.Println("\n=== Event Loops ===")
	fmt.Printf("Loops:            %d (0 = GOMAXPROCS)\n", c.Loops)
	fmt.Printf("Tick:             %s\n", c.LoopTick)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:            %s\n", c.LogLevel)
	fmt.Printf("Format:           %s\n", c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Dur("token_ttl", c.TokenTTL).
		Int64("max_payload", c.MaxPayload).
		Dur("idle_timeout", c.IdleTimeout).
		Bool("compression", c.Compression).
		Bool("send_pings", c.SendPings).
		Str("backpressure_policy", c.Policy).
		Int("max_backpressure", c.MaxBackpressure).
		Int("low_watermark", c.LowWatermark).
		Int("hard_limit", c.HardLimit).
		Int("max_parked", c.MaxParked).
		Int("loops", c.Loops).
		Dur("loop_tick", c.LoopTick).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Bool("conn_rate_limit_enabled", c.ConnectionRateLimitEnabled).
		Bool("nats_bridge", c.NATSURL != "").
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
