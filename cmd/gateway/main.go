package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/platform"
	"github.com/adred-codev/ws_gateway/internal/server"
	"github.com/adred-codev/ws_gateway/internal/types"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug       = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		printConfig = flag.Bool("print-config", false, "print the loaded configuration and exit")
	)
	flag.Parse()

	// Basic logger until the structured one is configured
	boot := log.New(os.Stdout, "[WS] ", log.LstdFlags)

	// automaxprocs has already set GOMAXPROCS from the container CPU quota;
	// the loop pool defaults to this many loops.
	boot.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *printConfig {
		cfg.Print()
		return
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Server stopped")
}
