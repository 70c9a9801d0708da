package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/hakiKhuva/pumpduler/internal/config"
	"github.com/hakiKhuva/pumpduler/internal/logging"
	"github.com/hakiKhuva/pumpduler/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pumpduler: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	loc, err := cfg.Location()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pumpduler: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		Location: loc,
	})
	cfg.LogConfig(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Server construction failed")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server start failed")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
		os.Exit(1)
	}
}
