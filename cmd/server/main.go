package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/roomsync/internal/adapters/http"
	"github.com/dkeye/roomsync/internal/adapters/token"
	"github.com/dkeye/roomsync/internal/app"
	"github.com/dkeye/roomsync/internal/app/orch"
	"github.com/dkeye/roomsync/internal/config"
	"github.com/dkeye/roomsync/internal/metrics"
)

func main() {
	configFile := flag.String("config", "", "config file (default config/server.$CONFIG_ENV.yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadServer(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(config.Level(cfg.LogLevel))
	if cfg.Secret == "" {
		log.Fatal().Msg("secret is required to verify client tokens")
	}

	o := &orch.Orchestrator{
		Registry:    app.NewRegistry(),
		Sessions:    app.NewSessionManager(cfg.MessageLogLimit),
		Policy:      app.SimplePolicy{},
		RoomLimiter: app.NewRateLimiter(cfg.RoomCreateLimit, time.Minute),
		Seen:        app.NewIdempotency(cfg.IdempotencySize),
		Metrics:     metrics.NewServer(prometheus.DefaultRegisterer),
	}
	tokens := token.NewService(cfg.Secret, cfg.TokenExpiry)

	r := router.SetupRouter(ctx, cfg, o, tokens, prometheus.DefaultGatherer)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("roomsync relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
