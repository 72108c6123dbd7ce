// Guardio: a policy gateway for tool-protocol traffic.
//
// This is the main entry point. It serves:
//   - GET  /{provider}/sse       client event streams, one per agent
//   - POST /{provider}/messages  tool calls, checked against policies
//   - /api/...                   admin API (policies, events, connections)
//   - GET  /health
//
// Configuration is read from GUARDIO_CONFIG (default guardio.config.yaml).

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/internal/config"
	"github.com/radoslaw-sz/guardio/pkg/server"
)

func main() {
	setupLogging(os.Getenv("GUARDIO_LOG_LEVEL"), os.Getenv("GUARDIO_LOG_FORMAT"))

	log.Info().Msg("🛡️  Guardio starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := config.Path()
	srv, err := server.New(ctx, path)
	if err != nil {
		log.Fatal().Err(err).Str("config", path).Msg("Failed to initialize server")
	}

	srv.Start(ctx)

	// WriteTimeout stays unset: event streams are long-lived.
	httpServer := &http.Server{
		Addr:              srv.Addr(),
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		if err := srv.ShutdownFunc(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Gateway shutdown incomplete")
		}
	}()

	log.Info().
		Str("addr", srv.Addr()).
		Int("providers", len(srv.Config.Servers)).
		Msg("🔥 Guardio is listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-done
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
