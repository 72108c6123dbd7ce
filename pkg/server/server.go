// Package server provides the public entry point for initializing a
// Guardio gateway.
//
// This package lives in pkg/ (not internal/) so other binaries can embed the
// gateway and wrap its handler with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Path())
//	srv.Start(ctx)
//	http.ListenAndServe(srv.Addr(), srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/internal/api"
	"github.com/radoslaw-sz/guardio/internal/config"
	"github.com/radoslaw-sz/guardio/internal/core"
	"github.com/radoslaw-sz/guardio/internal/plugins"
	"github.com/radoslaw-sz/guardio/internal/telemetry"
)

// Server holds an initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Core is the orchestrator behind the handler.
	Core *core.Core

	// Config is the loaded configuration document.
	Config *config.Config

	// Port and Host are where the server should listen.
	Port int
	Host string

	// ShutdownFunc stops upstream loops, closes plugins and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New loads the config at path, instantiates plugins and builds the gateway.
// Nothing connects upstream until Start.
func New(ctx context.Context, path string) (*Server, error) {
	cfg, set, err := plugins.NewRegistry().Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg, set)
}

// NewWithConfig builds the gateway from an already loaded config and plugin set.
// The server takes ownership of set.
func NewWithConfig(ctx context.Context, cfg *config.Config, set *plugins.Set) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		set.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	c, err := core.New(core.Options{Config: cfg, Plugins: set})
	if err != nil {
		set.Close()
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("init core: %w", err)
	}
	log.Info().Int("providers", len(cfg.Servers)).Msg("✅ Gateway core initialized")

	return &Server{
		Handler: api.NewRouter(c, cfg.Version),
		Core:    c,
		Config:  cfg,
		Port:    cfg.Client.Port,
		Host:    cfg.Client.Host,
		ShutdownFunc: func(ctx context.Context) error {
			c.Close()
			return errors.Join(set.Close(), shutdownTelemetry(ctx))
		},
	}, nil
}

// Start connects to every upstream provider in the background.
func (s *Server) Start(ctx context.Context) {
	s.Core.Start(ctx)
}

// Addr is the host:port to listen on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
