package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/qaforge/qaforge/analysis"
	"github.com/qaforge/qaforge/config"
	"github.com/qaforge/qaforge/llm"
	qahttp "github.com/qaforge/qaforge/server"
	"github.com/qaforge/qaforge/storage"
)

// App wires together the pipeline, storage, and HTTP API.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Storage
	store *storage.Store

	// Pipeline
	pipeline *analysis.Pipeline
	registry *prometheus.Registry

	httpServer *http.Server
}

// NewApp creates an application instance from the loaded configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes all components and begins serving HTTP.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := storage.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.pipeline = buildPipeline(a.cfg, a.logger, analysis.NewMetrics(a.registry))

	apiServer := qahttp.New(a.pipeline,
		qahttp.WithStore(a.store),
		qahttp.WithLogger(a.logger),
		qahttp.WithRegistry(a.registry),
	)

	mux := http.NewServeMux()
	apiServer.RegisterHTTPHandlers(mux)

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP API listening", "addr", a.cfg.Server.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Give the listener a moment to fail fast on a bad address.
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	return nil
}

// buildPipeline assembles the analysis pipeline from configuration.
func buildPipeline(cfg *config.Config, logger *slog.Logger, metrics *analysis.Metrics) *analysis.Pipeline {
	client := llm.NewClient(cfg.Provider.Endpoint(),
		llm.WithCallTimeout(cfg.Provider.CallTimeout),
		llm.WithLogger(logger),
	)

	return analysis.NewPipeline(client, cfg.Provider.Kind, cfg.Provider.Model,
		analysis.WithLimits(cfg.Limits),
		analysis.WithRates(cfg.Rates),
		analysis.WithPipelineLogger(logger),
		analysis.WithMetrics(metrics),
	)
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP server shutdown", "error", err)
		}
	}

	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("Shutdown complete")
}
