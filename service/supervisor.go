// Package service wires the bridge together: the inbound device server,
// the outbound authority client and the sync pipeline, under one
// supervisor that owns startup order, degraded mode and shutdown.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/facebridge/component"
	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/metric"
)

// Config holds the supervisor settings.
type Config struct {
	// MetricsAddr serves /metrics when non-empty, e.g. ":9090".
	MetricsAddr string `json:"metrics_addr"`
	// StopTimeout bounds each component's shutdown.
	StopTimeout time.Duration `json:"stop_timeout"`
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{StopTimeout: 10 * time.Second}
}

// Supervisor runs the bridge's components. The inbound server is
// load-bearing: it must start or the process fails. The outbound side is
// best effort: if the authority is unreachable the bridge runs in
// server-only mode and the poller's records wait for the next run.
type Supervisor struct {
	config   Config
	inbound  component.Lifecycle
	outbound component.Lifecycle
	pipeline component.Lifecycle
	registry *metric.Registry
	logger   *slog.Logger

	degraded atomic.Bool
}

// New creates a supervisor. outbound and pipeline may be nil together when
// no authority endpoint is configured; registry may be nil to disable the
// metrics endpoint.
func New(config Config, inbound, outbound, pipeline component.Lifecycle,
	registry *metric.Registry, logger *slog.Logger) (*Supervisor, error) {

	if inbound == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("inbound server required"),
			"service", "New", "validate components")
	}
	if (outbound == nil) != (pipeline == nil) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("outbound client and pipeline must be configured together"),
			"service", "New", "validate components")
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultConfig().StopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		config:   config,
		inbound:  inbound,
		outbound: outbound,
		pipeline: pipeline,
		registry: registry,
		logger:   logger.With("component", "supervisor"),
	}, nil
}

// Degraded reports whether the bridge is running without its outbound side.
func (s *Supervisor) Degraded() bool {
	return s.degraded.Load()
}

// Run starts everything and blocks until ctx ends, then shuts down in
// reverse order. Pending outbound requests are resolved during the
// authority client's stop.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.inbound.Initialize(); err != nil {
		return errors.WrapFatal(err, "service", "Run", "initialize inbound server")
	}
	if err := s.inbound.Start(ctx); err != nil {
		return errors.WrapFatal(err, "service", "Run", "start inbound server")
	}
	s.logger.Info("inbound server running")

	s.startOutbound(ctx)

	g, groupCtx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if s.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		if s.registry != nil {
			mux.Handle("/metrics", s.registry.Handler())
		}
		mux.HandleFunc("/health", s.handleHealth)
		metricsServer = &http.Server{Addr: s.config.MetricsAddr, Handler: mux}

		g.Go(func() error {
			s.logger.Info("metrics endpoint running", "addr", s.config.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.WrapFatal(err, "service", "Run", "serve metrics")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-groupCtx.Done()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.StopTimeout)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return fmt.Errorf("supervisor context ended: %w", groupCtx.Err())
	})

	err := g.Wait()
	s.stopAll()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// healthSnapshot collects the health of every component that reports one.
func (s *Supervisor) healthSnapshot() map[string]component.HealthStatus {
	parts := map[string]component.Lifecycle{
		"device":    s.inbound,
		"authority": s.outbound,
		"syncer":    s.pipeline,
	}
	snapshot := make(map[string]component.HealthStatus)
	for name, part := range parts {
		if reporter, ok := part.(component.HealthReporter); ok {
			snapshot[name] = reporter.Health()
		}
	}
	return snapshot
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.healthSnapshot()
	healthy := true
	for _, status := range snapshot {
		if !status.Healthy {
			healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":    healthy,
		"degraded":   s.degraded.Load(),
		"components": snapshot,
	})
}

// startOutbound brings up the authority client and the pipeline. Failure
// on either leaves the inbound server running in server-only mode.
func (s *Supervisor) startOutbound(ctx context.Context) {
	if s.outbound == nil {
		s.logger.Info("no authority configured, running server-only")
		s.degraded.Store(true)
		return
	}

	err := s.outbound.Initialize()
	if err == nil {
		err = s.outbound.Start(ctx)
	}
	if err != nil {
		s.logger.Warn("authority unreachable, continuing in server-only mode", "error", err)
		s.degraded.Store(true)
		return
	}

	err = s.pipeline.Initialize()
	if err == nil {
		err = s.pipeline.Start(ctx)
	}
	if err != nil {
		// Pipeline failed after the client came up
		_ = s.outbound.Stop(s.config.StopTimeout)
		s.logger.Warn("sync pipeline failed, continuing in server-only mode", "error", err)
		s.degraded.Store(true)
		return
	}

	s.logger.Info("sync pipeline running")
}

func (s *Supervisor) stopAll() {
	// Stop calls are idempotent; never-started components return nil.
	if s.pipeline != nil {
		if err := s.pipeline.Stop(s.config.StopTimeout); err != nil {
			s.logger.Warn("pipeline stop failed", "error", err)
		}
	}
	if s.outbound != nil {
		if err := s.outbound.Stop(s.config.StopTimeout); err != nil {
			s.logger.Warn("authority client stop failed", "error", err)
		}
	}
	if err := s.inbound.Stop(s.config.StopTimeout); err != nil {
		s.logger.Warn("inbound server stop failed", "error", err)
	}
	s.logger.Info("shutdown complete")
}
