// Package main implements the entry point for the FaceBridge forwarder.
// FaceBridge serves a face-recognition terminal over WebSocket, persists
// its enrollments and attendance logs in a JetStream-backed record store,
// and forwards attendance records to a remote authority.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/facebridge/authority"
	"github.com/c360/facebridge/component"
	"github.com/c360/facebridge/config"
	"github.com/c360/facebridge/device"
	"github.com/c360/facebridge/metric"
	"github.com/c360/facebridge/natsclient"
	"github.com/c360/facebridge/service"
	"github.com/c360/facebridge/store"
	"github.com/c360/facebridge/syncer"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "facebridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags win over the config file for log settings
	if cliCfg.LogLevel != "" {
		cfg.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.LogFormat = cliCfg.LogFormat
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.StopTimeout = config.Duration(cliCfg.ShutdownTimeout)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting FaceBridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"authority", cfg.HasAuthority())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor, cleanup, err := buildBridge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return supervisor.Run(ctx)
}

// buildBridge connects the record store and wires the components.
func buildBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service.Supervisor, func(), error) {
	nc := natsclient.New(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithLogger(logger),
	)
	if err := nc.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect record store: %w", err)
	}
	cleanup := func() { nc.Close() }

	facesBucket, err := nc.KeyValue(ctx, store.FacesBucket, "enrolled face identities")
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("open faces bucket: %w", err)
	}
	attendanceBucket, err := nc.KeyValue(ctx, store.AttendanceBucket, "attendance records")
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("open attendance bucket: %w", err)
	}

	faceStore := store.NewFaceStore(nc.NewKVStore(facesBucket), logger)
	attendanceStore := store.NewAttendanceStore(nc.NewKVStore(attendanceBucket), logger)

	registry := metric.NewRegistry()

	dispatcher := device.NewDispatcher(faceStore, attendanceStore, logger)
	server, err := device.NewServer(cfg.Device, dispatcher, registry, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create device server: %w", err)
	}

	var outbound, pipeline component.Lifecycle
	if cfg.HasAuthority() {
		client, err := authority.NewClient(cfg.AuthorityConfig(), registry, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create authority client: %w", err)
		}
		// Re-register after every dial so reconnects come back
		// authenticated.
		client.SetConnectHandler(client.Register)

		pipe, err := syncer.NewPipeline(cfg.SyncConfig(), client, attendanceStore, faceStore, registry, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create sync pipeline: %w", err)
		}
		outbound, pipeline = client, pipe
	}

	supervisor, err := service.New(cfg.ServiceConfig(), server, outbound, pipeline, registry, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return supervisor, cleanup, nil
}
