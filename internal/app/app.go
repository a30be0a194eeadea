// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gpuscope/gpuscope/internal/api"
	"github.com/gpuscope/gpuscope/internal/backend/amdgpu"
	"github.com/gpuscope/gpuscope/internal/backend/nvidia"
	"github.com/gpuscope/gpuscope/internal/collector"
	"github.com/gpuscope/gpuscope/internal/config"
	"github.com/gpuscope/gpuscope/internal/device"
	"github.com/gpuscope/gpuscope/internal/fdinfo"
	"github.com/gpuscope/gpuscope/internal/httpserver"
	"github.com/gpuscope/gpuscope/internal/procinfo"
	"github.com/gpuscope/gpuscope/internal/registry"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	sweeper, err := fdinfo.NewSweeper(
		cfg.ProcRoot,
		cfg.DevRoot,
		cfg.MaxPIDs,
		cfg.MaxFDsPerPID,
		baseLogger.With("component", "fdinfo_sweep"),
	)
	if err != nil {
		return fmt.Errorf("init fdinfo sweeper: %w", err)
	}
	defer func() {
		if err := sweeper.Close(); err != nil {
			appLogger.Warn("fdinfo sweeper close", "err", err)
		}
	}()

	accounting := procinfo.NewCache(baseLogger.With("component", "procinfo"))

	reg := registry.New(sweeper, accounting, baseLogger.With("component", "registry"))
	reg.RegisterBackend(amdgpu.New(cfg.SysfsRoot, cfg.DevRoot, baseLogger.With("component", "amdgpu")))
	if !cfg.DisableNVIDIA {
		reg.RegisterBackend(nvidia.New(baseLogger.With("component", "nvidia")))
	}

	count := reg.Enumerate(device.NewSelectionMask(cfg.DeviceMask))
	appLogger.Info("discovered devices", "count", count)
	reg.PopulateStaticInfo()

	manager, err := collector.NewManager(cfg.PollInterval, reg, baseLogger.With("component", "collector"))
	if err != nil {
		reg.Shutdown()
		return fmt.Errorf("init collector: %w", err)
	}
	defer manager.Close()

	devices := make([]api.DeviceInfo, 0, count)
	for _, dev := range reg.Devices() {
		devices = append(devices, api.NewDeviceInfo(dev))
	}

	collectorCtx, collectorCancel := context.WithCancel(ctx)
	defer collectorCancel()

	collectorErrCh := make(chan error, 1)
	go func() {
		collectorErrCh <- manager.Run(collectorCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), devices, manager)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	drainCollector := func() error {
		collectorCancel()
		if collectorErrCh == nil {
			return nil
		}
		if err := <-collectorErrCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	for {
		select {
		case err := <-errCh:
			if err != nil {
				collectorCancel()
				return err
			}
			return drainCollector()
		case err := <-collectorErrCh:
			collectorErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			if err := drainCollector(); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
