package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mendyEdri/mcp-events-sub002/internal/clock"
	"github.com/mendyEdri/mcp-events-sub002/internal/hub"
	"github.com/mendyEdri/mcp-events-sub002/internal/ingest"
	"github.com/mendyEdri/mcp-events-sub002/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the eventsub daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "eventsub.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	backend, err := store.NewFileBackend(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open subscription store: %w", err)
	}
	st := store.New(backend, cfg.Broker.MaxSubscriptionsPerClient, clock.System())
	devices := store.NewDeviceStore(filepath.Join(cfg.DataDir, "devices.json"), clock.System())

	// Hub
	h := hub.New(st, devices, hub.Options{
		MaxSubscriptionsPerClient: cfg.Broker.MaxSubscriptionsPerClient,
		DefaultBatchInterval:      time.Duration(cfg.Broker.DefaultBatchIntervalSeconds) * time.Second,
		SweepInterval:             time.Duration(cfg.Broker.SweepIntervalSeconds) * time.Second,
		DeliveryWorkers:           int64(cfg.Broker.DeliveryWorkers),
		QueueSize:                 cfg.Broker.QueueSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Start(ctx)
	defer h.Stop()

	// Re-arm timers for subscriptions that survived the restart
	restored, err := h.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}

	slog.Info("eventsub started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_subscriptions_per_client", cfg.Broker.MaxSubscriptionsPerClient,
		"delivery_workers", cfg.Broker.DeliveryWorkers,
		"queue_size", cfg.Broker.QueueSize,
		"restored", restored,
		"pid_file", pidPath,
	)

	// Push sinks are registered by the embedding application through
	// h.Registry; the bare daemon only has the session channels.
	if cfg.Push.VAPIDPrivateKey == "" {
		slog.Warn("webpush deliveries disabled (no VAPID key configured)")
	}
	if cfg.Push.APNSKey == "" {
		slog.Warn("apns deliveries disabled (no APNS key configured)")
	}

	// Ingest HTTP server
	if cfg.HTTP.Enabled {
		ingestSrv := ingest.NewServer(h, cfg.Ingest.Token)
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: ingestSrv,
		}
		go func() {
			slog.Info("ingest server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("ingest server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
