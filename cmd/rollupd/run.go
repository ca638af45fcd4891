package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/emberlane/rollupd/internal/broker"
	"github.com/emberlane/rollupd/internal/config"
	"github.com/emberlane/rollupd/internal/runner"
	"github.com/emberlane/rollupd/internal/session"
	"github.com/emberlane/rollupd/internal/snapshot"
	snapshotpg "github.com/emberlane/rollupd/internal/snapshot/postgres"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the runner loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Snapshot backend.
		var (
			snaps   snapshot.Manager
			fsStore *snapshot.FSManager
			closers []func() error
		)
		switch cfg.SnapshotBackend {
		case config.BackendFS:
			fsStore, err = snapshot.NewFSManager(cfg.SnapshotDir)
			if err != nil {
				return err
			}
			snaps = fsStore
		case config.BackendS3:
			snaps, err = snapshot.NewS3Manager(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region, cfg.S3Endpoint)
			if err != nil {
				return err
			}
		case config.BackendPostgres:
			pg, err := snapshotpg.New(cfg.DatabaseURL, cfg.SnapshotDir)
			if err != nil {
				return err
			}
			closers = append(closers, pg.Close)
			snaps = pg
		}
		logger.Info("snapshot backend ready", "backend", cfg.SnapshotBackend)

		// Event log.
		b, err := broker.NewNATSBroker(ctx, cfg.NATSURL, broker.StreamConfig{
			InputStream:  cfg.InputStream,
			InputSubject: cfg.InputSubject,
			ClaimStream:  cfg.ClaimStream,
			ClaimSubject: cfg.ClaimSubject,
		})
		if err != nil {
			closeAll(closers, logger)
			return err
		}
		closers = append(closers, b.Close)
		logger.Info("event log connected", "nats_url", cfg.NATSURL, "input_stream", cfg.InputStream)

		// Compute session.
		sess, err := session.NewGRPCSession(cfg.SessionAddr, cfg.SessionID, logger)
		if err != nil {
			closeAll(closers, logger)
			return err
		}
		closers = append(closers, sess.Close)

		// Metrics endpoint.
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		var metricsServer *http.Server
		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
			go func() {
				logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error", "err", err)
				}
			}()
		}

		// Snapshot pruner (fs backend only).
		var gc *snapshot.GC
		if fsStore != nil && cfg.GCInterval > 0 {
			gc = snapshot.NewGC(fsStore, cfg.SnapshotRetain, cfg.GCInterval, logger)
			gc.Start()
			logger.Info("snapshot gc started", "retain", cfg.SnapshotRetain, "interval", cfg.GCInterval)
		}

		r := runner.New(sess, b, snaps, runner.NewMetrics(registry), logger)
		logger.Info("runner starting", "session_id", cfg.SessionID, "session_addr", cfg.SessionAddr)
		runErr := r.Run(ctx)

		// Shutdown. A canceled context is a clean stop; anything else is a
		// collaborator failure the supervisor should see.
		if gc != nil {
			gc.Stop()
			logger.Info("snapshot gc stopped")
		}
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "err", err)
			}
		}
		closeAll(closers, logger)

		if errors.Is(runErr, context.Canceled) {
			logger.Info("shutdown complete")
			return nil
		}
		var chainErr *runner.ChainIntegrityError
		if errors.As(runErr, &chainErr) {
			logger.Error("event chain corrupted; do not restart blindly",
				"expected", chainErr.Expected,
				"got", chainErr.Got,
			)
		}
		return runErr
	},
}

func closeAll(closers []func() error, logger *slog.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error("close error", "err", err)
		}
	}
}
