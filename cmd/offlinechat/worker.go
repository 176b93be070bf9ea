package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/offlinechat"
	"github.com/LuminPulse-AI/offlinechat/offlinecache"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerServeCmd)
	workerServeCmd.Flags().String("listen", "", "address to listen on (default: worker.listen)")
	workerServeCmd.Flags().StringSlice("preload", nil, "paths to preload after activation")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the caching worker",
}

var workerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cache engine as an intercepting proxy in front of worker.origin",
	Long: "Install and activate the cache engine, then answer requests from the cache or the origin.\n" +
		"When worker.push_secret is set, signed push deliveries are accepted at POST /push.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		listen, _ := cmd.Flags().GetString("listen")
		listen = valueOrDefault(listen, valueOrDefault(cfg.Worker.Listen, defaultWorkerListen))
		preload, _ := cmd.Flags().GetStringSlice("preload")
		interval, err := taskInterval(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, storage, err := openEngine(cfg, logger)
		if err != nil {
			return err
		}
		defer storage.Close()

		var push *offlinechat.PushReceiver
		if cfg.Worker.PushSecret != "" {
			st, err := openStores(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			push, err = offlinechat.NewPushReceiver(cfg.Worker.PushSecret,
				offlinechat.NewDesktopNotifier(st.settings, logger), logger)
			if err != nil {
				return err
			}
		}

		if err := startEngine(ctx, engine, preload, logger); err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              listen,
			Handler:           workerHandler(engine, push),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go runMaintenance(ctx, offlinecache.NewBackgroundSync(engine), interval, logger)

		errCh := make(chan error, 1)
		go func() {
			logger.Info("worker listening", "addr", listen, "origin", engine.Origin().String(), "version", engine.Version())
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("worker server: %w", err)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("worker shutdown", "error", err)
			}
		}
		engine.Wait()
		return nil
	},
}

// startEngine installs and activates the engine, then preloads paths.
// Install failures are fatal; preload failures are logged.
func startEngine(ctx context.Context, engine *offlinecache.Engine, preload []string, logger *slog.Logger) error {
	if err := engine.Install(ctx); err != nil {
		return fmt.Errorf("failed to install cache: %w", err)
	}
	deleted, err := engine.Activate(ctx)
	if err != nil {
		return fmt.Errorf("failed to activate cache: %w", err)
	}
	if len(deleted) > 0 {
		logger.Info("removed stale caches", "buckets", deleted)
	}
	if len(preload) > 0 {
		if err := engine.Preload(ctx, preload); err != nil {
			logger.Warn("preload failed", "error", err)
		}
	}
	return nil
}

// workerHandler routes /push to the receiver when present and everything
// else through the engine.
func workerHandler(engine *offlinecache.Engine, push *offlinechat.PushReceiver) http.Handler {
	mux := http.NewServeMux()
	if push != nil {
		mux.Handle("/push", push)
	}
	mux.Handle("/", engine)
	return mux
}

// runMaintenance registers cache cleanup on every tick and delivers pending
// tasks until ctx ends.
func runMaintenance(ctx context.Context, bg *offlinecache.BackgroundSync, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bg.Register(offlinecache.TagCleanupCaches)
			if err := bg.Deliver(ctx); err != nil {
				logger.Warn("background tasks failed", "pending", bg.Pending(), "error", err)
			}
		}
	}
}
