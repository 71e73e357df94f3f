package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/user/gossipmill/internal/api"
	"github.com/user/gossipmill/internal/delivery"
	"github.com/user/gossipmill/internal/gateway"
	"github.com/user/gossipmill/internal/scheduler"
	"github.com/user/gossipmill/internal/state"
	"github.com/user/gossipmill/internal/telegram"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gossipmill daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "gossipmill.pid")
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

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	a, err := newApp(cfg, gateway.DefaultPacing())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.gateway.Start(ctx)
	defer a.gateway.Stop()

	g, gctx := errgroup.WithContext(ctx)

	// Delivery registry
	deliveryReg := delivery.NewRegistry()
	var targets []string

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, a.gateway, a.artifacts)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		g.Go(func() error {
			adapter.Start(gctx)
			return nil
		})
		slog.Info("telegram adapter started")

		deliveryReg.Register(telegram.TargetPrefix, adapter.Deliver)
		for _, chatID := range cfg.Telegram.NotifyChats {
			targets = append(targets, telegram.TargetPrefix+strconv.FormatInt(chatID, 10))
		}
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	notifier := delivery.NewNotifier(a.bus, deliveryReg, a.artifacts, targets)
	notifier.IncludeSimulated = cfg.Telegram.NotifySimulated
	g.Go(func() error { return notifier.Run(gctx) })

	// Artifact watcher
	watcher := state.NewWatcher(a.artifacts, a.bus, state.DefaultWatchInterval)
	g.Go(func() error { return watcher.Run(gctx) })

	// Scheduler
	sched := scheduler.New(a.tasks, func(ctx context.Context, task *state.Task) {
		out, err := a.gateway.RunTask(ctx, task)
		if err != nil {
			slog.Error("scheduled task failed", "task", task.Name, "error", err)
			return
		}
		slog.Info("scheduled task done", "task", task.Name, "run_id", out.RunID,
			"file", out.File, "simulated", out.Simulated)
	})
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})

	// HTTP server
	srv := api.NewServer(api.Config{
		PublicDir:    cfg.PublicDir,
		PromptSource: cfg.PromptSource,
	}, a.gateway, a.bus, a.artifacts, a.tasks, a.engine, a.rng)
	httpServer := srv.NewHTTPServer(gctx, cfg.HTTP.Listen)
	g.Go(func() error {
		slog.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("gossipmill started",
		"data_dir", cfg.DataDir,
		"out_dir", cfg.OutDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"simulate_only", a.gateway.SimulateOnly(),
		"prompt_source", cfg.PromptSource,
		"model", cfg.Replicate.Model,
		"pid_file", pidPath,
	)

	waitForSignal(gctx, cfg.DataDir, pidPath)
	cancel()
	return g.Wait()
}

// waitForSignal blocks until SIGINT, SIGTERM, or a component failure.
// SIGHUP re-executes the binary in place.
func waitForSignal(ctx context.Context, dataDir, pidPath string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		var sig os.Signal
		select {
		case <-ctx.Done():
			return
		case sig = <-sigChan:
		}
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
				if _, writeErr := writePIDFile(dataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return
	}
}
