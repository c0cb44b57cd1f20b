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

	"github.com/user/wealthflow/internal/assessment"
	"github.com/user/wealthflow/internal/client"
	"github.com/user/wealthflow/internal/httpapi"
	"github.com/user/wealthflow/internal/janitor"
	"github.com/user/wealthflow/internal/state"
	"github.com/user/wealthflow/internal/stream"
	"github.com/user/wealthflow/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the wealthflow daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "wealthflow.pid")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Snapshot store
	var snapshots types.SnapshotStore
	var fileStore *state.FileStore
	switch cfg.Snapshot.Backend {
	case "redis":
		ttl := time.Duration(cfg.Snapshot.TTLHours) * time.Hour
		redisStore, err := state.NewRedisStore(ctx, cfg.Snapshot.RedisURL, ttl)
		if err != nil {
			return fmt.Errorf("create redis snapshot store: %w", err)
		}
		defer redisStore.Close()
		snapshots = redisStore
	default:
		fileStore = state.NewFileStore(cfg.DataDir)
		snapshots = fileStore
	}

	// Upstream client
	upstream := client.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)

	// Resume checker
	resume := assessment.NewResumeChecker(upstream,
		time.Duration(cfg.Resume.TimeoutSeconds)*time.Second)

	// Push-channel subscriber: one stream consumer per live session.
	subscriber := func(ctx context.Context, sessionID types.SessionID, ctrl *assessment.Controller) {
		consumer, err := stream.New(cfg.Upstream.StreamURL, sessionID, ctrl)
		if err != nil {
			slog.Error("create stream consumer failed", "session_id", string(sessionID), "error", err)
			return
		}
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("stream consumer stopped", "session_id", string(sessionID), "error", err)
		}
	}

	// Controller manager
	manager := assessment.NewManager(snapshots, upstream, int64(cfg.MaxConcurrent),
		assessment.WithResumeChecker(resume),
		assessment.WithSubscriber(subscriber),
	)
	manager.Start(ctx)
	defer manager.Stop()

	slog.Info("wealthflow started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"snapshot_backend", cfg.Snapshot.Backend,
		"upstream", cfg.Upstream.BaseURL,
		"pid_file", pidPath,
	)

	// Janitor (file backend only; the Redis backend expires snapshots by TTL)
	if fileStore != nil {
		jan := janitor.New(fileStore, cfg.Janitor.Schedule,
			time.Duration(cfg.Janitor.MaxAgeHours)*time.Hour)
		if err := jan.Start(); err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
		defer jan.Stop()
	}

	// HTTP API server
	if cfg.HTTP.Enabled {
		apiSrv := httpapi.NewServer(manager)
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: apiSrv,
		}
		go func() {
			slog.Info("api server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("api server error", "error", err)
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
