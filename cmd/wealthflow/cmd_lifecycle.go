package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
}

// readPID locates the running daemon through the wealthflow.pid file in the
// data directory and confirms the process is alive with a zero signal.
func readPID() (int, error) {
	cfg := loadConfig()
	pidPath := filepath.Join(cfg.DataDir, "wealthflow.pid")

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("wealthflow is not running (no PID file at %s)", pidPath)
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", pidPath, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("wealthflow is not running (stale PID file for process %d)", pid)
	}

	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the wealthflow daemon",
	Long: `Stop the wealthflow daemon.

Stopping is safe at any point: session snapshots are written on every stage
transition, so in-flight assessments resume from their last stage on the
next start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID()
		if err != nil {
			return err
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}

		// Wait briefly so "stop" reports an outcome, not just a signal.
		for i := 0; i < 50; i++ {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				fmt.Fprintf(os.Stdout, "wealthflow stopped (was PID %d).\n", pid)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprintf(os.Stdout, "wealthflow (PID %d) is still shutting down.\n", pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the wealthflow daemon in place",
	Long: `Restart the wealthflow daemon in place.

The daemon re-execs itself on SIGHUP, picking up config file changes.
Active sessions are restored from their snapshots and their event stream
subscriptions reattach on the next request.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID()
		if err != nil {
			return err
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("send SIGHUP: %w", err)
		}

		fmt.Fprintf(os.Stdout, "wealthflow (PID %d) restarting.\n", pid)
		return nil
	},
}
