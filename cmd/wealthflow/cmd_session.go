package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/wealthflow/internal/state"
	"github.com/user/wealthflow/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect persisted session snapshots",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := state.NewFileStore(cfg.DataDir)

		entries, err := store.List()
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No snapshots found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSTAGE\tSESSION\tSAVED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.Key,
				e.Snapshot.Stage,
				e.Snapshot.SessionID,
				e.ModTime.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <key|all>",
	Short: "Clear a snapshot or all snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := state.NewFileStore(cfg.DataDir)
		ctx := context.Background()

		if args[0] == "all" {
			entries, err := store.List()
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			for _, e := range entries {
				if err := store.Clear(ctx, e.Key); err != nil {
					return fmt.Errorf("clear snapshot %s: %w", e.Key, err)
				}
			}
			fmt.Fprintf(os.Stdout, "Cleared %d snapshot(s).\n", len(entries))
			return nil
		}

		if err := store.Clear(ctx, types.UserKey(args[0])); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Snapshot %s cleared.\n", args[0])
		return nil
	},
}
