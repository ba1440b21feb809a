// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Order intake: operator CLI
//
// Administrative commands against the configured store and queue.
//
// Usage:
//
//	go run ./cmd/orderctl/ stats
//	go run ./cmd/orderctl/ show <tracking-key>
//	go run ./cmd/orderctl/ reprocess <tracking-key>
//	go run ./cmd/orderctl/ convert <tracking-key>
//	go run ./cmd/orderctl/ resync <order-id> [--force] [--now]
//	go run ./cmd/orderctl/ check
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bcem/orderintake/internal/app"
	"github.com/bcem/orderintake/internal/config"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "orderctl",
	Short:        "Operate the order intake pipeline",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// withApp loads configuration and wires the application around run.
func withApp(run func(cmd *cobra.Command, args []string, a *app.App) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if cfg.DatabaseURL == "" {
			slog.Warn("DATABASE_URL not set, commands run against an empty in-memory store")
		}

		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return run(cmd, args, a)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	resyncCmd.Flags().Bool("force", false, "Re-create the order in targets that already hold it")
	resyncCmd.Flags().Bool("now", false, "Sync inline instead of queueing")

	rootCmd.AddCommand(statsCmd, showCmd, reprocessCmd, convertCmd, resyncCmd, checkCmd)
}
