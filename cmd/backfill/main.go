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

// Order intake: historical mailbox backfill
//
// Standalone CLI tool that submits messages received within a lookback
// window from the configured IMAP folder. The messages are queued on Redis
// for the server's workers. Intended for seeding data on new deployments.
//
// Usage:
//
//	go run ./cmd/backfill/ [--since 168h] [--folder INBOX] [--include-seen]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bcem/orderintake/internal/app"
	"github.com/bcem/orderintake/internal/config"
	"github.com/bcem/orderintake/internal/mailbox"
)

func main() {
	app.SetupLogging(slog.LevelInfo)

	// --- CLI Flags ---
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	folderFlag := flag.String("folder", "", "IMAP folder (default: IMAP_FOLDER or INBOX)")
	includeSeen := flag.Bool("include-seen", false, "Also submit messages already marked as read")
	delayFlag := flag.Duration("item-delay", 0, "Delay between messages (default: IMAP_ITEM_DELAY)")
	flag.Parse()

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel)

	if *folderFlag != "" {
		cfg.IMAP.Folder = *folderFlag
	}
	if *delayFlag > 0 {
		cfg.IMAP.ItemDelay = *delayFlag
	}
	if !cfg.IMAP.Enabled() {
		slog.Error("IMAP_ADDR is required for a mailbox backfill")
		os.Exit(1)
	}
	if cfg.RedisURL == "" {
		slog.Error("REDIS_URL is required so the server's workers receive the backfilled messages")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	slog.Info("starting mailbox backfill",
		"folder", cfg.IMAP.Folder,
		"since", sinceDuration,
		"include_seen", *includeSeen,
	)

	result, err := a.Poller().Backfill(ctx, mailbox.BackfillRequest{
		Since:       sinceDuration,
		IncludeSeen: *includeSeen,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"found", result.Found,
		"submitted", result.Submitted,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)

	if result.Errors > 0 {
		os.Exit(2)
	}
}
