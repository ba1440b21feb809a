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

// Order intake service
//
// Entry point for the long-running service. It:
//  1. Loads configuration from config.yaml, .env and the environment
//  2. Connects to PostgreSQL and Redis (in-memory fallbacks when unset)
//  3. Starts the task workers that drive messages through the pipeline
//  4. Starts the pending-sync sweeper and, when configured, the IMAP poller
//  5. Serves the inbound webhook, admin API and health check
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bcem/orderintake/internal/api"
	"github.com/bcem/orderintake/internal/app"
	"github.com/bcem/orderintake/internal/config"
)

func main() {
	app.SetupLogging(slog.LevelInfo)

	slog.Info("starting order intake service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel)

	flush := app.InitSentry(cfg)
	defer flush()

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"workers", cfg.Workers,
		"imap", cfg.IMAP.Enabled(),
		"sweep_interval", cfg.Sync.SweepInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		os.Exit(1)
	}

	// --- Workers and background loops ---
	a.Runner.Start(ctx)
	a.Sweeper.Start(ctx)

	var pollers sync.WaitGroup
	if p := a.Poller(); p != nil {
		pollers.Add(1)
		go func() {
			defer pollers.Done()
			p.Run(ctx)
		}()
	}

	// --- HTTP ---
	ready, err := api.Serve(ctx, cfg.Port, a.Router())
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("order intake service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop all background goroutines

	pollers.Wait()
	a.Sweeper.Stop()
	a.Runner.Stop()
	a.Close()

	slog.Info("order intake service stopped")
}
