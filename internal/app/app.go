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

// Package app wires the service's components from configuration. It is
// shared by the server, backfill and operator binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/orderintake/internal/api"
	"github.com/bcem/orderintake/internal/attachment"
	"github.com/bcem/orderintake/internal/blobstore"
	"github.com/bcem/orderintake/internal/config"
	"github.com/bcem/orderintake/internal/crm"
	"github.com/bcem/orderintake/internal/dedup"
	"github.com/bcem/orderintake/internal/erp"
	"github.com/bcem/orderintake/internal/extraction"
	"github.com/bcem/orderintake/internal/mailbox"
	"github.com/bcem/orderintake/internal/order"
	"github.com/bcem/orderintake/internal/pipeline"
	"github.com/bcem/orderintake/internal/queue"
	"github.com/bcem/orderintake/internal/store"
	"github.com/bcem/orderintake/internal/syncer"
	"github.com/bcem/orderintake/internal/textract"
	"github.com/bcem/orderintake/internal/webhook"
)

const localQueueSize = 1024

// App holds the wired components.
type App struct {
	Config       *config.Config
	Store        store.Store
	Queue        queue.Queue
	Coordinator  *pipeline.Coordinator
	Runner       *queue.Runner
	Orchestrator *syncer.Orchestrator
	Sweeper      *syncer.Sweeper
	CRM          *crm.Client
	ERP          *erp.Client

	rdb   *redis.Client
	local *queue.Local
}

// SetupLogging installs a JSON slog handler as the process default.
func SetupLogging(level slog.Level) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

// InitSentry enables error reporting when a DSN is configured. The returned
// func flushes buffered events and is safe to call either way.
func InitSentry(cfg *config.Config) func() {
	if cfg.SentryDSN == "" {
		return func() {}
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Env,
	})
	if err != nil {
		slog.Warn("sentry disabled", "error", err)
		return func() {}
	}
	slog.Info("sentry error reporting enabled")
	return func() { sentry.Flush(2 * time.Second) }
}

// New connects to the configured backends and builds the pipeline.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	// --- Store ---
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("create Postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		pg, err := store.NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.Store = pg
		slog.Info("connected to PostgreSQL")
	} else {
		a.Store = store.NewMemory()
		slog.Warn("DATABASE_URL not set, using in-memory store")
	}

	// --- Queue ---
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opt)
		q := queue.NewRedis(a.rdb, cfg.TasksQueue)
		if err := q.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to Redis: %w", err)
		}
		a.Queue = q
		slog.Info("connected to Redis", "queue", cfg.TasksQueue)
	} else {
		a.local = queue.NewLocal(localQueueSize)
		a.Queue = a.local
		slog.Warn("REDIS_URL not set, using in-process queue")
	}

	// --- Attachment blobs ---
	var blobs blobstore.Store
	if cfg.Supabase.Enabled() {
		blobs = blobstore.NewSupabase(cfg.Supabase.URL, cfg.Supabase.ServiceKey, cfg.Supabase.Bucket)
	} else {
		dir, err := blobstore.NewDir(cfg.BlobDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		blobs = dir
	}

	// --- Extraction ---
	var completer extraction.Completer
	if cfg.OpenAI.APIKey != "" {
		completer = extraction.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	} else {
		slog.Warn("OPENAI_API_KEY not set, order extraction will fail")
	}
	extractor := extraction.NewClient(extraction.ClientConfig{
		Completer:  completer,
		Models:     cfg.OpenAI.Models,
		MaxRetries: cfg.OpenAI.MaxRetries,
	})

	// --- External targets ---
	a.CRM = crm.New(crm.Config{
		LoginURL:           cfg.Salesforce.LoginURL,
		ClientID:           cfg.Salesforce.ClientID,
		ClientSecret:       cfg.Salesforce.ClientSecret,
		Username:           cfg.Salesforce.Username,
		Password:           cfg.Salesforce.Password,
		SecurityToken:      cfg.Salesforce.SecurityToken,
		APIVersion:         cfg.Salesforce.APIVersion,
		GenericProductCode: cfg.Salesforce.GenericProductCode,
	})
	a.ERP = erp.New(erp.Config{
		TenantID:     cfg.BusinessCentral.TenantID,
		ClientID:     cfg.BusinessCentral.ClientID,
		ClientSecret: cfg.BusinessCentral.ClientSecret,
		Environment:  cfg.BusinessCentral.Environment,
		CompanyID:    cfg.BusinessCentral.CompanyID,
		GLAccount:    cfg.BusinessCentral.GLAccount,
	})
	a.Orchestrator = syncer.New(syncer.Config{
		Store:       a.Store,
		Targets:     []syncer.Target{a.CRM, a.ERP},
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseDelay:   cfg.Sync.BaseDelay,
		MaxDelay:    cfg.Sync.MaxDelay,
	})
	slog.Info("sync targets configured",
		"salesforce", a.CRM.Enabled(),
		"business_central", a.ERP.Enabled(),
	)

	// --- Pipeline ---
	a.Coordinator = pipeline.New(pipeline.Config{
		Store:       a.Store,
		Queue:       a.Queue,
		Attachments: attachment.NewProcessor(a.Store, textract.New(), blobs),
		Syncer:      a.Orchestrator,
		SpoolDir:    cfg.SpoolDir,
	})
	a.Coordinator.SetOrders(order.NewMaterializer(a.Store, extractor, a.Coordinator))

	a.Runner = queue.NewRunner(queue.RunnerConfig{
		Queue:      a.Queue,
		Workers:    cfg.Workers,
		RetryDelay: 5 * time.Second,
		OnFailure:  a.taskFailed,
	})
	a.Coordinator.Register(a.Runner)

	a.Sweeper = syncer.NewSweeper(syncer.SweeperConfig{
		Source:    a.Store,
		Scheduler: a.Coordinator,
		Interval:  cfg.Sync.SweepInterval,
		Grace:     cfg.Sync.SweepGrace,
	})

	return a, nil
}

// taskFailed records a task that exhausted its attempts and reports it.
func (a *App) taskFailed(t queue.Task, err error) {
	a.Coordinator.TaskFailed(t, err)
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("task_kind", string(t.Kind))
		scope.SetExtra("task_id", t.ID)
		scope.SetExtra("attempt", t.Attempt)
		sentry.CaptureException(err)
	})
}

// Router builds the HTTP surface: health, inbound webhook and admin API.
func (a *App) Router() http.Handler {
	hook := webhook.NewHandler(webhook.HandlerConfig{
		Submitter:   a.Coordinator,
		MaxFileSize: a.Config.MaxFileSize,
		MaxFiles:    a.Config.MaxFiles,
	})
	return api.NewRouter(api.Deps{
		Store:    a.Store,
		Operator: a.Coordinator,
		Webhook:  http.HandlerFunc(hook.ServeEmail),
		Token:    a.Config.APIToken,
		Health:   map[string]api.Pinger{"queue": a.Queue},
	})
}

// Poller builds the mailbox poller, or returns nil when IMAP is not
// configured.
func (a *App) Poller() *mailbox.Poller {
	cfg := a.Config.IMAP
	if !cfg.Enabled() {
		return nil
	}
	pc := mailbox.PollerConfig{
		Connect: func(ctx context.Context) (mailbox.Source, error) {
			return mailbox.DialIMAP(mailbox.IMAPConfig{
				Addr:     cfg.Addr,
				Username: cfg.Username,
				Password: cfg.Password,
				Folder:   cfg.Folder,
				Insecure: cfg.Insecure,
			})
		},
		Submitter:   a.Coordinator,
		Interval:    cfg.Interval,
		ItemDelay:   cfg.ItemDelay,
		MaxFileSize: a.Config.MaxFileSize,
	}
	if a.rdb != nil {
		pc.Dedup = dedup.NewFilter(a.rdb, cfg.DedupTTL)
	}
	return mailbox.NewPoller(pc)
}

// Close releases backend connections.
func (a *App) Close() {
	if a.local != nil {
		a.local.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			slog.Debug("redis close failed", "error", err)
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
