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

package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/orderintake/internal/models"
)

// PendingSource lists orders that have not reached a terminal sync state.
type PendingSource interface {
	PendingSyncOrders(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
}

// Scheduler enqueues a sync for one order.
type Scheduler interface {
	ScheduleSync(ctx context.Context, orderID string) error
}

// SweeperConfig holds the configuration for the pending-sync sweeper.
type SweeperConfig struct {
	Source    PendingSource
	Scheduler Scheduler
	Interval  time.Duration
	// Grace skips orders younger than this; their sync task is usually
	// still in flight.
	Grace     time.Duration
	BatchSize int
}

// Sweeper periodically re-schedules orders left pending, e.g. after a
// worker crash between order creation and sync enqueue.
type Sweeper struct {
	source    PendingSource
	scheduler Scheduler
	interval  time.Duration
	grace     time.Duration
	batchSize int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		source:    cfg.Source,
		scheduler: cfg.Scheduler,
		interval:  cfg.Interval,
		grace:     cfg.Grace,
		batchSize: cfg.BatchSize,
	}
}

// Sweep schedules one batch of stale pending orders and returns how many
// were scheduled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	orders, err := s.source.PendingSyncOrders(ctx, time.Now().UTC().Add(-s.grace), s.batchSize)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, o := range orders {
		if err := s.scheduler.ScheduleSync(ctx, o.ID); err != nil {
			slog.Error("sweeper: schedule sync failed", "order_id", o.ID, "error", err)
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		slog.Info("sweeper rescheduled pending orders", "count", scheduled)
	}
	return scheduled, nil
}

// Start runs Sweep at the configured interval until Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(loopCtx); err != nil {
					slog.Error("pending sync sweep failed", "error", err)
				}
			}
		}
	}()

	slog.Info("pending sync sweeper started", "interval", s.interval, "grace", s.grace)
}

// Stop shuts down the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
