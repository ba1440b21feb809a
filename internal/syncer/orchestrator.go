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

// Package syncer pushes materialized orders into external business systems
// (CRM, ERP) and tracks the per-target outcome on the order.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/orderintake/internal/models"
)

// LineRef selects what an order line is booked against in the target.
type LineRef int

const (
	// RefCatalog books the line against a catalog item or product.
	RefCatalog LineRef = iota
	// RefLedger books the line against a generic ledger account.
	RefLedger
)

func (r LineRef) String() string {
	if r == RefLedger {
		return "ledger"
	}
	return "catalog"
}

// ExternalRef identifies a record created in a target system.
type ExternalRef struct {
	ID     string
	Number string
}

// Target is one external system.
type Target interface {
	Name() string
	Enabled() bool
	// UpsertCustomer finds the customer by display name (and email where
	// the target supports it) or creates it, returning its id.
	UpsertCustomer(ctx context.Context, c models.Customer) (string, error)
	// CreateOrderHeader creates the order referencing the tracking key.
	CreateOrderHeader(ctx context.Context, o *models.Order, customerID string) (ExternalRef, error)
	CreateOrderLine(ctx context.Context, header ExternalRef, line models.LineItem, ref LineRef) error
}

// Store is the subset of the store the orchestrator uses.
type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	SaveSyncState(ctx context.Context, orderID string, st models.SyncState, aggregate models.SyncStatus) error
}

// Config holds the parameters for New.
type Config struct {
	Store   Store
	Targets []Target
	// MaxAttempts bounds the whole customer/header/lines workflow per target.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Orchestrator syncs orders to every configured target.
type Orchestrator struct {
	store       Store
	targets     []Target
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Orchestrator{
		store:       cfg.Store,
		targets:     cfg.Targets,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		sleep:       cfg.Sleep,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Targets returns the configured targets.
func (o *Orchestrator) Targets() []Target {
	return o.targets
}

// Sync pushes the order to every target and persists each outcome. Targets
// are independent: a failure on one does not stop the others. The returned
// error joins the per-target failures; the order's sync state has already
// been recorded when it is returned.
func (o *Orchestrator) Sync(ctx context.Context, orderID string, force bool) (*models.Order, error) {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}

	var errs []error
	for _, t := range o.targets {
		st, err := o.syncTarget(ctx, order, t, force)
		order.SetSync(st)
		if serr := o.store.SaveSyncState(context.WithoutCancel(ctx), order.ID, st, order.SyncStatus); serr != nil {
			errs = append(errs, fmt.Errorf("save %s sync state: %w", t.Name(), serr))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return order, errors.Join(errs...)
}

// syncTarget runs the workflow against one target with retries.
func (o *Orchestrator) syncTarget(ctx context.Context, order *models.Order, t Target, force bool) (models.SyncState, error) {
	name := t.Name()
	current := order.SyncFor(name)

	if !t.Enabled() {
		slog.Debug("sync target disabled, skipping", "target", name, "order_id", order.ID)
		return models.SyncState{Target: name, Status: models.SyncSkipped}, nil
	}

	if current.Status == models.SyncSynced && current.ExternalID != "" && !force {
		slog.Info("order already synced", "target", name, "order_id", order.ID, "external_id", current.ExternalID)
		return current, nil
	}

	var lastErr error
	made := 0
	delay := o.baseDelay
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		made = attempt
		ref, lineErrs, err := o.attempt(ctx, order, t)
		if err == nil {
			now := o.now()
			st := models.SyncState{
				Target:         name,
				Status:         models.SyncSynced,
				ExternalID:     ref.ID,
				ExternalNumber: ref.Number,
				Attempts:       attempt,
				SyncedAt:       &now,
			}
			if lineErrs > 0 {
				st.LastError = fmt.Sprintf("%d of %d lines could not be created", lineErrs, len(order.Items))
			}
			slog.Info("order synced",
				"target", name,
				"order_id", order.ID,
				"external_id", ref.ID,
				"external_number", ref.Number,
				"attempts", attempt,
				"failed_lines", lineErrs,
			)
			return st, nil
		}

		lastErr = err
		slog.Warn("order sync attempt failed",
			"target", name,
			"order_id", order.ID,
			"attempt", attempt,
			"max_attempts", o.maxAttempts,
			"error", err,
		)
		if attempt == o.maxAttempts || ctx.Err() != nil {
			break
		}
		if err := o.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay *= 2
		if delay > o.maxDelay {
			delay = o.maxDelay
		}
	}

	return models.SyncState{
		Target:    name,
		Status:    models.SyncFailed,
		LastError: lastErr.Error(),
		Attempts:  made,
	}, lastErr
}

// attempt runs customer upsert, header creation and line creation once.
// Line failures are counted, not returned.
func (o *Orchestrator) attempt(ctx context.Context, order *models.Order, t Target) (ExternalRef, int, error) {
	customerID, err := t.UpsertCustomer(ctx, order.Customer)
	if err != nil {
		return ExternalRef{}, 0, fmt.Errorf("upsert customer: %w", err)
	}

	header, err := t.CreateOrderHeader(ctx, order, customerID)
	if err != nil {
		return ExternalRef{}, 0, fmt.Errorf("create order header: %w", err)
	}

	failed := 0
	for i, line := range order.Items {
		err := t.CreateOrderLine(ctx, header, line, RefCatalog)
		if err == nil {
			continue
		}
		slog.Warn("catalog line failed, retrying as ledger line",
			"target", t.Name(),
			"order_id", order.ID,
			"line", i+1,
			"error", err,
		)
		if err := t.CreateOrderLine(ctx, header, line, RefLedger); err != nil {
			slog.Error("order line failed",
				"target", t.Name(),
				"order_id", order.ID,
				"line", i+1,
				"error", err,
			)
			failed++
		}
	}
	return header, failed, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
