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

// Package order turns extraction candidates into persisted orders.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/orderintake/internal/extraction"
	"github.com/bcem/orderintake/internal/models"
)

// AcceptThreshold is the lowest confidence at which a candidate becomes an order.
const AcceptThreshold = 0.2

// Store is the subset of the store the materializer uses.
type Store interface {
	OrdersForMessage(ctx context.Context, messageID string) ([]models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	DeleteOrdersForMessage(ctx context.Context, messageID string) (int, error)
}

// Extractor returns candidates for free text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]extraction.Candidate, error)
}

// Scheduler queues the external sync of a new order.
type Scheduler interface {
	ScheduleSync(ctx context.Context, orderID string) error
}

// Materializer creates orders from messages.
type Materializer struct {
	store     Store
	extractor Extractor
	scheduler Scheduler
	now       func() time.Time
}

// NewMaterializer creates a Materializer. scheduler may be nil, in which
// case new orders stay pending until the sync sweeper finds them.
func NewMaterializer(store Store, extractor Extractor, scheduler Scheduler) *Materializer {
	return &Materializer{
		store:     store,
		extractor: extractor,
		scheduler: scheduler,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Materialize extracts and persists the orders of msg. If the message
// already has orders no extraction is attempted and those are returned.
// Extraction errors are returned unchanged in the chain; an empty result
// with a nil error means no order was found.
func (m *Materializer) Materialize(ctx context.Context, msg *models.Message, docs []extraction.Document) ([]models.Order, error) {
	existing, err := m.store.OrdersForMessage(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("load existing orders: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("orders already exist for message, skipping extraction",
			"tracking_key", msg.TrackingKey,
			"orders", len(existing),
		)
		return existing, nil
	}

	cands, err := m.extractor.Extract(ctx, extraction.BuildInput(msg.Body, docs))
	if err != nil {
		return nil, fmt.Errorf("extract orders: %w", err)
	}

	accepted := Accept(cands)
	if len(accepted) == 0 {
		slog.Info("no order detected",
			"tracking_key", msg.TrackingKey,
			"candidates", len(cands),
		)
		return nil, nil
	}

	orders := make([]models.Order, 0, len(accepted))
	for _, c := range accepted {
		o := FromCandidate(msg, c, m.now())
		if err := m.store.CreateOrder(ctx, &o); err != nil {
			m.rollback(ctx, msg, len(orders))
			return nil, fmt.Errorf("save order %d of %d: %w", len(orders)+1, len(accepted), err)
		}
		slog.Info("order materialized",
			"tracking_key", msg.TrackingKey,
			"order_id", o.ID,
			"items", len(o.Items),
			"total", o.TotalAmount,
			"confidence", o.Confidence,
		)
		orders = append(orders, o)
	}
	for _, o := range orders {
		m.schedule(ctx, o.ID)
	}
	return orders, nil
}

// rollback removes the orders saved before a failed save, so that a later
// run extracts the message again instead of keeping a partial set.
func (m *Materializer) rollback(ctx context.Context, msg *models.Message, saved int) {
	if saved == 0 {
		return
	}
	n, err := m.store.DeleteOrdersForMessage(context.WithoutCancel(ctx), msg.ID)
	if err != nil {
		slog.Error("failed to remove partially saved orders",
			"tracking_key", msg.TrackingKey,
			"saved", saved,
			"error", err,
		)
		return
	}
	slog.Warn("removed partially saved orders", "tracking_key", msg.TrackingKey, "deleted", n)
}

// Reprocess discards the message's orders and extracts again.
func (m *Materializer) Reprocess(ctx context.Context, msg *models.Message, docs []extraction.Document) ([]models.Order, error) {
	n, err := m.store.DeleteOrdersForMessage(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("delete previous orders: %w", err)
	}
	slog.Info("reprocessing message", "tracking_key", msg.TrackingKey, "deleted_orders", n)
	return m.Materialize(ctx, msg, docs)
}

// Convert creates a placeholder single-line order for msg without asking
// the model. Operators fill in the details afterwards.
func (m *Materializer) Convert(ctx context.Context, msg *models.Message) (*models.Order, error) {
	name := msg.SenderName
	if name == "" {
		name = "Manual Customer"
	}
	raw, err := json.Marshal(map[string]string{
		"source":       "manual_conversion",
		"originalBody": msg.Body,
	})
	if err != nil {
		return nil, err
	}

	now := m.now()
	o := models.Order{
		MessageID:   msg.ID,
		TrackingKey: msg.TrackingKey,
		Customer:    models.Customer{Name: name, Email: msg.From},
		Items: []models.LineItem{{
			Description: "Manually Identified Order",
			Quantity:    1,
		}},
		Currency:      defaultCurrency,
		OrderDate:     orderDate("", msg, now),
		Status:        models.OrderDraft,
		Confidence:    1.0,
		RawExtraction: raw,
		SyncStatus:    models.SyncPending,
	}
	if err := m.store.CreateOrder(ctx, &o); err != nil {
		return nil, fmt.Errorf("save manual order: %w", err)
	}
	slog.Info("message converted to order manually", "tracking_key", msg.TrackingKey, "order_id", o.ID)
	m.schedule(ctx, o.ID)
	return &o, nil
}

func (m *Materializer) schedule(ctx context.Context, orderID string) {
	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.ScheduleSync(ctx, orderID); err != nil {
		slog.Error("failed to schedule order sync", "order_id", orderID, "error", err)
	}
}

// Accept keeps candidates at or above AcceptThreshold.
func Accept(cands []extraction.Candidate) []extraction.Candidate {
	var out []extraction.Candidate
	for _, c := range cands {
		if c.Score() >= AcceptThreshold {
			out = append(out, c)
			continue
		}
		slog.Debug("candidate below threshold", "confidence", c.Score())
	}
	return out
}
