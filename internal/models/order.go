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

package models

import (
	"encoding/json"
	"math"
	"time"
)

// AmountTolerance is the largest difference at which two monetary amounts
// are considered equal.
const AmountTolerance = 0.01

// OrderStatus is the business lifecycle of a materialized order.
type OrderStatus string

const (
	OrderDraft      OrderStatus = "draft"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// SyncStatus tracks whether an order has been pushed to an external system.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
	SyncSkipped SyncStatus = "skipped"
)

// Customer is the buyer sub-record of an order. Empty strings mean unknown.
type Customer struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	Company string `json:"company,omitempty"`
}

// DisplayName is the name external systems should file the customer under.
func (c Customer) DisplayName() string {
	switch {
	case c.Company != "":
		return c.Company
	case c.Name != "":
		return c.Name
	default:
		return "Unknown Customer"
	}
}

// LineItem is one row of an order.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TotalPrice  float64 `json:"total_price"`
	SKU         string  `json:"sku,omitempty"`
}

// SyncState is the per-target synchronisation record of an order.
type SyncState struct {
	Target         string     `json:"target"`
	Status         SyncStatus `json:"status"`
	ExternalID     string     `json:"external_id,omitempty"`
	ExternalNumber string     `json:"external_number,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Attempts       int        `json:"attempts"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Order is a persisted commercial order materialized from a message.
type Order struct {
	ID               string          `json:"id"`
	MessageID        string          `json:"message_id"`
	TrackingKey      string          `json:"tracking_key"`
	ExtractedOrderID string          `json:"extracted_order_id,omitempty"`
	Customer         Customer        `json:"customer"`
	Items            []LineItem      `json:"items"`
	TotalAmount      float64         `json:"total_amount"`
	Currency         string          `json:"currency"`
	OrderDate        time.Time       `json:"order_date"`
	Status           OrderStatus     `json:"status"`
	Confidence       float64         `json:"confidence"`
	RawExtraction    json.RawMessage `json:"raw_extraction,omitempty"`
	SyncStatus       SyncStatus      `json:"sync_status"`
	Sync             []SyncState     `json:"sync"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SyncFor returns the sync record for target, or a pending record if the
// order has never been offered to it.
func (o *Order) SyncFor(target string) SyncState {
	for _, s := range o.Sync {
		if s.Target == target {
			return s
		}
	}
	return SyncState{Target: target, Status: SyncPending}
}

// SetSync replaces (or adds) the record for st.Target and recomputes the
// aggregate sync status.
func (o *Order) SetSync(st SyncState) {
	replaced := false
	for i := range o.Sync {
		if o.Sync[i].Target == st.Target {
			o.Sync[i] = st
			replaced = true
			break
		}
	}
	if !replaced {
		o.Sync = append(o.Sync, st)
	}
	o.SyncStatus = AggregateSyncStatus(o.Sync)
}

// ItemsTotal is the sum of the line totals.
func (o *Order) ItemsTotal() float64 {
	var sum float64
	for _, it := range o.Items {
		sum += it.TotalPrice
	}
	return RoundAmount(sum)
}

// AggregateSyncStatus folds per-target states into one order-level status:
// any failure wins, then any pending, then any synced; otherwise skipped.
func AggregateSyncStatus(states []SyncState) SyncStatus {
	if len(states) == 0 {
		return SyncPending
	}
	var pending, synced bool
	for _, s := range states {
		switch s.Status {
		case SyncFailed:
			return SyncFailed
		case SyncPending:
			pending = true
		case SyncSynced:
			synced = true
		}
	}
	switch {
	case pending:
		return SyncPending
	case synced:
		return SyncSynced
	default:
		return SyncSkipped
	}
}

// RoundAmount rounds to cents.
func RoundAmount(v float64) float64 {
	return math.Round(v*100) / 100
}

// OrderFilter narrows an order listing. Zero values match everything.
type OrderFilter struct {
	Status     OrderStatus
	SyncStatus SyncStatus
	MessageID  string
}

// OrderStats aggregates orders by sync status and value.
type OrderStats struct {
	Total         int     `json:"total_orders"`
	Synced        int     `json:"synced_orders"`
	Pending       int     `json:"pending_sync"`
	Failed        int     `json:"failed_sync"`
	Skipped       int     `json:"skipped_sync"`
	AvgConfidence float64 `json:"avg_confidence"`
	TotalValue    float64 `json:"total_value"`
}
