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

// Package store persists messages, attachments and orders. Postgres is the
// production backend; Memory backs tests and single-process development runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bcem/orderintake/internal/models"
)

// ErrNotFound is returned when no record matches the requested key.
var ErrNotFound = errors.New("not found")

// Store is the full persistence surface. Consumers declare the narrower
// subsets they need.
type Store interface {
	// UpsertMessage inserts m keyed by its tracking key, or updates the
	// content fields of the existing record. Status and error log are never
	// touched on update. The stored record is returned along with whether
	// it was newly created.
	UpsertMessage(ctx context.Context, m models.Message) (*models.Message, bool, error)
	GetMessage(ctx context.Context, trackingKey string) (*models.Message, error)
	ListMessages(ctx context.Context, f models.MessageFilter, p models.Page) ([]models.Message, int, error)
	// UpdateMessage writes the derived and lifecycle fields of m.
	UpdateMessage(ctx context.Context, m *models.Message) error
	// ClaimMessage moves the message from status from to status to only if
	// it is still in from. It reports whether this caller made the move.
	ClaimMessage(ctx context.Context, trackingKey string, from, to models.MessageStatus) (bool, error)
	AppendMessageError(ctx context.Context, trackingKey string, e models.ErrorEntry) error
	// DeleteMessage removes the message with its attachments and orders.
	DeleteMessage(ctx context.Context, trackingKey string) error
	MessageStats(ctx context.Context) (models.MessageStats, error)

	CreateAttachment(ctx context.Context, a *models.Attachment) error
	UpdateAttachment(ctx context.Context, a *models.Attachment) error
	ListAttachments(ctx context.Context, trackingKey string) ([]models.Attachment, error)
	DeleteAttachments(ctx context.Context, trackingKey string) (int, error)

	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, f models.OrderFilter, p models.Page) ([]models.Order, int, error)
	OrdersForMessage(ctx context.Context, messageID string) ([]models.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	DeleteOrdersForMessage(ctx context.Context, messageID string) (int, error)
	// SaveSyncState records the per-target state and the order's aggregate.
	SaveSyncState(ctx context.Context, orderID string, st models.SyncState, aggregate models.SyncStatus) error
	// PendingSyncOrders returns orders still pending sync that were created
	// before the cutoff, oldest first.
	PendingSyncOrders(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
	OrderStats(ctx context.Context) (models.OrderStats, error)

	Ping(ctx context.Context) error
	Close()
}
