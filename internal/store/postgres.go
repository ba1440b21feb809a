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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/orderintake/internal/models"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a store backed by the given pool.
// It ensures the schema exists on creation.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure store schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id                    TEXT PRIMARY KEY,
			tracking_key          TEXT NOT NULL UNIQUE,
			sender                TEXT NOT NULL,
			sender_name           TEXT NOT NULL DEFAULT '',
			recipients            TEXT[] NOT NULL DEFAULT '{}',
			cc                    TEXT[] NOT NULL DEFAULT '{}',
			subject               TEXT NOT NULL,
			body                  TEXT NOT NULL DEFAULT '',
			html_body             TEXT NOT NULL DEFAULT '',
			received_at           TIMESTAMPTZ NOT NULL,
			priority              TEXT NOT NULL DEFAULT 'normal',
			analysis              JSONB NOT NULL DEFAULT '{}',
			attachment_ids        TEXT[] NOT NULL DEFAULT '{}',
			attachment_count      INT NOT NULL DEFAULT 0,
			attachments_processed INT NOT NULL DEFAULT 0,
			status                TEXT NOT NULL DEFAULT 'pending',
			errors                JSONB NOT NULL DEFAULT '[]',
			processed_at          TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
		CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at DESC);

		CREATE TABLE IF NOT EXISTS attachments (
			id                TEXT PRIMARY KEY,
			tracking_key      TEXT NOT NULL REFERENCES messages(tracking_key) ON DELETE CASCADE,
			filename          TEXT NOT NULL,
			original_name     TEXT NOT NULL DEFAULT '',
			content_type      TEXT NOT NULL DEFAULT '',
			size              BIGINT NOT NULL DEFAULT 0,
			storage_url       TEXT NOT NULL DEFAULT '',
			public_id         TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'pending',
			extracted_text    TEXT NOT NULL DEFAULT '',
			extraction_method TEXT NOT NULL DEFAULT '',
			errors            JSONB NOT NULL DEFAULT '[]',
			processed_at      TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_tracking ON attachments(tracking_key);

		CREATE TABLE IF NOT EXISTS orders (
			id                 TEXT PRIMARY KEY,
			message_id         TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			tracking_key       TEXT NOT NULL,
			extracted_order_id TEXT NOT NULL DEFAULT '',
			customer           JSONB NOT NULL DEFAULT '{}',
			items              JSONB NOT NULL DEFAULT '[]',
			total_amount       DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency           TEXT NOT NULL DEFAULT 'USD',
			order_date         TIMESTAMPTZ NOT NULL,
			status             TEXT NOT NULL DEFAULT 'draft',
			confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
			raw_extraction     JSONB,
			sync_status        TEXT NOT NULL DEFAULT 'pending',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_orders_message ON orders(message_id);
		CREATE INDEX IF NOT EXISTS idx_orders_sync ON orders(sync_status, created_at);

		CREATE TABLE IF NOT EXISTS order_syncs (
			order_id        TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			target          TEXT NOT NULL,
			status          TEXT NOT NULL,
			external_id     TEXT NOT NULL DEFAULT '',
			external_number TEXT NOT NULL DEFAULT '',
			last_error      TEXT NOT NULL DEFAULT '',
			attempts        INT NOT NULL DEFAULT 0,
			synced_at       TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (order_id, target)
		);
	`)
	return err
}

const messageColumns = `id, tracking_key, sender, sender_name, recipients, cc, subject, body,
	html_body, received_at, priority, analysis, attachment_ids, attachment_count,
	attachments_processed, status, errors, processed_at, created_at, updated_at`

// UpsertMessage inserts or updates a message keyed on tracking_key.
func (s *Postgres) UpsertMessage(ctx context.Context, m models.Message) (*models.Message, bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	analysis, err := json.Marshal(m.Analysis)
	if err != nil {
		return nil, false, fmt.Errorf("marshal analysis: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages
			(id, tracking_key, sender, sender_name, recipients, cc, subject, body, html_body,
			 received_at, priority, analysis, attachment_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tracking_key) DO UPDATE SET
			sender           = EXCLUDED.sender,
			sender_name      = EXCLUDED.sender_name,
			recipients       = EXCLUDED.recipients,
			cc               = EXCLUDED.cc,
			subject          = EXCLUDED.subject,
			body             = EXCLUDED.body,
			html_body        = EXCLUDED.html_body,
			received_at      = EXCLUDED.received_at,
			attachment_count = EXCLUDED.attachment_count,
			updated_at       = NOW()
		RETURNING `+messageColumns+`, (xmax = 0)
	`, m.ID, m.TrackingKey, m.From, m.SenderName, nonNil(m.To), nonNil(m.Cc), m.Subject, m.Body,
		m.HTMLBody, m.ReceivedAt, string(m.Priority), analysis, m.AttachmentCount, string(m.Status))

	var inserted bool
	stored, err := scanMessage(row, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert message %s: %w", m.TrackingKey, err)
	}
	return stored, inserted, nil
}

// GetMessage retrieves a message by tracking key.
func (s *Postgres) GetMessage(ctx context.Context, trackingKey string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE tracking_key = $1`, trackingKey)
	return scanMessage(row)
}

// ListMessages returns one page of messages, newest first, and the total match count.
func (s *Postgres) ListMessages(ctx context.Context, f models.MessageFilter, p models.Page) ([]models.Message, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.From != "" {
		args = append(args, f.From)
		conds = append(conds, fmt.Sprintf("sender = $%d", len(args)))
	}
	if f.Priority != "" {
		args = append(args, string(f.Priority))
		conds = append(conds, fmt.Sprintf("priority = $%d", len(args)))
	}
	where := whereClause(conds)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	p = p.Normalize()
	args = append(args, p.Limit, p.Offset())
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM messages%s
		ORDER BY received_at DESC, tracking_key
		LIMIT $%d OFFSET $%d
	`, messageColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *m)
	}
	return out, total, rows.Err()
}

// UpdateMessage writes the derived and lifecycle fields of a message.
func (s *Postgres) UpdateMessage(ctx context.Context, m *models.Message) error {
	analysis, err := json.Marshal(m.Analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET sender_name = $2, priority = $3, analysis = $4, attachment_ids = $5,
		    attachment_count = $6, attachments_processed = $7, status = $8,
		    processed_at = $9, updated_at = NOW()
		WHERE tracking_key = $1
	`, m.TrackingKey, m.SenderName, string(m.Priority), analysis, nonNil(m.AttachmentIDs),
		m.AttachmentCount, m.AttachmentsProcessed, string(m.Status), m.ProcessedAt)
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.TrackingKey, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimMessage moves a message between statuses with a conditional update,
// so concurrent workers cannot both win the same transition.
func (s *Postgres) ClaimMessage(ctx context.Context, trackingKey string, from, to models.MessageStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $3, updated_at = NOW()
		WHERE tracking_key = $1 AND status = $2
	`, trackingKey, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", trackingKey, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE tracking_key = $1)`, trackingKey,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("claim message %s: %w", trackingKey, err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// AppendMessageError appends one entry to the message error log in place.
func (s *Postgres) AppendMessageError(ctx context.Context, trackingKey string, e models.ErrorEntry) error {
	entry, err := json.Marshal([]models.ErrorEntry{e})
	if err != nil {
		return fmt.Errorf("marshal error entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET errors = errors || $2::jsonb, updated_at = NOW()
		WHERE tracking_key = $1
	`, trackingKey, entry)
	if err != nil {
		return fmt.Errorf("append message error %s: %w", trackingKey, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message; attachments and orders cascade.
func (s *Postgres) DeleteMessage(ctx context.Context, trackingKey string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE tracking_key = $1`, trackingKey)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", trackingKey, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MessageStats counts messages by status.
func (s *Postgres) MessageStats(ctx context.Context) (models.MessageStats, error) {
	var st models.MessageStats
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("message stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.Add(models.MessageStatus(status), n)
	}
	return st, rows.Err()
}

const attachmentColumns = `id, tracking_key, filename, original_name, content_type, size,
	storage_url, public_id, status, extracted_text, extraction_method, errors,
	processed_at, created_at, updated_at`

// CreateAttachment inserts a new attachment record.
func (s *Postgres) CreateAttachment(ctx context.Context, a *models.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	errs, err := json.Marshal(nonNilErrors(a.Errors))
	if err != nil {
		return fmt.Errorf("marshal attachment errors: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO attachments
			(id, tracking_key, filename, original_name, content_type, size, status, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, a.ID, a.TrackingKey, a.Filename, a.OriginalName, a.ContentType, a.Size, string(a.Status), errs,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAttachment writes the mutable fields of an attachment.
func (s *Postgres) UpdateAttachment(ctx context.Context, a *models.Attachment) error {
	errs, err := json.Marshal(nonNilErrors(a.Errors))
	if err != nil {
		return fmt.Errorf("marshal attachment errors: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		UPDATE attachments
		SET storage_url = $2, public_id = $3, status = $4, extracted_text = $5,
		    extraction_method = $6, errors = $7, processed_at = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, a.ID, a.StorageURL, a.PublicID, string(a.Status), a.ExtractedText, a.ExtractionMethod,
		errs, a.ProcessedAt).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update attachment %s: %w", a.ID, err)
	}
	return nil
}

// ListAttachments returns a message's attachments in creation order.
func (s *Postgres) ListAttachments(ctx context.Context, trackingKey string) ([]models.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE tracking_key = $1
		ORDER BY created_at, id
	`, trackingKey)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []models.Attachment
	for rows.Next() {
		var (
			a      models.Attachment
			status string
			errs   []byte
		)
		if err := rows.Scan(
			&a.ID, &a.TrackingKey, &a.Filename, &a.OriginalName, &a.ContentType, &a.Size,
			&a.StorageURL, &a.PublicID, &status, &a.ExtractedText, &a.ExtractionMethod, &errs,
			&a.ProcessedAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		a.Status = models.AttachmentStatus(status)
		if err := json.Unmarshal(errs, &a.Errors); err != nil {
			return nil, fmt.Errorf("decode attachment errors: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAttachments removes every attachment record of a message.
func (s *Postgres) DeleteAttachments(ctx context.Context, trackingKey string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM attachments WHERE tracking_key = $1`, trackingKey)
	if err != nil {
		return 0, fmt.Errorf("delete attachments %s: %w", trackingKey, err)
	}
	return int(tag.RowsAffected()), nil
}

const orderColumns = `id, message_id, tracking_key, extracted_order_id, customer, items,
	total_amount, currency, order_date, status, confidence, raw_extraction, sync_status,
	created_at, updated_at`

// CreateOrder inserts a new order. The owning message must already exist.
func (s *Postgres) CreateOrder(ctx context.Context, o *models.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.SyncStatus == "" {
		o.SyncStatus = models.SyncPending
	}
	customer, err := json.Marshal(o.Customer)
	if err != nil {
		return fmt.Errorf("marshal customer: %w", err)
	}
	items, err := json.Marshal(nonNilItems(o.Items))
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	var raw []byte
	if len(o.RawExtraction) > 0 {
		raw = o.RawExtraction
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO orders
			(id, message_id, tracking_key, extracted_order_id, customer, items, total_amount,
			 currency, order_date, status, confidence, raw_extraction, sync_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`, o.ID, o.MessageID, o.TrackingKey, o.ExtractedOrderID, customer, items, o.TotalAmount,
		o.Currency, o.OrderDate, string(o.Status), o.Confidence, raw, string(o.SyncStatus),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves one order with its per-target sync records.
func (s *Postgres) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	syncs, err := s.loadSyncs(ctx, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Sync = syncs[o.ID]
	return o, nil
}

// ListOrders returns one page of orders, newest first, and the total match count.
func (s *Postgres) ListOrders(ctx context.Context, f models.OrderFilter, p models.Page) ([]models.Order, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.SyncStatus != "" {
		args = append(args, string(f.SyncStatus))
		conds = append(conds, fmt.Sprintf("sync_status = $%d", len(args)))
	}
	if f.MessageID != "" {
		args = append(args, f.MessageID)
		conds = append(conds, fmt.Sprintf("message_id = $%d", len(args)))
	}
	where := whereClause(conds)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	p = p.Normalize()
	args = append(args, p.Limit, p.Offset())
	orders, err := s.queryOrders(ctx, fmt.Sprintf(`
		SELECT %s FROM orders%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, orderColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// OrdersForMessage returns all orders materialized from a message.
func (s *Postgres) OrdersForMessage(ctx context.Context, messageID string) ([]models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE message_id = $1
		ORDER BY created_at, id
	`, messageID)
}

// DeleteOrder removes one order; its sync records cascade.
func (s *Postgres) DeleteOrder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOrdersForMessage removes all orders of a message.
func (s *Postgres) DeleteOrdersForMessage(ctx context.Context, messageID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE message_id = $1`, messageID)
	if err != nil {
		return 0, fmt.Errorf("delete orders of message %s: %w", messageID, err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveSyncState upserts the per-target record and the order aggregate together.
func (s *Postgres) SaveSyncState(ctx context.Context, orderID string, st models.SyncState, aggregate models.SyncStatus) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET sync_status = $2, updated_at = NOW() WHERE id = $1
		`, orderID, string(aggregate))
		if err != nil {
			return fmt.Errorf("update order sync status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO order_syncs
				(order_id, target, status, external_id, external_number, last_error, attempts, synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (order_id, target) DO UPDATE SET
				status          = EXCLUDED.status,
				external_id     = EXCLUDED.external_id,
				external_number = EXCLUDED.external_number,
				last_error      = EXCLUDED.last_error,
				attempts        = EXCLUDED.attempts,
				synced_at       = EXCLUDED.synced_at,
				updated_at      = NOW()
		`, orderID, st.Target, string(st.Status), st.ExternalID, st.ExternalNumber, st.LastError,
			st.Attempts, st.SyncedAt)
		if err != nil {
			return fmt.Errorf("upsert order sync %s/%s: %w", orderID, st.Target, err)
		}
		return nil
	})
}

// PendingSyncOrders returns orders awaiting sync created before the cutoff.
func (s *Postgres) PendingSyncOrders(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE sync_status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
}

// OrderStats aggregates orders by sync status and value.
func (s *Postgres) OrderStats(ctx context.Context) (models.OrderStats, error) {
	var st models.OrderStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE sync_status = 'synced'),
		       COUNT(*) FILTER (WHERE sync_status = 'pending'),
		       COUNT(*) FILTER (WHERE sync_status = 'failed'),
		       COUNT(*) FILTER (WHERE sync_status = 'skipped'),
		       COALESCE(AVG(confidence), 0),
		       COALESCE(SUM(total_amount), 0)
		FROM orders
	`).Scan(&st.Total, &st.Synced, &st.Pending, &st.Failed, &st.Skipped, &st.AvgConfidence, &st.TotalValue)
	if err != nil {
		return st, fmt.Errorf("order stats: %w", err)
	}
	st.TotalValue = models.RoundAmount(st.TotalValue)
	return st, nil
}

// Ping checks the database connection.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	out := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	syncs, err := s.loadSyncs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Sync = syncs[out[i].ID]
	}
	return out, nil
}

func (s *Postgres) loadSyncs(ctx context.Context, orderIDs []string) (map[string][]models.SyncState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, target, status, external_id, external_number, last_error,
		       attempts, synced_at, updated_at
		FROM order_syncs
		WHERE order_id = ANY($1)
		ORDER BY order_id, target
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load order syncs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.SyncState, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			status  string
			st      models.SyncState
		)
		if err := rows.Scan(&orderID, &st.Target, &status, &st.ExternalID, &st.ExternalNumber,
			&st.LastError, &st.Attempts, &st.SyncedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Status = models.SyncStatus(status)
		out[orderID] = append(out[orderID], st)
	}
	return out, rows.Err()
}

// scanMessage scans a single row into a Message. Extra destinations are
// appended after the message columns.
func scanMessage(row pgx.Row, extra ...any) (*models.Message, error) {
	var (
		m                models.Message
		priority, status string
		analysis, errs   []byte
	)
	dest := []any{
		&m.ID, &m.TrackingKey, &m.From, &m.SenderName, &m.To, &m.Cc, &m.Subject, &m.Body,
		&m.HTMLBody, &m.ReceivedAt, &priority, &analysis, &m.AttachmentIDs, &m.AttachmentCount,
		&m.AttachmentsProcessed, &status, &errs, &m.ProcessedAt, &m.CreatedAt, &m.UpdatedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Priority = models.Priority(priority)
	m.Status = models.MessageStatus(status)
	if err := json.Unmarshal(analysis, &m.Analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if err := json.Unmarshal(errs, &m.Errors); err != nil {
		return nil, fmt.Errorf("decode message errors: %w", err)
	}
	return &m, nil
}

// scanOrder scans a single row into an Order without its sync records.
func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o                    models.Order
		status, syncStatus   string
		customer, items, raw []byte
	)
	err := row.Scan(
		&o.ID, &o.MessageID, &o.TrackingKey, &o.ExtractedOrderID, &customer, &items,
		&o.TotalAmount, &o.Currency, &o.OrderDate, &status, &o.Confidence, &raw, &syncStatus,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	o.SyncStatus = models.SyncStatus(syncStatus)
	if err := json.Unmarshal(customer, &o.Customer); err != nil {
		return nil, fmt.Errorf("decode customer: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if len(raw) > 0 {
		o.RawExtraction = json.RawMessage(raw)
	}
	return &o, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilErrors(e []models.ErrorEntry) []models.ErrorEntry {
	if e == nil {
		return []models.ErrorEntry{}
	}
	return e
}

func nonNilItems(items []models.LineItem) []models.LineItem {
	if items == nil {
		return []models.LineItem{}
	}
	return items
}
