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

// Package pipeline sequences inbound messages through analysis, attachment
// processing, order extraction and sync scheduling. Ingestion returns as
// soon as the message is recorded; every later stage runs as a queued task.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/bcem/orderintake/internal/analyzer"
	"github.com/bcem/orderintake/internal/attachment"
	"github.com/bcem/orderintake/internal/extraction"
	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/queue"
)

// Error log stages recorded on a message.
const (
	StageParsing              = "parsing"
	StageAttachmentProcessing = "attachment_processing"
	StageOrderExtraction      = "order_extraction"
	StageTask                 = "task"
)

// StatusAccepted is the acknowledgment status returned by Submit.
const StatusAccepted = "accepted"

// ErrInvalidSubmission is returned by Submit for payloads that fail validation.
var ErrInvalidSubmission = errors.New("invalid submission")

// Store is the subset of the store the coordinator uses.
type Store interface {
	UpsertMessage(ctx context.Context, m models.Message) (*models.Message, bool, error)
	GetMessage(ctx context.Context, trackingKey string) (*models.Message, error)
	UpdateMessage(ctx context.Context, m *models.Message) error
	ClaimMessage(ctx context.Context, trackingKey string, from, to models.MessageStatus) (bool, error)
	AppendMessageError(ctx context.Context, trackingKey string, e models.ErrorEntry) error
	ListAttachments(ctx context.Context, trackingKey string) ([]models.Attachment, error)
	DeleteAttachments(ctx context.Context, trackingKey string) (int, error)
}

// AttachmentProcessor turns spooled files into attachment records.
type AttachmentProcessor interface {
	ProcessAll(ctx context.Context, trackingKey string, files []models.SpooledFile) ([]models.Attachment, error)
}

// Materializer creates orders for a message.
type Materializer interface {
	Materialize(ctx context.Context, msg *models.Message, docs []extraction.Document) ([]models.Order, error)
	Reprocess(ctx context.Context, msg *models.Message, docs []extraction.Document) ([]models.Order, error)
	Convert(ctx context.Context, msg *models.Message) (*models.Order, error)
}

// Syncer pushes one order to the external targets.
type Syncer interface {
	Sync(ctx context.Context, orderID string, force bool) (*models.Order, error)
}

// Config holds the parameters for New.
type Config struct {
	Store       Store
	Queue       queue.Queue
	Attachments AttachmentProcessor
	Orders      Materializer
	Syncer      Syncer
	// SpoolDir receives uploaded files until the attachment task runs.
	SpoolDir string
}

// Coordinator drives messages through the pipeline.
type Coordinator struct {
	store       Store
	queue       queue.Queue
	attachments AttachmentProcessor
	orders      Materializer
	syncer      Syncer
	spoolDir    string
	validate    *validator.Validate
	now         func() time.Time
}

// New creates a Coordinator. Orders may be set later with SetOrders when the
// materializer needs the coordinator as its sync scheduler.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		store:       cfg.Store,
		queue:       cfg.Queue,
		attachments: cfg.Attachments,
		orders:      cfg.Orders,
		syncer:      cfg.Syncer,
		spoolDir:    cfg.SpoolDir,
		validate:    validator.New(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetOrders sets the materializer.
func (c *Coordinator) SetOrders(m Materializer) {
	c.orders = m
}

// Ack is the synchronous answer to a submission.
type Ack struct {
	TrackingKey string `json:"tracking_key"`
	Status      string `json:"status"`
	Created     bool   `json:"created"`
}

// messagePayload is the body of process_message and process_attachments tasks.
type messagePayload struct {
	TrackingKey string               `json:"tracking_key"`
	Files       []models.SpooledFile `json:"files,omitempty"`
}

// syncPayload is the body of a sync_order task.
type syncPayload struct {
	OrderID string `json:"order_id"`
	Force   bool   `json:"force,omitempty"`
}

// Submit records the message and queues its processing. It returns before
// any analysis has run.
func (c *Coordinator) Submit(ctx context.Context, sub models.Submission) (Ack, error) {
	if err := c.validateSubmission(sub); err != nil {
		return Ack{}, err
	}

	key := strings.TrimSpace(sub.TrackingKey)
	if key == "" {
		key = "email_" + uuid.NewString()
	}
	received := sub.ReceivedAt
	if received.IsZero() {
		received = c.now()
	}

	files, err := attachment.Spool(c.spoolDir, sub.Attachments)
	if err != nil {
		return Ack{}, err
	}

	msg, created, err := c.store.UpsertMessage(ctx, models.Message{
		TrackingKey:     key,
		From:            sub.From,
		SenderName:      analyzer.SenderName(sub.From, sub.FromName),
		To:              sub.To,
		Cc:              sub.Cc,
		Subject:         sub.Subject,
		Body:            sub.Body,
		HTMLBody:        sub.HTMLBody,
		ReceivedAt:      received,
		AttachmentCount: len(sub.Attachments),
		Status:          models.StatusPending,
	})
	if err != nil {
		attachment.Discard(files)
		return Ack{}, fmt.Errorf("save message: %w", err)
	}

	if _, err := queue.Submit(ctx, c.queue, queue.KindProcessMessage, messagePayload{TrackingKey: key, Files: files}); err != nil {
		attachment.Discard(files)
		return Ack{}, fmt.Errorf("queue message %s: %w", key, err)
	}

	slog.Info("message accepted",
		"tracking_key", key,
		"created", created,
		"status", msg.Status,
		"attachments", len(files),
	)
	return Ack{TrackingKey: key, Status: StatusAccepted, Created: created}, nil
}

func (c *Coordinator) validateSubmission(sub models.Submission) error {
	err := c.validate.Struct(sub)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidSubmission, strings.Join(msgs, ", "))
}

// Process runs the message from its current state. Only a task that claims
// the message (pending to parsing, or failed back to parsed) goes on to
// analysis and extraction; a message already claimed by another task, or
// completed, is left alone.
func (c *Coordinator) Process(ctx context.Context, trackingKey string, files []models.SpooledFile) error {
	msg, err := c.store.GetMessage(ctx, trackingKey)
	if err != nil {
		attachment.Discard(files)
		return fmt.Errorf("load message %s: %w", trackingKey, err)
	}

	var next models.MessageStatus
	switch msg.Status {
	case models.StatusPending:
		next = models.StatusParsing
	case models.StatusFailed:
		next = models.StatusParsed
	default:
		slog.Info("message needs no processing", "tracking_key", trackingKey, "status", msg.Status)
		attachment.Discard(files)
		return nil
	}
	claimed, err := c.store.ClaimMessage(ctx, trackingKey, msg.Status, next)
	if err != nil {
		attachment.Discard(files)
		return fmt.Errorf("claim message %s: %w", trackingKey, err)
	}
	if !claimed {
		slog.Info("message claimed by another task", "tracking_key", trackingKey)
		attachment.Discard(files)
		return nil
	}
	msg.Status = next

	if msg.Status == models.StatusParsing {
		if err := c.parse(ctx, msg); err != nil {
			attachment.Discard(files)
			return c.failMessage(ctx, msg, StageParsing, err)
		}
	}

	if len(files) > 0 {
		msg.Status = models.StatusProcessingAttachments
		if err := c.store.UpdateMessage(ctx, msg); err != nil {
			attachment.Discard(files)
			return fmt.Errorf("update message %s: %w", trackingKey, err)
		}
		if _, err := queue.Submit(ctx, c.queue, queue.KindProcessAttachments, messagePayload{TrackingKey: trackingKey, Files: files}); err != nil {
			attachment.Discard(files)
			return c.failMessage(ctx, msg, StageAttachmentProcessing, fmt.Errorf("queue attachment processing: %w", err))
		}
		slog.Info("attachment processing queued", "tracking_key", trackingKey, "files", len(files))
		return nil
	}

	docs, err := c.storedDocuments(ctx, msg)
	if err != nil {
		return c.failMessage(ctx, msg, StageAttachmentProcessing, err)
	}
	return c.extractOrders(ctx, msg, docs)
}

// parse runs the content analyzer and persists its results.
func (c *Coordinator) parse(ctx context.Context, msg *models.Message) error {
	msg.Analysis = analyzer.Analyze(msg.Body)
	msg.Priority = analyzer.Priority(msg.Subject, msg.Body)
	if msg.SenderName == "" {
		msg.SenderName = analyzer.SenderName(msg.From, "")
	}
	msg.Status = models.StatusParsed
	if err := c.store.UpdateMessage(ctx, msg); err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}

	slog.Info("message parsed",
		"tracking_key", msg.TrackingKey,
		"priority", msg.Priority,
		"words", msg.Analysis.WordCount,
	)
	return nil
}

// ProcessAttachments processes the spooled files of a message in order,
// then extracts its orders.
func (c *Coordinator) ProcessAttachments(ctx context.Context, trackingKey string, files []models.SpooledFile) error {
	msg, err := c.store.GetMessage(ctx, trackingKey)
	if err != nil {
		attachment.Discard(files)
		return fmt.Errorf("load message %s: %w", trackingKey, err)
	}
	if msg.Status != models.StatusProcessingAttachments {
		slog.Warn("message not awaiting attachments, skipping",
			"tracking_key", trackingKey,
			"status", msg.Status,
		)
		attachment.Discard(files)
		return nil
	}

	if n, err := c.store.DeleteAttachments(ctx, trackingKey); err != nil {
		attachment.Discard(files)
		return c.failMessage(ctx, msg, StageAttachmentProcessing, fmt.Errorf("clear previous attachments: %w", err))
	} else if n > 0 {
		slog.Info("replaced previous attachment records", "tracking_key", trackingKey, "deleted", n)
	}

	atts, perr := c.attachments.ProcessAll(ctx, trackingKey, files)
	msg.AttachmentIDs = nil
	msg.AttachmentsProcessed = 0
	for _, a := range atts {
		msg.AttachmentIDs = append(msg.AttachmentIDs, a.ID)
		if a.Status == models.AttachmentCompleted {
			msg.AttachmentsProcessed++
		}
	}
	if perr != nil {
		return c.failMessage(ctx, msg, StageAttachmentProcessing, perr)
	}
	if err := c.store.UpdateMessage(ctx, msg); err != nil {
		return fmt.Errorf("update message %s: %w", trackingKey, err)
	}

	return c.extractOrders(ctx, msg, documents(atts))
}

// storedDocuments returns the texts of a message's processed attachments.
// A message that arrived with attachments but has none processed cannot
// be extracted.
func (c *Coordinator) storedDocuments(ctx context.Context, msg *models.Message) ([]extraction.Document, error) {
	if !msg.HasAttachments() {
		return nil, nil
	}
	atts, err := c.store.ListAttachments(ctx, msg.TrackingKey)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	completed := 0
	for _, a := range atts {
		if a.Status == models.AttachmentCompleted {
			completed++
		}
	}
	if completed < msg.AttachmentCount {
		return nil, fmt.Errorf("attachment files unavailable: %d of %d processed", completed, msg.AttachmentCount)
	}
	return documents(atts), nil
}

// extractOrders materializes the message's orders and completes it. A hard
// extraction error fails the message and is returned.
func (c *Coordinator) extractOrders(ctx context.Context, msg *models.Message, docs []extraction.Document) error {
	orders, err := c.orders.Materialize(ctx, msg, docs)
	if err != nil {
		return c.failMessage(ctx, msg, StageOrderExtraction, err)
	}

	now := c.now()
	msg.Status = models.StatusCompleted
	msg.ProcessedAt = &now
	if err := c.store.UpdateMessage(ctx, msg); err != nil {
		return fmt.Errorf("complete message %s: %w", msg.TrackingKey, err)
	}
	slog.Info("message completed", "tracking_key", msg.TrackingKey, "orders", len(orders))
	return nil
}

// failMessage appends an error entry, marks the message failed and returns
// the cause.
func (c *Coordinator) failMessage(ctx context.Context, msg *models.Message, stage string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	entry := models.NewErrorEntry(stage, cause)
	if err := c.store.AppendMessageError(ctx, msg.TrackingKey, entry); err != nil {
		slog.Error("failed to record message error", "tracking_key", msg.TrackingKey, "error", err)
	}
	msg.Errors = append(msg.Errors, entry)
	msg.Status = models.StatusFailed
	if err := c.store.UpdateMessage(ctx, msg); err != nil {
		slog.Error("failed to mark message failed", "tracking_key", msg.TrackingKey, "error", err)
	}
	slog.Error("message failed",
		"tracking_key", msg.TrackingKey,
		"stage", stage,
		"error", cause,
	)
	return fmt.Errorf("%s: %w", stage, cause)
}

// ReprocessResult is the outcome of a manual re-extraction.
type ReprocessResult struct {
	Orders []models.Order `json:"orders"`
	Detail string         `json:"detail,omitempty"`
}

// Reprocess deletes the orders of a message and extracts again,
// synchronously. Extraction failures are reported in Detail.
func (c *Coordinator) Reprocess(ctx context.Context, trackingKey string) (*ReprocessResult, error) {
	msg, err := c.store.GetMessage(ctx, trackingKey)
	if err != nil {
		return nil, err
	}
	atts, err := c.store.ListAttachments(ctx, trackingKey)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}

	orders, err := c.orders.Reprocess(ctx, msg, documents(atts))
	switch {
	case err != nil:
		slog.Warn("reprocess extraction failed", "tracking_key", trackingKey, "error", err)
		return &ReprocessResult{Detail: "No order found: " + err.Error()}, nil
	case len(orders) == 0:
		return &ReprocessResult{Detail: "No order found in message"}, nil
	}
	return &ReprocessResult{Orders: orders}, nil
}

// Convert creates a manual order for a message.
func (c *Coordinator) Convert(ctx context.Context, trackingKey string) (*models.Order, error) {
	msg, err := c.store.GetMessage(ctx, trackingKey)
	if err != nil {
		return nil, err
	}
	return c.orders.Convert(ctx, msg)
}

// ScheduleSync queues a sync of one order.
func (c *Coordinator) ScheduleSync(ctx context.Context, orderID string) error {
	return c.scheduleSync(ctx, orderID, false)
}

// Resync queues a sync that ignores existing external ids when force is set.
func (c *Coordinator) Resync(ctx context.Context, orderID string, force bool) error {
	return c.scheduleSync(ctx, orderID, force)
}

func (c *Coordinator) scheduleSync(ctx context.Context, orderID string, force bool) error {
	t, err := queue.Submit(ctx, c.queue, queue.KindSyncOrder, syncPayload{OrderID: orderID, Force: force})
	if err != nil {
		return fmt.Errorf("queue sync for order %s: %w", orderID, err)
	}
	slog.Debug("order sync queued", "order_id", orderID, "task_id", t.ID, "force", force)
	return nil
}

func documents(atts []models.Attachment) []extraction.Document {
	var docs []extraction.Document
	for _, a := range atts {
		if a.Status != models.AttachmentCompleted {
			continue
		}
		name := a.OriginalName
		if name == "" {
			name = a.Filename
		}
		docs = append(docs, extraction.Document{Name: name, Text: a.ExtractedText})
	}
	return docs
}
