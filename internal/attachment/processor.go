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

// Package attachment turns spooled upload files into persisted Attachment
// records carrying extracted text and a durable blob reference.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bcem/orderintake/internal/blobstore"
	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/textract"
)

// Error stages recorded in an attachment error log.
const (
	StageRead       = "read"
	StageExtraction = "extraction"
	StageUpload     = "upload"
)

// Store is the subset of the store the processor writes to.
type Store interface {
	CreateAttachment(ctx context.Context, a *models.Attachment) error
	UpdateAttachment(ctx context.Context, a *models.Attachment) error
}

// Extractor turns file bytes into text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (textract.Result, error)
}

// Error reports which attachment failed and why.
type Error struct {
	AttachmentID string
	Filename     string
	Stage        string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("attachment %s (%s) failed at %s: %v", e.Filename, e.AttachmentID, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Processor runs the per-attachment state machine.
type Processor struct {
	store     Store
	extractor Extractor
	blobs     blobstore.Store
	now       func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(store Store, extractor Extractor, blobs blobstore.Store) *Processor {
	return &Processor{
		store:     store,
		extractor: extractor,
		blobs:     blobs,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessAll processes files one at a time in order. It stops at the first
// failure; files after it are discarded without records. The returned slice
// holds every record created, including the failed one.
func (p *Processor) ProcessAll(ctx context.Context, trackingKey string, files []models.SpooledFile) ([]models.Attachment, error) {
	out := make([]models.Attachment, 0, len(files))
	for i, f := range files {
		a, err := p.Process(ctx, trackingKey, f)
		if a != nil {
			out = append(out, *a)
		}
		if err != nil {
			Discard(files[i+1:])
			return out, err
		}
	}
	return out, nil
}

// Process handles one file. The spooled file is removed when it returns.
func (p *Processor) Process(ctx context.Context, trackingKey string, f models.SpooledFile) (*models.Attachment, error) {
	defer removeSpool(f.Path)

	a := &models.Attachment{
		TrackingKey:  trackingKey,
		Filename:     f.StoredName,
		OriginalName: f.Filename,
		ContentType:  f.ContentType,
		Size:         f.Size,
		Status:       models.AttachmentPending,
	}
	if a.Filename == "" {
		a.Filename = f.Filename
	}
	if err := p.store.CreateAttachment(ctx, a); err != nil {
		return nil, &Error{Filename: f.Filename, Stage: "create", Err: err}
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return a, p.fail(ctx, a, StageRead, err)
	}

	res, err := p.extractor.Extract(ctx, data, f.ContentType)
	if err != nil {
		return a, p.fail(ctx, a, StageExtraction, err)
	}
	a.Status = models.AttachmentExtracting
	a.ExtractedText = res.Text
	a.ExtractionMethod = res.Method
	if err := p.store.UpdateAttachment(ctx, a); err != nil {
		return a, p.fail(ctx, a, StageExtraction, err)
	}

	a.Status = models.AttachmentUploading
	if err := p.store.UpdateAttachment(ctx, a); err != nil {
		return a, p.fail(ctx, a, StageUpload, err)
	}
	obj, err := p.blobs.Put(ctx, blobstore.Key(trackingKey, a.Filename), a.ContentType, data)
	if err != nil {
		return a, p.fail(ctx, a, StageUpload, err)
	}

	now := p.now()
	a.StorageURL = obj.URL
	a.PublicID = obj.PublicID
	a.Status = models.AttachmentCompleted
	a.ProcessedAt = &now
	if err := p.store.UpdateAttachment(ctx, a); err != nil {
		return a, p.fail(ctx, a, StageUpload, err)
	}

	slog.Info("attachment processed",
		"tracking_key", trackingKey,
		"attachment_id", a.ID,
		"filename", a.OriginalName,
		"method", a.ExtractionMethod,
		"chars", len(a.ExtractedText),
	)
	return a, nil
}

// fail records the error on the attachment and returns it wrapped.
func (p *Processor) fail(ctx context.Context, a *models.Attachment, stage string, cause error) error {
	a.Errors = append(a.Errors, models.NewErrorEntry(stage, cause))
	a.Status = models.AttachmentFailed
	if err := p.store.UpdateAttachment(context.WithoutCancel(ctx), a); err != nil {
		slog.Error("failed to record attachment failure",
			"attachment_id", a.ID,
			"error", err,
		)
	}
	slog.Warn("attachment failed",
		"tracking_key", a.TrackingKey,
		"attachment_id", a.ID,
		"stage", stage,
		"error", cause,
	)
	return &Error{AttachmentID: a.ID, Filename: a.OriginalName, Stage: stage, Err: cause}
}

// Discard removes spooled files that will not be processed.
func Discard(files []models.SpooledFile) {
	for _, f := range files {
		removeSpool(f.Path)
	}
}

func removeSpool(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove spooled file", "path", path, "error", err)
	}
}
