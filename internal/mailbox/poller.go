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

package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/webhook"
)

const (
	DefaultInterval  = time.Minute
	DefaultItemDelay = 4500 * time.Millisecond
)

// Connector opens a fresh Source. The poller connects once per pass so a
// dropped connection only costs one interval.
type Connector func(ctx context.Context) (Source, error)

// Deduper claims item keys so a message is submitted at most once even if
// flagging it as seen fails.
type Deduper interface {
	IsNew(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// PollerConfig holds the parameters for NewPoller.
type PollerConfig struct {
	Connect   Connector
	Submitter webhook.Submitter
	Dedup     Deduper // optional
	Interval  time.Duration
	ItemDelay time.Duration
	// MaxFileSize bounds each attachment; larger files are dropped from
	// the submission. Zero means webhook.DefaultMaxFileSize.
	MaxFileSize int64
}

// Poller periodically submits unread messages from a mailbox folder.
type Poller struct {
	connect     Connector
	submitter   webhook.Submitter
	dedup       Deduper
	interval    time.Duration
	itemDelay   time.Duration
	maxFileSize int64
}

// Result summarises one pass over a folder.
type Result struct {
	Found     int
	Submitted int
	Skipped   int
	Errors    int
	Elapsed   time.Duration
}

func NewPoller(cfg PollerConfig) *Poller {
	p := &Poller{
		connect:     cfg.Connect,
		submitter:   cfg.Submitter,
		dedup:       cfg.Dedup,
		interval:    cfg.Interval,
		itemDelay:   cfg.ItemDelay,
		maxFileSize: cfg.MaxFileSize,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.itemDelay == 0 {
		p.itemDelay = DefaultItemDelay
	}
	if p.maxFileSize <= 0 {
		p.maxFileSize = webhook.DefaultMaxFileSize
	}
	return p
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("mailbox poller starting",
		"interval", p.interval,
		"item_delay", p.itemDelay,
	)

	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("mailbox poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	res, err := p.PollOnce(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("mailbox poll failed", "error", err)
		}
		return
	}
	if res.Found == 0 {
		slog.Debug("no unread messages")
		return
	}
	slog.Info("mailbox poll complete",
		"found", res.Found,
		"submitted", res.Submitted,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"elapsed", res.Elapsed,
	)
}

// PollOnce submits every unread message in the folder.
func (p *Poller) PollOnce(ctx context.Context) (*Result, error) {
	return p.run(ctx, true, time.Time{})
}

func (p *Poller) run(ctx context.Context, unseenOnly bool, since time.Time) (*Result, error) {
	start := time.Now()

	src, err := p.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect mailbox: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			slog.Debug("mailbox close failed", "error", err)
		}
	}()

	uids, err := src.Search(ctx, unseenOnly, since)
	if err != nil {
		return nil, err
	}

	res := &Result{Found: len(uids)}
	for i, uid := range uids {
		if i > 0 {
			select {
			case <-ctx.Done():
				res.Elapsed = time.Since(start)
				return res, ctx.Err()
			case <-time.After(p.itemDelay):
			}
		}

		submitted, err := p.handle(ctx, src, uid)
		switch {
		case err != nil:
			slog.Warn("mailbox message not submitted", "uid", uid, "error", err)
			res.Errors++
		case submitted:
			res.Submitted++
		default:
			res.Skipped++
		}
	}

	res.Elapsed = time.Since(start)
	return res, nil
}

// TrackingKey is the stable key for a message in a folder epoch.
func TrackingKey(uidValidity, uid uint32) string {
	return fmt.Sprintf("imap_%d_%d", uidValidity, uid)
}

func (p *Poller) handle(ctx context.Context, src Source, uid uint32) (bool, error) {
	key := TrackingKey(src.UIDValidity(), uid)

	if p.dedup != nil {
		isNew, err := p.dedup.IsNew(ctx, key)
		if err != nil {
			slog.Warn("dedup check failed", "tracking_key", key, "error", err)
		} else if !isNew {
			slog.Debug("duplicate mailbox message", "tracking_key", key)
			if err := src.MarkSeen(ctx, uid); err != nil {
				slog.Warn("mark seen failed", "tracking_key", key, "error", err)
			}
			return false, nil
		}
	}

	if err := p.submit(ctx, src, uid, key); err != nil {
		if p.dedup != nil {
			if ferr := p.dedup.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				slog.Warn("dedup forget failed", "tracking_key", key, "error", ferr)
			}
		}
		return false, err
	}

	if err := src.MarkSeen(ctx, uid); err != nil {
		slog.Warn("mark seen failed", "tracking_key", key, "error", err)
	}
	return true, nil
}

func (p *Poller) submit(ctx context.Context, src Source, uid uint32, key string) error {
	raw, err := src.Fetch(ctx, uid)
	if err != nil {
		return err
	}
	sub, err := Parse(raw)
	if err != nil {
		return fmt.Errorf("parse message: %w", err)
	}
	sub.TrackingKey = key
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = time.Now().UTC()
	}
	sub.Attachments = p.allowed(key, sub.Attachments)

	ack, err := p.submitter.Submit(ctx, sub)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	slog.Info("mailbox message submitted",
		"tracking_key", ack.TrackingKey,
		"attachments", len(sub.Attachments),
	)
	return nil
}

// allowed drops attachments the inbound rules reject. The message itself
// is still submitted.
func (p *Poller) allowed(key string, uploads []models.Upload) []models.Upload {
	var out []models.Upload
	for _, u := range uploads {
		checked, err := webhook.CheckUpload(u.Filename, u.ContentType, u.Data, p.maxFileSize)
		if err != nil {
			slog.Warn("dropping attachment", "tracking_key", key, "filename", u.Filename, "error", err)
			continue
		}
		out = append(out, checked)
	}
	return out
}
