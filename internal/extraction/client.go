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

// Package extraction asks a language model for order candidates in free
// text. It owns the prompt, the model fallback order, rate-limit backoff,
// strict parsing of the reply and the table-layout policy.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrCapacityExhausted is returned when every configured model failed.
	ErrCapacityExhausted = errors.New("extraction capacity exhausted: all models failed")
	// ErrNotConfigured is returned when no model or API key is configured.
	ErrNotConfigured = errors.New("extraction not configured")
)

// APIError is a failed model call with its HTTP status.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("model API %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("model API %d: %s", e.Status, e.Message)
}

// Completer sends one chat completion and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, model, system, user string) (string, error)
}

// ClientConfig holds the parameters for NewClient.
type ClientConfig struct {
	Completer Completer
	// Models in priority order.
	Models []string
	// MaxRetries is how many times one model is retried on rate limits or
	// transient errors before moving to the next.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Sleep is replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client extracts order candidates from text.
type Client struct {
	completer  Completer
	models     []string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(context.Context, time.Duration) error

	mu sync.Mutex
	// unavailable remembers models that answered not-found or access-denied.
	unavailable map[string]bool
}

// NewClient creates an extraction client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Client{
		completer:   cfg.Completer,
		models:      cfg.Models,
		maxRetries:  cfg.MaxRetries,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		sleep:       cfg.Sleep,
		unavailable: make(map[string]bool),
	}
}

// Extract returns the order candidates found in text. A reply that cannot
// be parsed yields (nil, nil). Transport, quota and auth failures are
// returned as errors.
func (c *Client) Extract(ctx context.Context, text string) ([]Candidate, error) {
	if c.completer == nil || len(c.models) == 0 {
		return nil, ErrNotConfigured
	}

	text = truncate(text, MaxInputChars)
	table := DetectTable(text)
	prompt := buildPrompt(text, table)

	content, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	cands, err := ParseResponse(content)
	if err != nil {
		slog.Error("extraction reply unparseable", "error", err)
		return nil, nil
	}

	if !table.Complete(cands) {
		slog.Warn("extraction missed table rows, retrying",
			"layout", table.Layout.String(),
			"rows", len(table.Rows),
			"covered", table.Covered(cands),
		)
		retry := prompt + fmt.Sprintf("\n\nA previous answer covered only %d of the %d table rows. "+
			"Return the complete result with every row included.", table.Covered(cands), len(table.Rows))
		content, err := c.complete(ctx, retry)
		if err != nil {
			slog.Warn("corrective extraction failed, keeping first answer", "error", err)
			return cands, nil
		}
		second, err := ParseResponse(content)
		if err == nil && table.Covered(second) > table.Covered(cands) {
			cands = second
		}
		if !table.Complete(cands) {
			slog.Warn("extraction still incomplete",
				"rows", len(table.Rows),
				"covered", table.Covered(cands),
			)
		}
	}

	slog.Info("order candidates extracted",
		"candidates", len(cands),
		"layout", table.Layout.String(),
	)
	return cands, nil
}

// complete walks the model list until one answers.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	tried := 0
	for _, model := range c.candidateModels() {
		tried++
		content, err := c.completeWithRetry(ctx, model, prompt)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		slog.Warn("model failed, trying next", "model", model, "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no models available")
	}
	return "", fmt.Errorf("%w (%d tried): %v", ErrCapacityExhausted, tried, lastErr)
}

func (c *Client) completeWithRetry(ctx context.Context, model, prompt string) (string, error) {
	delay := c.baseDelay
	for attempt := 0; ; attempt++ {
		content, err := c.completer.Complete(ctx, model, systemPrompt, prompt)
		if err == nil {
			return content, nil
		}

		switch classify(err) {
		case failSkip:
			c.markUnavailable(model)
			return "", err
		case failQuota:
			return "", err
		case failRetry:
			if attempt >= c.maxRetries {
				return "", err
			}
			slog.Info("model call failed, backing off",
				"model", model,
				"attempt", attempt+1,
				"delay", delay,
				"error", err,
			)
			if serr := c.sleep(ctx, delay); serr != nil {
				return "", serr
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		default:
			return "", err
		}
	}
}

// candidateModels is the configured order minus models known to be
// unavailable. When every model is marked, the marks are cleared.
func (c *Client) candidateModels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.models))
	for _, m := range c.models {
		if !c.unavailable[m] {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		c.unavailable = make(map[string]bool)
		return append(out, c.models...)
	}
	return out
}

func (c *Client) markUnavailable(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable[model] = true
}

type failure int

const (
	failOther failure = iota
	failSkip          // not found or access denied
	failQuota         // daily quota exhausted
	failRetry         // rate limited or transient
)

func classify(err error) failure {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failOther
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		// Network and decoding errors are transient.
		return failRetry
	}
	switch {
	case apiErr.Status == http.StatusNotFound,
		apiErr.Status == http.StatusUnauthorized,
		apiErr.Status == http.StatusForbidden:
		return failSkip
	case apiErr.Status == http.StatusTooManyRequests:
		if isQuotaExhausted(apiErr) {
			return failQuota
		}
		return failRetry
	case apiErr.Status >= 500:
		return failRetry
	}
	return failOther
}

func isQuotaExhausted(e *APIError) bool {
	if e.Code == "insufficient_quota" {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "quota") &&
		(strings.Contains(msg, "daily") || strings.Contains(msg, "per day") || strings.Contains(msg, "exceeded your current quota"))
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

const systemPrompt = "You extract purchase orders from business email. Reply with JSON only."

func buildPrompt(text string, table Table) string {
	var sb strings.Builder
	sb.WriteString(`Read the email content below (message body followed by any attachment text) and extract the purchase orders it contains.

Content:
"""
`)
	sb.WriteString(text)
	sb.WriteString(`
"""

Reply with a JSON object. For a single order use this shape; for several independent orders wrap them as {"orders": [ ... ]}:
{
  "extractedOrderId": "order number from the document, or null",
  "customer": {"name": null, "email": null, "phone": null, "address": null, "company": null},
  "items": [{"description": "text", "quantity": 1, "unitPrice": 0, "totalPrice": 0, "sku": null}],
  "totalAmount": 0,
  "currency": "three-letter code such as USD",
  "orderDate": "ISO-8601 date or null",
  "confidence": 0.0
}
confidence is between 0 and 1 and says how likely the content is a real order. If the content is not an order reply {"confidence": 0}.
Each item's totalPrice must equal quantity * unitPrice and totalAmount must equal the sum of the item totals. Put tax or shipping on their own lines.`)
	if hint := table.Hint(); hint != "" {
		sb.WriteString("\n")
		sb.WriteString(hint)
	}
	return sb.String()
}
