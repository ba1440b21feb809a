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

// Package webhook accepts inbound messages over HTTP. A submission arrives
// as multipart/form-data (fields plus "attachments" files) or as a JSON
// document, is checked, handed to the pipeline and acknowledged with
// 202 Accepted before any processing happens.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/pipeline"
	"github.com/bcem/orderintake/internal/textract"
)

const (
	DefaultMaxFileSize = 10 << 20
	DefaultMaxFiles    = 10
)

// ErrInvalidFile is returned for attachments that are rejected at the boundary.
var ErrInvalidFile = errors.New("invalid file")

var allowedExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".txt": true, ".png": true, ".jpg": true, ".jpeg": true,
}

var allowedTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
	"image/png",
	"image/jpeg",
}

// Submitter is the pipeline entry point.
type Submitter interface {
	Submit(ctx context.Context, sub models.Submission) (pipeline.Ack, error)
}

// HandlerConfig holds the parameters for NewHandler.
type HandlerConfig struct {
	Submitter   Submitter
	MaxFileSize int64
	MaxFiles    int
}

// Handler serves the submission endpoint.
type Handler struct {
	submitter   Submitter
	maxFileSize int64
	maxFiles    int
}

// NewHandler creates a submission handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	return &Handler{
		submitter:   cfg.Submitter,
		maxFileSize: cfg.MaxFileSize,
		maxFiles:    cfg.MaxFiles,
	}
}

// jsonSubmission is the JSON form of a submission. Attachment content is
// base64 encoded.
type jsonSubmission struct {
	TrackingKey string    `json:"tracking_key"`
	From        string    `json:"from"`
	FromName    string    `json:"from_name"`
	To          []string  `json:"to"`
	Cc          []string  `json:"cc"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	HTMLBody    string    `json:"html_body"`
	ReceivedAt  time.Time `json:"received_at"`
	Attachments []struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		Content     []byte `json:"content"`
	} `json:"attachments"`
}

// ServeEmail handles POST /api/webhook/email.
func (h *Handler) ServeEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := int64(h.maxFiles)*h.maxFileSize + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var (
		sub models.Submission
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		sub, err = h.readMultipart(r)
	case "application/json", "":
		sub, err = h.readJSON(r.Body)
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported content type "+mediaType)
		return
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		slog.Warn("submission rejected", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ack, err := h.submitter.Submit(r.Context(), sub)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidSubmission) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("submission failed", "from", sub.From, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to accept message")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"tracking_key": ack.TrackingKey,
		"status":       ack.Status,
		"message":      "Email accepted for processing",
	})
}

func (h *Handler) readJSON(body io.Reader) (models.Submission, error) {
	var js jsonSubmission
	if err := json.NewDecoder(body).Decode(&js); err != nil {
		return models.Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	if len(js.Attachments) > h.maxFiles {
		return models.Submission{}, fmt.Errorf("%w: at most %d attachments allowed", ErrInvalidFile, h.maxFiles)
	}

	sub := models.Submission{
		TrackingKey: js.TrackingKey,
		From:        js.From,
		FromName:    js.FromName,
		To:          js.To,
		Cc:          js.Cc,
		Subject:     js.Subject,
		Body:        js.Body,
		HTMLBody:    js.HTMLBody,
		ReceivedAt:  js.ReceivedAt,
	}
	for _, a := range js.Attachments {
		u, err := h.checkUpload(a.Filename, a.ContentType, a.Content)
		if err != nil {
			return models.Submission{}, err
		}
		sub.Attachments = append(sub.Attachments, u)
	}
	return sub, nil
}

func (h *Handler) readMultipart(r *http.Request) (models.Submission, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return models.Submission{}, fmt.Errorf("parse form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	form := r.MultipartForm.Value
	sub := models.Submission{
		TrackingKey: first(form["tracking_key"]),
		From:        first(form["from"]),
		FromName:    first(form["from_name"]),
		To:          addressList(form["to"]),
		Cc:          addressList(form["cc"]),
		Subject:     first(form["subject"]),
		Body:        first(form["body"]),
		HTMLBody:    first(form["html_body"]),
	}
	if v := first(form["received_at"]); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return models.Submission{}, fmt.Errorf("received_at: %w", err)
		}
		sub.ReceivedAt = t
	}

	files := r.MultipartForm.File["attachments"]
	if len(files) > h.maxFiles {
		return models.Submission{}, fmt.Errorf("%w: at most %d attachments allowed", ErrInvalidFile, h.maxFiles)
	}
	for _, fh := range files {
		if fh.Size > h.maxFileSize {
			return models.Submission{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidFile, fh.Filename, h.maxFileSize)
		}
		data, err := readPart(fh)
		if err != nil {
			return models.Submission{}, err
		}
		u, err := h.checkUpload(fh.Filename, fh.Header.Get("Content-Type"), data)
		if err != nil {
			return models.Submission{}, err
		}
		sub.Attachments = append(sub.Attachments, u)
	}
	return sub, nil
}

func (h *Handler) checkUpload(filename, declared string, data []byte) (models.Upload, error) {
	return CheckUpload(filename, declared, data, h.maxFileSize)
}

// CheckUpload enforces the size, extension and content type rules on one
// attachment and returns it with its resolved content type.
func CheckUpload(filename, declared string, data []byte, maxSize int64) (models.Upload, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		return models.Upload{}, fmt.Errorf("%w: attachment without a filename", ErrInvalidFile)
	}
	if int64(len(data)) > maxSize {
		return models.Upload{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidFile, name, maxSize)
	}
	if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
		return models.Upload{}, fmt.Errorf("%w: %s has a disallowed extension", ErrInvalidFile, name)
	}

	ct := textract.ResolveType(data, declared)
	base, _, err := mime.ParseMediaType(ct)
	if err != nil {
		base = ct
	}
	if !slices.Contains(allowedTypes, strings.ToLower(base)) {
		return models.Upload{}, fmt.Errorf("%w: %s has disallowed type %s", ErrInvalidFile, name, base)
	}

	return models.Upload{
		Filename:    name,
		ContentType: ct,
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return data, nil
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return strings.TrimSpace(v[0])
}

// addressList accepts repeated fields and comma-separated values.
func addressList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				out = append(out, a)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
