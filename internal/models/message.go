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

// Package models defines the data structures shared across the order intake service.
package models

import "time"

// Priority is the urgency classification of an inbound message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// MessageStatus is the processing state of an inbound message.
//
//	pending → parsing → parsed → [processing_attachments] → completed | failed
type MessageStatus string

const (
	StatusPending               MessageStatus = "pending"
	StatusParsing               MessageStatus = "parsing"
	StatusParsed                MessageStatus = "parsed"
	StatusProcessingAttachments MessageStatus = "processing_attachments"
	StatusCompleted             MessageStatus = "completed"
	StatusFailed                MessageStatus = "failed"
)

// Valid reports whether s is a known message status.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusParsing, StatusParsed, StatusProcessingAttachments, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further pipeline work is expected.
func (s MessageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorEntry is one line of an append-only error log.
type ErrorEntry struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewErrorEntry stamps an error entry with the current time.
func NewErrorEntry(stage string, err error) ErrorEntry {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrorEntry{Stage: stage, Message: msg, Timestamp: time.Now().UTC()}
}

// Keyword is a token and its frequency in a message body.
type Keyword struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Analysis holds the structural features the content analyzer derives from a body.
type Analysis struct {
	WordCount int       `json:"word_count"`
	HasURLs   bool      `json:"has_urls"`
	URLs      []string  `json:"urls"`
	Emails    []string  `json:"email_addresses"`
	Phones    []string  `json:"phone_numbers"`
	Keywords  []Keyword `json:"keywords"`
}

// Message is the inbound unit of work, keyed by its tracking key.
type Message struct {
	ID          string    `json:"id"`
	TrackingKey string    `json:"tracking_key"`
	From        string    `json:"from"`
	SenderName  string    `json:"sender_name"`
	To          []string  `json:"to"`
	Cc          []string  `json:"cc"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body,omitempty"`
	HTMLBody    string    `json:"html_body,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`

	Priority Priority `json:"priority"`
	Analysis Analysis `json:"analysis"`

	AttachmentIDs        []string `json:"attachment_ids"`
	AttachmentCount      int      `json:"attachment_count"`
	AttachmentsProcessed int      `json:"attachments_processed"`

	Status      MessageStatus `json:"processing_status"`
	Errors      []ErrorEntry  `json:"errors"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// HasAttachments reports whether the message arrived with files.
func (m *Message) HasAttachments() bool {
	return m.AttachmentCount > 0
}

// MessageFilter narrows a message listing. Zero values match everything.
type MessageFilter struct {
	Status   MessageStatus
	From     string
	Priority Priority
}

// MessageStats aggregates messages by processing status.
type MessageStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Add counts n messages in the given status.
func (s *MessageStats) Add(status MessageStatus, n int) {
	s.Total += n
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusParsing, StatusParsed, StatusProcessingAttachments:
		s.Processing += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	}
}
