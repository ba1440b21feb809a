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

import "time"

// AttachmentStatus is the processing state of a single attachment.
type AttachmentStatus string

const (
	AttachmentPending    AttachmentStatus = "pending"
	AttachmentUploading  AttachmentStatus = "uploading"
	AttachmentUploaded   AttachmentStatus = "uploaded"
	AttachmentExtracting AttachmentStatus = "extracting"
	AttachmentExtracted  AttachmentStatus = "extracted"
	AttachmentAnalyzing  AttachmentStatus = "analyzing"
	AttachmentCompleted  AttachmentStatus = "completed"
	AttachmentFailed     AttachmentStatus = "failed"
)

// Attachment is a file owned by a Message, with its extracted text and
// durable storage reference.
type Attachment struct {
	ID               string           `json:"attachment_id"`
	TrackingKey      string           `json:"tracking_key"`
	Filename         string           `json:"filename"`
	OriginalName     string           `json:"original_name"`
	ContentType      string           `json:"content_type"`
	Size             int64            `json:"size"`
	StorageURL       string           `json:"storage_url,omitempty"`
	PublicID         string           `json:"public_id,omitempty"`
	Status           AttachmentStatus `json:"processing_status"`
	ExtractedText    string           `json:"extracted_text,omitempty"`
	ExtractionMethod string           `json:"extraction_method,omitempty"`
	Errors           []ErrorEntry     `json:"errors"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Upload is a raw attachment as delivered by an inbound transport.
type Upload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
}

// SpooledFile is an Upload written to local disk, awaiting the attachment
// processor. Path is removed once the file has been uploaded.
type SpooledFile struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	StoredName  string `json:"stored_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Submission is an inbound message as accepted at the boundary.
type Submission struct {
	TrackingKey string    `json:"tracking_key"`
	From        string    `json:"from" validate:"required"`
	FromName    string    `json:"from_name"`
	To          []string  `json:"to"`
	Cc          []string  `json:"cc"`
	Subject     string    `json:"subject" validate:"required"`
	Body        string    `json:"body"`
	HTMLBody    string    `json:"html_body"`
	ReceivedAt  time.Time `json:"received_at"`
	Attachments []Upload  `json:"-"`
}
