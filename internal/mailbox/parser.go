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

// Package mailbox polls an IMAP folder for unread messages and submits
// them to the pipeline, one at a time with a fixed delay between items.
package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/bcem/orderintake/internal/models"
)

// Parse reads an RFC 5322 message into a submission. Attachments are
// returned unchecked; the caller applies the upload rules.
func Parse(raw []byte) (models.Submission, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return models.Submission{}, fmt.Errorf("create message reader: %w", err)
	}
	defer mr.Close()

	var sub models.Submission
	h := mr.Header

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		sub.From = from[0].Address
		sub.FromName = from[0].Name
	}
	sub.To = addresses(h, "To")
	sub.Cc = addresses(h, "Cc")
	if s, err := h.Subject(); err == nil {
		sub.Subject = strings.TrimSpace(s)
	}
	if d, err := h.Date(); err == nil {
		sub.ReceivedAt = d.UTC()
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sub, fmt.Errorf("read part: %w", err)
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return sub, fmt.Errorf("read body: %w", err)
			}
			switch {
			case strings.HasPrefix(ct, "text/plain") && sub.Body == "":
				sub.Body = string(b)
			case strings.HasPrefix(ct, "text/html") && sub.HTMLBody == "":
				sub.HTMLBody = string(b)
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			data, err := io.ReadAll(p.Body)
			if err != nil {
				return sub, fmt.Errorf("read attachment %s: %w", name, err)
			}
			if name == "" {
				slog.Debug("skipping unnamed attachment", "content_type", ct)
				continue
			}
			sub.Attachments = append(sub.Attachments, models.Upload{
				Filename:    name,
				ContentType: ct,
				Size:        int64(len(data)),
				Data:        data,
			})
		}
	}
	return sub, nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
