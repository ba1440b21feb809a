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

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/pipeline"
)

type fakeSubmitter struct {
	subs []models.Submission
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, sub models.Submission) (pipeline.Ack, error) {
	if f.err != nil {
		return pipeline.Ack{}, f.err
	}
	if sub.From == "" || sub.Subject == "" {
		return pipeline.Ack{}, fmt.Errorf("%w: from is required", pipeline.ErrInvalidSubmission)
	}
	f.subs = append(f.subs, sub)
	return pipeline.Ack{TrackingKey: "email_test", Status: pipeline.StatusAccepted, Created: true}, nil
}

type filePart struct {
	name        string
	contentType string
	data        []byte
}

func multipartRequest(t *testing.T, fields map[string]string, files ...filePart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename="%s"`, f.name))
		hdr.Set("Content-Type", f.contentType)
		pw, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatal(err)
		}
		pw.Write(f.data)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/email", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// TestServeEmail_JSON verifies a JSON submission is acknowledged with 202.
func TestServeEmail_JSON(t *testing.T) {
	sub := &fakeSubmitter{}
	h := NewHandler(HandlerConfig{Submitter: sub})

	body := `{"from":"buyer@acme.test","subject":"PO 17","body":"5 widgets","to":["orders@shop.test"],
		"attachments":[{"filename":"po.txt","content_type":"text/plain","content":"NSB3aWRnZXRz"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/email", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	h.ServeEmail(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (%s)", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["tracking_key"] != "email_test" || resp["status"] != "accepted" {
		t.Errorf("unexpected response: %v", resp)
	}
	if len(sub.subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(sub.subs))
	}
	got := sub.subs[0]
	if len(got.Attachments) != 1 || string(got.Attachments[0].Data) != "5 widgets" {
		t.Errorf("attachment not decoded: %+v", got.Attachments)
	}
}

// TestServeEmail_Multipart verifies form fields and files are read.
func TestServeEmail_Multipart(t *testing.T) {
	sub := &fakeSubmitter{}
	h := NewHandler(HandlerConfig{Submitter: sub})

	req := multipartRequest(t,
		map[string]string{
			"from":        "buyer@acme.test",
			"from_name":   "Jane Buyer",
			"subject":     "Order",
			"to":          "a@shop.test, b@shop.test",
			"received_at": "2026-02-03T04:05:06Z",
		},
		filePart{name: "order.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4 test")},
		filePart{name: "sheet.txt", contentType: "application/octet-stream", data: []byte("SKU,Qty\nW-1,5\n")},
	)
	rr := httptest.NewRecorder()

	h.ServeEmail(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (%s)", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	got := sub.subs[0]
	if got.FromName != "Jane Buyer" || len(got.To) != 2 || got.To[1] != "b@shop.test" {
		t.Errorf("unexpected fields: %+v", got)
	}
	if got.ReceivedAt.IsZero() {
		t.Error("received_at not parsed")
	}
	if len(got.Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(got.Attachments))
	}
	if !strings.HasPrefix(got.Attachments[1].ContentType, "text/plain") {
		t.Errorf("octet-stream upload should be sniffed, got %q", got.Attachments[1].ContentType)
	}
}

// TestServeEmail_RejectsFiles verifies the attachment boundary rules.
func TestServeEmail_RejectsFiles(t *testing.T) {
	fields := map[string]string{"from": "buyer@acme.test", "subject": "Order"}

	tests := []struct {
		name  string
		files []filePart
	}{
		{"disallowed extension", []filePart{{name: "tool.exe", contentType: "application/pdf", data: []byte("MZ")}}},
		{"disallowed type", []filePart{{name: "notes.txt", contentType: "application/x-msdownload", data: []byte("MZ")}}},
		{"too large", []filePart{{name: "big.txt", contentType: "text/plain", data: bytes.Repeat([]byte("a"), 2048)}}},
		{"too many files", []filePart{
			{name: "1.txt", contentType: "text/plain", data: []byte("1")},
			{name: "2.txt", contentType: "text/plain", data: []byte("2")},
			{name: "3.txt", contentType: "text/plain", data: []byte("3")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			h := NewHandler(HandlerConfig{Submitter: sub, MaxFileSize: 1024, MaxFiles: 2})
			rr := httptest.NewRecorder()

			h.ServeEmail(rr, multipartRequest(t, fields, tt.files...))

			if rr.Code != http.StatusBadRequest && rr.Code != http.StatusRequestEntityTooLarge {
				t.Errorf("status = %d, want 400 or 413", rr.Code)
			}
			if len(sub.subs) != 0 {
				t.Error("rejected submission reached the pipeline")
			}
		})
	}
}

// TestServeEmail_MissingFields verifies validation errors map to 400.
func TestServeEmail_MissingFields(t *testing.T) {
	h := NewHandler(HandlerConfig{Submitter: &fakeSubmitter{}})

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/email", strings.NewReader(`{"subject":"no sender"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	h.ServeEmail(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

// TestServeEmail_SubmitFailure verifies internal errors are not leaked.
func TestServeEmail_SubmitFailure(t *testing.T) {
	h := NewHandler(HandlerConfig{Submitter: &fakeSubmitter{err: errors.New("redis down")}})

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/email", strings.NewReader(`{"from":"a@b.test","subject":"x"}`))
	rr := httptest.NewRecorder()

	h.ServeEmail(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rr.Body.String(), "redis") {
		t.Errorf("response leaks internal error: %s", rr.Body.String())
	}
}

// TestServeEmail_MethodNotAllowed verifies only POST is served.
func TestServeEmail_MethodNotAllowed(t *testing.T) {
	h := NewHandler(HandlerConfig{Submitter: &fakeSubmitter{}})
	rr := httptest.NewRecorder()

	h.ServeEmail(rr, httptest.NewRequest(http.MethodGet, "/api/webhook/email", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}
