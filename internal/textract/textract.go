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

// Package textract turns attachment bytes into plain text, dispatching on
// the declared MIME type. Unsupported types yield a sentinel text rather
// than an error so the attachment can still be stored.
package textract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// UnsupportedText is stored for files whose type has no extractor.
const UnsupportedText = "[Unsupported file]"

// Extraction method tags.
const (
	MethodPDF         = "pdf"
	MethodDOCX        = "docx"
	MethodSpreadsheet = "xlsx"
	MethodPlain       = "plain"
	MethodNone        = "none"
)

// Result is the text extracted from one file.
type Result struct {
	Text   string
	Method string
}

// Extractor extracts text from attachment bytes.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract returns the plain text of data. contentType is the declared MIME
// type; when it is empty or generic the type is sniffed from the bytes.
func (e *Extractor) Extract(ctx context.Context, data []byte, contentType string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ct := strings.ToLower(ResolveType(data, contentType))

	switch {
	case strings.Contains(ct, "pdf"):
		text, err := extractPDF(data)
		if err != nil {
			return Result{}, fmt.Errorf("extract pdf: %w", err)
		}
		return Result{Text: text, Method: MethodPDF}, nil

	case strings.Contains(ct, "spreadsheetml"), strings.Contains(ct, "excel") && !strings.Contains(ct, "ms-excel"):
		text, err := extractSpreadsheet(data)
		if err != nil {
			return Result{}, fmt.Errorf("extract spreadsheet: %w", err)
		}
		return Result{Text: text, Method: MethodSpreadsheet}, nil

	case strings.Contains(ct, "wordprocessingml"):
		text, err := extractDOCX(data)
		if err != nil {
			return Result{}, fmt.Errorf("extract docx: %w", err)
		}
		return Result{Text: text, Method: MethodDOCX}, nil

	case strings.HasPrefix(ct, "text/"):
		return Result{Text: string(data), Method: MethodPlain}, nil
	}

	return Result{Text: UnsupportedText, Method: MethodNone}, nil
}

// ResolveType returns declared unless it is empty or application/octet-stream,
// in which case the type is detected from the content.
func ResolveType(data []byte, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, "application/octet-stream") {
		return declared
	}
	return mimetype.Detect(data).String()
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// extractSpreadsheet renders every sheet as CSV, one block per sheet.
func extractSpreadsheet(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				return "", err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// extractDOCX reads word/document.xml and keeps the text runs, one line per
// paragraph.
func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("word/document.xml not found")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var (
		sb     strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
