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

package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedResponse is returned when the model output is not the JSON
// shape we asked for.
var ErrMalformedResponse = errors.New("malformed extraction response")

// Number is a JSON number that also accepts numeric strings such as
// "1,250.00" or "$45". Separators and currency symbols are stripped.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseAmount(s)
		if err != nil {
			return err
		}
		*n = Number(v)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("number: %w", err)
	}
	*n = Number(f)
	return nil
}

// ParseAmount cleans a human-formatted amount and parses it. Everything but
// digits, the decimal point and a leading minus is dropped.
func ParseAmount(s string) (float64, error) {
	var sb strings.Builder
	for i, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9', r == '.':
			sb.WriteRune(r)
		case r == '-' && i == 0:
			sb.WriteRune(r)
		}
	}
	clean := sb.String()
	if clean == "" || clean == "-" {
		return 0, fmt.Errorf("no digits in %q", s)
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// CandidateCustomer is the buyer block of a candidate. Empty means unknown.
type CandidateCustomer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Company string `json:"company"`
}

// CandidateItem is one line of a candidate. Nil numbers were absent.
type CandidateItem struct {
	Description string  `json:"description"`
	Quantity    *Number `json:"quantity" validate:"omitempty,gte=0"`
	UnitPrice   *Number `json:"unitPrice" validate:"omitempty,gte=0"`
	TotalPrice  *Number `json:"totalPrice" validate:"omitempty,gte=0"`
	SKU         string  `json:"sku"`
}

// Candidate is an unpersisted order proposed by the model.
type Candidate struct {
	ExtractedOrderID string            `json:"extractedOrderId"`
	Customer         CandidateCustomer `json:"customer"`
	Items            []CandidateItem   `json:"items" validate:"dive"`
	TotalAmount      *Number           `json:"totalAmount" validate:"omitempty,gte=0"`
	Currency         string            `json:"currency"`
	OrderDate        string            `json:"orderDate"`
	Confidence       *Number           `json:"confidence" validate:"required,gte=0,lte=1"`

	// Raw is the candidate exactly as the model returned it.
	Raw json.RawMessage `json:"-"`
}

// Score is the confidence, zero when absent.
func (c Candidate) Score() float64 {
	if c.Confidence == nil {
		return 0
	}
	return float64(*c.Confidence)
}

var validate = validator.New()

// ParseResponse decodes model output into candidates. Three shapes are
// accepted: {"orders": [...]} or a bare array for several orders and a
// bare candidate object for one. Candidates failing validation are dropped
// and logged.
func ParseResponse(content string) ([]Candidate, error) {
	content = stripFences(content)

	var raws []json.RawMessage
	if strings.HasPrefix(content, "[") {
		if err := json.Unmarshal([]byte(content), &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return decodeCandidates(raws), nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if orders, ok := top["orders"]; ok {
		if err := json.Unmarshal(orders, &raws); err != nil {
			return nil, fmt.Errorf("%w: orders: %v", ErrMalformedResponse, err)
		}
	} else {
		raws = []json.RawMessage{json.RawMessage(content)}
	}
	return decodeCandidates(raws), nil
}

func decodeCandidates(raws []json.RawMessage) []Candidate {
	out := make([]Candidate, 0, len(raws))
	for i, raw := range raws {
		var c Candidate
		if err := json.Unmarshal(raw, &c); err != nil {
			slog.Warn("dropping undecodable candidate", "index", i, "error", err)
			continue
		}
		if err := validate.Struct(c); err != nil {
			slog.Warn("dropping invalid candidate", "index", i, "error", err)
			continue
		}
		c.Currency = normalizeCurrency(c.Currency)
		c.Raw = append(json.RawMessage(nil), raw...)
		out = append(out, c)
	}
	return out
}

// normalizeCurrency keeps three-letter codes and blanks anything else.
func normalizeCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 3 {
		return ""
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return ""
		}
	}
	return s
}

// stripFences removes a Markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
