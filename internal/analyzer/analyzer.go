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

// Package analyzer derives structural features from raw message text.
// Everything here is pure and deterministic; the heuristics are best-effort
// and not validators.
package analyzer

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bcem/orderintake/internal/models"
)

// DefaultKeywordCount is how many keywords Analyze returns.
const DefaultKeywordCount = 10

var (
	urlPattern   = regexp.MustCompile(`[A-Za-z][A-Za-z0-9+.\-]*://\S+`)
	emailPattern = regexp.MustCompile(`[\w.\-]+@[\w.\-]+\.\w+`)
	phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}`)
	tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "is": true, "was": true, "are": true, "were": true,
	"been": true, "be": true, "have": true, "has": true, "this": true,
	"that": true, "from": true, "will": true, "your": true,
}

var urgencyKeywords = []string{"urgent", "asap", "emergency", "critical", "immediately"}

// Analyze extracts word count, URLs, e-mail addresses, phone numbers and the
// top keywords from body. An empty body yields an empty record.
func Analyze(body string) models.Analysis {
	a := models.Analysis{
		URLs:     []string{},
		Emails:   []string{},
		Phones:   []string{},
		Keywords: []models.Keyword{},
	}
	if strings.TrimSpace(body) == "" {
		return a
	}

	a.WordCount = len(strings.Fields(body))
	if m := urlPattern.FindAllString(body, -1); m != nil {
		a.URLs = m
	}
	a.HasURLs = len(a.URLs) > 0
	if m := emailPattern.FindAllString(body, -1); m != nil {
		a.Emails = m
	}
	if m := phonePattern.FindAllString(body, -1); m != nil {
		a.Phones = m
	}
	a.Keywords = Keywords(body, DefaultKeywordCount)
	return a
}

// Keywords returns the n most frequent tokens longer than three characters
// that are not stop words. Ties keep first-seen order.
func Keywords(text string, n int) []models.Keyword {
	counts := make(map[string]int)
	var order []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if utf8.RuneCountInString(tok) <= 3 || stopWords[tok] {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}

	out := make([]models.Keyword, 0, len(order))
	for _, w := range order {
		out = append(out, models.Keyword{Word: w, Count: counts[w]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Priority classifies a message as high when subject or body mention any
// urgency keyword, otherwise normal.
func Priority(subject, body string) models.Priority {
	text := strings.ToLower(subject + " " + body)
	for _, k := range urgencyKeywords {
		if strings.Contains(text, k) {
			return models.PriorityHigh
		}
	}
	return models.PriorityNormal
}

// SenderName picks a human name for a sender. The display name wins; without
// one the local part of the address is title-cased ("jane.doe" → "Jane Doe").
func SenderName(address, displayName string) string {
	if n := strings.TrimSpace(displayName); n != "" {
		return n
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return "Unknown"
	}
	local, _, _ := strings.Cut(address, "@")
	words := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || unicode.IsSpace(r)
	})
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	if len(words) == 0 {
		return "Unknown"
	}
	return strings.Join(words, " ")
}
