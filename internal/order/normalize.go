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

package order

import (
	"strings"
	"time"

	"github.com/bcem/orderintake/internal/extraction"
	"github.com/bcem/orderintake/internal/models"
)

const defaultCurrency = "USD"

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"2 January 2006",
	"January 2, 2006",
}

// FromCandidate builds an unsaved order from an accepted candidate,
// applying every defaulting rule in one place.
func FromCandidate(msg *models.Message, c extraction.Candidate, now time.Time) models.Order {
	items := NormalizeItems(c.Items)
	if len(items) == 0 && c.TotalAmount != nil && *c.TotalAmount > 0 {
		total := models.RoundAmount(float64(*c.TotalAmount))
		items = []models.LineItem{{
			Description: "Order total",
			Quantity:    1,
			UnitPrice:   total,
			TotalPrice:  total,
		}}
	}

	o := models.Order{
		MessageID:        msg.ID,
		TrackingKey:      msg.TrackingKey,
		ExtractedOrderID: strings.TrimSpace(c.ExtractedOrderID),
		Customer:         customer(msg, c.Customer),
		Items:            items,
		Currency:         c.Currency,
		OrderDate:        orderDate(c.OrderDate, msg, now),
		Status:           models.OrderDraft,
		Confidence:       c.Score(),
		RawExtraction:    c.Raw,
		SyncStatus:       models.SyncPending,
	}
	if o.Currency == "" {
		o.Currency = defaultCurrency
	}
	o.TotalAmount = o.ItemsTotal()
	return o
}

// NormalizeItems fills in absent quantities, prices and line totals. The
// line total is always quantity times unit price; a stated total is only
// used to derive a missing unit price. Applying it to its own output is a
// no-op.
func NormalizeItems(in []extraction.CandidateItem) []models.LineItem {
	out := make([]models.LineItem, 0, len(in))
	for _, it := range in {
		qty := 1.0
		if it.Quantity != nil && *it.Quantity > 0 {
			qty = float64(*it.Quantity)
		}

		var unit float64
		switch {
		case it.UnitPrice != nil:
			unit = float64(*it.UnitPrice)
		case it.TotalPrice != nil:
			unit = float64(*it.TotalPrice) / qty
		}

		desc := strings.TrimSpace(it.Description)
		if desc == "" {
			desc = strings.TrimSpace(it.SKU)
		}
		if desc == "" {
			desc = "Item"
		}

		out = append(out, models.LineItem{
			Description: desc,
			Quantity:    qty,
			UnitPrice:   unit,
			TotalPrice:  lineTotal(qty, unit),
			SKU:         strings.TrimSpace(it.SKU),
		})
	}
	return out
}

func lineTotal(qty, unit float64) float64 {
	return models.RoundAmount(qty * unit)
}

func customer(msg *models.Message, c extraction.CandidateCustomer) models.Customer {
	out := models.Customer{
		Name:    strings.TrimSpace(c.Name),
		Email:   strings.TrimSpace(c.Email),
		Phone:   strings.TrimSpace(c.Phone),
		Address: strings.TrimSpace(c.Address),
		Company: strings.TrimSpace(c.Company),
	}
	if out.Name == "" {
		out.Name = msg.SenderName
	}
	if out.Email == "" {
		out.Email = msg.From
	}
	return out
}

func orderDate(s string, msg *models.Message, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if !msg.ReceivedAt.IsZero() {
		return msg.ReceivedAt
	}
	return now
}
