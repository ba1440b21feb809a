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
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/bcem/orderintake/internal/extraction"
	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	cands []extraction.Candidate
	err   error
	calls int
	texts []string
}

func (f *fakeExtractor) Extract(_ context.Context, text string) ([]extraction.Candidate, error) {
	f.calls++
	f.texts = append(f.texts, text)
	return f.cands, f.err
}

type recordingScheduler struct {
	ids []string
}

func (r *recordingScheduler) ScheduleSync(_ context.Context, id string) error {
	r.ids = append(r.ids, id)
	return nil
}

func num(v float64) *extraction.Number {
	n := extraction.Number(v)
	return &n
}

func candidate(conf float64, items ...extraction.CandidateItem) extraction.Candidate {
	raw, _ := json.Marshal(map[string]any{"confidence": conf})
	return extraction.Candidate{Confidence: num(conf), Items: items, Raw: raw}
}

func item(desc string, qty, unit float64) extraction.CandidateItem {
	return extraction.CandidateItem{Description: desc, Quantity: num(qty), UnitPrice: num(unit)}
}

func setup(t *testing.T, ex *fakeExtractor) (*Materializer, *store.Memory, *models.Message, *recordingScheduler) {
	t.Helper()
	st := store.NewMemory()
	msg, _, err := st.UpsertMessage(context.Background(), models.Message{
		TrackingKey: "email_1",
		From:        "buyer@acme.com",
		SenderName:  "Buyer Bob",
		Subject:     "PO",
		Body:        "please ship",
		ReceivedAt:  time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	})
	require.NoError(t, err)
	sched := &recordingScheduler{}
	return NewMaterializer(st, ex, sched), st, msg, sched
}

func TestMaterialize_ThresholdBoundary(t *testing.T) {
	ex := &fakeExtractor{cands: []extraction.Candidate{
		candidate(0.2, item("at threshold", 1, 10)),
		candidate(0.19, item("below", 1, 10)),
		candidate(0.95, item("clear", 1, 10)),
	}}
	m, _, msg, sched := setup(t, ex)

	orders, err := m.Materialize(context.Background(), msg, nil)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "at threshold", orders[0].Items[0].Description)
	assert.Equal(t, "clear", orders[1].Items[0].Description)
	assert.Len(t, sched.ids, 2)
}

func TestMaterialize_AtMostOncePerMessage(t *testing.T) {
	ex := &fakeExtractor{cands: []extraction.Candidate{candidate(0.9, item("W", 1, 10))}}
	m, _, msg, _ := setup(t, ex)

	first, err := m.Materialize(context.Background(), msg, nil)
	require.NoError(t, err)
	second, err := m.Materialize(context.Background(), msg, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, ex.calls)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

// failingStore fails the failOn-th CreateOrder.
type failingStore struct {
	*store.Memory
	failOn int
	n      int
}

func (f *failingStore) CreateOrder(ctx context.Context, o *models.Order) error {
	f.n++
	if f.n == f.failOn {
		return fmt.Errorf("connection lost")
	}
	return f.Memory.CreateOrder(ctx, o)
}

func TestMaterialize_PartialSaveIsRolledBack(t *testing.T) {
	ex := &fakeExtractor{cands: []extraction.Candidate{
		candidate(0.9, item("A", 1, 10)),
		candidate(0.9, item("B", 1, 20)),
		candidate(0.9, item("C", 1, 30)),
	}}
	_, mem, msg, sched := setup(t, ex)
	fs := &failingStore{Memory: mem, failOn: 2}
	m := NewMaterializer(fs, ex, sched)
	ctx := context.Background()

	_, err := m.Materialize(ctx, msg, nil)
	require.ErrorContains(t, err, "connection lost")
	left, err := mem.OrdersForMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Empty(t, sched.ids)

	fs.failOn = 0
	orders, err := m.Materialize(ctx, msg, nil)
	require.NoError(t, err)
	assert.Len(t, orders, 3)
	assert.Equal(t, 2, ex.calls)
	assert.Len(t, sched.ids, 3)
}

func TestMaterialize_PassesAttachmentText(t *testing.T) {
	ex := &fakeExtractor{}
	m, _, msg, _ := setup(t, ex)

	orders, err := m.Materialize(context.Background(), msg, []extraction.Document{{Name: "po.pdf", Text: "5 x W"}})
	require.NoError(t, err)
	assert.Empty(t, orders)
	require.Len(t, ex.texts, 1)
	assert.Contains(t, ex.texts[0], "[Attachment: po.pdf]\n5 x W")
}

func TestMaterialize_HardErrorPropagates(t *testing.T) {
	ex := &fakeExtractor{err: fmt.Errorf("wrapped: %w", extraction.ErrCapacityExhausted)}
	m, _, msg, _ := setup(t, ex)

	_, err := m.Materialize(context.Background(), msg, nil)
	assert.ErrorIs(t, err, extraction.ErrCapacityExhausted)
}

func TestMaterialize_PerRowOrders(t *testing.T) {
	john := candidate(0.9, item("W", 5, 10))
	john.Customer.Email = "john@x.com"
	john.ExtractedOrderID = "ORD-001"
	jane := candidate(0.9, item("G", 1, 150))
	jane.Customer.Email = "jane@x.com"
	jane.ExtractedOrderID = "ORD-002"

	m, _, msg, _ := setup(t, &fakeExtractor{cands: []extraction.Candidate{john, jane}})
	orders, err := m.Materialize(context.Background(), msg, nil)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Len(t, orders[0].Items, 1)
	assert.Equal(t, 50.0, orders[0].TotalAmount)
	assert.Equal(t, "john@x.com", orders[0].Customer.Email)
	assert.Equal(t, "Buyer Bob", orders[0].Customer.Name, "name falls back to sender")

	assert.Len(t, orders[1].Items, 1)
	assert.Equal(t, 150.0, orders[1].TotalAmount)
}

func TestMaterialize_LineItemTable(t *testing.T) {
	c := candidate(0.8)
	var want float64
	for i := 1; i <= 12; i++ {
		c.Items = append(c.Items, item(fmt.Sprintf("Part %d", i), float64(i), 2.5))
		want += float64(i) * 2.5
	}
	c.TotalAmount = num(1) // wrong on purpose

	m, _, msg, _ := setup(t, &fakeExtractor{cands: []extraction.Candidate{c}})
	orders, err := m.Materialize(context.Background(), msg, nil)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Len(t, orders[0].Items, 12)
	assert.InDelta(t, want, orders[0].TotalAmount, models.AmountTolerance)
}

func TestFromCandidate_Defaults(t *testing.T) {
	msg := &models.Message{ID: "m1", TrackingKey: "email_1", From: "a@b.co", SenderName: "A B",
		ReceivedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := extraction.Candidate{
		Confidence:  num(0.5),
		TotalAmount: num(999),
		Items: []extraction.CandidateItem{
			{Description: "no qty", UnitPrice: num(4)},
			{Description: "total only", Quantity: num(4), TotalPrice: num(10)},
			{SKU: "SKU-9", Quantity: num(2), UnitPrice: num(3), TotalPrice: num(100)},
		},
	}
	o := FromCandidate(msg, c, time.Now())

	require.Len(t, o.Items, 3)
	assert.Equal(t, 1.0, o.Items[0].Quantity)
	assert.Equal(t, 4.0, o.Items[0].TotalPrice)
	assert.Equal(t, 2.5, o.Items[1].UnitPrice)
	assert.Equal(t, 10.0, o.Items[1].TotalPrice)
	assert.Equal(t, "SKU-9", o.Items[2].Description)
	assert.Equal(t, 6.0, o.Items[2].TotalPrice, "disagreeing line total is recomputed")

	assert.Equal(t, 20.0, o.TotalAmount, "computed sum wins over stated total")
	assert.Equal(t, "USD", o.Currency)
	assert.Equal(t, models.OrderDraft, o.Status)
	assert.Equal(t, models.SyncPending, o.SyncStatus)
	assert.Equal(t, msg.ReceivedAt, o.OrderDate)
	assert.Equal(t, models.Customer{Name: "A B", Email: "a@b.co"}, o.Customer)
}

func TestFromCandidate_TotalOnly(t *testing.T) {
	o := FromCandidate(&models.Message{}, extraction.Candidate{Confidence: num(0.5), TotalAmount: num(75)}, time.Now())
	require.Len(t, o.Items, 1)
	assert.Equal(t, 75.0, o.TotalAmount)
}

func TestFromCandidate_OrderDate(t *testing.T) {
	c := extraction.Candidate{Confidence: num(0.5), OrderDate: "2026-02-14"}
	o := FromCandidate(&models.Message{}, c, time.Now())
	assert.Equal(t, time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC), o.OrderDate)
}

func TestNormalizeItems_Idempotent(t *testing.T) {
	in := []extraction.CandidateItem{
		{Description: "a", Quantity: num(3), TotalPrice: num(100)},
		{Description: "b", Quantity: num(7), UnitPrice: num(1.15), TotalPrice: num(3)},
		{Description: "c", UnitPrice: num(0.333)},
	}
	first := NormalizeItems(in)

	again := make([]extraction.CandidateItem, len(first))
	for i, it := range first {
		again[i] = extraction.CandidateItem{
			Description: it.Description,
			Quantity:    num(it.Quantity),
			UnitPrice:   num(it.UnitPrice),
			TotalPrice:  num(it.TotalPrice),
		}
	}
	second := NormalizeItems(again)
	assert.Equal(t, first, second)

	for _, it := range first {
		assert.LessOrEqual(t, math.Abs(it.TotalPrice-it.Quantity*it.UnitPrice), models.AmountTolerance)
	}
}

func TestReprocess_ReplacesOrders(t *testing.T) {
	ex := &fakeExtractor{cands: []extraction.Candidate{candidate(0.9, item("W", 1, 10))}}
	m, st, msg, _ := setup(t, ex)

	first, err := m.Materialize(context.Background(), msg, nil)
	require.NoError(t, err)

	ex.cands = []extraction.Candidate{candidate(0.9, item("W", 2, 10)), candidate(0.9, item("G", 1, 5))}
	second, err := m.Reprocess(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.Len(t, second, 2)
	assert.Equal(t, 2, ex.calls)

	_, err = st.GetOrder(context.Background(), first[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConvert(t *testing.T) {
	ex := &fakeExtractor{}
	m, _, msg, sched := setup(t, ex)

	o, err := m.Convert(context.Background(), msg)
	require.NoError(t, err)
	assert.Zero(t, ex.calls)
	assert.Equal(t, 1.0, o.Confidence)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Manually Identified Order", o.Items[0].Description)
	assert.Equal(t, "Buyer Bob", o.Customer.Name)
	assert.Equal(t, "buyer@acme.com", o.Customer.Email)
	assert.JSONEq(t, `{"source":"manual_conversion","originalBody":"please ship"}`, string(o.RawExtraction))
	assert.Equal(t, []string{o.ID}, sched.ids)
}
