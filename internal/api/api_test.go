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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/pipeline"
	"github.com/bcem/orderintake/internal/store"
)

const testToken = "admin-token"

type fakeOperator struct {
	st      *store.Memory
	resyncs []string
	forced  bool
}

func (f *fakeOperator) Reprocess(ctx context.Context, key string) (*pipeline.ReprocessResult, error) {
	if _, err := f.st.GetMessage(ctx, key); err != nil {
		return nil, err
	}
	return &pipeline.ReprocessResult{Detail: "No order found in message"}, nil
}

func (f *fakeOperator) Convert(ctx context.Context, key string) (*models.Order, error) {
	msg, err := f.st.GetMessage(ctx, key)
	if err != nil {
		return nil, err
	}
	o := &models.Order{MessageID: msg.ID, TrackingKey: key, Status: models.OrderDraft, SyncStatus: models.SyncPending}
	if err := f.st.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (f *fakeOperator) Resync(_ context.Context, id string, force bool) error {
	f.resyncs = append(f.resyncs, id)
	f.forced = force
	return nil
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("down") }

func setup(t *testing.T) (http.Handler, *store.Memory, *fakeOperator) {
	t.Helper()
	st := store.NewMemory()
	op := &fakeOperator{st: st}
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	h := NewRouter(Deps{Store: st, Operator: op, Webhook: webhook, Token: testToken})
	return h, st, op
}

func seedMessage(t *testing.T, st *store.Memory, key string, status models.MessageStatus, received time.Time) *models.Message {
	t.Helper()
	ctx := context.Background()
	m, _, err := st.UpsertMessage(ctx, models.Message{
		TrackingKey: key,
		From:        "buyer@example.com",
		Subject:     "PO " + key,
		ReceivedAt:  received,
		Priority:    models.PriorityNormal,
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Status = status
	if err := st.UpdateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	return m
}

func do(t *testing.T, h http.Handler, method, target string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h, _, _ := setup(t)

	if rec := do(t, h, http.MethodGet, "/api/messages", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/messages", true); rec.Code != http.StatusOK {
		t.Errorf("with token: status = %d", rec.Code)
	}
	// The inbound webhook is open.
	if rec := do(t, h, http.MethodPost, "/api/webhook/email", false); rec.Code != http.StatusAccepted {
		t.Errorf("webhook: status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h, _, _ := setup(t)
	if rec := do(t, h, http.MethodGet, "/health", false); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	st := store.NewMemory()
	down := NewRouter(Deps{Store: st, Health: map[string]Pinger{"redis": downPinger{}}})
	rec := do(t, down, http.MethodGet, "/health", false)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis unhealthy") {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestListMessagesPaginatesAndFilters(t *testing.T) {
	h, st, _ := setup(t)
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i, key := range []string{"a", "b", "c"} {
		seedMessage(t, st, key, models.StatusCompleted, base.Add(time.Duration(i)*time.Hour))
	}
	seedMessage(t, st, "d", models.StatusFailed, base)

	rec := do(t, h, http.MethodGet, "/api/messages?status=completed&limit=2&page=1", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got messageList
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[0].TrackingKey != "c" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Pagination.Total != 3 || got.Pagination.TotalPages != 2 || !got.Pagination.HasNext || got.Pagination.HasPrev {
		t.Errorf("pagination = %+v", got.Pagination)
	}

	if rec := do(t, h, http.MethodGet, "/api/messages?status=bogus", true); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: %d", rec.Code)
	}
}

func TestMessageDetailAndDelete(t *testing.T) {
	h, st, _ := setup(t)
	m := seedMessage(t, st, "k1", models.StatusCompleted, time.Now())
	if err := st.CreateOrder(context.Background(), &models.Order{MessageID: m.ID, TrackingKey: "k1"}); err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, http.MethodGet, "/api/messages/k1", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var detail struct {
		Message models.Message `json:"message"`
		Orders  []models.Order `json:"orders"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Message.TrackingKey != "k1" || len(detail.Orders) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	if rec := do(t, h, http.MethodDelete, "/api/messages/k1", true); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/messages/k1", true); rec.Code != http.StatusNotFound {
		t.Errorf("after delete status = %d", rec.Code)
	}
	orders, _, _ := st.ListOrders(context.Background(), models.OrderFilter{}, models.Page{})
	if len(orders) != 0 {
		t.Errorf("orders left after delete: %d", len(orders))
	}
}

func TestReprocessAndConvert(t *testing.T) {
	h, st, _ := setup(t)
	seedMessage(t, st, "k2", models.StatusCompleted, time.Now())

	rec := do(t, h, http.MethodPost, "/api/messages/k2/reprocess", true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "No order found") {
		t.Errorf("reprocess = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/messages/k2/convert", true)
	if rec.Code != http.StatusCreated {
		t.Errorf("convert status = %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/api/messages/missing/convert", true); rec.Code != http.StatusNotFound {
		t.Errorf("convert missing = %d", rec.Code)
	}
}

func TestOrderEndpoints(t *testing.T) {
	h, st, op := setup(t)
	m := seedMessage(t, st, "k3", models.StatusCompleted, time.Now())
	o := &models.Order{MessageID: m.ID, TrackingKey: "k3", SyncStatus: models.SyncFailed, TotalAmount: 50, Confidence: 0.8}
	if err := st.CreateOrder(context.Background(), o); err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, http.MethodGet, "/api/orders?sync_status=failed", true)
	var list orderList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Orders) != 1 || list.Orders[0].ID != o.ID {
		t.Errorf("orders = %+v", list.Orders)
	}

	rec = do(t, h, http.MethodGet, "/api/orders/stats", true)
	var stats models.OrderStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 || stats.Failed != 1 || stats.TotalValue != 50 {
		t.Errorf("stats = %+v", stats)
	}

	rec = do(t, h, http.MethodPost, "/api/orders/"+o.ID+"/sync?force=true", true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("sync status = %d", rec.Code)
	}
	if len(op.resyncs) != 1 || !op.forced {
		t.Errorf("resyncs = %v forced = %v", op.resyncs, op.forced)
	}

	if rec := do(t, h, http.MethodPost, "/api/orders/nope/sync", true); rec.Code != http.StatusNotFound {
		t.Errorf("sync missing = %d", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/api/orders/"+o.ID, true); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/orders/"+o.ID, true); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}
