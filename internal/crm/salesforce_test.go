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

package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/syncer"
)

type fakeOrg struct {
	t          *testing.T
	srv        *httptest.Server
	logins     atomic.Int32
	expire     atomic.Bool // next data call answers 401
	mu         sync.Mutex
	accounts   []map[string]any
	orders     []map[string]any
	orderItems []map[string]any
}

func newFakeOrg(t *testing.T) *fakeOrg {
	f := &fakeOrg{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOrg) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/services/oauth2/token" {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "password" || r.Form.Get("password") != "secretTOKEN" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		f.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "session-1",
			"token_type":   "Bearer",
			"instance_url": f.srv.URL,
		})
		return
	}

	if r.Header.Get("Authorization") != "Bearer session-1" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.expire.CompareAndSwap(true, false) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/query"):
		q := r.URL.Query().Get("q")
		switch {
		case strings.Contains(q, "FROM Pricebook2"):
			writeRecords(w, "01s000000000001")
		case strings.Contains(q, "FROM Account") && strings.Contains(q, "'Existing Co'"):
			writeRecords(w, "001EXISTING")
		case strings.Contains(q, "FROM PricebookEntry") && strings.Contains(q, "'W-1'"):
			writeRecords(w, "01uWIDGET")
		case strings.Contains(q, "FROM PricebookEntry") && strings.Contains(q, "'GENERIC'"):
			writeRecords(w, "01uGENERIC")
		default:
			writeRecords(w)
		}
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sobjects/Account"):
		f.accounts = append(f.accounts, decodeBody(f.t, r))
		_, _ = w.Write([]byte(`{"id":"001NEW","success":true,"errors":[]}`))
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sobjects/Order"):
		f.orders = append(f.orders, decodeBody(f.t, r))
		_, _ = w.Write([]byte(`{"id":"801ORDER","success":true,"errors":[]}`))
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/sobjects/Order/801ORDER"):
		_, _ = w.Write([]byte(`{"OrderNumber":"00000100"}`))
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sobjects/OrderItem"):
		f.orderItems = append(f.orderItems, decodeBody(f.t, r))
		_, _ = w.Write([]byte(`{"id":"802ITEM","success":true,"errors":[]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`[{"message":"The requested resource does not exist","errorCode":"NOT_FOUND"}]`))
	}
}

func writeRecords(w http.ResponseWriter, ids ...string) {
	recs := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, map[string]string{"Id": id})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"totalSize": len(ids), "records": recs})
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Errorf("decode request body: %v", err)
	}
	return m
}

func newTestClient(f *fakeOrg) *Client {
	return New(Config{
		LoginURL:      f.srv.URL,
		ClientID:      "cid",
		ClientSecret:  "csecret",
		Username:      "ops@example.com",
		Password:      "secret",
		SecurityToken: "TOKEN",
		HTTPClient:    f.srv.Client(),
	})
}

func TestEnabled(t *testing.T) {
	if New(Config{}).Enabled() {
		t.Error("client without credentials should be disabled")
	}
	if !New(Config{ClientID: "c", Username: "u", Password: "p"}).Enabled() {
		t.Error("client with credentials should be enabled")
	}
}

func TestUpsertCustomer(t *testing.T) {
	f := newFakeOrg(t)
	c := newTestClient(f)
	ctx := context.Background()

	id, err := c.UpsertCustomer(ctx, models.Customer{Company: "Existing Co"})
	if err != nil {
		t.Fatalf("UpsertCustomer: %v", err)
	}
	if id != "001EXISTING" {
		t.Errorf("expected existing account, got %q", id)
	}

	id, err = c.UpsertCustomer(ctx, models.Customer{Name: "O'Brien Supplies", Phone: "555-0100"})
	if err != nil {
		t.Fatalf("UpsertCustomer: %v", err)
	}
	if id != "001NEW" {
		t.Errorf("expected new account, got %q", id)
	}
	if len(f.accounts) != 1 || f.accounts[0]["Name"] != "O'Brien Supplies" || f.accounts[0]["Phone"] != "555-0100" {
		t.Errorf("unexpected account payload: %v", f.accounts)
	}
	if f.logins.Load() != 1 {
		t.Errorf("expected a single login, got %d", f.logins.Load())
	}
}

func TestConcurrentCallsShareLogin(t *testing.T) {
	f := newFakeOrg(t)
	c := newTestClient(f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.UpsertCustomer(context.Background(), models.Customer{Company: "Existing Co"}); err != nil {
				t.Errorf("UpsertCustomer: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.logins.Load(); got != 1 {
		t.Errorf("expected 1 login, got %d", got)
	}
}

func TestExpiredSessionReconnects(t *testing.T) {
	f := newFakeOrg(t)
	c := newTestClient(f)
	ctx := context.Background()

	if _, err := c.CheckConnection(ctx); err != nil {
		t.Fatalf("CheckConnection: %v", err)
	}
	f.expire.Store(true)
	if _, err := c.UpsertCustomer(ctx, models.Customer{Company: "Existing Co"}); err == nil {
		t.Fatal("expected error for expired session")
	}
	if _, err := c.UpsertCustomer(ctx, models.Customer{Company: "Existing Co"}); err != nil {
		t.Fatalf("UpsertCustomer after reconnect: %v", err)
	}
	if got := f.logins.Load(); got != 2 {
		t.Errorf("expected 2 logins, got %d", got)
	}
}

func TestCreateOrderHeaderAndLines(t *testing.T) {
	f := newFakeOrg(t)
	c := newTestClient(f)
	ctx := context.Background()

	order := &models.Order{
		ID:          "o-1",
		TrackingKey: "email_abc",
		OrderDate:   time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	}
	ref, err := c.CreateOrderHeader(ctx, order, "001NEW")
	if err != nil {
		t.Fatalf("CreateOrderHeader: %v", err)
	}
	if ref.ID != "801ORDER" || ref.Number != "00000100" {
		t.Errorf("unexpected ref: %+v", ref)
	}
	hdr := f.orders[0]
	if hdr["EffectiveDate"] != "2026-03-09" || hdr["Pricebook2Id"] != "01s000000000001" || hdr["Status"] != "Draft" {
		t.Errorf("unexpected order payload: %v", hdr)
	}
	if !strings.Contains(hdr["Description"].(string), "email_abc") {
		t.Errorf("description should carry tracking key: %v", hdr["Description"])
	}

	tests := []struct {
		name      string
		line      models.LineItem
		ref       syncer.LineRef
		wantErr   bool
		wantEntry string
	}{
		{"catalog match", models.LineItem{Description: "Widget", SKU: "W-1", Quantity: 2, UnitPrice: 5}, syncer.RefCatalog, false, "01uWIDGET"},
		{"catalog miss", models.LineItem{Description: "Gizmo", SKU: "Z-9", Quantity: 1, UnitPrice: 3}, syncer.RefCatalog, true, ""},
		{"catalog without sku", models.LineItem{Description: "Gizmo", Quantity: 1}, syncer.RefCatalog, true, ""},
		{"ledger generic", models.LineItem{Description: "Gizmo", Quantity: 1, UnitPrice: 3}, syncer.RefLedger, false, "01uGENERIC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.orderItems)
			err := c.CreateOrderLine(ctx, ref, tt.line, tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateOrderLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(f.orderItems) != before+1 {
				t.Fatalf("expected an order item to be created")
			}
			item := f.orderItems[len(f.orderItems)-1]
			if item["PricebookEntryId"] != tt.wantEntry || item["OrderId"] != "801ORDER" {
				t.Errorf("unexpected item payload: %v", item)
			}
		})
	}
}

func TestLoginRejected(t *testing.T) {
	f := newFakeOrg(t)
	c := newTestClient(f)
	c.cfg.SecurityToken = "WRONG"

	if _, err := c.CheckConnection(context.Background()); err == nil {
		t.Fatal("expected login error")
	}
}
