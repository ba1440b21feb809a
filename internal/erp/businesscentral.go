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

// Package erp syncs orders into Microsoft Dynamics 365 Business Central
// through its v2.0 REST API.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/syncer"
)

const (
	// TargetName identifies this target in an order's sync records.
	TargetName = "business_central"

	DefaultScope       = "https://api.businesscentral.dynamics.com/.default"
	DefaultEnvironment = "production"
)

// Config holds the connection settings for Business Central.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Environment  string
	// CompanyID is detected from the first company when empty.
	CompanyID string
	// GLAccount is the account number ledger lines are booked against.
	GLAccount string
	// BaseURL and TokenURL override the derived endpoints.
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// Client implements syncer.Target for Business Central.
type Client struct {
	cfg  Config
	base string
	http *http.Client

	group     singleflight.Group
	mu        sync.Mutex
	companyID string
}

var _ syncer.Target = (*Client)(nil)

// New creates a Business Central client.
func New(cfg Config) *Client {
	if cfg.Environment == "" {
		cfg.Environment = DefaultEnvironment
	}
	base := cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://api.businesscentral.dynamics.com/v2.0/%s/%s/api/v2.0", cfg.TenantID, cfg.Environment)
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{DefaultScope},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)

	return &Client{
		cfg:       cfg,
		base:      strings.TrimRight(base, "/"),
		http:      creds.Client(ctx),
		companyID: cfg.CompanyID,
	}
}

func (c *Client) Name() string { return TargetName }

// Enabled reports whether credentials are configured.
func (c *Client) Enabled() bool {
	return c.cfg.TenantID != "" && c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

type company struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TestConnection lists companies and returns the id in use, detecting it
// from the first company when none is configured.
func (c *Client) TestConnection(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("business central credentials not configured")
	}

	var list struct {
		Value []company `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, c.base+"/companies", nil, &list); err != nil {
		return "", fmt.Errorf("list companies: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.companyID == "" {
		if len(list.Value) == 0 {
			return "", fmt.Errorf("business central has no companies")
		}
		c.companyID = list.Value[0].ID
		slog.Info("business central company auto-detected", "company_id", c.companyID, "name", list.Value[0].Name)
	}
	slog.Info("connected to business central", "company_id", c.companyID)
	return c.companyID, nil
}

// companyURL returns the company URL prefix, running detection once.
func (c *Client) companyURL(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.companyID
	c.mu.Unlock()
	if id == "" {
		v, err, _ := c.group.Do("company", func() (any, error) {
			return c.TestConnection(ctx)
		})
		if err != nil {
			return "", err
		}
		id = v.(string)
	}
	return fmt.Sprintf("%s/companies(%s)", c.base, id), nil
}

type entity struct {
	ID     string `json:"id"`
	Number string `json:"number"`
}

// UpsertCustomer looks the customer up by email, then display name, and
// creates it when neither matches.
func (c *Client) UpsertCustomer(ctx context.Context, cust models.Customer) (string, error) {
	cu, err := c.companyURL(ctx)
	if err != nil {
		return "", err
	}

	name := cust.DisplayName()
	filters := make([]string, 0, 2)
	if cust.Email != "" {
		filters = append(filters, fmt.Sprintf("email eq '%s'", escapeOData(cust.Email)))
	}
	filters = append(filters, fmt.Sprintf("displayName eq '%s'", escapeOData(name)))

	for _, f := range filters {
		var found struct {
			Value []entity `json:"value"`
		}
		u := cu + "/customers?$filter=" + url.QueryEscape(f)
		if err := c.do(ctx, http.MethodGet, u, nil, &found); err != nil {
			return "", fmt.Errorf("find customer: %w", err)
		}
		if len(found.Value) > 0 {
			return found.Value[0].ID, nil
		}
	}

	payload := map[string]any{"displayName": name}
	if cust.Email != "" {
		payload["email"] = cust.Email
	}
	if cust.Phone != "" {
		payload["phoneNumber"] = cust.Phone
	}
	if cust.Address != "" {
		payload["addressLine1"] = cust.Address
	}
	var created entity
	if err := c.do(ctx, http.MethodPost, cu+"/customers", payload, &created); err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	slog.Info("business central customer created", "customer_id", created.ID, "number", created.Number, "name", name)
	return created.ID, nil
}

// CreateOrderHeader creates a sales order whose external document number
// carries the tracking key.
func (c *Client) CreateOrderHeader(ctx context.Context, o *models.Order, customerID string) (syncer.ExternalRef, error) {
	cu, err := c.companyURL(ctx)
	if err != nil {
		return syncer.ExternalRef{}, err
	}

	date := o.OrderDate
	if date.IsZero() {
		date = time.Now().UTC()
	}
	payload := map[string]any{
		"customerId":             customerID,
		"orderDate":              date.Format("2006-01-02"),
		"externalDocumentNumber": ExternalDocumentNumber(o.TrackingKey),
	}
	var created entity
	if err := c.do(ctx, http.MethodPost, cu+"/salesOrders", payload, &created); err != nil {
		return syncer.ExternalRef{}, fmt.Errorf("create sales order: %w", err)
	}
	return syncer.ExternalRef{ID: created.ID, Number: created.Number}, nil
}

// CreateOrderLine adds a sales order line. Catalog lines reference the
// item whose number is the SKU; ledger lines reference the configured
// G/L account.
func (c *Client) CreateOrderLine(ctx context.Context, header syncer.ExternalRef, line models.LineItem, ref syncer.LineRef) error {
	cu, err := c.companyURL(ctx)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"description": truncate(line.Description, 100),
		"quantity":    quantity(line.Quantity),
		"unitPrice":   line.UnitPrice,
	}
	switch ref {
	case syncer.RefCatalog:
		if line.SKU == "" {
			return fmt.Errorf("line %q has no sku", line.Description)
		}
		payload["lineType"] = "Item"
		payload["lineObjectNumber"] = line.SKU
	case syncer.RefLedger:
		if c.cfg.GLAccount == "" {
			return fmt.Errorf("no G/L account configured for line %q", line.Description)
		}
		payload["lineType"] = "Account"
		payload["lineObjectNumber"] = c.cfg.GLAccount
	}

	u := fmt.Sprintf("%s/salesOrders(%s)/salesOrderLines", cu, header.ID)
	if err := c.do(ctx, http.MethodPost, u, payload, nil); err != nil {
		return fmt.Errorf("create %s line: %w", ref, err)
	}
	return nil
}

// ExternalDocumentNumber is the reference stamped on sales orders.
func ExternalDocumentNumber(trackingKey string) string {
	return truncate("TRACK-"+trackingKey, 35)
}

// apiError mirrors the OData error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("business central %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
			return fmt.Errorf("business central returned HTTP %d: %s: %s", resp.StatusCode, e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("business central returned HTTP %d", resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func escapeOData(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func quantity(q float64) float64 {
	if q <= 0 {
		return 1
	}
	return q
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
