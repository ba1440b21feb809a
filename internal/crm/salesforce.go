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

// Package crm syncs orders into Salesforce through its REST API.
//
// The client authenticates with the OAuth2 username-password flow and keeps
// one session (instance URL, bearer token, standard pricebook) until the
// API rejects it.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/syncer"
)

const (
	// TargetName identifies this target in an order's sync records.
	TargetName = "salesforce"

	DefaultLoginURL    = "https://login.salesforce.com"
	DefaultAPIVersion  = "v59.0"
	DefaultGenericCode = "GENERIC"
)

// ErrNoPricebook is returned for line creation when the org has no active
// standard pricebook.
var ErrNoPricebook = errors.New("no standard pricebook")

// Config holds the connection settings for Salesforce.
type Config struct {
	LoginURL      string
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	SecurityToken string
	APIVersion    string
	// GenericProductCode is the product code of the pricebook entry used
	// for lines whose SKU has no catalog match.
	GenericProductCode string
	HTTPClient         *http.Client
}

// session is an authenticated connection.
type session struct {
	instanceURL string
	http        *http.Client
	pricebookID string
}

// Client implements syncer.Target for Salesforce.
type Client struct {
	cfg  Config
	base *http.Client

	group singleflight.Group
	mu    sync.Mutex
	sess  *session
}

var _ syncer.Target = (*Client)(nil)

// New creates a Salesforce client. No network call is made until first use.
func New(cfg Config) *Client {
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultLoginURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.GenericProductCode == "" {
		cfg.GenericProductCode = DefaultGenericCode
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, base: base}
}

func (c *Client) Name() string { return TargetName }

// Enabled reports whether credentials are configured.
func (c *Client) Enabled() bool {
	return c.cfg.ClientID != "" && c.cfg.Username != "" && c.cfg.Password != ""
}

// connect returns the cached session, logging in if there is none.
// Concurrent callers share a single login.
func (c *Client) connect(ctx context.Context) (*session, error) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}

	v, err, _ := c.group.Do("connect", func() (any, error) {
		c.mu.Lock()
		cached := c.sess
		c.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		s, err := c.login(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.sess = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// CheckConnection logs in (if needed) and returns the instance URL.
func (c *Client) CheckConnection(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("salesforce credentials not configured")
	}
	s, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	return s.instanceURL, nil
}

func (c *Client) login(ctx context.Context) (*session, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("salesforce credentials not configured")
	}

	oc := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(c.cfg.LoginURL, "/") + "/services/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	authCtx := context.WithValue(ctx, oauth2.HTTPClient, c.base)
	tok, err := oc.PasswordCredentialsToken(authCtx, c.cfg.Username, c.cfg.Password+c.cfg.SecurityToken)
	if err != nil {
		return nil, fmt.Errorf("salesforce login: %w", err)
	}
	instance, _ := tok.Extra("instance_url").(string)
	if instance == "" {
		return nil, fmt.Errorf("salesforce login: token response has no instance_url")
	}

	s := &session{
		instanceURL: strings.TrimRight(instance, "/"),
		http:        oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, c.base), oauth2.StaticTokenSource(tok)),
	}

	var pb queryResult
	if err := c.query(ctx, s, "SELECT Id FROM Pricebook2 WHERE IsStandard = true AND IsActive = true LIMIT 1", &pb); err != nil {
		slog.Warn("salesforce: standard pricebook lookup failed", "error", err)
	} else if len(pb.Records) > 0 {
		s.pricebookID = pb.Records[0].ID
	}

	slog.Info("connected to salesforce", "instance_url", s.instanceURL, "pricebook_id", s.pricebookID)
	return s, nil
}

// UpsertCustomer finds an Account by name or creates one.
func (c *Client) UpsertCustomer(ctx context.Context, cust models.Customer) (string, error) {
	s, err := c.connect(ctx)
	if err != nil {
		return "", err
	}

	name := cust.DisplayName()
	var found queryResult
	soql := fmt.Sprintf("SELECT Id FROM Account WHERE Name = '%s' LIMIT 1", escapeSOQL(name))
	if err := c.query(ctx, s, soql, &found); err != nil {
		return "", fmt.Errorf("find account: %w", err)
	}
	if len(found.Records) > 0 {
		return found.Records[0].ID, nil
	}

	account := map[string]any{"Name": name}
	if cust.Phone != "" {
		account["Phone"] = cust.Phone
	}
	if cust.Address != "" {
		account["BillingStreet"] = cust.Address
	}
	id, err := c.create(ctx, s, "Account", account)
	if err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	slog.Info("salesforce account created", "account_id", id, "name", name)
	return id, nil
}

// CreateOrderHeader creates a draft Order against the standard pricebook.
func (c *Client) CreateOrderHeader(ctx context.Context, o *models.Order, customerID string) (syncer.ExternalRef, error) {
	s, err := c.connect(ctx)
	if err != nil {
		return syncer.ExternalRef{}, err
	}

	date := o.OrderDate
	if date.IsZero() {
		date = time.Now().UTC()
	}
	fields := map[string]any{
		"AccountId":     customerID,
		"EffectiveDate": date.Format("2006-01-02"),
		"Status":        "Draft",
		"Description":   "Extracted from email. Tracking ID: " + o.TrackingKey,
	}
	if s.pricebookID != "" {
		fields["Pricebook2Id"] = s.pricebookID
	}
	id, err := c.create(ctx, s, "Order", fields)
	if err != nil {
		return syncer.ExternalRef{}, fmt.Errorf("create order: %w", err)
	}

	ref := syncer.ExternalRef{ID: id}
	var rec struct {
		OrderNumber string `json:"OrderNumber"`
	}
	path := fmt.Sprintf("/services/data/%s/sobjects/Order/%s?fields=OrderNumber", c.cfg.APIVersion, url.PathEscape(id))
	if err := c.do(ctx, s, http.MethodGet, path, nil, &rec); err != nil {
		slog.Warn("salesforce: order number lookup failed", "order_id", id, "error", err)
	} else {
		ref.Number = rec.OrderNumber
	}
	return ref, nil
}

// CreateOrderLine adds an OrderItem. Catalog lines match the SKU to a
// pricebook entry product code; ledger lines use the generic entry.
func (c *Client) CreateOrderLine(ctx context.Context, header syncer.ExternalRef, line models.LineItem, ref syncer.LineRef) error {
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if s.pricebookID == "" {
		return ErrNoPricebook
	}

	code := c.cfg.GenericProductCode
	if ref == syncer.RefCatalog {
		if line.SKU == "" {
			return fmt.Errorf("line %q has no sku", line.Description)
		}
		code = line.SKU
	}

	var entries queryResult
	soql := fmt.Sprintf("SELECT Id FROM PricebookEntry WHERE Pricebook2Id = '%s' AND ProductCode = '%s' AND IsActive = true LIMIT 1",
		escapeSOQL(s.pricebookID), escapeSOQL(code))
	if err := c.query(ctx, s, soql, &entries); err != nil {
		return fmt.Errorf("find pricebook entry %s: %w", code, err)
	}
	if len(entries.Records) == 0 {
		return fmt.Errorf("no pricebook entry for product code %s", code)
	}

	qty := line.Quantity
	if qty <= 0 {
		qty = 1
	}
	_, err = c.create(ctx, s, "OrderItem", map[string]any{
		"OrderId":          header.ID,
		"PricebookEntryId": entries.Records[0].ID,
		"Quantity":         qty,
		"UnitPrice":        line.UnitPrice,
		"Description":      line.Description,
	})
	if err != nil {
		return fmt.Errorf("create order item: %w", err)
	}
	return nil
}

type queryResult struct {
	TotalSize int `json:"totalSize"`
	Records   []struct {
		ID string `json:"Id"`
	} `json:"records"`
}

type createResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// apiError is one element of a Salesforce error response.
type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

func (c *Client) query(ctx context.Context, s *session, soql string, out *queryResult) error {
	path := fmt.Sprintf("/services/data/%s/query?q=%s", c.cfg.APIVersion, url.QueryEscape(soql))
	return c.do(ctx, s, http.MethodGet, path, nil, out)
}

func (c *Client) create(ctx context.Context, s *session, sobject string, fields map[string]any) (string, error) {
	var res createResult
	path := fmt.Sprintf("/services/data/%s/sobjects/%s", c.cfg.APIVersion, sobject)
	if err := c.do(ctx, s, http.MethodPost, path, fields, &res); err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", fmt.Errorf("create %s: empty id in response", sobject)
	}
	return res.ID, nil
}

func (c *Client) do(ctx context.Context, s *session, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.instanceURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("salesforce %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Session expired; the next call logs in again.
		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
		}
		c.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errs []apiError
		if json.Unmarshal(raw, &errs) == nil && len(errs) > 0 {
			return fmt.Errorf("salesforce returned HTTP %d: %s: %s", resp.StatusCode, errs[0].ErrorCode, errs[0].Message)
		}
		return fmt.Errorf("salesforce returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func escapeSOQL(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
