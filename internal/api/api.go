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

// Package api exposes the read and administrative HTTP surface over
// messages and orders, plus the inbound webhook route.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bcem/orderintake/internal/models"
	"github.com/bcem/orderintake/internal/pipeline"
	"github.com/bcem/orderintake/internal/store"
)

// Store is the persistence surface the API reads from.
type Store interface {
	GetMessage(ctx context.Context, trackingKey string) (*models.Message, error)
	ListMessages(ctx context.Context, f models.MessageFilter, p models.Page) ([]models.Message, int, error)
	DeleteMessage(ctx context.Context, trackingKey string) error
	MessageStats(ctx context.Context) (models.MessageStats, error)
	ListAttachments(ctx context.Context, trackingKey string) ([]models.Attachment, error)

	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, f models.OrderFilter, p models.Page) ([]models.Order, int, error)
	OrdersForMessage(ctx context.Context, messageID string) ([]models.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	OrderStats(ctx context.Context) (models.OrderStats, error)

	Ping(ctx context.Context) error
}

// Operator runs the administrative pipeline operations.
type Operator interface {
	Reprocess(ctx context.Context, trackingKey string) (*pipeline.ReprocessResult, error)
	Convert(ctx context.Context, trackingKey string) (*models.Order, error)
	Resync(ctx context.Context, orderID string, force bool) error
}

// Pinger is an extra dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store    Store
	Operator Operator
	// Webhook receives inbound submissions. It is mounted without auth.
	Webhook http.Handler
	// Token protects /api when set.
	Token  string
	Health map[string]Pinger
}

// NewRouter builds the service's HTTP handler.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		if deps.Webhook != nil {
			r.Method(http.MethodPost, "/webhook/email", deps.Webhook)
		}

		r.Group(func(r chi.Router) {
			if deps.Token != "" {
				r.Use(BearerAuth(deps.Token))
			}

			r.Get("/messages", handleListMessages(deps))
			r.Get("/messages/stats", handleMessageStats(deps))
			r.Get("/messages/{key}", handleGetMessage(deps))
			r.Delete("/messages/{key}", handleDeleteMessage(deps))
			r.Post("/messages/{key}/reprocess", handleReprocess(deps))
			r.Post("/messages/{key}/convert", handleConvert(deps))

			r.Get("/orders", handleListOrders(deps))
			r.Get("/orders/stats", handleOrderStats(deps))
			r.Get("/orders/{id}", handleGetOrder(deps))
			r.Delete("/orders/{id}", handleDeleteOrder(deps))
			r.Post("/orders/{id}/sync", handleSyncOrder(deps))
		})
	})

	return r
}

// BearerAuth rejects requests without the expected bearer token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "store unhealthy")
			return
		}
		for name, p := range deps.Health {
			if err := p.Ping(r.Context()); err != nil {
				httpError(w, http.StatusServiceUnavailable, name+" unhealthy")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// pageParams reads page and limit, clamped by models.Page.
func pageParams(r *http.Request) models.Page {
	return models.Page{
		Page:  parseIntParam(r, "page", 1),
		Limit: parseIntParam(r, "limit", models.DefaultPageLimit),
	}.Normalize()
}

func parseIntParam(r *http.Request, name string, def int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// storeError maps a lookup or mutation error to a response.
func storeError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, what+" not found")
		return
	}
	slog.Error("api request failed", "resource", what, "error", err)
	httpError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
