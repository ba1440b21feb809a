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
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bcem/orderintake/internal/models"
)

type orderList struct {
	Orders     []models.Order    `json:"orders"`
	Pagination models.Pagination `json:"pagination"`
}

func handleListOrders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := models.OrderFilter{
			Status:     models.OrderStatus(q.Get("status")),
			SyncStatus: models.SyncStatus(q.Get("sync_status")),
			MessageID:  q.Get("message_id"),
		}
		page := pageParams(r)

		orders, total, err := deps.Store.ListOrders(r.Context(), f, page)
		if err != nil {
			storeError(w, err, "orders")
			return
		}
		if orders == nil {
			orders = []models.Order{}
		}
		writeJSON(w, http.StatusOK, orderList{Orders: orders, Pagination: models.NewPagination(page, total)})
	}
}

func handleOrderStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.OrderStats(r.Context())
		if err != nil {
			storeError(w, err, "order stats")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleGetOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := deps.Store.GetOrder(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "order")
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func handleDeleteOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteOrder(r.Context(), chi.URLParam(r, "id")); err != nil {
			storeError(w, err, "order")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSyncOrder queues a sync of one order. force=true re-creates the
// order in targets that already hold it.
func handleSyncOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

		if _, err := deps.Store.GetOrder(r.Context(), id); err != nil {
			storeError(w, err, "order")
			return
		}
		if err := deps.Operator.Resync(r.Context(), id, force); err != nil {
			storeError(w, err, "order")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"order_id": id, "status": "queued", "force": force})
	}
}
