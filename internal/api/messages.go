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

	"github.com/go-chi/chi/v5"

	"github.com/bcem/orderintake/internal/models"
)

type messageList struct {
	Messages   []models.Message  `json:"messages"`
	Pagination models.Pagination `json:"pagination"`
}

type messageDetail struct {
	Message     *models.Message     `json:"message"`
	Attachments []models.Attachment `json:"attachments"`
	Orders      []models.Order      `json:"orders"`
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := models.MessageFilter{
			Status:   models.MessageStatus(q.Get("status")),
			From:     q.Get("from"),
			Priority: models.Priority(q.Get("priority")),
		}
		if f.Status != "" && !f.Status.Valid() {
			httpError(w, http.StatusBadRequest, "unknown status "+string(f.Status))
			return
		}
		page := pageParams(r)

		msgs, total, err := deps.Store.ListMessages(r.Context(), f, page)
		if err != nil {
			storeError(w, err, "messages")
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		writeJSON(w, http.StatusOK, messageList{Messages: msgs, Pagination: models.NewPagination(page, total)})
	}
}

func handleMessageStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.MessageStats(r.Context())
		if err != nil {
			storeError(w, err, "message stats")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleGetMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		msg, err := deps.Store.GetMessage(r.Context(), key)
		if err != nil {
			storeError(w, err, "message")
			return
		}
		atts, err := deps.Store.ListAttachments(r.Context(), key)
		if err != nil {
			storeError(w, err, "attachments")
			return
		}
		orders, err := deps.Store.OrdersForMessage(r.Context(), msg.ID)
		if err != nil {
			storeError(w, err, "orders")
			return
		}
		if atts == nil {
			atts = []models.Attachment{}
		}
		if orders == nil {
			orders = []models.Order{}
		}
		writeJSON(w, http.StatusOK, messageDetail{Message: msg, Attachments: atts, Orders: orders})
	}
}

func handleDeleteMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteMessage(r.Context(), chi.URLParam(r, "key")); err != nil {
			storeError(w, err, "message")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleReprocess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Operator.Reprocess(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			storeError(w, err, "message")
			return
		}
		if res.Orders == nil {
			res.Orders = []models.Order{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleConvert(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := deps.Operator.Convert(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			storeError(w, err, "message")
			return
		}
		writeJSON(w, http.StatusCreated, o)
	}
}
