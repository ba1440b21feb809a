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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/orderintake/internal/models"
)

// Memory is an in-process Store. Records are copied in and out so callers
// never share state with the map.
type Memory struct {
	mu          sync.RWMutex
	messages    map[string]*models.Message // by tracking key
	attachments map[string]*models.Attachment
	orders      map[string]*models.Order
	now         func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:    make(map[string]*models.Message),
		attachments: make(map[string]*models.Attachment),
		orders:      make(map[string]*models.Order),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Memory) UpsertMessage(_ context.Context, m models.Message) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.messages[m.TrackingKey]; ok {
		cur.From = m.From
		cur.SenderName = m.SenderName
		cur.To = cloneStrings(m.To)
		cur.Cc = cloneStrings(m.Cc)
		cur.Subject = m.Subject
		cur.Body = m.Body
		cur.HTMLBody = m.HTMLBody
		cur.ReceivedAt = m.ReceivedAt
		cur.AttachmentCount = m.AttachmentCount
		cur.UpdatedAt = now
		return cloneMessage(cur), false, nil
	}

	stored := cloneMessage(&m)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = models.StatusPending
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.messages[m.TrackingKey] = stored
	return cloneMessage(stored), true, nil
}

func (s *Memory) GetMessage(_ context.Context, trackingKey string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[trackingKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Memory) ListMessages(_ context.Context, f models.MessageFilter, p models.Page) ([]models.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []models.Message
	for _, m := range s.messages {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.From != "" && m.From != f.From {
			continue
		}
		if f.Priority != "" && m.Priority != f.Priority {
			continue
		}
		all = append(all, *cloneMessage(m))
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ReceivedAt.Equal(all[j].ReceivedAt) {
			return all[i].TrackingKey < all[j].TrackingKey
		}
		return all[i].ReceivedAt.After(all[j].ReceivedAt)
	})
	return window(all, p), len(all), nil
}

func (s *Memory) UpdateMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[m.TrackingKey]
	if !ok {
		return ErrNotFound
	}
	cur.SenderName = m.SenderName
	cur.Priority = m.Priority
	cur.Analysis = cloneAnalysis(m.Analysis)
	cur.AttachmentIDs = cloneStrings(m.AttachmentIDs)
	cur.AttachmentCount = m.AttachmentCount
	cur.AttachmentsProcessed = m.AttachmentsProcessed
	cur.Status = m.Status
	cur.ProcessedAt = cloneTime(m.ProcessedAt)
	cur.UpdatedAt = s.now()
	m.UpdatedAt = cur.UpdatedAt
	return nil
}

func (s *Memory) ClaimMessage(_ context.Context, trackingKey string, from, to models.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[trackingKey]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = to
	cur.UpdatedAt = s.now()
	return true, nil
}

func (s *Memory) AppendMessageError(_ context.Context, trackingKey string, e models.ErrorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[trackingKey]
	if !ok {
		return ErrNotFound
	}
	cur.Errors = append(cur.Errors, e)
	cur.UpdatedAt = s.now()
	return nil
}

func (s *Memory) DeleteMessage(_ context.Context, trackingKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[trackingKey]
	if !ok {
		return ErrNotFound
	}
	delete(s.messages, trackingKey)
	for id, a := range s.attachments {
		if a.TrackingKey == trackingKey {
			delete(s.attachments, id)
		}
	}
	for id, o := range s.orders {
		if o.MessageID == m.ID {
			delete(s.orders, id)
		}
	}
	return nil
}

func (s *Memory) MessageStats(_ context.Context) (models.MessageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st models.MessageStats
	for _, m := range s.messages {
		st.Add(m.Status, 1)
	}
	return st, nil
}

func (s *Memory) CreateAttachment(_ context.Context, a *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, dup := s.attachments[a.ID]; dup {
		return fmt.Errorf("attachment %s already exists", a.ID)
	}
	if _, ok := s.messages[a.TrackingKey]; !ok {
		return fmt.Errorf("attachment %s: message %s: %w", a.ID, a.TrackingKey, ErrNotFound)
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	s.attachments[a.ID] = cloneAttachment(a)
	return nil
}

func (s *Memory) UpdateAttachment(_ context.Context, a *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attachments[a.ID]; !ok {
		return ErrNotFound
	}
	a.UpdatedAt = s.now()
	s.attachments[a.ID] = cloneAttachment(a)
	return nil
}

func (s *Memory) ListAttachments(_ context.Context, trackingKey string) ([]models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Attachment
	for _, a := range s.attachments {
		if a.TrackingKey == trackingKey {
			out = append(out, *cloneAttachment(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) DeleteAttachments(_ context.Context, trackingKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.attachments {
		if a.TrackingKey == trackingKey {
			delete(s.attachments, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) CreateOrder(_ context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, dup := s.orders[o.ID]; dup {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	found := false
	for _, m := range s.messages {
		if m.ID == o.MessageID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("order %s: message %s: %w", o.ID, o.MessageID, ErrNotFound)
	}
	now := s.now()
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.SyncStatus == "" {
		o.SyncStatus = models.SyncPending
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *Memory) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Memory) ListOrders(_ context.Context, f models.OrderFilter, p models.Page) ([]models.Order, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []models.Order
	for _, o := range s.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.SyncStatus != "" && o.SyncStatus != f.SyncStatus {
			continue
		}
		if f.MessageID != "" && o.MessageID != f.MessageID {
			continue
		}
		all = append(all, *cloneOrder(o))
	}
	sortOrdersNewestFirst(all)
	return window(all, p), len(all), nil
}

func (s *Memory) OrdersForMessage(_ context.Context, messageID string) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.MessageID == messageID {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return ErrNotFound
	}
	delete(s.orders, id)
	return nil
}

func (s *Memory) DeleteOrdersForMessage(_ context.Context, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.orders {
		if o.MessageID == messageID {
			delete(s.orders, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) SaveSyncState(_ context.Context, orderID string, st models.SyncState, aggregate models.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	st.UpdatedAt = s.now()
	o.SetSync(st)
	o.SyncStatus = aggregate
	o.UpdatedAt = st.UpdatedAt
	return nil
}

func (s *Memory) PendingSyncOrders(_ context.Context, before time.Time, limit int) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.SyncStatus == models.SyncPending && o.CreatedAt.Before(before) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) OrderStats(_ context.Context) (models.OrderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st models.OrderStats
	var conf float64
	for _, o := range s.orders {
		st.Total++
		switch o.SyncStatus {
		case models.SyncSynced:
			st.Synced++
		case models.SyncPending:
			st.Pending++
		case models.SyncFailed:
			st.Failed++
		case models.SyncSkipped:
			st.Skipped++
		}
		conf += o.Confidence
		st.TotalValue += o.TotalAmount
	}
	if st.Total > 0 {
		st.AvgConfidence = conf / float64(st.Total)
	}
	st.TotalValue = models.RoundAmount(st.TotalValue)
	return st, nil
}

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) Close() {}

func window[T any](all []T, p models.Page) []T {
	p = p.Normalize()
	start := p.Offset()
	if start >= len(all) {
		return []T{}
	}
	end := start + p.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func sortOrdersNewestFirst(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneAnalysis(a models.Analysis) models.Analysis {
	a.URLs = cloneStrings(a.URLs)
	a.Emails = cloneStrings(a.Emails)
	a.Phones = cloneStrings(a.Phones)
	a.Keywords = append([]models.Keyword(nil), a.Keywords...)
	return a
}

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	c.To = cloneStrings(m.To)
	c.Cc = cloneStrings(m.Cc)
	c.Analysis = cloneAnalysis(m.Analysis)
	c.AttachmentIDs = cloneStrings(m.AttachmentIDs)
	c.Errors = append([]models.ErrorEntry(nil), m.Errors...)
	c.ProcessedAt = cloneTime(m.ProcessedAt)
	return &c
}

func cloneAttachment(a *models.Attachment) *models.Attachment {
	c := *a
	c.Errors = append([]models.ErrorEntry(nil), a.Errors...)
	c.ProcessedAt = cloneTime(a.ProcessedAt)
	return &c
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.LineItem(nil), o.Items...)
	c.RawExtraction = append(json.RawMessage(nil), o.RawExtraction...)
	c.Sync = make([]models.SyncState, len(o.Sync))
	for i, st := range o.Sync {
		st.SyncedAt = cloneTime(st.SyncedAt)
		c.Sync[i] = st
	}
	return &c
}
