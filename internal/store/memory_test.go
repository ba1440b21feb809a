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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bcem/orderintake/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMessage(t *testing.T, s *Memory, key string) *models.Message {
	t.Helper()
	m, created, err := s.UpsertMessage(context.Background(), models.Message{
		TrackingKey: key,
		From:        "buyer@example.com",
		Subject:     "PO " + key,
		ReceivedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func TestMemory_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	first := seedMessage(t, s, "email_1")
	assert.Equal(t, models.StatusPending, first.Status)

	first.Status = models.StatusCompleted
	require.NoError(t, s.UpdateMessage(ctx, first))

	again, created, err := s.UpsertMessage(ctx, models.Message{
		TrackingKey: "email_1",
		From:        "buyer@example.com",
		Subject:     "PO email_1 (resent)",
		Status:      models.StatusPending,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "PO email_1 (resent)", again.Subject)
	assert.Equal(t, models.StatusCompleted, again.Status, "status must survive re-delivery")

	list, total, err := s.ListMessages(ctx, models.MessageFilter{}, models.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
}

func TestMemory_ClaimMessageOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedMessage(t, s, "email_1")

	var wg sync.WaitGroup
	var won atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimMessage(ctx, "email_1", models.StatusPending, models.StatusParsing)
			assert.NoError(t, err)
			if ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())

	m, err := s.GetMessage(ctx, "email_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusParsing, m.Status)

	_, err = s.ClaimMessage(ctx, "email_missing", models.StatusPending, models.StatusParsing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_AppendMessageError(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedMessage(t, s, "email_1")

	require.NoError(t, s.AppendMessageError(ctx, "email_1", models.NewErrorEntry("a", fmt.Errorf("one"))))
	require.NoError(t, s.AppendMessageError(ctx, "email_1", models.NewErrorEntry("b", fmt.Errorf("two"))))

	m, err := s.GetMessage(ctx, "email_1")
	require.NoError(t, err)
	require.Len(t, m.Errors, 2)
	assert.Equal(t, "a", m.Errors[0].Stage)
	assert.Equal(t, "two", m.Errors[1].Message)

	assert.ErrorIs(t, s.AppendMessageError(ctx, "missing", models.ErrorEntry{}), ErrNotFound)
}

func TestMemory_DeleteMessageCascadesOnlyItsOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	m1 := seedMessage(t, s, "email_1")
	m2 := seedMessage(t, s, "email_2")

	for _, m := range []*models.Message{m1, m1, m2} {
		require.NoError(t, s.CreateOrder(ctx, &models.Order{MessageID: m.ID, TrackingKey: m.TrackingKey}))
	}
	require.NoError(t, s.CreateAttachment(ctx, &models.Attachment{TrackingKey: "email_1", Filename: "a.pdf"}))

	require.NoError(t, s.DeleteMessage(ctx, "email_1"))

	_, err := s.GetMessage(ctx, "email_1")
	assert.ErrorIs(t, err, ErrNotFound)

	orders, total, err := s.ListOrders(ctx, models.OrderFilter{}, models.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, m2.ID, orders[0].MessageID)

	atts, err := s.ListAttachments(ctx, "email_1")
	require.NoError(t, err)
	assert.Empty(t, atts)

	assert.ErrorIs(t, s.DeleteMessage(ctx, "email_1"), ErrNotFound)
}

func TestMemory_CreateOrderRequiresMessage(t *testing.T) {
	s := NewMemory()
	err := s.CreateOrder(context.Background(), &models.Order{MessageID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ListMessagesFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i := 0; i < 25; i++ {
		_, _, err := s.UpsertMessage(ctx, models.Message{
			TrackingKey: fmt.Sprintf("email_%02d", i),
			From:        "a@example.com",
			Subject:     "s",
			ReceivedAt:  time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
			Priority:    models.PriorityNormal,
		})
		require.NoError(t, err)
	}

	page, total, err := s.ListMessages(ctx, models.MessageFilter{From: "a@example.com"}, models.Page{Page: 3, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, page, 5)
	assert.Equal(t, "email_04", page[0].TrackingKey, "newest first")

	_, total, err = s.ListMessages(ctx, models.MessageFilter{Status: models.StatusFailed}, models.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemory_SyncStateAndStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	m := seedMessage(t, s, "email_1")

	a := &models.Order{MessageID: m.ID, Confidence: 0.8, TotalAmount: 50}
	b := &models.Order{MessageID: m.ID, Confidence: 0.4, TotalAmount: 150}
	require.NoError(t, s.CreateOrder(ctx, a))
	require.NoError(t, s.CreateOrder(ctx, b))

	require.NoError(t, s.SaveSyncState(ctx, a.ID, models.SyncState{Target: "erp", Status: models.SyncSynced, ExternalID: "SO-1", Attempts: 1}, models.SyncSynced))

	got, err := s.GetOrder(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, got.SyncStatus)
	assert.Equal(t, "SO-1", got.SyncFor("erp").ExternalID)

	st, err := s.OrderStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Synced)
	assert.Equal(t, 1, st.Pending)
	assert.InDelta(t, 0.6, st.AvgConfidence, 1e-9)
	assert.Equal(t, 200.0, st.TotalValue)

	pending, err := s.PendingSyncOrders(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestMemory_MessageStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	statuses := []models.MessageStatus{
		models.StatusPending, models.StatusParsed, models.StatusProcessingAttachments,
		models.StatusCompleted, models.StatusCompleted, models.StatusFailed,
	}
	for i, st := range statuses {
		m := seedMessage(t, s, fmt.Sprintf("email_%d", i))
		m.Status = st
		require.NoError(t, s.UpdateMessage(ctx, m))
	}

	got, err := s.MessageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStats{Total: 6, Pending: 1, Processing: 2, Completed: 2, Failed: 1}, got)
}
