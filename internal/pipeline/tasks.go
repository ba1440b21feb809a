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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/orderintake/internal/attachment"
	"github.com/bcem/orderintake/internal/queue"
)

// Register installs the coordinator's task handlers on r.
func (c *Coordinator) Register(r *queue.Runner) {
	r.Handle(queue.KindProcessMessage, c.handleProcessMessage)
	r.Handle(queue.KindProcessAttachments, c.handleProcessAttachments)
	r.Handle(queue.KindSyncOrder, c.handleSyncOrder)
}

func (c *Coordinator) handleProcessMessage(ctx context.Context, t queue.Task) error {
	var p messagePayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	return c.Process(ctx, p.TrackingKey, p.Files)
}

func (c *Coordinator) handleProcessAttachments(ctx context.Context, t queue.Task) error {
	var p messagePayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	return c.ProcessAttachments(ctx, p.TrackingKey, p.Files)
}

func (c *Coordinator) handleSyncOrder(ctx context.Context, t queue.Task) error {
	var p syncPayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	if c.syncer == nil {
		return errors.New("no syncer configured")
	}
	_, err := c.syncer.Sync(ctx, p.OrderID, p.Force)
	return err
}

// TaskFailed is the runner's failure hook. A message task that died
// without leaving its message in a terminal state (a panic, a store
// outage) gets an error entry and is marked failed; its spooled files are
// removed.
func (c *Coordinator) TaskFailed(t queue.Task, taskErr error) {
	if t.Kind != queue.KindProcessMessage && t.Kind != queue.KindProcessAttachments {
		return
	}
	var p messagePayload
	if err := t.Decode(&p); err != nil {
		slog.Error("undecodable failed task", "task_id", t.ID, "kind", t.Kind, "error", err)
		return
	}
	attachment.Discard(p.Files)

	ctx := context.Background()
	msg, err := c.store.GetMessage(ctx, p.TrackingKey)
	if err != nil {
		slog.Error("failed task references unknown message",
			"task_id", t.ID,
			"tracking_key", p.TrackingKey,
			"error", err,
		)
		return
	}
	if msg.Status.Terminal() {
		return
	}
	_ = c.failMessage(ctx, msg, StageTask, fmt.Errorf("%s task %s: %w", t.Kind, t.ID, taskErr))
}
