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

// Package queue carries background pipeline work between the ingestion
// boundary and the workers. Tasks are JSON envelopes; the transport is a
// Redis list in production and a buffered channel in single-process runs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the handler a task is routed to.
type Kind string

const (
	KindProcessMessage     Kind = "process_message"
	KindProcessAttachments Kind = "process_attachments"
	KindSyncOrder          Kind = "sync_order"
)

// ErrClosed is returned by Dequeue once a queue has been closed.
var ErrClosed = errors.New("queue closed")

// Task is one unit of background work.
type Task struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask wraps payload in a fresh task envelope.
func NewTask(kind Kind, payload any) (Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    b,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// Queue is a FIFO task transport.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Task, error)
	Ping(ctx context.Context) error
}

// Submit builds a task and enqueues it.
func Submit(ctx context.Context, q Queue, kind Kind, payload any) (Task, error) {
	t, err := NewTask(kind, payload)
	if err != nil {
		return Task{}, err
	}
	if err := q.Enqueue(ctx, t); err != nil {
		return Task{}, err
	}
	return t, nil
}
