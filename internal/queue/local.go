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

package queue

import (
	"context"
	"fmt"
	"sync"
)

// Local is an in-process Queue on a buffered channel. Tasks do not survive
// a restart.
type Local struct {
	ch     chan Task
	mu     sync.RWMutex
	closed bool
}

// NewLocal creates a queue holding up to size pending tasks.
func NewLocal(size int) *Local {
	if size < 1 {
		size = 1
	}
	return &Local{ch: make(chan Task, size)}
}

func (q *Local) Enqueue(ctx context.Context, t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", t.Kind, ctx.Err())
	}
}

func (q *Local) Dequeue(ctx context.Context) (Task, error) {
	select {
	case t, ok := <-q.ch:
		if !ok {
			return Task{}, ErrClosed
		}
		return t, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *Local) Ping(context.Context) error { return nil }

// Len is the number of tasks waiting.
func (q *Local) Len() int { return len(q.ch) }

// Close stops accepting tasks. Tasks already queued can still be drained.
func (q *Local) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
