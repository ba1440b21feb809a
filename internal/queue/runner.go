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
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler processes one task. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, t Task) error

// RunnerConfig holds the parameters for NewRunner.
type RunnerConfig struct {
	Queue   Queue
	Workers int
	// MaxAttempts per kind. Kinds not listed get one attempt.
	MaxAttempts map[Kind]int
	// RetryDelay is waited before a failed task is re-enqueued.
	RetryDelay time.Duration
	// OnFailure is called once a task has exhausted its attempts.
	OnFailure func(t Task, err error)
}

// Runner pulls tasks off a queue and dispatches them to handlers with a
// fixed pool of workers.
type Runner struct {
	queue       Queue
	workers     int
	maxAttempts map[Kind]int
	retryDelay  time.Duration
	onFailure   func(Task, error)

	mu       sync.RWMutex
	handlers map[Kind]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner. Register handlers before calling Start.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Runner{
		queue:       cfg.Queue,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		onFailure:   cfg.OnFailure,
		handlers:    make(map[Kind]Handler),
	}
}

// Handle registers the handler for a task kind.
func (r *Runner) Handle(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Start launches the workers. They run until Stop is called or ctx is done.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}
	slog.Info("task runner started", "workers", r.workers)
}

// Stop signals the workers and waits for in-flight tasks to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	slog.Info("task runner stopped")
}

func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	for {
		t, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			slog.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.Run(ctx, t)
	}
}

// Run executes a single task with panic recovery and the retry policy.
// Exposed so callers can drive tasks synchronously.
func (r *Runner) Run(ctx context.Context, t Task) {
	r.mu.RLock()
	h, ok := r.handlers[t.Kind]
	r.mu.RUnlock()
	if !ok {
		r.fail(t, fmt.Errorf("no handler for task kind %q", t.Kind))
		return
	}

	start := time.Now()
	err := safeCall(ctx, h, t)
	if err == nil {
		slog.Debug("task done", "task_id", t.ID, "kind", t.Kind, "duration", time.Since(start))
		return
	}

	if t.Attempt < r.attemptsFor(t.Kind) && ctx.Err() == nil {
		slog.Warn("task failed, retrying",
			"task_id", t.ID,
			"kind", t.Kind,
			"attempt", t.Attempt,
			"error", err,
		)
		if r.retryDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.retryDelay):
			}
		}
		next := t
		next.Attempt++
		qerr := r.queue.Enqueue(context.WithoutCancel(ctx), next)
		if qerr == nil {
			return
		}
		err = fmt.Errorf("%w (re-enqueue failed: %v)", err, qerr)
	}
	r.fail(t, err)
}

func (r *Runner) attemptsFor(kind Kind) int {
	if n, ok := r.maxAttempts[kind]; ok && n > 0 {
		return n
	}
	return 1
}

func (r *Runner) fail(t Task, err error) {
	slog.Error("task failed",
		"task_id", t.ID,
		"kind", t.Kind,
		"attempt", t.Attempt,
		"error", err,
	)
	if r.onFailure != nil {
		r.onFailure(t, err)
	}
}

// safeCall converts a handler panic into an error.
func safeCall(ctx context.Context, h Handler, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s handler: %v\n%s", t.Kind, p, debug.Stack())
		}
	}()
	return h(ctx, t)
}
