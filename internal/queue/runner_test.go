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
	"sync"
	"testing"
	"time"
)

type payload struct {
	Key string `json:"key"`
}

func TestTaskRoundTrip(t *testing.T) {
	task, err := NewTask(KindProcessMessage, payload{Key: "email_1"})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.ID == "" || task.Attempt != 1 {
		t.Fatalf("unexpected envelope: %+v", task)
	}
	var p payload
	if err := task.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Key != "email_1" {
		t.Errorf("Key = %q", p.Key)
	}
}

func TestLocal_FIFO(t *testing.T) {
	q := NewLocal(4)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if _, err := Submit(ctx, q, KindSyncOrder, payload{Key: k}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		var p payload
		_ = task.Decode(&p)
		if p.Key != want {
			t.Errorf("got %q, want %q", p.Key, want)
		}
	}

	q.Close()
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Dequeue after close = %v, want ErrClosed", err)
	}
	if err := q.Enqueue(ctx, Task{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after close = %v, want ErrClosed", err)
	}
}

func TestRunner_RetriesUntilMaxAttempts(t *testing.T) {
	q := NewLocal(8)
	var (
		mu       sync.Mutex
		attempts []int
		failed   = make(chan Task, 1)
	)
	r := NewRunner(RunnerConfig{
		Queue:       q,
		Workers:     1,
		MaxAttempts: map[Kind]int{KindSyncOrder: 3},
		OnFailure:   func(t Task, err error) { failed <- t },
	})
	r.Handle(KindSyncOrder, func(ctx context.Context, t Task) error {
		mu.Lock()
		attempts = append(attempts, t.Attempt)
		mu.Unlock()
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	if _, err := Submit(ctx, q, KindSyncOrder, payload{Key: "o1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case ft := <-failed:
		if ft.Attempt != 3 {
			t.Errorf("failed at attempt %d, want 3", ft.Attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task never reported as failed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestRunner_RecoversPanic(t *testing.T) {
	r := NewRunner(RunnerConfig{Queue: NewLocal(1)})
	var gotErr error
	r.onFailure = func(t Task, err error) { gotErr = err }
	r.Handle(KindProcessMessage, func(ctx context.Context, t Task) error {
		panic("kaboom")
	})

	task, _ := NewTask(KindProcessMessage, payload{})
	r.Run(context.Background(), task)

	if gotErr == nil {
		t.Fatal("expected failure callback for panicking handler")
	}
}

func TestRunner_UnknownKind(t *testing.T) {
	var called bool
	r := NewRunner(RunnerConfig{
		Queue:     NewLocal(1),
		OnFailure: func(Task, error) { called = true },
	})
	r.Run(context.Background(), Task{ID: "x", Kind: "nope", Attempt: 1})
	if !called {
		t.Error("unknown kind should be reported as a failure")
	}
}
