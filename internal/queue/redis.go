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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPollTimeout bounds each BRPOP so workers notice shutdown.
const DefaultPollTimeout = 5 * time.Second

// Redis is a Queue backed by a Redis list. Producers LPUSH and consumers
// BRPOP, so tasks are delivered oldest first.
type Redis struct {
	rdb         *redis.Client
	queueName   string
	pollTimeout time.Duration
}

// NewRedis creates a Redis queue on the named list.
func NewRedis(rdb *redis.Client, queueName string) *Redis {
	return &Redis{
		rdb:         rdb,
		queueName:   queueName,
		pollTimeout: DefaultPollTimeout,
	}
}

// Enqueue serialises a task and pushes it onto the list.
func (q *Redis) Enqueue(ctx context.Context, t Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.queueName, b).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("task enqueued",
		"task_id", t.ID,
		"kind", t.Kind,
		"attempt", t.Attempt,
		"queue", q.queueName,
	)
	return nil
}

// Dequeue pops the oldest task, waiting until one arrives or ctx is done.
func (q *Redis) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		res, err := q.rdb.BRPop(ctx, q.pollTimeout, q.queueName).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("redis BRPOP: %w", err)
		}
		// res is [key, value].
		if len(res) != 2 {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			slog.Error("dropping undecodable task", "queue", q.queueName, "error", err)
			continue
		}
		return t, nil
	}
}

// Ping checks the Redis connection.
func (q *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}
