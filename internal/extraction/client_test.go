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

package extraction

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	content string
	err     error
}

// scriptedCompleter returns queued replies per model, then repeats the last.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   []string
	prompts []string
}

func (s *scriptedCompleter) Complete(_ context.Context, model, _, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, model)
	s.prompts = append(s.prompts, user)
	q := s.replies[model]
	if len(q) == 0 {
		return "", &APIError{Status: http.StatusNotFound, Message: "model not found"}
	}
	r := q[0]
	if len(q) > 1 {
		s.replies[model] = q[1:]
	}
	return r.content, r.err
}

func newTestClient(c Completer, models ...string) (*Client, *[]time.Duration) {
	var slept []time.Duration
	cl := NewClient(ClientConfig{
		Completer:  c,
		Models:     models,
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   4 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})
	return cl, &slept
}

const oneOrder = `{"items":[{"description":"W","quantity":1,"unitPrice":2}],"confidence":0.9}`

func TestExtract_NotConfigured(t *testing.T) {
	_, err := NewClient(ClientConfig{}).Extract(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestExtract_SkipsMissingAndDeniedModels(t *testing.T) {
	sc := &scriptedCompleter{replies: map[string][]reply{
		"denied":  {{err: &APIError{Status: http.StatusForbidden, Message: "no access"}}},
		"working": {{content: oneOrder}},
	}}
	cl, slept := newTestClient(sc, "missing", "denied", "working")

	cands, err := cl.Extract(context.Background(), "order text")
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, []string{"missing", "denied", "working"}, sc.calls)
	assert.Empty(t, *slept)

	// Unavailable models are remembered.
	sc.calls = nil
	_, err = cl.Extract(context.Background(), "order text")
	require.NoError(t, err)
	assert.Equal(t, []string{"working"}, sc.calls)
}

func TestExtract_RateLimitBacksOffOnSameModel(t *testing.T) {
	limited := reply{err: &APIError{Status: http.StatusTooManyRequests, Code: "rate_limit_exceeded", Message: "slow down"}}
	sc := &scriptedCompleter{replies: map[string][]reply{
		"primary": {limited, limited, {content: oneOrder}},
	}}
	cl, slept := newTestClient(sc, "primary", "secondary")

	cands, err := cl.Extract(context.Background(), "order text")
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, []string{"primary", "primary", "primary"}, sc.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestExtract_DailyQuotaSkipsImmediately(t *testing.T) {
	sc := &scriptedCompleter{replies: map[string][]reply{
		"primary":   {{err: &APIError{Status: http.StatusTooManyRequests, Message: "You have exceeded your daily quota"}}},
		"secondary": {{content: oneOrder}},
	}}
	cl, slept := newTestClient(sc, "primary", "secondary")

	_, err := cl.Extract(context.Background(), "order text")
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "secondary"}, sc.calls)
	assert.Empty(t, *slept)
}

func TestExtract_AllModelsFail(t *testing.T) {
	down := reply{err: &APIError{Status: http.StatusServiceUnavailable, Message: "overloaded"}}
	sc := &scriptedCompleter{replies: map[string][]reply{
		"a": {down},
		"b": {{err: &APIError{Status: http.StatusTooManyRequests, Code: "insufficient_quota"}}},
	}}
	cl, slept := newTestClient(sc, "a", "b")

	_, err := cl.Extract(context.Background(), "order text")
	require.ErrorIs(t, err, ErrCapacityExhausted)
	// a: 1 call + 3 retries, b: 1 call
	assert.Len(t, sc.calls, 5)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
}

func TestExtract_NetworkErrorIsRetried(t *testing.T) {
	sc := &scriptedCompleter{replies: map[string][]reply{
		"a": {{err: errors.New("connection reset")}, {content: oneOrder}},
	}}
	cl, _ := newTestClient(sc, "a")
	cands, err := cl.Extract(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestExtract_MalformedReplyIsSoftFailure(t *testing.T) {
	sc := &scriptedCompleter{replies: map[string][]reply{"a": {{content: "not json at all"}}}}
	cl, _ := newTestClient(sc, "a")

	cands, err := cl.Extract(context.Background(), "x")
	assert.NoError(t, err)
	assert.Nil(t, cands)
}

func TestExtract_PerRowTableHintAndCoverageRetry(t *testing.T) {
	text := "ORD-001 John john@x.com W 5 10 50\nORD-002 Jane jane@x.com G 1 150 150"
	partial := `{"orders":[{"extractedOrderId":"ORD-001","customer":{"email":"john@x.com"},"items":[{"description":"W","quantity":5,"unitPrice":10,"totalPrice":50}],"totalAmount":50,"confidence":0.9}]}`
	full := `{"orders":[
		{"extractedOrderId":"ORD-001","customer":{"email":"john@x.com"},"items":[{"description":"W","quantity":5,"unitPrice":10,"totalPrice":50}],"totalAmount":50,"confidence":0.9},
		{"extractedOrderId":"ORD-002","customer":{"email":"jane@x.com"},"items":[{"description":"G","quantity":1,"unitPrice":150,"totalPrice":150}],"totalAmount":150,"confidence":0.9}
	]}`
	sc := &scriptedCompleter{replies: map[string][]reply{"a": {{content: partial}, {content: full}}}}
	cl, _ := newTestClient(sc, "a")

	cands, err := cl.Extract(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "ORD-002", cands[1].ExtractedOrderID)

	require.Len(t, sc.prompts, 2)
	assert.Contains(t, sc.prompts[0], "separate order")
	assert.Contains(t, sc.prompts[1], "covered only 1 of the 2")
}

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "cmpl-1", "object": "chat.completion", "created": 0, "model": "test-model",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"confidence\": 0}"}}]
		}`))
	}))
	defer srv.Close()

	o := NewOpenAI("sk-test", srv.URL+"/", 5*time.Second)
	got, err := o.Complete(context.Background(), "test-model", "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"confidence": 0}`, got)
}

func TestOpenAI_ErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"message": "The model does not exist", "type": "invalid_request_error", "code": "model_not_found"}}`))
	}))
	defer srv.Close()

	o := NewOpenAI("sk-test", srv.URL+"/", 5*time.Second)
	_, err := o.Complete(context.Background(), "nope", "sys", "user")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, failSkip, classify(err))
}
