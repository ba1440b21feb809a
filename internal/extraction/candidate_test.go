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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"12", 12},
		{"1,250.00", 1250},
		{"$45.50", 45.5},
		{" 7 units", 7},
		{"-3", -3},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseAmount("n/a")
	assert.Error(t, err)
}

func TestParseResponse_SingleObject(t *testing.T) {
	cands, err := ParseResponse(`{
		"extractedOrderId": "PO-77",
		"customer": {"name": "Acme", "email": null},
		"items": [{"description": "Widget", "quantity": "5", "unitPrice": "1,000.00", "totalPrice": null}],
		"totalAmount": 5000,
		"currency": "usd",
		"confidence": 0.9
	}`)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, "PO-77", c.ExtractedOrderID)
	assert.Equal(t, "Acme", c.Customer.Name)
	assert.Equal(t, "USD", c.Currency)
	assert.InDelta(t, 0.9, c.Score(), 1e-9)
	require.Len(t, c.Items, 1)
	assert.Equal(t, Number(5), *c.Items[0].Quantity)
	assert.Equal(t, Number(1000), *c.Items[0].UnitPrice)
	assert.Nil(t, c.Items[0].TotalPrice)
	assert.Contains(t, string(c.Raw), "PO-77")
}

func TestParseResponse_OrdersArrayDropsInvalid(t *testing.T) {
	cands, err := ParseResponse("```json\n" + `{"orders": [
		{"customer": {"email": "john@x.com"}, "items": [{"description": "W", "quantity": 5, "unitPrice": 10}], "confidence": 0.8},
		{"customer": {"email": "jane@x.com"}, "items": [], "confidence": 1.7},
		{"customer": {"email": "bob@x.com"}, "items": [{"description": "G", "quantity": -1}], "confidence": 0.5},
		{"items": [{"description": "G", "quantity": 1, "unitPrice": 150}]}
	]}` + "\n```")
	require.NoError(t, err)
	require.Len(t, cands, 1, "out-of-range confidence, negative quantity and missing confidence are dropped")
	assert.Equal(t, "john@x.com", cands[0].Customer.Email)
}

func TestParseResponse_BareArray(t *testing.T) {
	cands, err := ParseResponse("```json\n" + `[
		{"extractedOrderId": "ORD-001", "customer": {"email": "john@x.com"}, "items": [{"description": "W", "quantity": 5, "unitPrice": 10}], "confidence": 0.9},
		{"extractedOrderId": "ORD-002", "customer": {"email": "jane@x.com"}, "items": [{"description": "G", "quantity": 1, "unitPrice": 150}], "confidence": 0.8}
	]` + "\n```")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "ORD-001", cands[0].ExtractedOrderID)
	assert.Equal(t, "jane@x.com", cands[1].Customer.Email)
	assert.InDelta(t, 0.8, cands[1].Score(), 1e-9)

	_, err = ParseResponse(`[{"confidence": 0.9},`)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseResponse_NotAnOrder(t *testing.T) {
	cands, err := ParseResponse(`{"confidence": 0}`)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Zero(t, cands[0].Score())
	assert.Empty(t, cands[0].Items)
}

func TestParseResponse_Malformed(t *testing.T) {
	_, err := ParseResponse("I could not find an order.")
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestBuildInput(t *testing.T) {
	got := BuildInput("Please ship.", []Document{{Name: "po.pdf", Text: "5 x Widget"}, {Name: "terms.txt", Text: "Net 30"}})
	assert.Equal(t, "Please ship.\n\n--- ATTACHMENTS ---\n[Attachment: po.pdf]\n5 x Widget\n\n[Attachment: terms.txt]\nNet 30", got)

	assert.Equal(t, "body", BuildInput("body", nil))

	long := make([]rune, MaxInputChars+50)
	for i := range long {
		long[i] = 'é'
	}
	assert.Len(t, []rune(BuildInput(string(long), nil)), MaxInputChars)
}
