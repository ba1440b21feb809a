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
	"fmt"
	"regexp"
	"strings"
)

// Layout is how the rows of a detected table map onto orders.
type Layout int

const (
	// LayoutNone means no table was found.
	LayoutNone Layout = iota
	// LayoutPerRowOrders means every row is an independent order.
	LayoutPerRowOrders
	// LayoutLineItems means every row is a line item of one order.
	LayoutLineItems
)

func (l Layout) String() string {
	switch l {
	case LayoutPerRowOrders:
		return "per_row_orders"
	case LayoutLineItems:
		return "line_items"
	default:
		return "none"
	}
}

var (
	cellSplit   = regexp.MustCompile(`[\s,;|]+`)
	numericCell = regexp.MustCompile(`^[$€£]?\d+(?:\.\d+)?$`)
	rowEmail    = regexp.MustCompile(`[\w.\-+]+@[\w\-]+(?:\.[\w\-]+)+`)
	rowOrderID  = regexp.MustCompile(`(?i)\b(?:ORD|ORDER|PO|SO)[-#]?\d+\b`)
)

// Table is the tabular content found in an input.
type Table struct {
	Rows   []string
	Layout Layout
}

// DetectTable finds runs of two or more consecutive data rows (lines with
// at least two numeric cells) and decides their layout. Rows are independent
// orders when more than one distinct customer email or order number appears
// across them; otherwise they are line items of a single order.
func DetectTable(text string) Table {
	var (
		rows []string
		run  []string
	)
	flush := func() {
		if len(run) >= 2 {
			rows = append(rows, run...)
		}
		run = nil
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if isDataRow(line) {
			run = append(run, line)
			continue
		}
		flush()
	}
	flush()

	if len(rows) == 0 {
		return Table{Layout: LayoutNone}
	}

	emails := make(map[string]struct{})
	ids := make(map[string]struct{})
	for _, r := range rows {
		if e := rowEmail.FindString(r); e != "" {
			emails[strings.ToLower(e)] = struct{}{}
		}
		if id := rowOrderID.FindString(r); id != "" {
			ids[strings.ToUpper(id)] = struct{}{}
		}
	}
	layout := LayoutLineItems
	if len(emails) > 1 || len(ids) > 1 {
		layout = LayoutPerRowOrders
	}
	return Table{Rows: rows, Layout: layout}
}

func isDataRow(line string) bool {
	n := 0
	for _, cell := range cellSplit.Split(line, -1) {
		if numericCell.MatchString(cell) {
			n++
		}
	}
	return n >= 2
}

// Covered counts how many table rows the candidates account for.
func (t Table) Covered(cands []Candidate) int {
	switch t.Layout {
	case LayoutPerRowOrders:
		return len(cands)
	case LayoutLineItems:
		n := 0
		for _, c := range cands {
			n += len(c.Items)
		}
		return n
	}
	return 0
}

// Complete reports whether every row is accounted for.
func (t Table) Complete(cands []Candidate) bool {
	return t.Layout == LayoutNone || t.Covered(cands) >= len(t.Rows)
}

// Hint is the instruction added to the prompt for this table.
func (t Table) Hint() string {
	switch t.Layout {
	case LayoutPerRowOrders:
		return fmt.Sprintf("The content contains a table of %d rows and the rows carry different customers or order numbers. "+
			"Treat every row as a separate order and return them in an \"orders\" array. "+
			"Every row must appear exactly once; do not stop early.", len(t.Rows))
	case LayoutLineItems:
		return fmt.Sprintf("The content contains a table of %d rows that share one customer. "+
			"Return a single order whose items list has one entry per row. "+
			"Every row must appear exactly once; do not stop early.", len(t.Rows))
	}
	return ""
}
