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

package mailbox

import (
	"context"
	"log/slog"
	"time"
)

// BackfillRequest defines the scope of a historical ingestion run.
type BackfillRequest struct {
	Since time.Duration // lookback window (e.g. 168h = 1 week)
	// IncludeSeen also submits messages already flagged as read.
	IncludeSeen bool
}

// Backfill submits messages received within the lookback window. Messages
// already submitted are skipped by the dedup filter and, downstream, by
// the tracking key.
func (p *Poller) Backfill(ctx context.Context, req BackfillRequest) (*Result, error) {
	since := time.Now().UTC().Add(-req.Since)

	slog.Info("starting mailbox backfill",
		"since", since.Format(time.RFC3339),
		"include_seen", req.IncludeSeen,
	)

	res, err := p.run(ctx, !req.IncludeSeen, since)
	if err != nil {
		return res, err
	}

	slog.Info("mailbox backfill complete",
		"found", res.Found,
		"submitted", res.Submitted,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"elapsed", res.Elapsed,
	)
	return res, nil
}
