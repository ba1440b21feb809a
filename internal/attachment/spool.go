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

package attachment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bcem/orderintake/internal/models"
)

// Spool writes uploads to dir under unique stored names so that the
// background processor can pick them up after the request has returned.
// On error every file written so far is removed.
func Spool(dir string, uploads []models.Upload) ([]models.SpooledFile, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	files := make([]models.SpooledFile, 0, len(uploads))
	for _, u := range uploads {
		stored := uuid.NewString() + strings.ToLower(filepath.Ext(u.Filename))
		path := filepath.Join(dir, stored)
		if err := os.WriteFile(path, u.Data, 0o600); err != nil {
			Discard(files)
			return nil, fmt.Errorf("spool %s: %w", u.Filename, err)
		}
		size := u.Size
		if size == 0 {
			size = int64(len(u.Data))
		}
		files = append(files, models.SpooledFile{
			Path:        path,
			Filename:    u.Filename,
			StoredName:  stored,
			ContentType: u.ContentType,
			Size:        size,
		})
	}
	return files, nil
}
