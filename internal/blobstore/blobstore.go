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

// Package blobstore uploads original attachment bytes to durable storage.
package blobstore

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Object is a reference to a stored blob.
type Object struct {
	// URL is where the blob can be fetched from.
	URL string
	// PublicID is the key the blob was stored under, used for deletion.
	PublicID string
}

// Store is a durable blob store.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (Object, error)
	Delete(ctx context.Context, key string) error
}

// Key builds the storage key for an attachment of a message.
func Key(trackingKey, storedName string) string {
	return path.Join("attachments", sanitize(trackingKey), sanitize(storedName))
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "unnamed"
	}
	return s
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}
