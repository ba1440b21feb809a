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

package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	storage "github.com/supabase-community/storage-go"
)

// Supabase stores blobs in a Supabase Storage bucket.
type Supabase struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// NewSupabase creates a Supabase Storage client for the given project URL.
func NewSupabase(projectURL, serviceKey, bucket string) *Supabase {
	baseURL := strings.TrimRight(projectURL, "/")
	return &Supabase{
		client:  storage.NewClient(baseURL+"/storage/v1", serviceKey, nil),
		bucket:  bucket,
		baseURL: baseURL,
	}
}

// Put uploads data under key, overwriting any previous object.
func (s *Supabase) Put(ctx context.Context, key, contentType string, data []byte) (Object, error) {
	if err := checkKey(key); err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	upsert := true
	_, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(data), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return Object{}, fmt.Errorf("supabase upload %s: %w", key, err)
	}

	slog.Debug("blob uploaded", "bucket", s.bucket, "key", key, "size", len(data))
	return Object{URL: s.PublicURL(key), PublicID: key}, nil
}

// Delete removes the object stored under key.
func (s *Supabase) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.RemoveFile(s.bucket, []string{key}); err != nil {
		return fmt.Errorf("supabase remove %s: %w", key, err)
	}
	return nil
}

// PublicURL is the public download URL of key.
func (s *Supabase) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, key)
}
