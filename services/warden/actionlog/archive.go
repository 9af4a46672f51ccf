// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package actionlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Archiver keeps pruned records somewhere outside the live log.
type Archiver interface {
	Archive(ctx context.Context, records []Record) error
}

// encodeJSONL writes one record per line.
func encodeJSONL(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", r.ActionID, err)
		}
	}
	return buf.Bytes(), nil
}

func archiveName(now time.Time) string {
	return fmt.Sprintf("actions-%s.jsonl", now.UTC().Format("20060102T150405.000000000Z"))
}

// =============================================================================
// Local directory
// =============================================================================

// DirArchiver appends pruned records as JSONL files under a directory.
type DirArchiver struct {
	Dir   string
	Clock func() time.Time
}

// Archive implements Archiver.
func (a *DirArchiver) Archive(_ context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	data, err := encodeJSONL(records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.Dir, 0o750); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	now := time.Now
	if a.Clock != nil {
		now = a.Clock
	}
	target := filepath.Join(a.Dir, archiveName(now()))
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename archive: %w", err)
	}
	return nil
}

// =============================================================================
// Google Cloud Storage
// =============================================================================

// GCSConfig configures the bucket archiver.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to object names, e.g. "warden/archive".
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key path.
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSArchiver uploads pruned records as JSONL objects.
type GCSArchiver struct {
	client    *storage.Client
	cfg       GCSConfig
	now       func() time.Time
	newWriter func(ctx context.Context, object string) io.WriteCloser
}

// NewGCSArchiver creates a storage client from a service account key.
func NewGCSArchiver(ctx context.Context, cfg GCSConfig) (*GCSArchiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs archive: bucket is required")
	}
	if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
	}
	client, err := storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	a := &GCSArchiver{client: client, cfg: cfg, now: time.Now}
	a.newWriter = func(ctx context.Context, object string) io.WriteCloser {
		w := a.client.Bucket(a.cfg.Bucket).Object(object).NewWriter(ctx)
		w.ContentType = "application/x-ndjson"
		w.CacheControl = "no-cache, no-store, must-revalidate"
		return w
	}
	return a, nil
}

// Archive implements Archiver.
func (a *GCSArchiver) Archive(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	data, err := encodeJSONL(records)
	if err != nil {
		return err
	}
	object := path.Join(a.cfg.Prefix, archiveName(a.now()))
	w := a.newWriter(ctx, object)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy records to GCS object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return nil
}

// Close releases the storage client.
func (a *GCSArchiver) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}
