// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/warden/services/warden/events"
)

// FileSourceConfig configures a FileSource.
type FileSourceConfig struct {
	// ID is the source id. Default: "fs"
	ID string `yaml:"id"`

	// Root is the directory watched recursively.
	Root string `yaml:"root"`

	// Ignore holds glob patterns matched against every path segment.
	// Default: .git, node_modules, .idea, *.swp, *.tmp, *~
	Ignore []string `yaml:"ignore"`

	// Debounce merges bursts of changes to one path. Default: 100ms
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultIgnore lists the default ignore patterns.
var DefaultIgnore = []string{".git", "node_modules", ".idea", "*.swp", "*.tmp", "*~", ".warden"}

// FileSource reports file changes under a directory tree.
//
// Emits fs.create, fs.write, fs.remove, fs.rename and fs.chmod with
// payload {path, op}; paths are relative to Root with forward slashes.
type FileSource struct {
	cfg FileSourceConfig
}

// NewFileSource creates a file source.
func NewFileSource(cfg FileSourceConfig) *FileSource {
	if cfg.ID == "" {
		cfg.ID = events.SourceFS
	}
	if cfg.Ignore == nil {
		cfg.Ignore = DefaultIgnore
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	return &FileSource{cfg: cfg}
}

// ID implements Source.
func (s *FileSource) ID() string { return s.cfg.ID }

type pendingChange struct {
	op   string
	last time.Time
}

// Run implements Source.
func (s *FileSource) Run(ctx context.Context, emit Emit) error {
	root, err := filepath.Abs(s.cfg.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory", root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := s.addRecursive(watcher, root); err != nil {
		return err
	}

	tick := s.cfg.Debounce / 2
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]*pendingChange)
	flush := func(now time.Time, all bool) {
		var ready []string
		for p, c := range pending {
			if all || now.Sub(c.last) >= s.cfg.Debounce {
				ready = append(ready, p)
			}
		}
		sort.Strings(ready)
		for _, p := range ready {
			c := pending[p]
			delete(pending, p)
			emit(events.New(s.cfg.ID, "fs."+c.op, c.last, "", map[string]any{
				"path": p,
				"op":   c.op,
			}))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			flush(time.Now(), false)
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if s.ignored(root, ev.Name) {
				continue
			}
			op := opName(ev.Op)
			if op == "" {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = s.addRecursive(watcher, ev.Name)
				}
			}
			rel, err := filepath.Rel(root, ev.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if c, ok := pending[rel]; ok {
				// A create followed by writes is still a create.
				if c.op != "create" || op == "remove" {
					c.op = op
				}
				c.last = time.Now()
				continue
			}
			pending[rel] = &pendingChange{op: op, last: time.Now()}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			flush(time.Now(), true)
			return fmt.Errorf("watcher: %w", err)
		}
	}
}

func (s *FileSource) addRecursive(w *fsnotify.Watcher, dir string) error {
	root, _ := filepath.Abs(s.cfg.Root)
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && s.ignored(root, path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// ignored reports whether any segment of path below root matches an
// ignore pattern.
func (s *FileSource) ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, pattern := range s.cfg.Ignore {
			if seg == pattern {
				return true
			}
			if ok, _ := filepath.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return ""
	}
}
