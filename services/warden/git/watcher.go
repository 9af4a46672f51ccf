// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// RefWatcher watches a git directory for HEAD and branch ref changes.
//
// # Description
//
// Watches HEAD, refs/heads (and its subdirectories) and packed-refs. Git
// updates refs by writing a lock file and renaming it over the ref, so
// create, write and rename all count as a change.
//
// # Thread Safety
//
// Run must be called from one goroutine at a time.
type RefWatcher struct {
	gitDir string
	logger *slog.Logger
}

// NewRefWatcher creates a watcher for gitDir.
func NewRefWatcher(gitDir string) *RefWatcher {
	return &RefWatcher{
		gitDir: gitDir,
		logger: slog.Default().With("component", "git.RefWatcher", "git_dir", gitDir),
	}
}

// Run blocks, calling onChange for every ref change, until ctx is cancelled
// or the underlying watcher fails.
//
// # Outputs
//
//   - error: nil on cancellation, otherwise the watcher failure. The caller
//     decides whether to restart.
func (w *RefWatcher) Run(ctx context.Context, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// HEAD is replaced via rename, so watch the directory holding it.
	if err := watcher.Add(w.gitDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.gitDir, err)
	}

	refsPath := filepath.Join(w.gitDir, "refs", "heads")
	_ = filepath.WalkDir(refsPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				w.logger.Debug("failed to watch refs dir", "path", path, "error", err)
			}
		}
		return nil
	})

	w.logger.Debug("started watching git refs")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if w.relevant(event) {
				onChange(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("git ref watcher: %w", err)

		case <-ctx.Done():
			return nil
		}
	}
}

// relevant filters out lock files and anything that is not a ref.
func (w *RefWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	if strings.HasSuffix(event.Name, ".lock") {
		return false
	}
	rel, err := filepath.Rel(w.gitDir, event.Name)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel == "HEAD" || rel == "packed-refs" || strings.HasPrefix(rel, "refs/heads/")
}

// ResolveGitDir returns the git directory for a working tree, following the
// "gitdir:" indirection used by worktrees and submodules.
func ResolveGitDir(repoPath string) (string, error) {
	gitPath := filepath.Join(repoPath, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return gitPath, nil
	}

	content, err := os.ReadFile(gitPath)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, "gitdir: ") {
		return "", fmt.Errorf("%s: %w", gitPath, os.ErrInvalid)
	}
	dir := strings.TrimPrefix(line, "gitdir: ")
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoPath, dir)
	}
	return dir, nil
}
