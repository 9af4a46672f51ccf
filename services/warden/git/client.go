// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package git wraps the git command line for the warden: reading commit
// metadata for the VCS source, pinning and restoring checkpoints, and the
// git.exec capability.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout is returned when a git command exceeds the client timeout.
var ErrTimeout = errors.New("git command timed out")

// Commit is the metadata of one commit.
type Commit struct {
	SHA         string    `json:"sha"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	Subject     string    `json:"subject"`
	CommittedAt time.Time `json:"committed_at"`
}

// Client executes git commands in one repository.
//
// # Description
//
// Every command runs with the client timeout on top of the caller's
// context, so no git invocation can block indefinitely.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Git itself serializes writers
// through its index lock.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a client for the repository at repoPath.
//
// # Inputs
//
//   - repoPath: Absolute path to the working tree.
//   - timeout: Per-command limit. Zero means 30 seconds.
//
// # Outputs
//
//   - *Client: Ready-to-use client.
//   - error: Non-nil if repoPath is not absolute.
func NewClient(repoPath string, timeout time.Duration) (*Client, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{repoPath: repoPath, timeout: timeout}, nil
}

// RepoPath returns the working tree path.
func (g *Client) RepoPath() string {
	return g.repoPath
}

// Run executes git with args and returns trimmed stdout.
func (g *Client) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("git: no arguments")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: %w after %v", args[0], ErrTimeout, g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepository reports whether the path is inside a git work tree.
func (g *Client) IsRepository(ctx context.Context) bool {
	out, err := g.Run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// GitDir returns the absolute git directory, resolving worktrees.
func (g *Client) GitDir(ctx context.Context) (string, error) {
	return g.Run(ctx, "rev-parse", "--absolute-git-dir")
}

// RevParse resolves ref to a full sha.
func (g *Client) RevParse(ctx context.Context, ref string) (string, error) {
	return g.Run(ctx, "rev-parse", "--verify", ref)
}

// CurrentBranch returns the checked-out branch, or "" on a detached HEAD.
func (g *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", nil
	}
	return out, nil
}

// HeadCommit returns metadata for HEAD.
func (g *Client) HeadCommit(ctx context.Context) (Commit, error) {
	out, err := g.Run(ctx, "log", "-1", "--format=%H%x00%an%x00%ae%x00%ct%x00%s")
	if err != nil {
		return Commit{}, err
	}
	return parseCommit(out)
}

func parseCommit(out string) (Commit, error) {
	parts := strings.SplitN(out, "\x00", 5)
	if len(parts) != 5 {
		return Commit{}, fmt.Errorf("unexpected git log output %q", out)
	}
	secs, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Commit{}, fmt.Errorf("parse commit time %q: %w", parts[3], err)
	}
	return Commit{
		SHA:         parts[0],
		AuthorName:  parts[1],
		AuthorEmail: strings.ToLower(parts[2]),
		CommittedAt: time.Unix(secs, 0).UTC(),
		Subject:     parts[4],
	}, nil
}

// StashCreate records tracked working-tree changes as a dangling stash
// commit without touching the working tree. Returns "" when the tree is
// clean.
func (g *Client) StashCreate(ctx context.Context) (string, error) {
	return g.Run(ctx, "stash", "create")
}

// StashApply re-applies a stash commit by sha.
func (g *Client) StashApply(ctx context.Context, sha string) error {
	_, err := g.Run(ctx, "stash", "apply", sha)
	return err
}

// UpdateRef points ref at sha, creating it if needed.
func (g *Client) UpdateRef(ctx context.Context, ref, sha string) error {
	_, err := g.Run(ctx, "update-ref", ref, sha)
	return err
}

// DeleteRef removes ref.
func (g *Client) DeleteRef(ctx context.Context, ref string) error {
	_, err := g.Run(ctx, "update-ref", "-d", ref)
	return err
}

// Checkout switches to ref, discarding local modifications.
func (g *Client) Checkout(ctx context.Context, ref string) error {
	_, err := g.Run(ctx, "checkout", "--force", ref)
	return err
}

// ResetHard resets index and working tree to ref.
func (g *Client) ResetHard(ctx context.Context, ref string) error {
	_, err := g.Run(ctx, "reset", "--hard", ref)
	return err
}

// CleanUntracked removes untracked files and directories, keeping ignored
// files.
func (g *Client) CleanUntracked(ctx context.Context) error {
	_, err := g.Run(ctx, "clean", "-fd")
	return err
}
