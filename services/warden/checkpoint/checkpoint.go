// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint captures enough state before a mutating action to undo
// it, and restores that state on request.
//
// Three strategies exist, tried in order:
//
//   - inverse: the capability describes its own undo call
//   - gitref: the action is a git command; HEAD, branch and uncommitted work
//     are pinned under refs/warden/checkpoints/
//   - snapshot: the declared paths are copied aside byte for byte
//
// Whatever the strategy, every declared path is hashed at creation and
// checked after restore, so a restore that does not reproduce the original
// bytes is reported as a failure.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/bridge"
)

// Kind names a checkpoint strategy.
type Kind string

const (
	KindInverse  Kind = "inverse"
	KindGitRef   Kind = "gitref"
	KindSnapshot Kind = "snapshot"
)

var (
	// ErrNoCheckpoint is returned when no strategy can checkpoint an action.
	ErrNoCheckpoint = errors.New("no checkpoint strategy applies")

	// ErrRestoreMismatch is returned when restored state differs from the
	// captured state.
	ErrRestoreMismatch = errors.New("restored state does not match checkpoint")

	// ErrNotFound is returned for an unknown checkpoint id.
	ErrNotFound = errors.New("checkpoint not found")
)

// FileState is the pre-action state of one path.
type FileState struct {
	Path    string `json:"path"`
	Existed bool   `json:"existed"`
	Mode    uint32 `json:"mode,omitempty"`
	Size    int64  `json:"size,omitempty"`
	SHA256  string `json:"sha256,omitempty"`

	// Blob is the snapshot copy, relative to the checkpoint directory.
	Blob string `json:"blob,omitempty"`
}

// GitState is the pinned repository state of a gitref checkpoint.
type GitState struct {
	Repo      string   `json:"repo"`
	HeadSHA   string   `json:"head_sha"`
	Branch    string   `json:"branch,omitempty"`
	StashSHA  string   `json:"stash_sha,omitempty"`
	Ref       string   `json:"ref"`
	Untracked []string `json:"untracked,omitempty"`
}

// Checkpoint is the persisted record of pre-action state.
type Checkpoint struct {
	ID        string       `json:"id"`
	ActionID  string       `json:"action_id"`
	ActorID   string       `json:"actor_id"`
	Kind      Kind         `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	Files     []FileState  `json:"files,omitempty"`
	Inverse   *bridge.Call `json:"inverse,omitempty"`
	Git       *GitState    `json:"git,omitempty"`
}

// Strategy is one way of capturing and restoring state.
type Strategy interface {
	Kind() Kind

	// Applicable reports whether the strategy can checkpoint the action.
	Applicable(a action.Action) bool

	// Create captures state into cp. cp.Files is already populated.
	Create(ctx context.Context, cp *Checkpoint, a action.Action) error

	// Restore returns the world to the captured state.
	Restore(ctx context.Context, cp *Checkpoint) error

	// Discard releases anything the checkpoint holds.
	Discard(ctx context.Context, cp *Checkpoint) error
}
