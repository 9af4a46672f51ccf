// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/bridge"
	"github.com/AleutianAI/warden/services/warden/git"
)

// =============================================================================
// Inverse Strategy
// =============================================================================

// Inverter is the part of the bridge the inverse strategy needs.
type Inverter interface {
	Inverse(capability string, params map[string]any) (bridge.Call, error)
	Invoke(ctx context.Context, capability string, params map[string]any) (bridge.Result, error)
}

// InverseStrategy records the capability's own undo call.
type InverseStrategy struct {
	bridge Inverter
}

// NewInverseStrategy creates the strategy.
func NewInverseStrategy(b Inverter) *InverseStrategy {
	return &InverseStrategy{bridge: b}
}

func (s *InverseStrategy) Kind() Kind { return KindInverse }

func (s *InverseStrategy) Applicable(a action.Action) bool {
	_, err := s.bridge.Inverse(a.Capability, a.Params)
	return err == nil
}

func (s *InverseStrategy) Create(_ context.Context, cp *Checkpoint, a action.Action) error {
	call, err := s.bridge.Inverse(a.Capability, a.Params)
	if err != nil {
		return err
	}
	cp.Inverse = &call
	return nil
}

func (s *InverseStrategy) Restore(ctx context.Context, cp *Checkpoint) error {
	if cp.Inverse == nil {
		return fmt.Errorf("checkpoint %s has no inverse call", cp.ID)
	}
	_, err := s.bridge.Invoke(ctx, cp.Inverse.Capability, cp.Inverse.Params)
	return err
}

func (s *InverseStrategy) Discard(context.Context, *Checkpoint) error { return nil }

// =============================================================================
// Git Ref Strategy
// =============================================================================

// refPrefix namespaces pinned checkpoint refs.
const refPrefix = "refs/warden/checkpoints/"

// GitRefStrategy pins HEAD and uncommitted work for git actions.
//
// Uncommitted changes to tracked files are captured with "git stash create",
// which records a commit without touching the working tree. Untracked files
// present before the action are listed so restore only removes files the
// action created.
type GitRefStrategy struct {
	client *git.Client
}

// NewGitRefStrategy creates the strategy over a repository client.
func NewGitRefStrategy(client *git.Client) *GitRefStrategy {
	return &GitRefStrategy{client: client}
}

func (s *GitRefStrategy) Kind() Kind { return KindGitRef }

func (s *GitRefStrategy) Applicable(a action.Action) bool {
	return s.client != nil && a.Capability == bridge.GitExecID
}

func (s *GitRefStrategy) Create(ctx context.Context, cp *Checkpoint, _ action.Action) error {
	head, err := s.client.RevParse(ctx, "HEAD")
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	branch, err := s.client.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("current branch: %w", err)
	}
	stash, err := s.client.StashCreate(ctx)
	if err != nil {
		return fmt.Errorf("stash create: %w", err)
	}
	untracked, err := s.untracked(ctx)
	if err != nil {
		return err
	}

	ref := refPrefix + cp.ID
	if err := s.client.UpdateRef(ctx, ref, head); err != nil {
		return fmt.Errorf("pin %s: %w", ref, err)
	}
	if stash != "" {
		if err := s.client.UpdateRef(ctx, ref+"-wip", stash); err != nil {
			_ = s.client.DeleteRef(ctx, ref)
			return fmt.Errorf("pin %s-wip: %w", ref, err)
		}
	}

	cp.Git = &GitState{
		Repo:      s.client.RepoPath(),
		HeadSHA:   head,
		Branch:    branch,
		StashSHA:  stash,
		Ref:       ref,
		Untracked: untracked,
	}
	return nil
}

func (s *GitRefStrategy) Restore(ctx context.Context, cp *Checkpoint) error {
	g := cp.Git
	if g == nil {
		return fmt.Errorf("checkpoint %s has no git state", cp.ID)
	}
	if g.Branch != "" {
		if err := s.client.Checkout(ctx, g.Branch); err != nil {
			return fmt.Errorf("checkout %s: %w", g.Branch, err)
		}
	}
	if err := s.client.ResetHard(ctx, g.HeadSHA); err != nil {
		return fmt.Errorf("reset to %s: %w", g.HeadSHA, err)
	}
	if g.Branch == "" {
		if err := s.client.Checkout(ctx, g.HeadSHA); err != nil {
			return fmt.Errorf("detach at %s: %w", g.HeadSHA, err)
		}
	}

	now, err := s.untracked(ctx)
	if err != nil {
		return err
	}
	before := make(map[string]struct{}, len(g.Untracked))
	for _, p := range g.Untracked {
		before[p] = struct{}{}
	}
	for _, p := range now {
		if _, ok := before[p]; !ok {
			if err := os.Remove(filepath.Join(g.Repo, p)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", p, err)
			}
		}
	}

	if g.StashSHA != "" {
		if err := s.client.StashApply(ctx, g.StashSHA); err != nil {
			return fmt.Errorf("reapply uncommitted work: %w", err)
		}
	}

	head, err := s.client.RevParse(ctx, "HEAD")
	if err != nil {
		return err
	}
	if head != g.HeadSHA {
		return fmt.Errorf("%w: HEAD is %s, want %s", ErrRestoreMismatch, head, g.HeadSHA)
	}
	return nil
}

func (s *GitRefStrategy) Discard(ctx context.Context, cp *Checkpoint) error {
	if cp.Git == nil {
		return nil
	}
	if cp.Git.StashSHA != "" {
		_ = s.client.DeleteRef(ctx, cp.Git.Ref+"-wip")
	}
	return s.client.DeleteRef(ctx, cp.Git.Ref)
}

func (s *GitRefStrategy) untracked(ctx context.Context) ([]string, error) {
	out, err := s.client.Run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("list untracked: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// =============================================================================
// Snapshot Strategy
// =============================================================================

// SnapshotStrategy copies declared paths into <dir>/<checkpoint id>/.
type SnapshotStrategy struct {
	dir string
}

// NewSnapshotStrategy creates the strategy storing blobs under dir.
func NewSnapshotStrategy(dir string) *SnapshotStrategy {
	return &SnapshotStrategy{dir: dir}
}

func (s *SnapshotStrategy) Kind() Kind { return KindSnapshot }

func (s *SnapshotStrategy) Applicable(a action.Action) bool {
	return s.dir != "" && len(a.Paths) > 0
}

func (s *SnapshotStrategy) Create(_ context.Context, cp *Checkpoint, _ action.Action) error {
	base := filepath.Join(s.dir, cp.ID)
	if err := os.MkdirAll(base, 0o700); err != nil {
		return err
	}
	for i := range cp.Files {
		f := &cp.Files[i]
		if !f.Existed {
			continue
		}
		f.Blob = fmt.Sprintf("%04d.blob", i)
		if err := copyFile(f.Path, filepath.Join(base, f.Blob), 0o600); err != nil {
			_ = os.RemoveAll(base)
			return fmt.Errorf("snapshot %s: %w", f.Path, err)
		}
		sum, err := hashFile(filepath.Join(base, f.Blob))
		if err != nil || sum != f.SHA256 {
			_ = os.RemoveAll(base)
			return fmt.Errorf("snapshot %s changed while copying", f.Path)
		}
	}
	return nil
}

func (s *SnapshotStrategy) Restore(_ context.Context, cp *Checkpoint) error {
	base := filepath.Join(s.dir, cp.ID)
	for _, f := range cp.Files {
		if !f.Existed {
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", f.Path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
			return err
		}
		tmp := f.Path + ".warden-restore"
		if err := copyFile(filepath.Join(base, f.Blob), tmp, os.FileMode(f.Mode)); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
		if err := os.Chmod(tmp, os.FileMode(f.Mode)); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, f.Path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
	}
	return nil
}

func (s *SnapshotStrategy) Discard(_ context.Context, cp *Checkpoint) error {
	return os.RemoveAll(filepath.Join(s.dir, cp.ID))
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
