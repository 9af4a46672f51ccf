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
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/warden/services/warden/events"
	"github.com/AleutianAI/warden/services/warden/git"
)

// GitSource reports commits and branch switches in one repository.
//
// vcs.commit carries the new HEAD sha as correlation key and the author
// email as actor. vcs.checkout carries the branch change.
type GitSource struct {
	id       string
	client   *git.Client
	debounce time.Duration
}

// NewGitSource creates a VCS source. id defaults to "vcs".
func NewGitSource(id string, client *git.Client, debounce time.Duration) *GitSource {
	if id == "" {
		id = events.SourceVCS
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	return &GitSource{id: id, client: client, debounce: debounce}
}

// ID implements Source.
func (s *GitSource) ID() string { return s.id }

type headState struct {
	sha    string
	branch string
}

// Run implements Source.
func (s *GitSource) Run(ctx context.Context, emit Emit) error {
	gitDir, err := git.ResolveGitDir(s.client.RepoPath())
	if err != nil {
		return fmt.Errorf("resolve git dir: %w", err)
	}
	last, err := s.read(ctx)
	if err != nil {
		return err
	}

	changed := make(chan struct{}, 1)
	watcher := git.NewRefWatcher(gitDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := watcher.Run(gctx, func(string) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		if err == nil && gctx.Err() == nil {
			return ErrSourceExited
		}
		return err
	})
	g.Go(func() error {
		var timer *time.Timer
		var fire <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-changed:
				if timer == nil {
					timer = time.NewTimer(s.debounce)
				} else {
					timer.Reset(s.debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				cur, err := s.read(gctx)
				if err != nil {
					return err
				}
				s.diff(gctx, last, cur, emit)
				last = cur
			}
		}
	})
	return g.Wait()
}

func (s *GitSource) read(ctx context.Context) (headState, error) {
	sha, err := s.client.RevParse(ctx, "HEAD")
	if err != nil {
		return headState{}, fmt.Errorf("read HEAD: %w", err)
	}
	branch, err := s.client.CurrentBranch(ctx)
	if err != nil {
		return headState{}, fmt.Errorf("read branch: %w", err)
	}
	return headState{sha: sha, branch: branch}, nil
}

func (s *GitSource) diff(ctx context.Context, prev, cur headState, emit Emit) {
	now := time.Now().UTC()
	switch {
	case prev.branch != cur.branch:
		emit(events.New(s.id, "vcs.checkout", now, cur.sha, map[string]any{
			"from": prev.branch,
			"to":   cur.branch,
			"sha":  cur.sha,
		}))
	case prev.sha != cur.sha:
		payload := map[string]any{"sha": cur.sha, "branch": cur.branch}
		if c, err := s.client.HeadCommit(ctx); err == nil && c.SHA == cur.sha {
			payload[events.PayloadActor] = c.AuthorEmail
			payload["author_name"] = c.AuthorName
			payload["subject"] = c.Subject
			payload["committed_at"] = c.CommittedAt.Format(time.RFC3339)
		}
		emit(events.New(s.id, "vcs.commit", now, cur.sha, payload))
	}
}
