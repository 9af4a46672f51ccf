// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/warden/services/warden/git"
	"github.com/AleutianAI/warden/services/warden/trust"
)

// GitExecID is the id of the git command capability.
const GitExecID = "git.exec"

// gitSubcommands maps allowed subcommands to whether they mutate the
// working tree or refs.
var gitSubcommands = map[string]bool{
	"status":      false,
	"log":         false,
	"diff":        false,
	"show":        false,
	"rev-parse":   false,
	"ls-files":    false,
	"blame":       false,
	"add":         true,
	"commit":      true,
	"checkout":    true,
	"switch":      true,
	"restore":     true,
	"branch":      true,
	"tag":         true,
	"merge":       true,
	"rebase":      true,
	"cherry-pick": true,
	"revert":      true,
	"reset":       true,
	"stash":       true,
	"fetch":       true,
	"pull":        true,
	"push":        true,
	"rm":          true,
	"mv":          true,
}

// GitExec runs allow-listed git subcommands in one repository.
//
// Params:
//
//	args: []string, the git arguments without the leading "git".
type GitExec struct {
	client *git.Client
}

// NewGitExec creates the capability over a git client.
func NewGitExec(client *git.Client) *GitExec {
	return &GitExec{client: client}
}

func (g *GitExec) ID() string { return GitExecID }

// RepoPath returns the repository the capability operates on.
func (g *GitExec) RepoPath() string { return g.client.RepoPath() }

// Client returns the underlying git client.
func (g *GitExec) Client() *git.Client { return g.client }

func (g *GitExec) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	args, err := gitArgs(params)
	if err != nil {
		return Result{}, err
	}
	out, err := g.client.Run(ctx, args...)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]any{"stdout": out, "subcommand": args[0]}}, nil
}

func (g *GitExec) MinLevel() trust.Level { return trust.ReadOnly }

// Mutates is true for any subcommand not known to be read-only, including
// params that fail to parse.
func (g *GitExec) Mutates(params map[string]any) bool {
	args, err := gitArgs(params)
	if err != nil {
		return true
	}
	return gitSubcommands[args[0]]
}

func (g *GitExec) Paths(map[string]any) ([]string, error) { return nil, nil }

func gitArgs(params map[string]any) ([]string, error) {
	args, err := stringsParam(params, "args")
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && args[0] == "git" {
		args = args[1:]
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no git subcommand", ErrInvalidParams)
	}
	sub := strings.ToLower(args[0])
	if _, ok := gitSubcommands[sub]; !ok {
		return nil, fmt.Errorf("%w: git subcommand %q is not allowed", ErrInvalidParams, args[0])
	}
	for _, a := range args {
		// -c and --exec-path can make git run arbitrary programs.
		if a == "-c" || strings.HasPrefix(a, "--exec-path") || strings.HasPrefix(a, "--upload-pack") || strings.HasPrefix(a, "--receive-pack") {
			return nil, fmt.Errorf("%w: git option %q is not allowed", ErrInvalidParams, a)
		}
	}
	args[0] = sub
	return args, nil
}
