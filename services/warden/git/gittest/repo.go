// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gittest creates throwaway repositories for tests.
package gittest

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/git"
)

// NewRepo creates a repository on branch main with one commit of a.txt
// authored by dev@example.com. Skips the test when git is not installed.
func NewRepo(t testing.TB) *git.Client {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	client, err := git.NewClient(dir, 10*time.Second)
	require.NoError(t, err)

	Must(t, client, "init", "-q", "-b", "main")
	Must(t, client, "config", "user.email", "dev@example.com")
	Must(t, client, "config", "user.name", "Dev")
	Must(t, client, "config", "commit.gpgsign", "false")
	WriteFile(t, client, "a.txt", "one\n")
	Must(t, client, "add", "a.txt")
	Must(t, client, "commit", "-q", "-m", "first commit")
	return client
}

// Must runs a git command and fails the test on error.
func Must(t testing.TB, client *git.Client, args ...string) string {
	t.Helper()
	out, err := client.Run(context.Background(), args...)
	require.NoError(t, err, "git %v", args)
	return out
}

// WriteFile writes a file relative to the repository root.
func WriteFile(t testing.TB, client *git.Client, rel, content string) {
	t.Helper()
	path := filepath.Join(client.RepoPath(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
