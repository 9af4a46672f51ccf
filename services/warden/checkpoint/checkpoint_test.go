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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/bridge"
	"github.com/AleutianAI/warden/services/warden/git/gittest"
	"github.com/AleutianAI/warden/services/warden/storage/badger"
)

type fixture struct {
	root    string
	snapDir string
	bridge  *bridge.Bridge
	manager *Manager
}

func newFixture(t *testing.T, extra ...Strategy) *fixture {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{root: t.TempDir(), snapDir: t.TempDir(), bridge: bridge.New(bridge.DefaultConfig())}
	require.NoError(t, f.bridge.Register(bridge.NewFSWrite(f.root)))
	require.NoError(t, f.bridge.Register(bridge.NewFSPatch(f.root)))

	strategies := append([]Strategy{NewInverseStrategy(f.bridge)}, extra...)
	strategies = append(strategies, NewSnapshotStrategy(f.snapDir))
	f.manager = NewManager(db, Config{Root: f.root}, strategies...)
	return f
}

func (f *fixture) write(t *testing.T, rel, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, rel), []byte(content), mode))
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, rel))
	require.NoError(t, err)
	return string(data)
}

// TestSnapshot_RestoresBitForBit covers modified, created and deleted files.
func TestSnapshot_RestoresBitForBit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	binary := string([]byte{0, 1, 2, 0xff, '\n', 0xfe})
	f.write(t, "keep.bin", binary, 0o640)
	f.write(t, "gone.txt", "delete me\n", 0o644)

	a := action.Action{Kind: "fs.write", Capability: bridge.FSWriteID, Mutating: true,
		Paths: []string{"keep.bin", "gone.txt", "new.txt"}}
	cp, err := f.manager.Create(ctx, "act-1", "dev@example.com", a)
	require.NoError(t, err)
	assert.Equal(t, KindSnapshot, cp.Kind)
	require.Len(t, cp.Files, 3)
	assert.False(t, cp.Files[2].Existed)

	f.write(t, "keep.bin", "clobbered", 0o777)
	require.NoError(t, os.Remove(filepath.Join(f.root, "gone.txt")))
	f.write(t, "new.txt", "created\n", 0o644)

	loaded, err := f.manager.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.NoError(t, f.manager.Restore(ctx, loaded))

	assert.Equal(t, binary, f.read(t, "keep.bin"))
	assert.Equal(t, "delete me\n", f.read(t, "gone.txt"))
	_, err = os.Stat(filepath.Join(f.root, "new.txt"))
	assert.True(t, os.IsNotExist(err))
	info, err := os.Stat(filepath.Join(f.root, "keep.bin"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	require.NoError(t, f.manager.Discard(ctx, cp.ID))
	_, err = f.manager.Get(ctx, cp.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = os.Stat(filepath.Join(f.snapDir, cp.ID))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, f.manager.Discard(ctx, cp.ID), "discarding twice is fine")
}

// TestSnapshot_TamperedBlobIsMismatch verifies restore checks hashes.
func TestSnapshot_TamperedBlobIsMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.txt", "original\n", 0o644)

	cp, err := f.manager.Create(ctx, "act-1", "actor",
		action.Action{Kind: "fs.write", Capability: bridge.FSWriteID, Paths: []string{"a.txt"}})
	require.NoError(t, err)

	blob := filepath.Join(f.snapDir, cp.ID, cp.Files[0].Blob)
	require.NoError(t, os.WriteFile(blob, []byte("tampered\n"), 0o600))

	err = f.manager.Restore(ctx, cp)
	assert.True(t, errors.Is(err, ErrRestoreMismatch), "got %v", err)
}

// TestInverse_PreferredForInvertibleCapabilities restores through the
// capability's own undo call.
func TestInverse_PreferredForInvertibleCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "notes.txt", "alpha\nbeta\n", 0o644)

	diffText := "--- a/notes.txt\n+++ b/notes.txt\n@@ -1,2 +1,2 @@\n alpha\n-beta\n+BETA\n"
	params := map[string]any{"diff": diffText}
	profile, err := f.bridge.Inspect(bridge.FSPatchID, params)
	require.NoError(t, err)

	a := action.Action{Kind: "fs.patch", Capability: bridge.FSPatchID, Mutating: true,
		Params: params, Paths: profile.Paths}
	cp, err := f.manager.Create(ctx, "act-2", "actor", a)
	require.NoError(t, err)
	assert.Equal(t, KindInverse, cp.Kind)
	require.NotNil(t, cp.Inverse)

	_, err = f.bridge.Invoke(ctx, bridge.FSPatchID, params)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nBETA\n", f.read(t, "notes.txt"))

	require.NoError(t, f.manager.Restore(ctx, cp))
	assert.Equal(t, "alpha\nbeta\n", f.read(t, "notes.txt"))
}

// TestCreate_NoStrategy verifies a mutating action nothing can capture is
// refused.
func TestCreate_NoStrategy(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), "act-3", "actor",
		action.Action{Kind: "http.post", Capability: "http.request", Mutating: true})
	assert.True(t, errors.Is(err, ErrNoCheckpoint))

	list, err := f.manager.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

// TestCreate_DirectoryPathRefused verifies only regular files are captured.
func TestCreate_DirectoryPathRefused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Mkdir(filepath.Join(f.root, "dir"), 0o755))
	_, err := f.manager.Create(context.Background(), "act-4", "actor",
		action.Action{Kind: "fs.write", Capability: bridge.FSWriteID, Paths: []string{"dir"}})
	assert.True(t, errors.Is(err, ErrNoCheckpoint))
}

// TestGitRef_RestoresHeadAndWork covers a commit made by the action on top
// of uncommitted work and an untracked file the action created.
func TestGitRef_RestoresHeadAndWork(t *testing.T) {
	client := gittest.NewRepo(t)
	f := newFixture(t, NewGitRefStrategy(client))
	ctx := context.Background()

	head := gittest.Must(t, client, "rev-parse", "HEAD")
	gittest.WriteFile(t, client, "a.txt", "one\nwip\n")
	gittest.WriteFile(t, client, "keep.txt", "untracked before\n")

	a := action.Action{Kind: "git.commit", Capability: bridge.GitExecID, Mutating: true,
		Params: map[string]any{"args": []string{"commit", "-am", "automated"}}}
	cp, err := f.manager.Create(ctx, "act-5", "actor", a)
	require.NoError(t, err)
	require.Equal(t, KindGitRef, cp.Kind)
	assert.Equal(t, head, cp.Git.HeadSHA)
	assert.Equal(t, "main", cp.Git.Branch)
	assert.NotEmpty(t, cp.Git.StashSHA)
	assert.Equal(t, head, gittest.Must(t, client, "rev-parse", cp.Git.Ref))

	gittest.Must(t, client, "commit", "-q", "-am", "automated")
	gittest.WriteFile(t, client, "junk.txt", "created by action\n")
	require.NotEqual(t, head, gittest.Must(t, client, "rev-parse", "HEAD"))

	require.NoError(t, f.manager.Restore(ctx, cp))
	assert.Equal(t, head, gittest.Must(t, client, "rev-parse", "HEAD"))

	data, err := os.ReadFile(filepath.Join(client.RepoPath(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\nwip\n", string(data))
	_, err = os.Stat(filepath.Join(client.RepoPath(), "keep.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(client.RepoPath(), "junk.txt"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.manager.Discard(ctx, cp.ID))
	_, err = client.Run(ctx, "rev-parse", "--verify", cp.Git.Ref)
	assert.Error(t, err)
}
