// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/actionlog"
	"github.com/AleutianAI/warden/services/warden/api"
	"github.com/AleutianAI/warden/services/warden/daemon"
	"github.com/AleutianAI/warden/services/warden/executor"
	"github.com/AleutianAI/warden/services/warden/storage/badger"
	"github.com/AleutianAI/warden/services/warden/trust"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{
		"path=notes.txt",
		"content=a=b",
		"mode=0600",
		`args:=["log","-1"]`,
		`headers:={"Accept":"text/plain"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", params["path"])
	assert.Equal(t, "a=b", params["content"])
	assert.Equal(t, "0600", params["mode"])
	assert.Equal(t, []any{"log", "-1"}, params["args"])
	assert.Equal(t, map[string]any{"Accept": "text/plain"}, params["headers"])

	for _, bad := range []string{"novalue", "=x", ":=1", "n:={"} {
		_, err := parseParams([]string{bad})
		assert.ErrorIs(t, err, action.ErrInvalidAction, bad)
	}
}

func TestBuildAction(t *testing.T) {
	defer func() {
		actFile, actCapability, actKind, actLevel = "", "", "", ""
		actParams, actMutating = nil, false
	}()

	_, err := buildAction(strings.NewReader(""))
	assert.ErrorIs(t, err, action.ErrInvalidAction)

	actCapability = "fs.write"
	actParams = []string{"path=a.txt", "content=x"}
	actMutating = true
	actLevel = "SUGGESTION"
	a, err := buildAction(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "fs.write", a.Kind)
	assert.Equal(t, trust.Suggestion, a.RequiredLevel)
	assert.True(t, a.Mutating)

	actLevel = "SUPREME"
	_, err = buildAction(strings.NewReader(""))
	assert.Error(t, err)

	actFile = "-"
	a, err = buildAction(strings.NewReader(`{"kind":"git.exec","capability":"git.exec","params":{"args":["status"]}}`))
	require.NoError(t, err)
	assert.Equal(t, "git.exec", a.Capability)
	assert.Equal(t, []any{"status"}, a.Params["args"])
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", executor.ErrInsufficientTrust), exitDenied},
		{&api.APIError{StatusCode: 403, Code: "FORBIDDEN"}, exitDenied},
		{&api.APIError{StatusCode: 404, Code: "UNKNOWN_ACTOR"}, exitNotFound},
		{&api.APIError{StatusCode: 500, Code: "INTERNAL"}, exitError},
		{clientErr(fmt.Errorf("dial tcp: connection refused")), exitUnavailable},
		{daemon.ErrDataDirLocked, exitUnavailable},
		{fmt.Errorf("anything"), exitError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), tt.err.Error())
	}
}

func TestPrintStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ref := "cp-1"
	st := daemon.Status{
		GeneratedAt: now,
		Running:     true,
		Actors: []daemon.ActorSummary{
			{ActorID: "bot@ci", Level: trust.Suggestion, Floor: trust.Bounded, LastActiveAt: now.Add(-3 * time.Hour)},
			{ActorID: "rogue", Level: trust.Bounded, Floor: trust.Bounded, Frozen: true, FrozenReason: "rollback failed"},
		},
		RecentActions: []actionlog.Record{{
			ActionID: "a1", ActorID: "bot@ci", ActionKind: "fs.write", Timestamp: now.Add(-time.Minute * 5),
			TrustLevelAtTime: trust.Suggestion, RequiredLevel: trust.Bounded,
			Outcome: actionlog.OutcomeSuccess, CheckpointRef: &ref,
		}},
	}
	var buf bytes.Buffer
	printStatus(&buf, st)
	out := buf.String()
	assert.Contains(t, out, "warden running")
	assert.Contains(t, out, "bot@ci")
	assert.Contains(t, out, "SUGGESTION")
	assert.Contains(t, out, "3h ago")
	assert.Contains(t, out, "FROZEN: rollback failed")
	assert.Contains(t, out, "cp-1")
	assert.Contains(t, out, "5m ago")
}

func TestPrintTransition(t *testing.T) {
	var buf bytes.Buffer
	printTransition(&buf, trust.Transition{ActorID: "dev", From: trust.ReadOnly, To: trust.Bounded, Changed: true, Reason: "24h streak"})
	printTransition(&buf, trust.Transition{ActorID: "dev", From: trust.Bounded, To: trust.Bounded, Reason: "0/5"})
	assert.Equal(t, "dev: READ_ONLY -> BOUNDED (24h streak)\ndev: stays BOUNDED (0/5)\n", buf.String())
}

// TestCommands_AgainstDaemon drives the client commands against a real
// daemon served over HTTP.
func TestCommands_AgainstDaemon(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	cfg := daemon.DefaultConfig(t.TempDir())
	cfg.WorkspaceRoot = t.TempDir()
	cfg.Trust.MinObservationPeriod = 0
	d, err := daemon.New(context.Background(), cfg, daemon.WithDB(db))
	require.NoError(t, err)
	defer d.Close()

	srv := httptest.NewServer(api.New(d, api.Config{}).Handler())
	defer srv.Close()

	configFile := filepath.Join(t.TempDir(), "warden.yaml")
	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(append([]string{"--config", configFile, "--server", srv.URL}, args...))
		err := rootCmd.Execute()
		return out.String(), err
	}

	out, err := run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "(none observed yet)")

	_, err = run("actor", "ghost")
	assert.Equal(t, exitNotFound, exitCode(err))

	out, err = run("act", "ghost", "--capability", "fs.write", "-p", "path=a.txt", "-p", "content=x", "--mutating")
	require.Error(t, err)
	assert.Equal(t, exitDenied, exitCode(err))
	assert.Contains(t, out, "rejected")
	_, statErr := os.Stat(filepath.Join(cfg.WorkspaceRoot, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))

	out, err = run("--json", "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"recent_actions"`)
}
