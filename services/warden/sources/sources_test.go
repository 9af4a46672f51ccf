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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/events"
	"github.com/AleutianAI/warden/services/warden/git/gittest"
)

// collector is an Emit target safe for concurrent use.
type collector struct {
	mu  sync.Mutex
	evs []events.SystemEvent
}

func (c *collector) emit(ev events.SystemEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return true
}

func (c *collector) all() []events.SystemEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.SystemEvent(nil), c.evs...)
}

func runSource(t *testing.T, src Source, c *collector) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.emit) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			return fmt.Errorf("source %s did not stop", src.ID())
		}
	}
}

// =============================================================================
// File source
// =============================================================================

func TestFileSource_EmitsRelativePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))

	src := NewFileSource(FileSourceConfig{Root: dir, Debounce: 10 * time.Millisecond})
	c := &collector{}
	stop := runSource(t, src, c)

	n := 0
	require.Eventually(t, func() bool {
		n++
		_ = os.WriteFile(filepath.Join(dir, ".git", "index"), []byte{byte(n)}, 0o644)
		_ = os.WriteFile(filepath.Join(dir, "pkg", "main.go"), []byte(fmt.Sprint(n)), 0o644)
		for _, ev := range c.all() {
			if ev.String("path") == "pkg/main.go" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, stop())

	for _, ev := range c.all() {
		assert.Equal(t, "fs", ev.SourceID())
		assert.NotContains(t, ev.String("path"), ".git")
		assert.Contains(t, []string{"fs.create", "fs.write", "fs.chmod"}, ev.Kind())
		assert.Equal(t, "", ev.CorrelationKey())
	}
}

func TestFileSource_Ignored(t *testing.T) {
	src := NewFileSource(FileSourceConfig{Root: "/repo"})
	tests := []struct {
		path string
		want bool
	}{
		{"/repo/main.go", false},
		{"/repo/.git/HEAD", true},
		{"/repo/web/node_modules/x/index.js", true},
		{"/repo/notes.txt.swp", true},
		{"/repo/draft~", true},
		{"/repo/.warden/ledger", true},
		{"/repo", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, src.ignored("/repo", tt.path), tt.path)
	}
}

func TestFileSource_BadRoot(t *testing.T) {
	src := NewFileSource(FileSourceConfig{Root: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, src.Run(context.Background(), func(events.SystemEvent) bool { return true }))
}

// =============================================================================
// Git source
// =============================================================================

func TestGitSource_CommitAndCheckout(t *testing.T) {
	client := gittest.NewRepo(t)
	ctx := context.Background()
	src := NewGitSource("", client, 0)
	c := &collector{}

	before, err := src.read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", before.branch)

	gittest.WriteFile(t, client, "b.txt", "two\n")
	gittest.Must(t, client, "add", "b.txt")
	gittest.Must(t, client, "commit", "-q", "-m", "second commit")
	afterCommit, err := src.read(ctx)
	require.NoError(t, err)
	src.diff(ctx, before, afterCommit, c.emit)

	gittest.Must(t, client, "checkout", "-q", "-b", "feature")
	afterCheckout, err := src.read(ctx)
	require.NoError(t, err)
	src.diff(ctx, afterCommit, afterCheckout, c.emit)

	// No change, no event.
	src.diff(ctx, afterCheckout, afterCheckout, c.emit)

	got := c.all()
	require.Len(t, got, 2)

	commit := got[0]
	assert.Equal(t, "vcs.commit", commit.Kind())
	assert.Equal(t, afterCommit.sha, commit.CorrelationKey())
	assert.Equal(t, "dev@example.com", commit.Actor())
	assert.Equal(t, "second commit", commit.String("subject"))
	assert.Equal(t, "main", commit.String("branch"))

	checkout := got[1]
	assert.Equal(t, "vcs.checkout", checkout.Kind())
	assert.Equal(t, "main", checkout.String("from"))
	assert.Equal(t, "feature", checkout.String("to"))
	assert.Equal(t, "", checkout.Actor())
}

func TestGitSource_RunWatchesHead(t *testing.T) {
	client := gittest.NewRepo(t)
	src := NewGitSource("vcs", client, 10*time.Millisecond)
	c := &collector{}
	stop := runSource(t, src, c)

	n := 0
	require.Eventually(t, func() bool {
		n++
		_ = os.WriteFile(filepath.Join(client.RepoPath(), "a.txt"), []byte(fmt.Sprintf("rev %d\n", n)), 0o644)
		_, _ = client.Run(context.Background(), "commit", "-q", "-am", fmt.Sprintf("rev %d", n))
		for _, ev := range c.all() {
			if ev.Kind() == "vcs.commit" {
				return true
			}
		}
		return false
	}, 10*time.Second, 200*time.Millisecond)
	require.NoError(t, stop())
}

// =============================================================================
// Test reports
// =============================================================================

const goTestJSON = `{"Action":"run","Package":"example/pkg","Test":"TestA"}
{"Action":"pass","Package":"example/pkg","Test":"TestA"}
{"Action":"run","Package":"example/pkg","Test":"TestB"}
{"Action":"fail","Package":"example/pkg","Test":"TestB"}
{"Action":"skip","Package":"example/pkg","Test":"TestC"}
{"Action":"fail","Package":"example/pkg"}
{"Action":"fail","Package":"example/broken"}
`

const junitXML = `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="unit">
    <testcase classname="app.Math" name="adds"/>
    <testcase classname="app.Math" name="divides"><failure message="div by zero"/></testcase>
    <testcase classname="app.Net" name="dials"><error message="timeout"/></testcase>
    <testsuite name="nested">
      <testcase classname="app.Slow" name="waits"><skipped/></testcase>
      <testcase classname="app.Slow" name="runs"/>
    </testsuite>
  </testsuite>
</testsuites>`

func TestParseGoTestJSON(t *testing.T) {
	r, err := ParseGoTestJSON([]byte(goTestJSON))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Passed)
	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, []string{"TestB", "example/broken"}, r.FailedTests)
	assert.False(t, r.OK())

	_, err = ParseGoTestJSON([]byte("not json\n"))
	assert.ErrorIs(t, err, ErrUnknownReportFormat)
	_, err = ParseGoTestJSON(nil)
	assert.ErrorIs(t, err, ErrUnknownReportFormat)
}

func TestParseJUnit(t *testing.T) {
	r, err := ParseJUnit([]byte(junitXML))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Passed)
	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, []string{"app.Math.divides", "app.Net.dials"}, r.FailedTests)

	single, err := ParseJUnit([]byte(`<testsuite><testcase name="ok"/></testsuite>`))
	require.NoError(t, err)
	assert.True(t, single.OK())
	assert.Equal(t, 1, single.Passed)

	_, err = ParseJUnit([]byte(`<html></html>`))
	assert.ErrorIs(t, err, ErrUnknownReportFormat)
}

func TestTestReportSource_Event(t *testing.T) {
	dir := t.TempDir()
	src := NewTestReportSource("", dir, 0)
	sha := "9fceb02d0ae598e95dc970b74767f19372d61af8"

	require.NoError(t, os.WriteFile(filepath.Join(dir, sha+".actor"), []byte("dev@example.com\n"), 0o644))
	pass := src.event(filepath.Join(dir, sha+".xml"), Report{Format: "junit", Passed: 3}, time.Now())
	assert.Equal(t, "test.pass", pass.Kind())
	assert.Equal(t, sha, pass.CorrelationKey())
	assert.Equal(t, "dev@example.com", pass.Actor())

	fail := src.event(filepath.Join(dir, "nightly.json"), Report{Format: "go-test-json", Failed: 1, FailedTests: []string{"TestX"}}, time.Now())
	assert.Equal(t, "test.fail", fail.Kind())
	assert.Equal(t, "", fail.CorrelationKey())
	assert.Equal(t, "", fail.Actor())
	v, ok := fail.Get("failed_tests")
	require.True(t, ok)
	assert.Equal(t, []any{"TestX"}, v)
}

func TestTestReportSource_Run(t *testing.T) {
	dir := t.TempDir()
	src := NewTestReportSource("test", dir, 10*time.Millisecond)
	c := &collector{}
	stop := runSource(t, src, c)

	n := 0
	require.Eventually(t, func() bool {
		n++
		_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("abc1234%d.json", n%10)), []byte(goTestJSON), 0o644)
		return len(c.all()) > 0
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, stop())

	ev := c.all()[0]
	assert.Equal(t, "test.fail", ev.Kind())
	assert.Regexp(t, `^abc1234\d$`, ev.CorrelationKey())
}

// =============================================================================
// Bus
// =============================================================================

func TestBusSource_ResourcesAndForwardsMalformed(t *testing.T) {
	bus := NewLocalBus(8)
	src := NewBusSource("", "", bus)
	c := &collector{}
	stop := runSource(t, src, c)

	original := events.New("reviewer", "suggestion.accepted", time.Now(), "sha1",
		map[string]any{events.PayloadActor: "dev@example.com"})

	require.Eventually(t, func() bool {
		_ = PublishEvent(context.Background(), bus, DefaultBusChannel, original)
		return len(c.all()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), DefaultBusChannel, []byte("{garbage")))
	require.Eventually(t, func() bool {
		for _, ev := range c.all() {
			if ev.Kind() == "" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	got := c.all()[0]
	assert.Equal(t, "bus", got.SourceID())
	assert.Equal(t, "suggestion.accepted", got.Kind())
	assert.Equal(t, "sha1", got.CorrelationKey())
	assert.Equal(t, "dev@example.com", got.Actor())
	assert.Equal(t, "reviewer", got.String("origin"))

	var malformed events.SystemEvent
	for _, ev := range c.all() {
		if ev.Kind() == "" {
			malformed = ev
		}
	}
	assert.ErrorIs(t, malformed.Validate(), events.ErrMalformedEvent)
}

func TestBusSource_ClosedSubscriptionFails(t *testing.T) {
	bus := NewLocalBus(1)
	src := NewBusSource("bus", "x", bus)
	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background(), func(events.SystemEvent) bool { return true }) }()

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs["x"]) == 1
	}, time.Second, time.Millisecond)
	bus.Close()
	assert.ErrorIs(t, <-done, ErrBusClosed)
}

func TestLocalBus_FullSubscriberDrops(t *testing.T) {
	bus := NewLocalBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "c", []byte("1")))
	require.NoError(t, bus.Publish(ctx, "c", []byte("2")))
	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, []byte("1"), <-ch)

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on cancel")
	}
}

// =============================================================================
// CI webhook
// =============================================================================

func workflowRun(action, conclusion string) []byte {
	body := map[string]any{
		"action": action,
		"workflow_run": map[string]any{
			"id":          42,
			"name":        "CI",
			"head_sha":    "9fceb02d0ae598e95dc970b74767f19372d61af8",
			"head_branch": "main",
			"status":      "completed",
			"conclusion":  conclusion,
			"updated_at":  "2025-06-01T09:00:00Z",
			"actor":       map[string]any{"login": "octocat"},
			"head_commit": map[string]any{"author": map[string]any{"email": "Dev@Example.com", "name": "Dev"}},
		},
		"sender": map[string]any{"login": "octocat"},
	}
	data, _ := json.Marshal(body)
	return data
}

func TestCIKind(t *testing.T) {
	tests := []struct {
		action, conclusion, want string
	}{
		{"requested", "", "ci.requested"},
		{"in_progress", "", "ci.in_progress"},
		{"completed", "success", "ci.success"},
		{"completed", "cancelled", "ci.cancelled"},
		{"completed", "skipped", "ci.cancelled"},
		{"completed", "failure", "ci.failure"},
		{"completed", "timed_out", "ci.failure"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CIKind(tt.action, tt.conclusion), "%s/%s", tt.action, tt.conclusion)
	}
}

func TestCISource_VerifiesSignature(t *testing.T) {
	secret := []byte("s3cret")
	src := NewCISource(CIConfig{Secret: string(secret)})
	ctx := context.Background()
	body := workflowRun("completed", "success")

	assert.ErrorIs(t, src.Handle(ctx, "workflow_run", "d1", body, ""), ErrInvalidSignature)
	assert.ErrorIs(t, src.Handle(ctx, "workflow_run", "d1", body, "sha256=zz"), ErrInvalidSignature)
	assert.ErrorIs(t, src.Handle(ctx, "workflow_run", "d1", body, Sign([]byte("wrong"), body)), ErrInvalidSignature)
	require.NoError(t, src.Handle(ctx, "workflow_run", "d1", body, Sign(secret, body)))

	c := &collector{}
	stop := runSource(t, src, c)
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, stop())

	ev := c.all()[0]
	assert.Equal(t, "ci", ev.SourceID())
	assert.Equal(t, "ci.success", ev.Kind())
	assert.Equal(t, "9fceb02d0ae598e95dc970b74767f19372d61af8", ev.CorrelationKey())
	assert.Equal(t, "dev@example.com", ev.Actor())
	assert.Equal(t, time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), ev.Timestamp())
}

func TestCISource_Rejections(t *testing.T) {
	ctx := context.Background()

	src := NewCISource(CIConfig{})
	assert.ErrorIs(t, src.Handle(ctx, "push", "d1", []byte(`{}`), ""), ErrUnsupportedEvent)
	assert.NoError(t, src.Handle(ctx, "ping", "d2", []byte(`{}`), ""))
	assert.ErrorIs(t, src.Handle(ctx, "workflow_run", "d3", []byte(`{"action":"completed"}`), ""), events.ErrMalformedEvent)

	limited := NewCISource(CIConfig{RatePerSecond: 0.001, Burst: 2})
	body := workflowRun("requested", "")
	require.NoError(t, limited.Handle(ctx, "workflow_run", "a", body, ""))
	require.NoError(t, limited.Handle(ctx, "workflow_run", "b", body, ""))
	assert.ErrorIs(t, limited.Handle(ctx, "workflow_run", "c", body, ""), ErrRateLimited)

	full := NewCISource(CIConfig{Backlog: 1})
	require.NoError(t, full.Handle(ctx, "workflow_run", "a", body, ""))
	assert.ErrorIs(t, full.Handle(ctx, "workflow_run", "b", body, ""), ErrBacklogFull)
	// A redelivery of an accepted delivery is ignored, even with a full backlog.
	assert.NoError(t, full.Handle(ctx, "workflow_run", "a", body, ""))
}
