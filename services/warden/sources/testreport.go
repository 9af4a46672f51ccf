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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/warden/services/warden/events"
)

// ErrUnknownReportFormat is returned for files that are neither go test
// JSON nor JUnit XML.
var ErrUnknownReportFormat = errors.New("unknown test report format")

// Report summarizes one test run.
type Report struct {
	Format      string   `json:"format"`
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	FailedTests []string `json:"failed_tests,omitempty"`
}

// OK reports whether nothing failed.
func (r Report) OK() bool { return r.Failed == 0 }

// =============================================================================
// Parsers
// =============================================================================

type goTestEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
}

// ParseGoTestJSON parses the output of `go test -json`.
//
// Only per-test pass, fail and skip actions count. A package that fails
// without any failing test (a build failure) counts as one failure named
// after the package.
func ParseGoTestJSON(data []byte) (Report, error) {
	r := Report{Format: "go-test-json"}
	failedPkgs := make(map[string]bool)
	pkgsWithFailedTests := make(map[string]bool)
	lines := 0

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return Report{}, fmt.Errorf("%w: line %d: %v", ErrUnknownReportFormat, lines+1, err)
		}
		lines++
		if ev.Test == "" {
			if ev.Action == "fail" {
				failedPkgs[ev.Package] = true
			}
			continue
		}
		switch ev.Action {
		case "pass":
			r.Passed++
		case "fail":
			r.Failed++
			r.FailedTests = append(r.FailedTests, ev.Test)
			pkgsWithFailedTests[ev.Package] = true
		case "skip":
			r.Skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return Report{}, fmt.Errorf("read report: %w", err)
	}
	if lines == 0 {
		return Report{}, fmt.Errorf("%w: empty report", ErrUnknownReportFormat)
	}
	for pkg := range failedPkgs {
		if !pkgsWithFailedTests[pkg] {
			r.Failed++
			r.FailedTests = append(r.FailedTests, pkg)
		}
	}
	sort.Strings(r.FailedTests)
	return r, nil
}

type junitCase struct {
	Name      string    `xml:"name,attr"`
	ClassName string    `xml:"classname,attr"`
	Failure   *struct{} `xml:"failure"`
	Error     *struct{} `xml:"error"`
	Skipped   *struct{} `xml:"skipped"`
}

type junitSuite struct {
	Cases  []junitCase  `xml:"testcase"`
	Suites []junitSuite `xml:"testsuite"`
}

// ParseJUnit parses JUnit XML with either <testsuites> or <testsuite> at
// the root. Errors count as failures.
func ParseJUnit(data []byte) (Report, error) {
	var root struct {
		XMLName xml.Name
		junitSuite
	}
	if err := xml.Unmarshal(data, &root); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrUnknownReportFormat, err)
	}
	if root.XMLName.Local != "testsuites" && root.XMLName.Local != "testsuite" {
		return Report{}, fmt.Errorf("%w: root element %q", ErrUnknownReportFormat, root.XMLName.Local)
	}

	r := Report{Format: "junit"}
	var walk func(s junitSuite)
	walk = func(s junitSuite) {
		for _, c := range s.Cases {
			switch {
			case c.Failure != nil || c.Error != nil:
				r.Failed++
				name := c.Name
				if c.ClassName != "" {
					name = c.ClassName + "." + c.Name
				}
				r.FailedTests = append(r.FailedTests, name)
			case c.Skipped != nil:
				r.Skipped++
			default:
				r.Passed++
			}
		}
		for _, child := range s.Suites {
			walk(child)
		}
	}
	walk(root.junitSuite)
	sort.Strings(r.FailedTests)
	return r, nil
}

// ParseReport picks the parser from the file extension.
func ParseReport(name string, data []byte) (Report, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonl":
		return ParseGoTestJSON(data)
	case ".xml":
		return ParseJUnit(data)
	default:
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownReportFormat, name)
	}
}

// =============================================================================
// Source
// =============================================================================

var hexSHA = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// TestReportSource watches a directory for test reports.
//
// # Description
//
// A report named "<sha>.json" or "<sha>.xml" correlates with that commit.
// The acting identity, when known, is read from a sidecar "<stem>.actor"
// file. Each settled report emits test.pass or test.fail.
type TestReportSource struct {
	id       string
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// NewTestReportSource creates a test-report source. id defaults to "test".
func NewTestReportSource(id, dir string, debounce time.Duration) *TestReportSource {
	if id == "" {
		id = events.SourceTest
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &TestReportSource{
		id:       id,
		dir:      dir,
		debounce: debounce,
		logger:   slog.Default().With("component", "test_report_source", "source_id", id),
	}
}

// ID implements Source.
func (s *TestReportSource) ID() string { return s.id }

// Run implements Source.
func (s *TestReportSource) Run(ctx context.Context, emit Emit) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	ticker := time.NewTicker(s.debounce / 2)
	defer ticker.Stop()
	pending := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			var ready []string
			for p, last := range pending {
				if now.Sub(last) >= s.debounce {
					ready = append(ready, p)
				}
			}
			sort.Strings(ready)
			for _, p := range ready {
				delete(pending, p)
				if ev, ok := s.load(p); ok {
					emit(ev)
				}
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			switch strings.ToLower(filepath.Ext(ev.Name)) {
			case ".json", ".jsonl", ".xml":
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			return fmt.Errorf("watcher: %w", err)
		}
	}
}

// load parses a settled report. Unreadable reports are logged and skipped.
func (s *TestReportSource) load(path string) (events.SystemEvent, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("read test report failed", "path", path, "error", err)
		return events.SystemEvent{}, false
	}
	report, err := ParseReport(path, data)
	if err != nil {
		s.logger.Warn("parse test report failed", "path", path, "error", err)
		return events.SystemEvent{}, false
	}
	return s.event(path, report, time.Now()), true
}

func (s *TestReportSource) event(path string, r Report, at time.Time) events.SystemEvent {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	key := ""
	if hexSHA.MatchString(strings.ToLower(stem)) {
		key = strings.ToLower(stem)
	}

	failed := make([]any, len(r.FailedTests))
	for i, name := range r.FailedTests {
		failed[i] = name
	}
	payload := map[string]any{
		"report":       base,
		"format":       r.Format,
		"passed":       r.Passed,
		"failed":       r.Failed,
		"skipped":      r.Skipped,
		"failed_tests": failed,
	}
	if raw, err := os.ReadFile(filepath.Join(filepath.Dir(path), stem+".actor")); err == nil {
		if actor := strings.TrimSpace(string(raw)); actor != "" {
			payload[events.PayloadActor] = actor
		}
	}

	kind := "test.pass"
	if !r.OK() {
		kind = "test.fail"
	}
	return events.New(s.id, kind, at, key, payload)
}
