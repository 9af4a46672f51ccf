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
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/warden/services/warden/trust"
)

// FSPatchID is the id of the unified diff capability.
const FSPatchID = "fs.patch"

const devNull = "/dev/null"

// FSPatch applies a unified diff under a root directory. Hunks must apply
// exactly; there is no fuzz. Every file is checked before any is written.
//
// Params:
//
//	diff: string, a unified diff (one or more files)
type FSPatch struct {
	root string
}

// NewFSPatch creates the capability rooted at root.
func NewFSPatch(root string) *FSPatch {
	return &FSPatch{root: root}
}

func (p *FSPatch) ID() string { return FSPatchID }

// filePlan is the computed result for one file of a diff.
type filePlan struct {
	path    string
	content []byte
	remove  bool
	mode    os.FileMode
}

func (p *FSPatch) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	fds, err := parseDiffParam(params)
	if err != nil {
		return Result{}, err
	}

	plans := make([]filePlan, 0, len(fds))
	for _, fd := range fds {
		plan, err := p.plan(fd)
		if err != nil {
			return Result{}, err
		}
		plans = append(plans, plan)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	files := make([]string, 0, len(plans))
	for _, plan := range plans {
		if plan.remove {
			if err := os.Remove(plan.path); err != nil {
				return Result{}, fmt.Errorf("remove %s: %w", plan.path, err)
			}
		} else if err := writeFileAtomic(plan.path, plan.content, plan.mode); err != nil {
			return Result{}, fmt.Errorf("write %s: %w", plan.path, err)
		}
		files = append(files, plan.path)
	}
	return Result{Output: map[string]any{"files": files}}, nil
}

// Inverse returns the reversed diff.
func (p *FSPatch) Inverse(params map[string]any) (Call, error) {
	fds, err := parseDiffParam(params)
	if err != nil {
		return Call{}, err
	}
	reversed := make([]*diff.FileDiff, 0, len(fds))
	for _, fd := range fds {
		reversed = append(reversed, reverseFileDiff(fd))
	}
	out, err := diff.PrintMultiFileDiff(reversed)
	if err != nil {
		return Call{}, fmt.Errorf("print reversed diff: %w", err)
	}
	return Call{Capability: FSPatchID, Params: map[string]any{"diff": string(out)}}, nil
}

func (p *FSPatch) MinLevel() trust.Level { return trust.Bounded }

func (p *FSPatch) Mutates(map[string]any) bool { return true }

func (p *FSPatch) Paths(params map[string]any) ([]string, error) {
	fds, err := parseDiffParam(params)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, fd := range fds {
		for _, name := range []string{fd.OrigName, fd.NewName} {
			if name == devNull || name == "" {
				continue
			}
			abs, err := resolveUnder(p.root, stripPrefix(name))
			if err != nil {
				return nil, err
			}
			if len(out) == 0 || out[len(out)-1] != abs {
				out = append(out, abs)
			}
		}
	}
	return out, nil
}

func (p *FSPatch) plan(fd *diff.FileDiff) (filePlan, error) {
	creating := fd.OrigName == devNull
	removing := fd.NewName == devNull

	name := fd.NewName
	if removing {
		name = fd.OrigName
	}
	path, err := resolveUnder(p.root, stripPrefix(name))
	if err != nil {
		return filePlan{}, err
	}

	plan := filePlan{path: path, mode: 0o644, remove: removing}
	var orig []byte
	if !creating {
		info, err := os.Stat(path)
		if err != nil {
			return filePlan{}, fmt.Errorf("%w: %s: %v", ErrPatchConflict, path, err)
		}
		plan.mode = info.Mode().Perm()
		if orig, err = os.ReadFile(path); err != nil {
			return filePlan{}, fmt.Errorf("read %s: %w", path, err)
		}
	} else if _, err := os.Stat(path); err == nil {
		return filePlan{}, fmt.Errorf("%w: %s already exists", ErrPatchConflict, path)
	}

	content, err := applyHunks(orig, fd.Hunks)
	if err != nil {
		return filePlan{}, fmt.Errorf("%s: %w", path, err)
	}
	if removing && len(content) > 0 {
		return filePlan{}, fmt.Errorf("%w: %s: deletion leaves content", ErrPatchConflict, path)
	}
	plan.content = content
	return plan, nil
}

// applyHunks applies hunks in order to orig, checking every context and
// removed line.
func applyHunks(orig []byte, hunks []*diff.Hunk) ([]byte, error) {
	lines, trailingNewline := splitLines(orig)
	if len(orig) == 0 {
		trailingNewline = true
	}

	out := make([]string, 0, len(lines))
	pos := 0
	for i, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < pos || start > len(lines) {
			return nil, fmt.Errorf("%w: hunk %d starts at line %d", ErrPatchConflict, i+1, h.OrigStartLine)
		}
		out = append(out, lines[pos:start]...)
		pos = start

		for _, bl := range bodyLines(h.Body) {
			if strings.HasPrefix(bl, `\`) {
				continue
			}
			op, text := byte(' '), ""
			if bl != "" {
				op, text = bl[0], bl[1:]
			}
			switch op {
			case ' ', '-':
				if pos >= len(lines) || lines[pos] != text {
					return nil, fmt.Errorf("%w: hunk %d mismatch at line %d", ErrPatchConflict, i+1, pos+1)
				}
				if op == ' ' {
					out = append(out, text)
				}
				pos++
			case '+':
				out = append(out, text)
			default:
				return nil, fmt.Errorf("%w: hunk %d has malformed line %q", ErrPatchConflict, i+1, bl)
			}
		}
	}
	out = append(out, lines[pos:]...)

	if len(out) == 0 {
		return []byte{}, nil
	}
	joined := strings.Join(out, "\n")
	if trailingNewline {
		joined += "\n"
	}
	return []byte(joined), nil
}

func splitLines(b []byte) ([]string, bool) {
	if len(b) == 0 {
		return nil, false
	}
	s := string(b)
	trailing := strings.HasSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n"), trailing
}

func bodyLines(body []byte) []string {
	s := strings.TrimSuffix(string(body), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// reverseFileDiff swaps the sides of a file diff.
func reverseFileDiff(fd *diff.FileDiff) *diff.FileDiff {
	out := &diff.FileDiff{
		OrigName: fd.NewName,
		NewName:  fd.OrigName,
		OrigTime: fd.NewTime,
		NewTime:  fd.OrigTime,
	}
	for _, h := range fd.Hunks {
		var body bytes.Buffer
		for _, bl := range bodyLines(h.Body) {
			switch {
			case strings.HasPrefix(bl, "+"):
				body.WriteString("-" + bl[1:])
			case strings.HasPrefix(bl, "-"):
				body.WriteString("+" + bl[1:])
			default:
				body.WriteString(bl)
			}
			body.WriteByte('\n')
		}
		out.Hunks = append(out.Hunks, &diff.Hunk{
			OrigStartLine: h.NewStartLine,
			OrigLines:     h.NewLines,
			NewStartLine:  h.OrigStartLine,
			NewLines:      h.OrigLines,
			Section:       h.Section,
			Body:          body.Bytes(),
		})
	}
	return out
}

func parseDiffParam(params map[string]any) ([]*diff.FileDiff, error) {
	text, err := stringParam(params, "diff")
	if err != nil {
		return nil, err
	}
	fds, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("%w: parse diff: %v", ErrInvalidParams, err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("%w: diff contains no files", ErrInvalidParams)
	}
	for _, fd := range fds {
		if fd.OrigName == devNull && fd.NewName == devNull {
			return nil, fmt.Errorf("%w: diff names /dev/null on both sides", ErrInvalidParams)
		}
	}
	return fds, nil
}

func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}
