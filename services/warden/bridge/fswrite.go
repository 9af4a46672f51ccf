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
	"os"
	"strconv"

	"github.com/AleutianAI/warden/services/warden/trust"
)

// FSWriteID is the id of the file write capability.
const FSWriteID = "fs.write"

// FSWrite atomically writes a whole file under a root directory.
//
// Params:
//
//	path:    string, relative to the root
//	content: string
//	mode:    optional octal string, default "0644"
type FSWrite struct {
	root string
}

// NewFSWrite creates the capability rooted at root.
func NewFSWrite(root string) *FSWrite {
	return &FSWrite{root: root}
}

func (f *FSWrite) ID() string { return FSWriteID }

func (f *FSWrite) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	path, err := f.target(params)
	if err != nil {
		return Result{}, err
	}
	content, err := stringParam(params, "content")
	if err != nil {
		return Result{}, err
	}
	modeStr, err := optionalString(params, "mode", "0644")
	if err != nil {
		return Result{}, err
	}
	mode, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return Result{}, fmt.Errorf("%w: mode %q: %v", ErrInvalidParams, modeStr, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := writeFileAtomic(path, []byte(content), os.FileMode(mode)); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	return Result{Output: map[string]any{"path": path, "bytes": len(content)}}, nil
}

func (f *FSWrite) MinLevel() trust.Level { return trust.Bounded }

func (f *FSWrite) Mutates(map[string]any) bool { return true }

func (f *FSWrite) Paths(params map[string]any) ([]string, error) {
	path, err := f.target(params)
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func (f *FSWrite) target(params map[string]any) (string, error) {
	rel, err := stringParam(params, "path")
	if err != nil {
		return "", err
	}
	return resolveUnder(f.root, rel)
}
