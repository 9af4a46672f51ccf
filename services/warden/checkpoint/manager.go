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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/storage/badger"
)

const keyPrefix = "checkpoint/"

// Config configures a Manager.
type Config struct {
	// Root resolves relative action paths.
	Root string

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
}

// Manager creates, restores and discards checkpoints.
//
// # Thread Safety
//
// Safe for concurrent use. Callers serialize work per actor; checkpoints of
// different actors touching the same files are not coordinated here.
type Manager struct {
	db         *badger.DB
	cfg        Config
	strategies []Strategy
	logger     *slog.Logger
}

// NewManager creates a manager that tries strategies in the given order.
func NewManager(db *badger.DB, cfg Config, strategies ...Strategy) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		db:         db,
		cfg:        cfg,
		strategies: strategies,
		logger:     slog.Default().With("component", "checkpoint.Manager"),
	}
}

// Create captures pre-action state using the first applicable strategy.
//
// # Description
//
// Hashes every declared path, then asks each applicable strategy in order
// to capture state. A strategy error falls through to the next one. The
// checkpoint is persisted before it is returned.
//
// # Outputs
//
//   - *Checkpoint: The persisted checkpoint.
//   - error: ErrNoCheckpoint (wrapping the last strategy error) when nothing
//     could capture the action.
func (m *Manager) Create(ctx context.Context, actionID, actorID string, a action.Action) (*Checkpoint, error) {
	files, err := m.capture(a.Paths)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCheckpoint, err)
	}

	var lastErr error
	for _, s := range m.strategies {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoCheckpoint, err)
		}
		if !s.Applicable(a) {
			continue
		}
		cp := &Checkpoint{
			ID:        uuid.NewString(),
			ActionID:  actionID,
			ActorID:   actorID,
			Kind:      s.Kind(),
			CreatedAt: m.cfg.Clock().UTC(),
			Files:     append([]FileState(nil), files...),
		}
		if err := s.Create(ctx, cp, a); err != nil {
			m.logger.Warn("checkpoint strategy failed",
				"strategy", s.Kind(), "action_id", actionID, "error", err)
			lastErr = err
			continue
		}
		if err := m.db.PutJSON(ctx, keyPrefix+cp.ID, cp); err != nil {
			_ = s.Discard(ctx, cp)
			return nil, fmt.Errorf("%w: persist: %v", ErrNoCheckpoint, err)
		}
		m.logger.Debug("checkpoint created",
			"checkpoint_id", cp.ID, "kind", cp.Kind, "action_id", actionID, "files", len(cp.Files))
		return cp, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCheckpoint, lastErr)
	}
	return nil, fmt.Errorf("%w: capability %s with %d paths", ErrNoCheckpoint, a.Capability, len(a.Paths))
}

// Restore returns the world to the checkpointed state and verifies every
// recorded file.
func (m *Manager) Restore(ctx context.Context, cp *Checkpoint) error {
	s, err := m.strategy(cp.Kind)
	if err != nil {
		return err
	}
	if err := s.Restore(ctx, cp); err != nil {
		return fmt.Errorf("restore %s checkpoint %s: %w", cp.Kind, cp.ID, err)
	}
	if err := Verify(cp.Files); err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, err)
	}
	m.logger.Info("checkpoint restored", "checkpoint_id", cp.ID, "kind", cp.Kind, "action_id", cp.ActionID)
	return nil
}

// Get loads a checkpoint by id.
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, error) {
	var cp Checkpoint
	err := m.db.GetJSON(ctx, keyPrefix+id, &cp)
	if errors.Is(err, badger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Discard releases a checkpoint's resources and deletes its record.
// Unknown ids are not an error.
func (m *Manager) Discard(ctx context.Context, id string) error {
	cp, err := m.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s, err := m.strategy(cp.Kind); err == nil {
		if err := s.Discard(ctx, cp); err != nil {
			m.logger.Warn("checkpoint discard failed", "checkpoint_id", id, "error", err)
		}
	}
	return m.db.Delete(ctx, keyPrefix+id)
}

// List returns every persisted checkpoint.
func (m *Manager) List(ctx context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	err := m.db.Scan(ctx, keyPrefix, false, func(key string, val []byte) (bool, error) {
		var cp Checkpoint
		if err := json.Unmarshal(val, &cp); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, cp)
		return true, nil
	})
	return out, err
}

func (m *Manager) strategy(kind Kind) (Strategy, error) {
	for _, s := range m.strategies {
		if s.Kind() == kind {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no %s strategy configured", kind)
}

func (m *Manager) capture(paths []string) ([]FileState, error) {
	seen := make(map[string]struct{}, len(paths))
	out := make([]FileState, 0, len(paths))
	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(m.cfg.Root, p)
		}
		abs = filepath.Clean(abs)
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}

		fs, err := stateOf(abs)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, nil
}

// stateOf hashes a regular file. A missing file is recorded as absent.
func stateOf(path string) (FileState, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return FileState{Path: path}, nil
	}
	if err != nil {
		return FileState{}, err
	}
	if !info.Mode().IsRegular() {
		return FileState{}, fmt.Errorf("%s is not a regular file", path)
	}
	sum, err := hashFile(path)
	if err != nil {
		return FileState{}, err
	}
	return FileState{
		Path:    path,
		Existed: true,
		Mode:    uint32(info.Mode().Perm()),
		Size:    info.Size(),
		SHA256:  sum,
	}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks that every file matches its recorded state.
func Verify(files []FileState) error {
	for _, want := range files {
		got, err := stateOf(want.Path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRestoreMismatch, want.Path, err)
		}
		switch {
		case got.Existed != want.Existed:
			return fmt.Errorf("%w: %s existed=%t, want %t", ErrRestoreMismatch, want.Path, got.Existed, want.Existed)
		case want.Existed && got.SHA256 != want.SHA256:
			return fmt.Errorf("%w: %s content differs", ErrRestoreMismatch, want.Path)
		}
	}
	return nil
}
