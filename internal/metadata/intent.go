package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/layout"
)

const intentFilename = "intent.json"

// Op names a multi-step object operation.
type Op string

const (
	OpRename Op = "rename"
	OpClone  Op = "clone"
	OpDelete Op = "delete"
)

// Stage records how far an operation got.
type Stage string

const (
	// StagePending: the remote mutation was issued but not confirmed.
	StagePending Stage = "pending"
	// StageRemoteDone: the remote mutation succeeded; local steps remain.
	StageRemoteDone Stage = "remote-done"
)

// Intent is the write-ahead record of an in-progress rename, clone or delete.
type Intent struct {
	Op       Op           `json:"op"`
	Kind     content.Kind `json:"kind"`
	ID       string       `json:"id"`
	From     string       `json:"from"`
	To       string       `json:"to,omitempty"`
	Stage    Stage        `json:"stage"`
	Revision string       `json:"revision,omitempty"`
	NewID    string       `json:"new_id,omitempty"`
	Checksum string       `json:"checksum,omitempty"`
	Started  time.Time    `json:"started"`
}

// SaveIntent persists the intent, replacing any previous one.
func (s *Store) SaveIntent(in Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}
	if err := layout.WriteFile(s.fs, path.Join(s.dir, intentFilename), append(data, '\n')); err != nil {
		return fmt.Errorf("failed to persist intent: %w", err)
	}
	return nil
}

// PendingIntent returns the persisted intent, if any.
func (s *Store) PendingIntent() (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name := path.Join(s.dir, intentFilename)
	data, err := layout.ReadFile(s.fs, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return &in, nil
}

// ClearIntent removes the persisted intent.
func (s *Store) ClearIntent() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(path.Join(s.dir, intentFilename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear intent: %w", err)
	}
	return nil
}
