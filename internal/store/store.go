// Package store persists and restores a session's snapshot (active
// configuration, history entries, and datamodel variables named by the
// document) as JSON or YAML files, for process-restart recovery.
//
// Grounded on the teacher's production.JSONPersister (same
// os.MkdirAll-then-os.WriteFile/os.ReadFile shape, same
// encoding/json.MarshalIndent), generalized to also offer gopkg.in/yaml.v3
// (already the teacher's own dependency, previously only exercised by
// its builder's document loader) as an alternate, human-editable format.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Snapshot is the serializable shape of one session, sufficient to
// resume it: Variables holds every top-level datamodel binding exported
// via Interpreter.GetVariable for each declared <data> id (spec.md §6
// snapshot/restore).
type Snapshot struct {
	SessionID     string         `json:"session_id" yaml:"session_id"`
	DocumentName  string         `json:"document_name" yaml:"document_name"`
	Configuration []string       `json:"configuration" yaml:"configuration"`
	History       map[string][]string `json:"history,omitempty" yaml:"history,omitempty"`
	Variables     map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Store persists snapshots as files under dir, one per session id
// (teacher: production.NewJSONPersister's directory-per-store shape).
type Store struct {
	dir string
}

// Format selects the on-disk encoding.
type Format int

const (
	JSON Format = iota
	YAML
)

func (f Format) ext() string {
	if f == YAML {
		return ".yaml"
	}
	return ".json"
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save writes snap under its SessionID, in the requested format.
func (s *Store) Save(snap Snapshot, format Format) error {
	var data []byte
	var err error
	switch format {
	case YAML:
		data, err = yaml.Marshal(snap)
	default:
		data, err = json.MarshalIndent(snap, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	path := filepath.Join(s.dir, snap.SessionID+format.ext())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	return nil
}

// Load reads back the snapshot for sessionID in the given format.
func (s *Store) Load(sessionID string, format Format) (Snapshot, error) {
	path := filepath.Join(s.dir, sessionID+format.ext())
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("store: session %q: %w", sessionID, os.ErrNotExist)
		}
		return Snapshot{}, fmt.Errorf("store: read %s: %w", path, err)
	}
	var snap Snapshot
	switch format {
	case YAML:
		err = yaml.Unmarshal(data, &snap)
	default:
		err = json.Unmarshal(data, &snap)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: unmarshal %s: %w", path, err)
	}
	return snap, nil
}
