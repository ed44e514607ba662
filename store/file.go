package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentplexus/calltest/orchestrator"
)

// File writes each result to <dir>/<session_id>.json.
type File struct {
	dir string
}

// NewFile creates dir if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("store: file store directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Save writes the result atomically.
func (f *File) Save(_ context.Context, result *orchestrator.TestResult) error {
	if result == nil || result.SessionID == "" {
		return errors.New("store: result without session id")
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	path := f.path(result.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: write result: %w", err)
	}
	return nil
}

// Load reads a saved result.
func (f *File) Load(sessionID string) (*orchestrator.TestResult, error) {
	data, err := os.ReadFile(f.path(sessionID))
	if err != nil {
		return nil, fmt.Errorf("store: read result: %w", err)
	}
	var res orchestrator.TestResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("store: decode result: %w", err)
	}
	return &res, nil
}

func (f *File) Close() error { return nil }

func (f *File) path(sessionID string) string {
	return filepath.Join(f.dir, filepath.Base(sessionID)+".json")
}
