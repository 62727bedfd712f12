package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileBackend persists the latest checkpoint per run key as a JSON file.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed and stores checkpoints inside it.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(runKey string) string {
	return filepath.Join(b.dir, "checkpoint_"+unsafeFileChars.ReplaceAllString(runKey, "_")+".json")
}

func (b *FileBackend) Load(_ context.Context, runKey string) (*Saved, error) {
	data, err := os.ReadFile(b.path(runKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var saved Saved
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	return &saved, nil
}

// Save writes to a temp file and renames it over the previous checkpoint so
// a crash never leaves a partial file behind.
func (b *FileBackend) Save(_ context.Context, runKey string, cp Checkpoint) error {
	saved := Saved{
		RunKey:     runKey,
		StateID:    cp.StateID.String(),
		Descriptor: cp.Descriptor,
		UpdatedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := b.path(runKey)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func (b *FileBackend) Clear(_ context.Context, runKey string) error {
	if err := os.Remove(b.path(runKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}
