package checkpoint

import (
	"context"
	"fmt"
	"time"
)

// Saved is a persisted checkpoint.
type Saved struct {
	RunKey     string     `json:"run_key"`
	StateID    string     `json:"state_id"`
	Descriptor Descriptor `json:"descriptor"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StateBackend defines the interface for checkpoint persistence.
// Implementations include SQLite (with history) and file-based (latest only).
type StateBackend interface {
	// Load returns the latest checkpoint for runKey, or ErrNoCheckpoint.
	Load(ctx context.Context, runKey string) (*Saved, error)

	// Save replaces the latest checkpoint for runKey.
	Save(ctx context.Context, runKey string, cp Checkpoint) error

	// Clear removes the checkpoint for runKey so the next run starts fresh.
	Clear(ctx context.Context, runKey string) error

	// Lifecycle
	Close() error
}

// HistoryBackend extends StateBackend with an append-only checkpoint log.
// Only SQLite implements this; the file backend keeps the latest entry only.
type HistoryBackend interface {
	StateBackend

	History(ctx context.Context, runKey string, limit int) ([]Saved, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend" env:"PGEXTRACT_STATE_BACKEND" env-default:"sqlite" validate:"oneof=sqlite file"`
	Path    string `yaml:"path" env:"PGEXTRACT_STATE_PATH"`
	RunKey  string `yaml:"run_key" env:"PGEXTRACT_STATE_RUN_KEY" env-default:"default"`
}

// NewBackend opens the configured backend. The SQLite path defaults to
// pgextract.db; the file backend path is a directory defaulting to .pgextract.
func NewBackend(cfg Config) (StateBackend, error) {
	switch cfg.Backend {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "pgextract.db"
		}
		return NewSQLiteBackend(path)
	case "file":
		dir := cfg.Path
		if dir == "" {
			dir = ".pgextract"
		}
		return NewFileBackend(dir)
	default:
		return nil, fmt.Errorf("unknown state backend %q (valid: sqlite, file)", cfg.Backend)
	}
}
