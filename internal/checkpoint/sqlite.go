package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_key    TEXT PRIMARY KEY,
	state_id   TEXT NOT NULL,
	last_index INTEGER NOT NULL,
	last_value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoint_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_key    TEXT NOT NULL,
	state_id   TEXT NOT NULL,
	last_index INTEGER NOT NULL,
	last_value TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoint_history_run ON checkpoint_history(run_key, id);
`

// SQLiteBackend stores checkpoints in a local SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

var _ HistoryBackend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (creating if needed) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, runKey string) (*Saved, error) {
	var (
		saved     Saved
		lastValue string
		updatedAt string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT run_key, state_id, last_index, last_value, updated_at FROM checkpoints WHERE run_key = ?`,
		runKey,
	).Scan(&saved.RunKey, &saved.StateID, &saved.Descriptor.TableIndex, &lastValue, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", runKey, err)
	}

	if err := json.Unmarshal([]byte(lastValue), &saved.Descriptor.LastValue); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", runKey, err)
	}
	saved.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &saved, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, runKey string, cp Checkpoint) error {
	lastValue, err := json.Marshal(cp.Descriptor.LastValue)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_key, state_id, last_index, last_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_key) DO UPDATE SET
			state_id = excluded.state_id,
			last_index = excluded.last_index,
			last_value = excluded.last_value,
			updated_at = excluded.updated_at`,
		runKey, cp.StateID.String(), cp.Descriptor.TableIndex, string(lastValue), now,
	); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_history (run_key, state_id, last_index, last_value, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runKey, cp.StateID.String(), cp.Descriptor.TableIndex, string(lastValue), now,
	); err != nil {
		return fmt.Errorf("recording checkpoint history: %w", err)
	}

	return tx.Commit()
}

func (b *SQLiteBackend) Clear(ctx context.Context, runKey string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_key = ?`, runKey); err != nil {
		return fmt.Errorf("clearing checkpoint %s: %w", runKey, err)
	}
	return nil
}

// History returns up to limit checkpoints for runKey, newest first.
func (b *SQLiteBackend) History(ctx context.Context, runKey string, limit int) ([]Saved, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT run_key, state_id, last_index, last_value, created_at
		FROM checkpoint_history
		WHERE run_key = ?
		ORDER BY id DESC
		LIMIT ?`, runKey, limit)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint history: %w", err)
	}
	defer rows.Close()

	var history []Saved
	for rows.Next() {
		var (
			s         Saved
			lastValue string
			createdAt string
		)
		if err := rows.Scan(&s.RunKey, &s.StateID, &s.Descriptor.TableIndex, &lastValue, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint history: %w", err)
		}
		if err := json.Unmarshal([]byte(lastValue), &s.Descriptor.LastValue); err != nil {
			return nil, fmt.Errorf("parsing checkpoint history: %w", err)
		}
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		history = append(history, s)
	}
	return history, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
