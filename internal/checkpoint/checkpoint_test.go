package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/pgextract/internal/driver"
)

type memorySink struct {
	reported []Checkpoint
	err      error
}

func (m *memorySink) ReportCheckpoint(_ context.Context, cp Checkpoint) error {
	if m.err != nil {
		return m.err
	}
	m.reported = append(m.reported, cp)
	return nil
}

func TestRecorder_UsesLastRow(t *testing.T) {
	sink := &memorySink{}
	rec := NewRecorder(sink)
	id := uuid.New()

	batch := []driver.Row{
		{"col1": "foo1", "col2": "bar1"},
		{"col1": "foo3", "col2": "bar3"},
	}
	cp, err := rec.Record(context.Background(), id, 2, []string{"col1", "col2"}, batch)
	require.NoError(t, err)

	assert.Equal(t, id, cp.StateID)
	assert.Equal(t, 2, cp.Descriptor.TableIndex)
	assert.Equal(t, driver.ResumeState{{Column: "col1", Value: "foo3"}, {Column: "col2", Value: "bar3"}}, cp.Descriptor.LastValue)
	require.Len(t, sink.reported, 1)
	assert.Equal(t, cp, sink.reported[0])
}

func TestRecorder_EmptyBatch(t *testing.T) {
	sink := &memorySink{}
	_, err := NewRecorder(sink).Record(context.Background(), uuid.New(), 0, []string{"id"}, nil)
	assert.Error(t, err)
	assert.Empty(t, sink.reported)
}

func TestRecorder_SinkError(t *testing.T) {
	boom := errors.New("disk full")
	_, err := NewRecorder(&memorySink{err: boom}).Record(context.Background(), uuid.New(), 0, []string{"id"}, []driver.Row{{"id": 1}})
	assert.ErrorIs(t, err, boom)
}

func TestDescriptorJSON(t *testing.T) {
	d := Descriptor{
		TableIndex: 1,
		LastValue:  driver.ResumeState{{Column: "pk2", Value: "b"}, {Column: "pk1", Value: int64(100)}},
	}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_index":1,"last_value":{"pk2":"b","pk1":100}}`, string(data))
	assert.Equal(t, `{"last_index":1,"last_value":{"pk2":"b","pk1":100}}`, string(data))

	var decoded Descriptor
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1, decoded.TableIndex)
	assert.Equal(t, []string{"pk2", "pk1"}, decoded.LastValue.Columns())
}

func backends(t *testing.T) map[string]StateBackend {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := NewBackend(Config{Backend: "sqlite", Path: filepath.Join(dir, "state.db")})
	require.NoError(t, err)
	file, err := NewBackend(Config{Backend: "file", Path: filepath.Join(dir, "files")})
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlite.Close()
		file.Close()
	})
	return map[string]StateBackend{"sqlite": sqlite, "file": file}
}

func TestBackends_SaveLoadClear(t *testing.T) {
	ctx := context.Background()

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.Load(ctx, "nightly")
			assert.ErrorIs(t, err, ErrNoCheckpoint)

			first := Checkpoint{StateID: uuid.New(), Descriptor: Descriptor{
				TableIndex: 0,
				LastValue:  driver.ResumeState{{Column: "id", Value: int64(5)}},
			}}
			second := Checkpoint{StateID: uuid.New(), Descriptor: Descriptor{
				TableIndex: 1,
				LastValue:  driver.ResumeState{{Column: "b", Value: "x"}, {Column: "a", Value: "y"}},
			}}
			require.NoError(t, backend.Save(ctx, "nightly", first))
			require.NoError(t, backend.Save(ctx, "nightly", second))

			saved, err := backend.Load(ctx, "nightly")
			require.NoError(t, err)
			assert.Equal(t, "nightly", saved.RunKey)
			assert.Equal(t, second.StateID.String(), saved.StateID)
			assert.Equal(t, 1, saved.Descriptor.TableIndex)
			assert.Equal(t, []string{"b", "a"}, saved.Descriptor.LastValue.Columns())
			assert.False(t, saved.UpdatedAt.IsZero())

			_, err = backend.Load(ctx, "other")
			assert.ErrorIs(t, err, ErrNoCheckpoint)

			require.NoError(t, backend.Clear(ctx, "nightly"))
			_, err = backend.Load(ctx, "nightly")
			assert.ErrorIs(t, err, ErrNoCheckpoint)
			require.NoError(t, backend.Clear(ctx, "nightly"))
		})
	}
}

func TestSQLiteHistory(t *testing.T) {
	ctx := context.Background()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer backend.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, backend.Save(ctx, "run", Checkpoint{StateID: uuid.New(), Descriptor: Descriptor{TableIndex: i}}))
	}

	history, err := backend.History(ctx, "run", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Descriptor.TableIndex)
	assert.Equal(t, 1, history[1].Descriptor.TableIndex)
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := NewBackend(Config{Backend: "redis"})
	assert.Error(t, err)
}

func TestPendingSink_CommitAfterWrite(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	sink := NewPendingSink(backend, "run")

	a := Checkpoint{StateID: uuid.New(), Descriptor: Descriptor{TableIndex: 0, LastValue: driver.ResumeState{{Column: "id", Value: "10"}}}}
	b := Checkpoint{StateID: uuid.New(), Descriptor: Descriptor{TableIndex: 0, LastValue: driver.ResumeState{{Column: "id", Value: "20"}}}}
	require.NoError(t, sink.ReportCheckpoint(ctx, a))
	require.NoError(t, sink.ReportCheckpoint(ctx, b))

	_, err = backend.Load(ctx, "run")
	assert.ErrorIs(t, err, ErrNoCheckpoint, "nothing is saved before commit")

	require.NoError(t, sink.Commit(ctx, b.StateID))
	assert.Equal(t, 0, sink.Pending(), "earlier checkpoints are superseded")

	saved, err := backend.Load(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, b.StateID.String(), saved.StateID)

	assert.Error(t, sink.Commit(ctx, a.StateID))
}

func TestPendingSink_SavePosition(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	sink := NewPendingSink(backend, "run key/with slash")

	require.NoError(t, sink.SavePosition(ctx, Descriptor{TableIndex: 3}))
	saved, err := backend.Load(ctx, "run key/with slash")
	require.NoError(t, err)
	assert.Equal(t, 3, saved.Descriptor.TableIndex)
	assert.True(t, saved.Descriptor.LastValue.IsEmpty())
}
