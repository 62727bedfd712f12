package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/pgextract/internal/checkpoint"
	"github.com/johndauphine/pgextract/internal/driver"
	"github.com/johndauphine/pgextract/internal/driver/postgres"
	"github.com/johndauphine/pgextract/internal/retry"
	"github.com/johndauphine/pgextract/internal/source"
)

type fetchResult struct {
	rows []driver.Row
	err  error
}

// fakeDB answers the statements the engine issues and records them.
type fakeDB struct {
	keys     map[string][]driver.Row // keyed by quoted table name
	columns  map[string][]driver.Row
	tables   []driver.Row
	maxValue any
	fetches  []fetchResult

	connectErrs []error // consumed one per Connect; the last one repeats
	connects    int
	closes      int
	statements  []string
}

func (db *fakeDB) Connect(context.Context) (source.Session, error) {
	db.connects++
	if len(db.connectErrs) > 0 {
		err := db.connectErrs[0]
		if len(db.connectErrs) > 1 {
			db.connectErrs = db.connectErrs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	return &fakeSession{db: db}, nil
}

func (db *fakeDB) declared() []string {
	var out []string
	for _, s := range db.statements {
		if strings.HasPrefix(s, "DECLARE") {
			out = append(out, s)
		}
	}
	return out
}

type fakeSession struct {
	db     *fakeDB
	closed bool
}

func (s *fakeSession) Exec(_ context.Context, sql string) error {
	s.db.statements = append(s.db.statements, sql)
	return nil
}

func (s *fakeSession) Query(_ context.Context, sql string) ([]driver.Row, error) {
	db := s.db
	db.statements = append(db.statements, sql)

	switch {
	case strings.HasPrefix(sql, "FETCH FORWARD"):
		if len(db.fetches) == 0 {
			return []driver.Row{}, nil
		}
		next := db.fetches[0]
		db.fetches = db.fetches[1:]
		return next.rows, next.err
	case strings.Contains(sql, "FROM   pg_index"):
		return lookup(db.keys, sql), nil
	case strings.Contains(sql, "attisdropped"):
		return lookup(db.columns, sql), nil
	case strings.HasPrefix(sql, "SELECT MAX("):
		return []driver.Row{{"max": db.maxValue}}, nil
	case strings.Contains(sql, "information_schema.tables"):
		return db.tables, nil
	}
	return nil, fmt.Errorf("unexpected statement %q", sql)
}

func (s *fakeSession) Close(context.Context) error {
	if !s.closed {
		s.closed = true
		s.db.closes++
	}
	return nil
}

func lookup(byTable map[string][]driver.Row, sql string) []driver.Row {
	for table, rows := range byTable {
		if strings.Contains(sql, table) {
			return rows
		}
	}
	return nil
}

type recordingSink struct {
	checkpoints []checkpoint.Checkpoint
	err         error
}

func (s *recordingSink) ReportCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	if s.err != nil {
		return s.err
	}
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

type recordingProgress struct {
	messages []string
}

func (p *recordingProgress) Progress(current, total int, message string) {
	p.messages = append(p.messages, message)
}

func pkRows(cols ...string) []driver.Row {
	rows := make([]driver.Row, 0, len(cols))
	for _, c := range cols {
		rows = append(rows, driver.Row{
			"attname": c, "data_type": "text", "index_name": "pk",
			"indnatts": int16(len(cols)), "indisunique": true, "indisprimary": true,
		})
	}
	return rows
}

func tableRefs(names ...string) []driver.TableRef {
	refs := make([]driver.TableRef, 0, len(names))
	for _, n := range names {
		ref, _ := driver.ParseTableRef(n, "public")
		refs = append(refs, ref)
	}
	return refs
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestEngine(t *testing.T, opts Options, db *fakeDB, sink checkpoint.Sink) *Engine {
	t.Helper()
	if opts.Retry == nil {
		opts.Retry = retry.DefaultConfig()
	}
	e, err := New(opts, Deps{
		Connector:   db,
		Dialect:     &postgres.Dialect{},
		Checkpoints: sink,
		Sleep:       noSleep,
	})
	require.NoError(t, err)
	return e
}

func TestReadNextBatchWalksAllTables(t *testing.T) {
	db := &fakeDB{
		keys: map[string][]driver.Row{
			`"public"."a"`: pkRows("id"),
			`"public"."b"`: pkRows("id"),
			`"public"."c"`: pkRows("id"),
		},
		fetches: []fetchResult{
			{rows: []driver.Row{{"id": 1}}}, {rows: []driver.Row{}},
			{rows: []driver.Row{{"id": 2}}}, {rows: []driver.Row{}},
			{rows: []driver.Row{{"id": 3}}}, {rows: []driver.Row{}},
		},
	}
	progress := &recordingProgress{}
	e, err := New(Options{Tables: tableRefs("a", "b", "c")}, Deps{
		Connector: db, Dialect: &postgres.Dialect{}, Progress: progress, Sleep: noSleep,
	})
	require.NoError(t, err)

	ctx := context.Background()
	var sizes []int
	for {
		rows, err := e.ReadNextBatch(ctx, 0)
		if errors.Is(err, ErrDone) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(rows))
	}

	assert.Equal(t, []int{1, 0, 1, 0, 1, 0}, sizes)
	assert.Equal(t, 3, db.connects)
	assert.Equal(t, 3, db.closes)
	assert.Equal(t, []string{
		"Reading table 1 (public.a) out of 3",
		"Reading table 2 (public.b) out of 3",
		"Reading table 3 (public.c) out of 3",
	}, progress.messages)
	assert.Contains(t, db.statements, "FETCH FORWARD 5000 FROM cur")

	_, err = e.ReadNextBatch(ctx, 0)
	assert.ErrorIs(t, err, ErrDone)
}

func TestBatchSharesStateAndCheckpoints(t *testing.T) {
	db := &fakeDB{
		keys: map[string][]driver.Row{`"public"."foo"`: pkRows("pk1", "pk2")},
		fetches: []fetchResult{
			{rows: []driver.Row{
				{"pk1": 1, "pk2": "a", "val": "x"},
				{"pk1": 2, "pk2": "b", "val": "y"},
			}},
			{rows: []driver.Row{}},
		},
	}
	sink := &recordingSink{}
	e := newTestEngine(t, Options{Tables: tableRefs("foo")}, db, sink)
	ctx := context.Background()

	rows, err := e.ReadNextBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	state := rows[0][StateField]
	for _, row := range rows {
		assert.Equal(t, "foo", row[TableNameField])
		assert.Equal(t, "public", row[SchemaNameField])
		assert.Equal(t, state, row[StateField])
	}

	require.Len(t, sink.checkpoints, 1)
	cp := sink.checkpoints[0]
	assert.Equal(t, state, cp.StateID.String())
	assert.Equal(t, 0, cp.Descriptor.TableIndex)
	assert.Equal(t, driver.ResumeState{{Column: "pk1", Value: 2}, {Column: "pk2", Value: "b"}}, cp.Descriptor.LastValue)

	rows, err = e.ReadNextBatch(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Len(t, sink.checkpoints, 1, "empty batch must not report a checkpoint")
	assert.Equal(t, checkpoint.Descriptor{TableIndex: 1}, e.Position())
}

func TestResumeFromDescriptor(t *testing.T) {
	db := &fakeDB{
		keys:    map[string][]driver.Row{`"public"."second"`: pkRows("id")},
		fetches: []fetchResult{{rows: []driver.Row{{"id": 101}}}},
	}
	sink := &recordingSink{}
	e := newTestEngine(t, Options{
		Tables: tableRefs("first", "second"),
		Resume: &checkpoint.Descriptor{
			TableIndex: 1,
			LastValue:  driver.ResumeState{{Column: "id", Value: "100"}},
		},
	}, db, sink)

	rows, err := e.ReadNextBatch(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "second", rows[0][TableNameField])
	assert.Equal(t, []string{
		`DECLARE cur CURSOR FOR SELECT * FROM "public"."second" WHERE id >= '100' ORDER BY id`,
	}, db.declared())
	require.Len(t, sink.checkpoints, 1)
	assert.Equal(t, 1, sink.checkpoints[0].Descriptor.TableIndex)
}

func TestRetryRedeclaresFromLastCheckpoint(t *testing.T) {
	db := &fakeDB{
		keys: map[string][]driver.Row{`"public"."foo"`: pkRows("col1", "col2")},
		fetches: []fetchResult{
			{rows: []driver.Row{
				{"col1": "foo1", "col2": "bar1"},
				{"col1": "foo3", "col2": "bar3"},
			}},
			{err: errors.New("connection reset by peer")},
			{rows: []driver.Row{{"col1": "foo4", "col2": "bar4"}}},
		},
	}
	e := newTestEngine(t, Options{Tables: tableRefs("foo")}, db, &recordingSink{})
	ctx := context.Background()

	_, err := e.ReadNextBatch(ctx, 0)
	require.NoError(t, err)

	rows, err := e.ReadNextBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "foo4", rows[0]["col1"])

	assert.Equal(t, 2, db.connects)
	assert.Equal(t, []string{
		`DECLARE cur CURSOR FOR SELECT * FROM "public"."foo" ORDER BY col1,col2`,
		`DECLARE cur CURSOR FOR SELECT * FROM "public"."foo" WHERE (col1,col2) >= ('foo3','bar3') ORDER BY col1,col2`,
	}, db.declared())
}

func TestErrorResetsSessionHandles(t *testing.T) {
	db := &fakeDB{
		keys:    map[string][]driver.Row{`"public"."foo"`: pkRows("id")},
		fetches: []fetchResult{{err: errors.New("connection reset by peer")}},
	}
	e := newTestEngine(t, Options{
		Tables: tableRefs("foo"),
		Retry:  &retry.Config{MaxAttempts: 1},
	}, db, nil)

	_, err := e.ReadNextBatch(context.Background(), 0)
	require.Error(t, err)

	var dbErr *DatabaseError
	assert.ErrorAs(t, err, &dbErr)
	assert.Nil(t, e.session)
	assert.False(t, e.state.cursorOpen)
	assert.Equal(t, []string{"id"}, e.state.orderingKey, "ordering key survives a lost connection")
	assert.Equal(t, 1, db.closes)
}

func TestIncrementalWithoutIndexes(t *testing.T) {
	db := &fakeDB{
		columns: map[string][]driver.Row{`"public"."events"`: {
			{"attname": "id", "data_type": "integer"},
			{"attname": "inckey", "data_type": "text"},
		}},
		fetches: []fetchResult{{rows: []driver.Row{{"id": 1, "inckey": "z"}}}},
	}
	e := newTestEngine(t, Options{
		Tables:            tableRefs("events"),
		IncrementalColumn: "inckey",
		IncrementalValue:  "incval",
	}, db, nil)

	_, err := e.ReadNextBatch(context.Background(), 42)
	require.NoError(t, err)

	assert.Contains(t, db.statements, `SELECT MAX("inckey") AS max FROM "public"."events"`)
	assert.Equal(t, []string{
		`DECLARE cur CURSOR FOR SELECT * FROM "public"."events" WHERE inckey >= 'incval' ORDER BY id,inckey`,
	}, db.declared())
	assert.Contains(t, db.statements, "FETCH FORWARD 42 FROM cur")
}

func TestIncrementalUpperBound(t *testing.T) {
	db := &fakeDB{
		keys:     map[string][]driver.Row{`"public"."events"`: pkRows("id")},
		maxValue: int64(900),
		fetches:  []fetchResult{{rows: []driver.Row{{"id": 1, "seq": 500}}}},
	}
	e := newTestEngine(t, Options{
		Tables:            tableRefs("events"),
		IncrementalColumn: "seq",
		IncrementalValue:  "100",
	}, db, nil)

	_, err := e.ReadNextBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		`DECLARE cur CURSOR FOR SELECT * FROM "public"."events" WHERE (seq >= '100' AND seq <= 900) ORDER BY id,seq`,
	}, db.declared())
}

func TestConnectRetriesUntilExhausted(t *testing.T) {
	db := &fakeDB{connectErrs: []error{errors.New("connection refused")}}
	e := newTestEngine(t, Options{Tables: tableRefs("foo")}, db, nil)

	_, err := e.ReadNextBatch(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 5, db.connects)
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	authErr := &source.AuthError{Addr: "localhost:5432/db", Err: &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}}
	db := &fakeDB{connectErrs: []error{authErr}}
	e := newTestEngine(t, Options{Tables: tableRefs("foo")}, db, nil)

	_, err := e.ReadNextBatch(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrAuthentication)
	assert.NotErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 1, db.connects)
}

func TestNoOrderingKeyIsFatal(t *testing.T) {
	db := &fakeDB{}
	e := newTestEngine(t, Options{Tables: tableRefs("empty")}, db, nil)

	_, err := e.ReadNextBatch(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoOrderingKey)
	assert.Equal(t, 1, db.connects)
	assert.Equal(t, 1, db.closes)
}

func TestSinkFailureDropsSession(t *testing.T) {
	db := &fakeDB{
		keys:    map[string][]driver.Row{`"public"."foo"`: pkRows("id")},
		fetches: []fetchResult{{rows: []driver.Row{{"id": 1}}}},
	}
	sink := &recordingSink{err: errors.New("sink full")}
	e := newTestEngine(t, Options{Tables: tableRefs("foo")}, db, sink)

	_, err := e.ReadNextBatch(context.Background(), 0)
	require.Error(t, err)
	assert.Nil(t, e.session)
	assert.True(t, e.state.resume.IsEmpty(), "resume must not advance past an unreported batch")
}

func TestListTablesMarksViews(t *testing.T) {
	db := &fakeDB{tables: []driver.Row{
		{"table_schema": "public", "table_name": "orders", "table_type": "BASE TABLE"},
		{"table_schema": "public", "table_name": "recent_orders", "table_type": "VIEW"},
	}}
	e := newTestEngine(t, Options{}, db, nil)

	tables, err := e.ListTables(context.Background())
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "public.orders", tables[0].DisplayValue)
	assert.Equal(t, "public.recent_orders (VIEW)", tables[1].DisplayValue)
	assert.Equal(t, 1, db.closes)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Decision
	}{
		{"auth", &source.AuthError{Err: errors.New("x")}, retry.Fatal},
		{"unsafe literal", &driver.UnsafeLiteralError{Column: "c"}, retry.Fatal},
		{"no ordering key", fmt.Errorf("t: %w", ErrNoOrderingKey), retry.Fatal},
		{"cancelled", context.Canceled, retry.Fatal},
		{"undefined table", &DatabaseError{Op: "declare", Err: &pgconn.PgError{Code: "42P01"}}, retry.Fatal},
		{"invalid catalog", &DatabaseError{Op: "connect", Err: &pgconn.PgError{Code: "3D000"}}, retry.Fatal},
		{"serialization failure", &DatabaseError{Op: "fetch", Err: &pgconn.PgError{Code: "40001"}}, retry.Retryable},
		{"plain database error", &DatabaseError{Op: "fetch", Err: errors.New("boom")}, retry.Retryable},
		{"timeout pattern", errors.New("i/o timeout"), retry.Retryable},
		{"unknown", errors.New("boom"), retry.Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Options{}, Deps{Dialect: &postgres.Dialect{}})
	assert.Error(t, err)

	_, err = New(Options{Tables: tableRefs("a")}, Deps{
		Connector: &fakeDB{}, Dialect: &postgres.Dialect{},
	})
	assert.NoError(t, err)

	_, err = New(Options{Tables: tableRefs("a"), Resume: &checkpoint.Descriptor{TableIndex: 5}}, Deps{
		Connector: &fakeDB{}, Dialect: &postgres.Dialect{},
	})
	assert.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	s := newScanState(nil)
	assert.Equal(t, phaseIdle, s.phase(2))

	s = s.withCursor([]string{"id"})
	assert.Equal(t, phaseScanning, s.phase(2))

	s = s.afterBatch(3, driver.ResumeState{{Column: "id", Value: 3}})
	assert.Equal(t, 3, s.loaded)

	lost := s.connectionLost()
	assert.Equal(t, phaseIdle, lost.phase(2))
	assert.Equal(t, []string{"id"}, lost.orderingKey)
	assert.Equal(t, 0, lost.loaded)
	assert.False(t, lost.resume.IsEmpty())

	next := s.tableDone()
	assert.Equal(t, scanState{tableIndex: 1}, next)
	assert.Equal(t, phaseExhausted, next.tableDone().phase(2))
}
