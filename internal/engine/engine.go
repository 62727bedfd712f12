// Package engine reads PostgreSQL tables batch by batch through server-side
// cursors, tags every row with its origin and reports a checkpoint per batch
// so an interrupted run can resume where it stopped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/pgextract/internal/checkpoint"
	"github.com/johndauphine/pgextract/internal/driver"
	"github.com/johndauphine/pgextract/internal/logging"
	"github.com/johndauphine/pgextract/internal/metrics"
	"github.com/johndauphine/pgextract/internal/retry"
	"github.com/johndauphine/pgextract/internal/source"
)

// Row tags added to every fetched row.
const (
	TableNameField  = "__tablename"
	SchemaNameField = "__schemaname"
	StateField      = "__state"
)

// DefaultBatchSize is the number of rows fetched per call when neither the
// options nor the caller choose one.
const DefaultBatchSize = 5000

const cursorName = "cur"

var (
	// ErrDone is returned by ReadNextBatch once every table has been read.
	ErrDone = errors.New("no more tables to read")

	// ErrNoOrderingKey means a table cannot be ordered and so cannot be read.
	ErrNoOrderingKey = source.ErrNoOrderingKey
)

// DatabaseError marks an error raised by a statement or connection attempt.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// ConnectionFactory opens a new session with an open transaction.
type ConnectionFactory interface {
	Connect(ctx context.Context) (source.Session, error)
}

// ProgressSink receives informational progress updates.
type ProgressSink interface {
	Progress(current, total int, message string)
}

// Options configure an extraction run.
type Options struct {
	Tables    []driver.TableRef
	BatchSize int

	// IncrementalColumn and IncrementalValue restrict every table to rows
	// whose column is at least the value.
	IncrementalColumn string
	IncrementalValue  string

	// Resume continues a previous run from its last persisted position.
	Resume *checkpoint.Descriptor

	// Retry bounds the attempts of one ReadNextBatch call. Nil uses
	// retry.DefaultConfig.
	Retry *retry.Config

	// DisableLiteralGuard turns off the injection check on rendered values.
	DisableLiteralGuard bool
}

// Deps are the collaborators an Engine talks to.
type Deps struct {
	Connector   ConnectionFactory
	Dialect     driver.Dialect
	Checkpoints checkpoint.Sink
	Progress    ProgressSink
	Metrics     *metrics.Metrics

	// Sleep replaces the backoff wait; tests use it to skip real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine extracts the configured tables in order. It is not safe for
// concurrent use.
type Engine struct {
	opts     Options
	deps     Deps
	policy   retry.Policy
	recorder *checkpoint.Recorder

	state   scanState
	session source.Session
}

// New creates an engine positioned at opts.Resume, or at the first table.
func New(opts Options, deps Deps) (*Engine, error) {
	if deps.Connector == nil {
		return nil, fmt.Errorf("engine requires a connection factory")
	}
	if deps.Dialect == nil {
		return nil, fmt.Errorf("engine requires a dialect")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Resume != nil && (opts.Resume.TableIndex < 0 || opts.Resume.TableIndex > len(opts.Tables)) {
		return nil, fmt.Errorf("resume table index %d out of range (tables: %d)", opts.Resume.TableIndex, len(opts.Tables))
	}

	cfg := opts.Retry
	if cfg == nil {
		cfg = retry.DefaultConfig()
	}
	policy := cfg.Policy(classify)
	policy.Sleep = deps.Sleep
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		deps.Metrics.IncRetryAttempts("read_batch")
		logging.Warn("Retrying (attempt %d) in %s, after error: %s", attempt, wait, logging.SanitizeError(err))
	}

	return &Engine{
		opts:     opts,
		deps:     deps,
		policy:   policy,
		recorder: checkpoint.NewRecorder(deps.Checkpoints),
		state:    newScanState(opts.Resume),
	}, nil
}

// ReadNextBatch returns the next batch of the current table. An empty batch
// marks the end of a table; call again to move on. ErrDone is returned once
// all tables are read. A batchSize <= 0 uses the configured default.
func (e *Engine) ReadNextBatch(ctx context.Context, batchSize int) ([]driver.Row, error) {
	if e.state.phase(len(e.opts.Tables)) == phaseExhausted {
		return nil, ErrDone
	}
	if batchSize <= 0 {
		batchSize = e.opts.BatchSize
	}

	return retry.DoWithResult(ctx, e.policy, func(ctx context.Context) ([]driver.Row, error) {
		rows, err := e.readBatch(ctx, batchSize)
		if err != nil {
			e.dropSession(ctx)
		}
		return rows, err
	})
}

func (e *Engine) readBatch(ctx context.Context, batchSize int) ([]driver.Row, error) {
	table := e.opts.Tables[e.state.tableIndex]

	if e.state.phase(len(e.opts.Tables)) == phaseIdle {
		if err := e.openCursor(ctx, table); err != nil {
			return nil, err
		}
	}

	rows, err := e.query(ctx, "fetch", e.deps.Dialect.FetchForward(cursorName, batchSize))
	if err != nil {
		return nil, err
	}
	e.deps.Metrics.AddRows(table.FullName(), len(rows))

	stateID := uuid.New()
	tagRows(rows, table, stateID)

	if len(rows) == 0 {
		logging.Info("Finished table %s (%d rows)", table, e.state.loaded)
		e.closeSession(ctx)
		e.state = e.state.tableDone()
		e.deps.Metrics.TableDone(e.state.tableIndex)
		return rows, nil
	}

	cp, err := e.recorder.Record(ctx, stateID, e.state.tableIndex, e.state.orderingKey, rows)
	if err != nil {
		return nil, err
	}
	e.deps.Metrics.IncCheckpointsReported()
	e.state = e.state.afterBatch(len(rows), cp.Descriptor.LastValue)
	logging.Debug("Fetched %d rows from %s (state %s)", len(rows), table, stateID)
	return rows, nil
}

// openCursor connects, resolves the ordering key and the incremental upper
// bound, and declares the cursor for table.
func (e *Engine) openCursor(ctx context.Context, table driver.TableRef) error {
	idx, total := e.state.tableIndex, len(e.opts.Tables)
	if e.deps.Progress != nil {
		e.deps.Progress.Progress(idx+1, total, fmt.Sprintf("Reading table %d (%s) out of %d", idx+1, table.FullName(), total))
	}

	sess, err := e.deps.Connector.Connect(ctx)
	if err != nil {
		if errors.Is(err, source.ErrAuthentication) {
			return err
		}
		return &DatabaseError{Op: "connect", Err: err}
	}
	e.session = sess

	loader := source.NewSchemaLoader(sessionQuerier{e}, e.deps.Dialect)

	key := e.state.orderingKey
	if len(key) == 0 {
		if key, err = loader.OrderingKey(ctx, table); err != nil {
			return err
		}
		logging.Debug("Ordering %s by %v", table, key)
	}

	var upper any
	if e.opts.IncrementalColumn != "" && e.opts.IncrementalValue != "" {
		if upper, err = loader.MaxValue(ctx, table, e.opts.IncrementalColumn); err != nil {
			return err
		}
	}

	q, err := driver.BuildQuery(e.deps.Dialect, driver.QuerySpec{
		Schema:            table.Schema,
		Table:             table.Name,
		OrderingKey:       key,
		IncrementalColumn: e.opts.IncrementalColumn,
		IncrementalValue:  e.opts.IncrementalValue,
		Resume:            e.state.resume,
		UpperBound:        upper,
		SkipLiteralGuard:  e.opts.DisableLiteralGuard,
	})
	if err != nil {
		return err
	}

	if err := e.exec(ctx, "declare", e.deps.Dialect.DeclareCursor(cursorName, q)); err != nil {
		return err
	}
	logging.Debug("Declared cursor: %s", logging.SanitizeQuery(q))
	e.state = e.state.withCursor(key)
	return nil
}

// ListTables returns every user table and view visible to the connection.
// It uses its own session and leaves the scan untouched.
func (e *Engine) ListTables(ctx context.Context) ([]driver.TableRef, error) {
	return retry.DoWithResult(ctx, e.policy, func(ctx context.Context) ([]driver.TableRef, error) {
		sess, err := e.deps.Connector.Connect(ctx)
		if err != nil {
			if errors.Is(err, source.ErrAuthentication) {
				return nil, err
			}
			return nil, &DatabaseError{Op: "connect", Err: err}
		}
		defer sess.Close(ctx)

		tables, err := source.NewSchemaLoader(sess, e.deps.Dialect).ListTables(ctx)
		if err != nil {
			return nil, &DatabaseError{Op: "list tables", Err: err}
		}
		return tables, nil
	})
}

// Position returns the descriptor a new engine would resume from.
func (e *Engine) Position() checkpoint.Descriptor {
	return e.state.descriptor()
}

// Close releases the open session, if any.
func (e *Engine) Close(ctx context.Context) error {
	if e.session == nil {
		return nil
	}
	err := e.session.Close(ctx)
	e.session = nil
	e.state = e.state.connectionLost()
	return err
}

func (e *Engine) exec(ctx context.Context, op, sql string) error {
	if e.session == nil {
		return &DatabaseError{Op: op, Err: fmt.Errorf("no open session")}
	}
	if err := e.session.Exec(ctx, sql); err != nil {
		e.dropSession(ctx)
		return &DatabaseError{Op: op, Err: err}
	}
	return nil
}

func (e *Engine) query(ctx context.Context, op, sql string) ([]driver.Row, error) {
	if e.session == nil {
		return nil, &DatabaseError{Op: op, Err: fmt.Errorf("no open session")}
	}
	rows, err := e.session.Query(ctx, sql)
	if err != nil {
		e.dropSession(ctx)
		return nil, &DatabaseError{Op: op, Err: err}
	}
	return rows, nil
}

// closeSession ends the session after a table is exhausted.
func (e *Engine) closeSession(ctx context.Context) {
	if e.session == nil {
		return
	}
	if err := e.session.Close(ctx); err != nil {
		logging.Debug("Closing session: %v", err)
	}
	e.session = nil
}

// dropSession discards the session after a failure. The ordering key and
// resume values survive so the next attempt re-declares from them.
func (e *Engine) dropSession(ctx context.Context) {
	e.closeSession(ctx)
	e.state = e.state.connectionLost()
}

// sessionQuerier routes catalog queries through the engine so a failure
// resets the session like any other statement.
type sessionQuerier struct {
	e *Engine
}

func (q sessionQuerier) Query(ctx context.Context, sql string) ([]driver.Row, error) {
	return q.e.query(ctx, "introspect", sql)
}

func tagRows(rows []driver.Row, table driver.TableRef, stateID uuid.UUID) {
	id := stateID.String()
	for _, row := range rows {
		row[TableNameField] = table.Name
		row[SchemaNameField] = table.Schema
		row[StateField] = id
	}
}

// classify decides whether a failed read is worth another attempt.
func classify(err error) retry.Decision {
	switch {
	case errors.Is(err, source.ErrAuthentication),
		errors.Is(err, driver.ErrUnsafeLiteral),
		errors.Is(err, source.ErrNoOrderingKey),
		errors.Is(err, context.Canceled):
		return retry.Fatal
	}

	if state := source.SQLState(err); len(state) >= 2 {
		switch state[:2] {
		case "28", "42", "3D", "3F":
			return retry.Fatal
		}
	}

	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return retry.Retryable
	}
	return retry.DefaultClassifier(err)
}
