// Package orchestrator drives an extraction run: it restores the last
// checkpoint, feeds engine batches to the output and persists each
// checkpoint once its batch is written.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/pgextract/internal/checkpoint"
	"github.com/johndauphine/pgextract/internal/config"
	"github.com/johndauphine/pgextract/internal/driver"
	"github.com/johndauphine/pgextract/internal/engine"
	"github.com/johndauphine/pgextract/internal/logging"
	"github.com/johndauphine/pgextract/internal/metrics"
	"github.com/johndauphine/pgextract/internal/output"
	"github.com/johndauphine/pgextract/internal/progress"
	"github.com/johndauphine/pgextract/internal/source"
)

// Orchestrator coordinates the extraction process.
type Orchestrator struct {
	config    *config.Config
	connector engine.ConnectionFactory
	dialect   driver.Dialect
	state     checkpoint.StateBackend
	metrics   *metrics.Metrics

	// openWriter opens the destination; replaced in tests.
	openWriter func(ctx context.Context) (output.Writer, error)

	// progressOut receives the progress bar; nil disables it.
	progressOut io.Writer
}

// RunOptions modify a single run.
type RunOptions struct {
	// Fresh ignores and clears any stored checkpoint.
	Fresh bool
}

// RunResult summarizes a finished run.
type RunResult struct {
	Tables   int
	Rows     int64
	Batches  int
	Duration time.Duration
}

// New creates an orchestrator from cfg. m may be nil.
func New(cfg *config.Config, m *metrics.Metrics) (*Orchestrator, error) {
	drv, err := driver.Get(cfg.Source.Type)
	if err != nil {
		return nil, err
	}

	state, err := checkpoint.NewBackend(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("opening state backend: %w", err)
	}

	connector := source.NewConnector(cfg.DSN(), cfg.Source.Address(),
		time.Duration(cfg.Source.ConnectTimeout)*time.Second)

	return &Orchestrator{
		config:    cfg,
		connector: connector,
		dialect:   drv.Dialect(),
		state:     state,
		metrics:   m,
		openWriter: func(ctx context.Context) (output.Writer, error) {
			return output.New(ctx, cfg.Output)
		},
		progressOut: os.Stderr,
	}, nil
}

// Close releases the state backend.
func (o *Orchestrator) Close() error {
	return o.state.Close()
}

func (o *Orchestrator) newEngine(tables []driver.TableRef, resume *checkpoint.Descriptor, sink checkpoint.Sink, prog engine.ProgressSink) (*engine.Engine, error) {
	retryCfg := o.config.Retry
	return engine.New(engine.Options{
		Tables:              tables,
		BatchSize:           o.config.Extract.BatchSize,
		IncrementalColumn:   o.config.Extract.IncrementalColumn,
		IncrementalValue:    o.config.Extract.IncrementalValue,
		Resume:              resume,
		Retry:               &retryCfg,
		DisableLiteralGuard: o.config.Extract.AllowUnsafeLiterals,
	}, engine.Deps{
		Connector:   o.connector,
		Dialect:     o.dialect,
		Checkpoints: sink,
		Progress:    prog,
		Metrics:     o.metrics,
	})
}

// tables returns the configured tables, or every table the source lists
// when none are configured.
func (o *Orchestrator) tables(ctx context.Context) ([]driver.TableRef, error) {
	refs, err := o.config.TableRefs()
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		return refs, nil
	}

	logging.Info("No tables configured, extracting every table in %s", o.config.Source.Address())
	return o.ListTables(ctx)
}

// Run extracts every table from the stored position, or from the start.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	start := time.Now()
	runKey := o.config.State.RunKey

	resume, err := o.restore(ctx, runKey, opts.Fresh)
	if err != nil {
		return nil, err
	}

	tables, err := o.tables(ctx)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to extract")
	}
	if resume != nil && resume.TableIndex > len(tables) {
		return nil, fmt.Errorf("stored checkpoint for %q is at table %d but only %d tables are configured; use --fresh to start over",
			runKey, resume.TableIndex, len(tables))
	}

	writer, err := o.openWriter(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening output: %w", err)
	}
	defer writer.Close(ctx)

	var tracker *progress.Tracker
	var prog engine.ProgressSink
	if o.progressOut != nil {
		tracker = progress.New(o.progressOut)
		prog = tracker
	}

	pending := checkpoint.NewPendingSink(o.state, runKey)
	eng, err := o.newEngine(tables, resume, pending, prog)
	if err != nil {
		return nil, err
	}
	defer eng.Close(ctx)

	logging.Info("Starting extraction of %d tables from %s (run key %q)", len(tables), o.config.Source.Address(), runKey)

	result := &RunResult{Tables: len(tables)}
	for {
		rows, err := eng.ReadNextBatch(ctx, 0)
		if errors.Is(err, engine.ErrDone) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("extraction failed: %w", err)
		}

		if len(rows) == 0 {
			if err := pending.SavePosition(ctx, eng.Position()); err != nil {
				return result, fmt.Errorf("saving table boundary: %w", err)
			}
			continue
		}

		if err := writer.Write(ctx, rows); err != nil {
			return result, fmt.Errorf("writing batch to %s: %w", writer.Name(), err)
		}
		o.metrics.AddRowsWritten(writer.Name(), len(rows))

		stateID, err := batchState(rows)
		if err != nil {
			return result, err
		}
		if err := pending.Commit(ctx, stateID); err != nil {
			return result, fmt.Errorf("saving checkpoint: %w", err)
		}
		o.metrics.IncCheckpointsCommitted()

		result.Batches++
		result.Rows += int64(len(rows))
		if tracker != nil {
			tracker.Add(int64(len(rows)))
		}
	}

	if tracker != nil {
		tracker.Finish()
	}
	result.Duration = time.Since(start)
	logging.Info("Extraction complete: %d rows in %d batches from %d tables (%s)",
		result.Rows, result.Batches, result.Tables, result.Duration.Round(time.Millisecond))
	return result, nil
}

func (o *Orchestrator) restore(ctx context.Context, runKey string, fresh bool) (*checkpoint.Descriptor, error) {
	if fresh {
		if err := o.state.Clear(ctx, runKey); err != nil {
			return nil, err
		}
		return nil, nil
	}

	saved, err := o.state.Load(ctx, runKey)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logging.Info("Resuming run %q at table %d from %s", runKey, saved.Descriptor.TableIndex, saved.StateID)
	return &saved.Descriptor, nil
}

func batchState(rows []driver.Row) (uuid.UUID, error) {
	s, _ := rows[0][engine.StateField].(string)
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("batch has no valid state tag: %w", err)
	}
	return id, nil
}

// ListTables returns every table and view the source exposes.
func (o *Orchestrator) ListTables(ctx context.Context) ([]driver.TableRef, error) {
	eng, err := o.newEngine(nil, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return eng.ListTables(ctx)
}

// PrintTables writes the table list as aligned columns.
func (o *Orchestrator) PrintTables(ctx context.Context, w io.Writer) error {
	tables, err := o.ListTables(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VALUE\tDISPLAY")
	for _, t := range tables {
		fmt.Fprintf(tw, "%s\t%s\n", t.FullName(), t)
	}
	return tw.Flush()
}

// ShowStatus writes the stored checkpoint for the run key as JSON.
func (o *Orchestrator) ShowStatus(ctx context.Context, w io.Writer) error {
	saved, err := o.state.Load(ctx, o.config.State.RunKey)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		fmt.Fprintf(w, "No checkpoint stored for run key %q\n", o.config.State.RunKey)
		return nil
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// ShowHistory writes up to limit past checkpoints. Only backends keeping
// history support it.
func (o *Orchestrator) ShowHistory(ctx context.Context, w io.Writer, limit int) error {
	hb, ok := o.state.(checkpoint.HistoryBackend)
	if !ok {
		return fmt.Errorf("state backend %q does not keep history", o.config.State.Backend)
	}
	history, err := hb.History(ctx, o.config.State.RunKey, limit)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Fprintln(w, "No checkpoint history")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SAVED\tSTATE\tTABLE\tLAST VALUE")
	for _, s := range history {
		lastValue, _ := json.Marshal(s.Descriptor.LastValue)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.UpdatedAt.Format(time.RFC3339), s.StateID, s.Descriptor.TableIndex, lastValue)
	}
	return tw.Flush()
}

// Reset clears the stored checkpoint so the next run starts over.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if err := o.state.Clear(ctx, o.config.State.RunKey); err != nil {
		return err
	}
	logging.Info("Cleared checkpoint for run key %q", o.config.State.RunKey)
	return nil
}

// SetProgressOutput redirects the progress bar; nil disables it.
func (o *Orchestrator) SetProgressOutput(w io.Writer) {
	o.progressOut = w
}
