package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/pgextract/internal/checkpoint"
	"github.com/johndauphine/pgextract/internal/driver"
	"github.com/johndauphine/pgextract/internal/logging"
	"github.com/johndauphine/pgextract/internal/source"
)

// HealthCheckResult reports whether the source and the state backend are usable.
type HealthCheckResult struct {
	Timestamp        string `json:"timestamp"`
	SourceDBType     string `json:"source_db_type"`
	SourceAddr       string `json:"source_addr"`
	SourceConnected  bool   `json:"source_connected"`
	SourceLatencyMs  int64  `json:"source_latency_ms"`
	SourceTableCount int    `json:"source_table_count"`
	SourceError      string `json:"source_error,omitempty"`
	StateBackend     string `json:"state_backend"`
	StateError       string `json:"state_error,omitempty"`
	Healthy          bool   `json:"healthy"`
}

// HealthCheck connects once to the source, without retrying, and reads the
// stored checkpoint.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	result := &HealthCheckResult{
		Timestamp:    time.Now().Format(time.RFC3339),
		SourceDBType: o.dialect.DBType(),
		SourceAddr:   o.config.Source.Address(),
		StateBackend: o.config.State.Backend,
	}

	const checkTimeout = 30 * time.Second
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	sess, err := o.connector.Connect(checkCtx)
	if err != nil {
		result.SourceError = logging.SanitizeError(err)
	} else {
		result.SourceConnected = true
		tables, err := source.NewSchemaLoader(sess, o.dialect).ListTables(checkCtx)
		if err != nil {
			result.SourceError = logging.SanitizeError(err)
		} else {
			result.SourceTableCount = len(tables)
		}
		sess.Close(checkCtx)
	}
	result.SourceLatencyMs = time.Since(start).Milliseconds()

	if _, err := o.state.Load(checkCtx, o.config.State.RunKey); err != nil && !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		result.StateError = err.Error()
	}

	result.Healthy = result.SourceConnected && result.SourceError == "" && result.StateError == ""
	return result, nil
}

// PlanTable is the cursor a run would declare for one table.
type PlanTable struct {
	Table       string   `json:"table"`
	Done        bool     `json:"done,omitempty"`
	OrderingKey []string `json:"ordering_key,omitempty"`
	UpperBound  any      `json:"upper_bound,omitempty"`
	Query       string   `json:"query,omitempty"`
}

// PlanResult previews a run without reading any rows.
type PlanResult struct {
	RunKey    string                 `json:"run_key"`
	BatchSize int                    `json:"batch_size"`
	Resume    *checkpoint.Descriptor `json:"resume,omitempty"`
	Tables    []PlanTable            `json:"tables"`
}

// Plan resolves the ordering key of every table and renders the query the
// next run would declare, starting from the stored checkpoint.
func (o *Orchestrator) Plan(ctx context.Context) (*PlanResult, error) {
	logging.Info("Planning extraction (no rows will be read)...")

	resume, err := o.restore(ctx, o.config.State.RunKey, false)
	if err != nil {
		return nil, err
	}
	tables, err := o.tables(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := o.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close(ctx)
	loader := source.NewSchemaLoader(sess, o.dialect)

	result := &PlanResult{
		RunKey:    o.config.State.RunKey,
		BatchSize: o.config.Extract.BatchSize,
		Resume:    resume,
	}
	for i, t := range tables {
		pt := PlanTable{Table: t.FullName()}
		if resume != nil && i < resume.TableIndex {
			pt.Done = true
			result.Tables = append(result.Tables, pt)
			continue
		}

		if pt.OrderingKey, err = loader.OrderingKey(ctx, t); err != nil {
			return nil, err
		}
		if o.config.Extract.IncrementalColumn != "" && o.config.Extract.IncrementalValue != "" {
			if pt.UpperBound, err = loader.MaxValue(ctx, t, o.config.Extract.IncrementalColumn); err != nil {
				return nil, err
			}
		}

		spec := driver.QuerySpec{
			Schema:            t.Schema,
			Table:             t.Name,
			OrderingKey:       pt.OrderingKey,
			IncrementalColumn: o.config.Extract.IncrementalColumn,
			IncrementalValue:  o.config.Extract.IncrementalValue,
			UpperBound:        pt.UpperBound,
			SkipLiteralGuard:  o.config.Extract.AllowUnsafeLiterals,
		}
		if resume != nil && i == resume.TableIndex {
			spec.Resume = resume.LastValue
		}
		if pt.Query, err = driver.BuildQuery(o.dialect, spec); err != nil {
			return nil, fmt.Errorf("%s: %w", t.FullName(), err)
		}
		result.Tables = append(result.Tables, pt)
	}
	return result, nil
}
