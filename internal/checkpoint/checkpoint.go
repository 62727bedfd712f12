// Package checkpoint records how far an extraction has progressed and
// persists that position so a later run can resume from it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/johndauphine/pgextract/internal/driver"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Descriptor is the resumable position of a run: the index of the table
// being scanned and the ordering-key values of the last row handed out.
type Descriptor struct {
	TableIndex int                `json:"last_index"`
	LastValue  driver.ResumeState `json:"last_value"`
}

// Checkpoint ties a Descriptor to the batch it was derived from. Every row of
// that batch carries StateID in its state tag.
type Checkpoint struct {
	StateID    uuid.UUID  `json:"state_id"`
	Descriptor Descriptor `json:"descriptor"`
}

// Sink receives checkpoints as batches are produced.
type Sink interface {
	ReportCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Recorder derives checkpoints from fetched batches and reports them.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a recorder reporting to sink. A nil sink discards.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record builds the checkpoint for a non-empty batch from the key values of
// its last row and reports it.
func (r *Recorder) Record(ctx context.Context, stateID uuid.UUID, tableIndex int, key []string, batch []driver.Row) (Checkpoint, error) {
	if len(batch) == 0 {
		return Checkpoint{}, fmt.Errorf("cannot checkpoint an empty batch")
	}

	cp := Checkpoint{
		StateID: stateID,
		Descriptor: Descriptor{
			TableIndex: tableIndex,
			LastValue:  driver.ResumeFromRow(key, batch[len(batch)-1]),
		},
	}
	if r.sink == nil {
		return cp, nil
	}
	if err := r.sink.ReportCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("reporting checkpoint %s: %w", stateID, err)
	}
	return cp, nil
}
