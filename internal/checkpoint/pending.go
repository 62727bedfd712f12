package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PendingSink holds reported checkpoints until the host confirms that the
// matching batch is durably written, then saves them to a backend.
type PendingSink struct {
	backend StateBackend
	runKey  string

	mu      sync.Mutex
	pending []Checkpoint
}

var _ Sink = (*PendingSink)(nil)

// NewPendingSink creates a sink saving committed checkpoints under runKey.
func NewPendingSink(backend StateBackend, runKey string) *PendingSink {
	return &PendingSink{backend: backend, runKey: runKey}
}

// ReportCheckpoint queues cp until Commit is called with its state id.
func (s *PendingSink) ReportCheckpoint(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, cp)
	return nil
}

// Commit saves the checkpoint reported for stateID and drops it together
// with every checkpoint reported before it.
func (s *PendingSink) Commit(ctx context.Context, stateID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cp := range s.pending {
		if cp.StateID != stateID {
			continue
		}
		if err := s.backend.Save(ctx, s.runKey, cp); err != nil {
			return err
		}
		s.pending = s.pending[i+1:]
		return nil
	}
	return fmt.Errorf("no pending checkpoint for state %s", stateID)
}

// SavePosition persists a position that has no batch attached, such as a
// table boundary.
func (s *PendingSink) SavePosition(ctx context.Context, d Descriptor) error {
	return s.backend.Save(ctx, s.runKey, Checkpoint{StateID: uuid.New(), Descriptor: d})
}

// Pending returns the number of uncommitted checkpoints.
func (s *PendingSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
