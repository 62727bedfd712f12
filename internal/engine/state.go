package engine

import (
	"github.com/johndauphine/pgextract/internal/checkpoint"
	"github.com/johndauphine/pgextract/internal/driver"
)

// phase is the externally visible stage of a scan.
type phase int

const (
	phaseIdle phase = iota
	phaseScanning
	phaseExhausted
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseScanning:
		return "scanning"
	case phaseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// scanState is the position of an extraction run. Transitions return a new
// value and never touch the session; the engine applies the side effects.
type scanState struct {
	tableIndex  int
	orderingKey []string
	resume      driver.ResumeState
	loaded      int
	cursorOpen  bool
}

func newScanState(from *checkpoint.Descriptor) scanState {
	if from == nil {
		return scanState{}
	}
	return scanState{tableIndex: from.TableIndex, resume: from.LastValue}
}

func (s scanState) phase(tables int) phase {
	switch {
	case s.tableIndex >= tables:
		return phaseExhausted
	case s.cursorOpen:
		return phaseScanning
	default:
		return phaseIdle
	}
}

// withCursor records a declared cursor ordered by key.
func (s scanState) withCursor(key []string) scanState {
	s.orderingKey = key
	s.cursorOpen = true
	return s
}

// afterBatch records a non-empty batch whose last key is resume.
func (s scanState) afterBatch(rows int, resume driver.ResumeState) scanState {
	s.loaded += rows
	s.resume = resume
	return s
}

// tableDone moves to the next table with a clean slate.
func (s scanState) tableDone() scanState {
	return scanState{tableIndex: s.tableIndex + 1}
}

// connectionLost closes the cursor but keeps the key and resume values so the
// next declaration picks up where the last checkpoint left off.
func (s scanState) connectionLost() scanState {
	s.cursorOpen = false
	s.loaded = 0
	return s
}

func (s scanState) descriptor() checkpoint.Descriptor {
	return checkpoint.Descriptor{TableIndex: s.tableIndex, LastValue: s.resume}
}
