// Package progress renders extraction progress on the terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker shows a per-table progress bar and counts extracted rows.
// It satisfies engine.ProgressSink.
type Tracker struct {
	out       io.Writer
	bar       *progressbar.ProgressBar
	total     int
	rows      atomic.Int64
	startTime time.Time
}

// New creates a tracker writing to out; nil means stderr.
func New(out io.Writer) *Tracker {
	if out == nil {
		out = os.Stderr
	}
	return &Tracker{
		out:       out,
		startTime: time.Now(),
	}
}

// Progress moves the bar to table current of total and shows message.
func (t *Tracker) Progress(current, total int, message string) {
	if t.bar == nil || t.total != total {
		t.total = total
		t.bar = progressbar.NewOptions(
			total,
			progressbar.OptionSetWriter(t.out),
			progressbar.OptionSetDescription(message),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetItsString("tables"),
			progressbar.OptionSetRenderBlankState(true),
		)
	}
	t.bar.Describe(message)
	t.bar.Set(current - 1)
}

// Add counts n extracted rows.
func (t *Tracker) Add(n int64) {
	t.rows.Add(n)
}

// Current returns the number of rows counted so far.
func (t *Tracker) Current() int64 {
	return t.rows.Load()
}

// Finish completes the bar and prints a throughput summary.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.rows.Load()) / elapsed.Seconds()

	fmt.Fprintln(t.out)
	fmt.Fprintf(t.out, "Extracted %d rows in %s (%.0f rows/sec)\n",
		t.rows.Load(), elapsed.Round(time.Second), rowsPerSec)
}
