// Package timeline accumulates time-stamped face-match and mask events and
// renders them as the flat event log.
package timeline

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/maskwatch/internal/types"
)

// Header is the first line of every event log.
const Header = "Face and mask detections at:"

// Accumulator is an append-only, in-memory event list. Not safe for concurrent use;
// the pipeline records from its single ordering loop.
type Accumulator struct {
	events []types.TimelineEvent
}

// Record appends one event. No deduplication is performed.
func (a *Accumulator) Record(frame int, elapsed time.Duration, kind types.EventKind) {
	a.events = append(a.events, types.TimelineEvent{Frame: frame, Elapsed: elapsed, Kind: kind})
}

// All returns the events in the order they were recorded.
func (a *Accumulator) All() []types.TimelineEvent {
	out := make([]types.TimelineEvent, len(a.events))
	copy(out, a.events)
	return out
}

func (a *Accumulator) Len() int {
	return len(a.events)
}

// FormatClock renders d as HH:MM:SS, truncating sub-second parts.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Line renders a single event as "HH:MM:SS - kind".
func Line(e types.TimelineEvent) string {
	return FormatClock(e.Elapsed) + " - " + e.Kind.String()
}

// WriteLog writes the header followed by one line per event.
func WriteLog(w io.Writer, events []types.TimelineEvent) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, Header); err != nil {
		return err
	}
	for _, e := range events {
		if _, err := fmt.Fprintln(bw, Line(e)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteLogFile writes the log to path atomically: either the full log appears or nothing does.
func WriteLogFile(path string, events []types.TimelineEvent) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = WriteLog(tmp, events); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close log: %w", err)
	}
	// CreateTemp makes the file private
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to set log permissions: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit log: %w", err)
	}
	return nil
}
