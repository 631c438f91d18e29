package sinks

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pearswick/dumpany/internal/progress"
)

type phaseKey struct {
	run   [16]byte
	phase progress.Phase
}

type phaseState struct {
	total   int
	done    int
	visible bool
}

// ConsoleSink renders visible phases as "label [done/total]" lines.
type ConsoleSink struct {
	mu     sync.Mutex
	out    io.Writer
	phases map[phaseKey]*phaseState
}

// NewConsoleSink writes to out, or stdout when out is nil.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{out: out, phases: make(map[phaseKey]*phaseState)}
}

// Consume renders the batch in order.
func (s *ConsoleSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if err := s.render(evt); err != nil {
			return fmt.Errorf("console sink: %w", err)
		}
	}
	return nil
}

func (s *ConsoleSink) render(evt progress.Event) error {
	if evt.Stage == progress.StageRunDone {
		for key := range s.phases {
			if key.run == evt.RunID {
				delete(s.phases, key)
			}
		}
		return nil
	}

	key := phaseKey{run: evt.RunID, phase: evt.Phase}
	st, ok := s.phases[key]
	if !ok {
		st = &phaseState{}
		s.phases[key] = st
	}

	var err error
	switch evt.Stage {
	case progress.StagePhaseStart:
		st.total, st.done = evt.Total, 0
	case progress.StagePhaseVisible:
		st.visible = true
		_, err = fmt.Fprintf(s.out, "%s [%d/%d]\n", label(evt), st.done, st.total)
	case progress.StagePhaseHidden:
		st.visible = false
	case progress.StageAdvance:
		st.done++
		if st.visible {
			_, err = fmt.Fprintf(s.out, "%s [%d/%d]\n", label(evt), st.done, st.total)
		}
	case progress.StageItemFailed:
		_, err = fmt.Fprintf(s.out, "Failed to download %s: %s\n", evt.Description, evt.Note)
	}
	return err
}

func label(evt progress.Event) string {
	switch evt.Phase {
	case progress.PhaseMetadata:
		return "Fetching metadata for " + evt.Company
	case progress.PhaseDownload:
		return "Downloading documents for " + evt.Company
	default:
		return string(evt.Phase)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *ConsoleSink) Close(context.Context) error {
	return nil
}
