package progress

import (
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
)

// Reporter stamps events for one company run and hands them to an Emitter.
// A nil Emitter turns every call into a no-op.
type Reporter struct {
	emitter Emitter
	runID   [16]byte
	company string
	clock   clock.Clock
}

// NewReporter creates a Reporter for the given run.
func NewReporter(emitter Emitter, runID uuid.UUID, company string, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.New()
	}
	return &Reporter{emitter: emitter, runID: UUIDToBytes(runID), company: company, clock: clk}
}

// StartPhase announces a phase and its size. Download phases start hidden
// until Show is called.
func (r *Reporter) StartPhase(phase Phase, total int) {
	r.emit(Event{Stage: StagePhaseStart, Phase: phase, Total: total})
}

// Show makes a phase visible.
func (r *Reporter) Show(phase Phase) {
	r.emit(Event{Stage: StagePhaseVisible, Phase: phase})
}

// Hide hides a phase.
func (r *Reporter) Hide(phase Phase) {
	r.emit(Event{Stage: StagePhaseHidden, Phase: phase})
}

// Advance moves a phase forward by one item.
func (r *Reporter) Advance(phase Phase, description string, bytes int64) {
	r.emit(Event{Stage: StageAdvance, Phase: phase, Description: description, Bytes: bytes})
}

// Fail records a failed item. It does not advance the phase.
func (r *Reporter) Fail(phase Phase, description, note string) {
	r.emit(Event{Stage: StageItemFailed, Phase: phase, Description: description, Note: note})
}

// Done marks the run as finished.
func (r *Reporter) Done(note string) {
	r.emit(Event{Stage: StageRunDone, Note: note})
}

func (r *Reporter) emit(evt Event) {
	if r == nil || r.emitter == nil {
		return
	}
	evt.RunID = r.runID
	evt.Company = r.company
	evt.TS = r.clock.Now().UTC()
	r.emitter.Emit(evt)
}
