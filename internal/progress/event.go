package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the kind of progress change an Event represents.
type Stage string

// Supported progress stages.
const (
	StagePhaseStart   Stage = "PHASE_START"
	StagePhaseVisible Stage = "PHASE_VISIBLE"
	StagePhaseHidden  Stage = "PHASE_HIDDEN"
	StageAdvance      Stage = "ADVANCE"
	StageItemFailed   Stage = "ITEM_FAILED"
	StageRunDone      Stage = "RUN_DONE"
)

// Phase names one of the two progress bars of a run.
type Phase string

// Phases of a company run.
const (
	PhaseMetadata Phase = "metadata"
	PhaseDownload Phase = "download"
)

// Event is a single progress change.
type Event struct {
	// RunID identifies one company run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Phase is required for every stage except RUN_DONE.
	Phase   Phase
	Company string
	// Total is the phase size announced by PHASE_START.
	Total int
	// Description names the document an ADVANCE or ITEM_FAILED refers to.
	Description string
	// Bytes is the size of a completed download, if known.
	Bytes int64
	// Note carries low-volume context such as a failure reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunDone:
		return nil
	case StagePhaseStart:
		if e.Total < 0 {
			return errors.New("phase total must be >= 0")
		}
	case StagePhaseVisible, StagePhaseHidden, StageAdvance, StageItemFailed:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	switch e.Phase {
	case PhaseMetadata, PhaseDownload:
	case "":
		return fmt.Errorf("stage %s requires a phase", e.Stage)
	default:
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
