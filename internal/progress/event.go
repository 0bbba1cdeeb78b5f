package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunDone   Stage = "RUN_DONE"
	StageRunError  Stage = "RUN_ERROR"
	StageBatchDone Stage = "BATCH_DONE"
	StageDispatch  Stage = "DISPATCH"
	StageArchived  Stage = "ARCHIVED"
	StageFailed    Stage = "FAILED"
)

// Terminal reports whether the stage closes out a run.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunError
}

// Event captures a single milestone of a collection run.
type Event struct {
	// RunID identifies one driver invocation using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Host scopes URL events to the target site.
	Host        string
	URL         string
	Fingerprint string
	// Method is the provider tag that produced an archived page.
	Method      string
	ArchivePath string
	Bytes       int64
	Score       float64
	// Attempt is the attempts counter after the dispatch was claimed.
	Attempt int
	// Claimed is the batch size for BATCH_DONE events.
	Claimed int
	Dur     time.Duration
	// Note carries low-volume context such as the failure reason.
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
	case StageRunStart, StageRunDone, StageRunError, StageBatchDone:
	case StageDispatch, StageFailed:
		if e.Fingerprint == "" || e.Host == "" {
			return fmt.Errorf("%s requires fingerprint and host", e.Stage)
		}
	case StageArchived:
		if e.Fingerprint == "" || e.Host == "" {
			return errors.New("archived requires fingerprint and host")
		}
		if e.Method == "" {
			return errors.New("archived requires fetch method")
		}
		if e.Bytes <= 0 {
			return errors.New("archived requires a positive size")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
