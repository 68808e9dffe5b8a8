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
	StageRunStart      Stage = "RUN_START"
	StageStationStart  Stage = "STATION_START"
	StagePageDone      Stage = "PAGE_DONE"
	StagePageFailed    Stage = "PAGE_FAILED"
	StageStationDone   Stage = "STATION_DONE"
	StageStationFailed Stage = "STATION_FAILED"
	StageRunDone       Stage = "RUN_DONE"
)

// Event captures a single milestone of an ingestion run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// StationID scopes station and page events. Zero is a valid remote id.
	StationID int64
	// URL is the page or start URL for station and page events.
	URL string
	// Page is the 1-based page number within a station walk.
	Page int
	// Items is the number of items on a page, or pages walked for STATION_DONE.
	Items    int
	Written  int
	Ignored  int
	Rejected int
	// Skipped counts items dropped before reaching the store.
	Skipped int
	// Dur captures latency for station and run completions.
	Dur time.Duration
	// Note carries low-volume context such as error text.
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
	case StageRunStart, StageRunDone:
	case StageStationStart, StageStationDone, StageStationFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StagePageDone, StagePageFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
		if e.Page < 1 {
			return fmt.Errorf("%s requires page number", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Written < 0 || e.Ignored < 0 || e.Rejected < 0 || e.Skipped < 0 {
		return errors.New("counts must be >= 0")
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
