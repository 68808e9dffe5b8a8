package ingest

// State is the orchestrator's position in a run.
type State int32

// Run states. A run moves forward through these and ends in Done or Failed.
const (
	StateIdle State = iota
	StateFetchingStations
	StatePersistingStations
	StateIteratingStations
	StateWalkingPages
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingStations:
		return "fetching_stations"
	case StatePersistingStations:
		return "persisting_stations"
	case StateIteratingStations:
		return "iterating_stations"
	case StateWalkingPages:
		return "walking_pages"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
