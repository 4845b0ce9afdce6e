package capture

import (
	"time"

	"github.com/banshee-data/gridcapture/internal/geom"
)

// State is the engine's position in the Loading, Walking, Turning, Finished
// sequence.
type State int

const (
	StateLoading State = iota
	StateWalking
	StateTurning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateWalking:
		return "walking"
	case StateTurning:
		return "turning"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// Outcome says how a finished run ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeEmptyPlan Outcome = "empty_plan"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFailed    Outcome = "failed"
)

// Session is the stop-scan-rotate-capture sequence at one plan point.
type Session struct {
	CellIndex int       `json:"cell_index"`
	Target    geom.Vec3 `json:"target"`
	Steps     int       `json:"steps"`
	Step      int       `json:"step"`
	Room      string    `json:"room"`
	Started   time.Time `json:"started"`
}

// Snapshot is a point-in-time copy of the engine state.
type Snapshot struct {
	RunID    string    `json:"run_id"`
	RunDir   string    `json:"run_dir,omitempty"`
	State    string    `json:"state"`
	Outcome  Outcome   `json:"outcome,omitempty"`
	PlanLen  int       `json:"plan_len"`
	Rejected int       `json:"rejected"`
	Index    int       `json:"index"`
	Progress float64   `json:"progress"`
	Room     string    `json:"room"`
	Position geom.Vec3 `json:"position"`
	Yaw      float64   `json:"yaw"`
	Session  *Session  `json:"session,omitempty"`
	Images   int       `json:"images"`
	Scans    int       `json:"scans"`
	Error    string    `json:"error,omitempty"`
}

// Summary is delivered to completion listeners once the run is Finished.
type Summary struct {
	RunID    string
	Outcome  Outcome
	PlanLen  int
	Visited  int
	Images   int
	Scans    int
	Err      error
	Started  time.Time
	Finished time.Time
}
