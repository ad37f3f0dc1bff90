package statemachine

import "time"

// #region state

// State is one operational mode of the triage station. Exactly one state is
// active at any instant; the Machine is its single owner.
type State string

const (
	StateInitializing   State = "INITIALIZING"
	StateIdle           State = "IDLE"
	StateCalibrating    State = "CALIBRATING"
	StateExamining      State = "EXAMINING"
	StateProcessing     State = "PROCESSING"
	StateShowingResults State = "SHOWING_RESULTS"
	StateError          State = "ERROR"
	StateMaintenance    State = "MAINTENANCE"
	StateShutdown       State = "SHUTDOWN"
)

// operational and busy are fixed predicate tables over the state set.
var operational = map[State]bool{
	StateIdle:           true,
	StateExamining:      true,
	StateProcessing:     true,
	StateShowingResults: true,
}

var busy = map[State]bool{
	StateInitializing: true,
	StateCalibrating:  true,
	StateExamining:    true,
	StateProcessing:   true,
	StateMaintenance:  true,
	StateShutdown:     true,
}

// IsOperational reports whether the state accepts normal interaction.
func (s State) IsOperational() bool { return operational[s] }

// IsBusy reports whether the station must reject new commands in this state.
func (s State) IsBusy() bool { return busy[s] }

// #endregion state

// #region transition

// Context carries optional caller-supplied data through a transition into
// its guard, action, and history record.
type Context map[string]interface{}

// condition is a pure predicate over the machine's shared data. It runs with
// the machine lock held and must not mutate anything.
type condition func(m *Machine) bool

// action is a side-effecting hook run exactly once during a transition, with
// the machine lock held.
type action func(m *Machine, ctx Context)

// Transition is one directed edge of the fixed graph. A nil condition always
// permits the edge; a nonzero timeout arms the edge for automatic firing.
type Transition struct {
	From      State
	To        State
	condition condition
	action    action
	Timeout   time.Duration
}

func (t *Transition) canFire(m *Machine) bool {
	if t.condition == nil {
		return true
	}
	return t.condition(m)
}

// #endregion transition

// #region history

// HistoryEntry records one completed transition. History is append-only and
// serves audit and diagnostics, never control decisions.
type HistoryEntry struct {
	From    State
	To      State
	At      time.Time
	Context Context
	Forced  bool
	Reason  string
}

// Subscriber observes completed transitions. Subscribers run outside the
// machine lock and may read the machine freely.
type Subscriber func(entry HistoryEntry)

// #endregion history

// #region data-keys

// Shared data store keys. Entries are created by state entry actions and
// cleared by the exit/return actions of the states that own them.
const (
	KeyLatestSensorData     = "latest_sensor_data"
	KeyAdmittedSensorData   = "admitted_sensor_data"
	KeyCurrentExamination   = "current_examination"
	KeyExaminationResults   = "examination_results"
	KeyProcessingComplete   = "processing_complete"
	KeyErrorResolved        = "error_resolved"
	KeyErrorMessage         = "error_message"
	KeyExaminationStartTime = "examination_start_time"
	KeyResultsDisplayTime   = "results_display_time"
)

// #endregion data-keys

// #region status

// Status is a point-in-time snapshot of the machine for the status sink.
type Status struct {
	CurrentState     State         `json:"current_state"`
	PreviousState    State         `json:"previous_state"`
	TimeInState      time.Duration `json:"time_in_state"`
	ValidTransitions []State       `json:"valid_transitions"`
	IsOperational    bool          `json:"is_operational"`
	IsBusy           bool          `json:"is_busy"`
	DataKeys         []string      `json:"data_keys"`
	HistoryCount     int           `json:"history_count"`
}

// #endregion status
