package statemachine

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/triage-station/internal/mcu"
)

// #region machine-struct

// Machine is the single source of truth for the station's operating mode.
// It enforces the fixed transition graph, runs timeout-driven automatic
// transitions from Process, and owns the shared data store. Every
// guard-check-and-mutate sequence runs under one exclusive lock, so
// concurrent TransitionTo calls are linearizable.
type Machine struct {
	mu sync.Mutex

	current   State
	previous  State
	enteredAt time.Time

	data        map[string]interface{}
	history     []HistoryEntry
	transitions map[State][]*Transition

	enterCallbacks map[State][]func(State, Context)
	exitCallbacks  map[State][]func(State, Context)
	subscribers    []Subscriber

	now func() time.Time
}

// #endregion machine-struct

// #region constructor

// NewMachine builds a machine in INITIALIZING with the full transition graph.
func NewMachine() *Machine {
	m := &Machine{
		current:        StateInitializing,
		data:           make(map[string]interface{}),
		transitions:    make(map[State][]*Transition),
		enterCallbacks: make(map[State][]func(State, Context)),
		exitCallbacks:  make(map[State][]func(State, Context)),
		now:            time.Now,
	}
	m.enteredAt = m.now()
	m.setupTransitions()
	return m
}

// setupTransitions declares every legal edge. A transition absent from this
// table is unconditionally rejected; there are no implicit defaults.
func (m *Machine) setupTransitions() {
	edges := []*Transition{
		{From: StateInitializing, To: StateIdle},
		{From: StateInitializing, To: StateError},
		{From: StateInitializing, To: StateShutdown},

		{From: StateIdle, To: StateCalibrating},
		{From: StateIdle, To: StateExamining, condition: canStartExamination, action: onExaminationStart},
		{From: StateIdle, To: StateMaintenance},
		{From: StateIdle, To: StateError},
		{From: StateIdle, To: StateShutdown},

		{From: StateCalibrating, To: StateIdle},
		{From: StateCalibrating, To: StateError},
		{From: StateCalibrating, To: StateShutdown},

		{From: StateExamining, To: StateProcessing},
		{From: StateExamining, To: StateIdle}, // cancelled examination
		{From: StateExamining, To: StateError},
		{From: StateExamining, To: StateShutdown},

		{From: StateProcessing, To: StateShowingResults, condition: processingComplete, action: onResultsReady},
		{From: StateProcessing, To: StateError},
		{From: StateProcessing, To: StateShutdown},

		{From: StateShowingResults, To: StateIdle, Timeout: 10 * time.Second, action: onReturnToIdle},
		{From: StateShowingResults, To: StateError},
		{From: StateShowingResults, To: StateShutdown},

		{From: StateError, To: StateIdle, condition: errorResolved, action: onErrorRecovery},
		{From: StateError, To: StateMaintenance},
		{From: StateError, To: StateShutdown},

		{From: StateMaintenance, To: StateIdle},
		{From: StateMaintenance, To: StateError},
		{From: StateMaintenance, To: StateShutdown},
	}
	for _, e := range edges {
		m.transitions[e.From] = append(m.transitions[e.From], e)
	}
}

// #endregion constructor

// #region transition-to

// TransitionTo attempts a transition to target. It returns false, mutating
// nothing, when no edge (current, target) exists or the edge's guard fails.
// On success it runs exit callbacks, appends history, swaps state, resets
// the in-state clock, runs the edge action, then entry callbacks. Callback
// panics are recovered and logged; they never block the transition.
func (m *Machine) TransitionTo(target State, ctx Context) bool {
	m.mu.Lock()
	entry, ok := m.transitionLocked(target, ctx)
	m.mu.Unlock()

	if ok {
		m.notify(entry)
	}
	return ok
}

func (m *Machine) transitionLocked(target State, ctx Context) (HistoryEntry, bool) {
	edge := m.findEdge(m.current, target)
	if edge == nil {
		log.Printf("[FSM] invalid transition %s -> %s", m.current, target)
		return HistoryEntry{}, false
	}
	if !edge.canFire(m) {
		log.Printf("[FSM] guard rejected %s -> %s", m.current, target)
		return HistoryEntry{}, false
	}

	m.runCallbacks(m.exitCallbacks[m.current], m.current, ctx)

	entry := HistoryEntry{
		From:    m.current,
		To:      target,
		At:      m.now(),
		Context: ctx,
	}
	m.history = append(m.history, entry)

	m.previous = m.current
	m.current = target
	m.enteredAt = m.now()

	if edge.action != nil {
		runRecovered(func() { edge.action(m, ctx) }, "transition action")
	}
	m.runCallbacks(m.enterCallbacks[target], target, ctx)

	log.Printf("[FSM] %s -> %s", m.previous, m.current)
	return entry, true
}

func (m *Machine) findEdge(from, to State) *Transition {
	for _, t := range m.transitions[from] {
		if t.To == to {
			return t
		}
	}
	return nil
}

// #endregion transition-to

// #region process

// Process drives timeout-based automatic transitions and must be called
// periodically (the daemon ticks every 100ms). It performs at most one
// automatic transition per call.
func (m *Machine) Process() {
	m.mu.Lock()
	var fired HistoryEntry
	var ok bool

	elapsed := m.now().Sub(m.enteredAt)
	for _, t := range m.transitions[m.current] {
		if t.Timeout <= 0 || elapsed < t.Timeout {
			continue
		}
		if !t.canFire(m) {
			continue
		}
		log.Printf("[FSM] timeout transition %s -> %s after %s", m.current, t.To, elapsed.Round(time.Millisecond))
		fired, ok = m.transitionLocked(t.To, nil)
		break
	}
	m.mu.Unlock()

	if ok {
		m.notify(fired)
	}
}

// #endregion process

// #region force-state

// ForceState bypasses the transition graph entirely. Emergency and error
// recovery only; the history record always carries forced=true and a reason.
func (m *Machine) ForceState(target State, reason string) {
	m.mu.Lock()
	log.Printf("[FSM] forced %s -> %s: %s", m.current, target, reason)
	entry := HistoryEntry{
		From:   m.current,
		To:     target,
		At:     m.now(),
		Forced: true,
		Reason: reason,
	}
	m.history = append(m.history, entry)
	m.previous = m.current
	m.current = target
	m.enteredAt = m.now()
	m.mu.Unlock()

	m.notify(entry)
}

// #endregion force-state

// #region accessors

// Current returns the active state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state before the last transition.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// TimeInState returns how long the machine has been in the current state.
func (m *Machine) TimeInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.enteredAt)
}

// ValidTransitions returns the target states whose edges exist from the
// current state and whose guards currently hold.
func (m *Machine) ValidTransitions() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []State
	for _, t := range m.transitions[m.current] {
		if t.canFire(m) {
			targets = append(targets, t.To)
		}
	}
	return targets
}

// History returns the most recent transition records, newest last.
func (m *Machine) History(limit int) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]HistoryEntry, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// Status returns a snapshot for the status sink. It never blocks beyond the
// store lock.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []State
	for _, t := range m.transitions[m.current] {
		if t.canFire(m) {
			targets = append(targets, t.To)
		}
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return Status{
		CurrentState:     m.current,
		PreviousState:    m.previous,
		TimeInState:      m.now().Sub(m.enteredAt),
		ValidTransitions: targets,
		IsOperational:    m.current.IsOperational(),
		IsBusy:           m.current.IsBusy(),
		DataKeys:         keys,
		HistoryCount:     len(m.history),
	}
}

// #endregion accessors

// #region data-store

// SetData stores a value in the shared data store.
func (m *Machine) SetData(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// GetData reads a value from the shared data store. The second return value
// reports presence.
func (m *Machine) GetData(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// ClearData removes one key, or every key when key is empty.
func (m *Machine) ClearData(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		m.data = make(map[string]interface{})
		return
	}
	delete(m.data, key)
}

// getDataLocked is the in-lock read used by guards and actions.
func (m *Machine) getDataLocked(key string) (interface{}, bool) {
	v, ok := m.data[key]
	return v, ok
}

// #endregion data-store

// #region callbacks

// OnEnter registers a callback run after entering state. Registration is
// wiring-time only; it is not synchronized against in-flight transitions.
func (m *Machine) OnEnter(state State, cb func(State, Context)) {
	m.enterCallbacks[state] = append(m.enterCallbacks[state], cb)
}

// OnExit registers a callback run before leaving state.
func (m *Machine) OnExit(state State, cb func(State, Context)) {
	m.exitCallbacks[state] = append(m.exitCallbacks[state], cb)
}

// Subscribe registers a transition observer, notified outside the machine
// lock after every successful transition (including forced ones).
func (m *Machine) Subscribe(s Subscriber) {
	m.subscribers = append(m.subscribers, s)
}

func (m *Machine) notify(entry HistoryEntry) {
	for _, s := range m.subscribers {
		runRecovered(func() { s(entry) }, "transition subscriber")
	}
}

func (m *Machine) runCallbacks(cbs []func(State, Context), state State, ctx Context) {
	for _, cb := range cbs {
		runRecovered(func() { cb(state, ctx) }, "state callback")
	}
}

func runRecovered(fn func(), what string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[FSM] recovered %s panic: %v", what, r)
		}
	}()
	fn()
}

// #endregion callbacks

// #region guards

// canStartExamination gates IDLE -> EXAMINING: the patient must be in
// position (valid, in-range distance), still (no movement), and a mode must
// be selected on the knob. Missing sensor data fails closed.
func canStartExamination(m *Machine) bool {
	v, ok := m.getDataLocked(KeyLatestSensorData)
	if !ok {
		return false
	}
	snap, ok := v.(mcu.SensorSnapshot)
	if !ok {
		return false
	}
	if !snap.Distance.Valid || !snap.Distance.InRange {
		return false
	}
	if snap.Movement.Detected {
		return false
	}
	if snap.Knob.Mode < 0 || snap.Knob.Mode > 2 {
		return false
	}
	return true
}

// processingComplete gates PROCESSING -> SHOWING_RESULTS.
func processingComplete(m *Machine) bool {
	v, ok := m.getDataLocked(KeyProcessingComplete)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// errorResolved gates ERROR -> IDLE. It never holds by default, so recovery
// always requires an explicit operator acknowledgement.
func errorResolved(m *Machine) bool {
	v, ok := m.getDataLocked(KeyErrorResolved)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// #endregion guards

// #region actions

func onExaminationStart(m *Machine, _ Context) {
	m.data[KeyExaminationStartTime] = m.now()
	// Stash the snapshot the guard just validated; it stays stable even if
	// a sensor message overwrites the latest snapshot mid-start.
	if snap, ok := m.data[KeyLatestSensorData]; ok {
		m.data[KeyAdmittedSensorData] = snap
	}
	delete(m.data, KeyProcessingComplete)
	delete(m.data, KeyExaminationResults)
}

func onResultsReady(m *Machine, _ Context) {
	m.data[KeyResultsDisplayTime] = m.now()
}

func onReturnToIdle(m *Machine, _ Context) {
	delete(m.data, KeyExaminationStartTime)
	delete(m.data, KeyResultsDisplayTime)
	delete(m.data, KeyProcessingComplete)
	delete(m.data, KeyAdmittedSensorData)
}

func onErrorRecovery(m *Machine, _ Context) {
	delete(m.data, KeyErrorResolved)
	delete(m.data, KeyErrorMessage)
}

// #endregion actions
