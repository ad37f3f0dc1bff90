package statemachine

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/triage-station/internal/mcu"
)

func readySnapshot() mcu.SensorSnapshot {
	return mcu.SensorSnapshot{
		Distance:    mcu.DistanceReading{Valid: true, InRange: true},
		Movement:    mcu.MovementReading{Detected: false},
		Knob:        mcu.KnobReading{Mode: 1},
		Temperature: mcu.TemperatureReading{Valid: true, Celsius: 36.8},
	}
}

// driveTo walks the machine to target through legal edges, arranging guard
// data as needed.
func driveTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	steps := map[State][]State{
		StateIdle:           {StateIdle},
		StateCalibrating:    {StateIdle, StateCalibrating},
		StateExamining:      {StateIdle, StateExamining},
		StateProcessing:     {StateIdle, StateExamining, StateProcessing},
		StateShowingResults: {StateIdle, StateExamining, StateProcessing, StateShowingResults},
		StateError:          {StateError},
		StateMaintenance:    {StateIdle, StateMaintenance},
		StateShutdown:       {StateShutdown},
	}
	for _, next := range steps[target] {
		switch next {
		case StateExamining:
			m.SetData(KeyLatestSensorData, readySnapshot())
		case StateShowingResults:
			m.SetData(KeyProcessingComplete, true)
		}
		if !m.TransitionTo(next, nil) {
			t.Fatalf("driveTo: %s -> %s failed", m.Current(), next)
		}
	}
}

func TestInitialState(t *testing.T) {
	m := NewMachine()
	if got := m.Current(); got != StateInitializing {
		t.Fatalf("expected INITIALIZING, got %s", got)
	}
	if m.Current().IsOperational() {
		t.Fatal("INITIALIZING must not be operational")
	}
	if !m.Current().IsBusy() {
		t.Fatal("INITIALIZING must be busy")
	}
}

func TestEveryUndeclaredPairIsRejected(t *testing.T) {
	all := []State{
		StateInitializing, StateIdle, StateCalibrating, StateExamining,
		StateProcessing, StateShowingResults, StateError, StateMaintenance,
		StateShutdown,
	}
	declared := map[State]map[State]bool{
		StateInitializing:   {StateIdle: true, StateError: true, StateShutdown: true},
		StateIdle:           {StateCalibrating: true, StateExamining: true, StateMaintenance: true, StateError: true, StateShutdown: true},
		StateCalibrating:    {StateIdle: true, StateError: true, StateShutdown: true},
		StateExamining:      {StateProcessing: true, StateIdle: true, StateError: true, StateShutdown: true},
		StateProcessing:     {StateShowingResults: true, StateError: true, StateShutdown: true},
		StateShowingResults: {StateIdle: true, StateError: true, StateShutdown: true},
		StateError:          {StateIdle: true, StateMaintenance: true, StateShutdown: true},
		StateMaintenance:    {StateIdle: true, StateError: true, StateShutdown: true},
		StateShutdown:       {},
	}

	for _, from := range all {
		for _, to := range all {
			if declared[from][to] {
				continue
			}
			m := NewMachine()
			if from != StateInitializing {
				driveTo(t, m, from)
			}
			before := m.Current()
			if m.TransitionTo(to, nil) {
				t.Errorf("%s -> %s should be rejected", from, to)
			}
			if m.Current() != before {
				t.Errorf("rejected transition mutated state: %s -> %s", before, m.Current())
			}
		}
	}
}

func TestShutdownIsTerminal(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateShutdown)
	for _, to := range []State{StateIdle, StateError, StateInitializing, StateMaintenance} {
		if m.TransitionTo(to, nil) {
			t.Fatalf("SHUTDOWN -> %s must be rejected", to)
		}
	}
}

func TestExaminationGuard(t *testing.T) {
	cases := []struct {
		name string
		snap func() mcu.SensorSnapshot
		want bool
	}{
		{"all conditions met", readySnapshot, true},
		{"distance invalid", func() mcu.SensorSnapshot {
			s := readySnapshot()
			s.Distance.Valid = false
			return s
		}, false},
		{"distance out of range", func() mcu.SensorSnapshot {
			s := readySnapshot()
			s.Distance.InRange = false
			return s
		}, false},
		{"movement detected", func() mcu.SensorSnapshot {
			s := readySnapshot()
			s.Movement.Detected = true
			return s
		}, false},
		{"knob mode out of range", func() mcu.SensorSnapshot {
			s := readySnapshot()
			s.Knob.Mode = 3
			return s
		}, false},
		{"knob mode negative", func() mcu.SensorSnapshot {
			s := readySnapshot()
			s.Knob.Mode = -1
			return s
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine()
			driveTo(t, m, StateIdle)
			m.SetData(KeyLatestSensorData, tc.snap())
			got := m.TransitionTo(StateExamining, nil)
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			if !tc.want && m.Current() != StateIdle {
				t.Fatalf("rejected guard must keep IDLE, got %s", m.Current())
			}
		})
	}
}

func TestExaminationGuardFailsClosedWithoutSensorData(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateIdle)
	if m.TransitionTo(StateExamining, nil) {
		t.Fatal("missing sensor data must reject examination start")
	}
}

func TestProcessingGuard(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateProcessing)

	if m.TransitionTo(StateShowingResults, nil) {
		t.Fatal("results must not show before processing completes")
	}
	m.SetData(KeyProcessingComplete, true)
	if !m.TransitionTo(StateShowingResults, nil) {
		t.Fatal("results must show once processing is complete")
	}
}

func TestErrorRecoveryGuard(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateError)

	if m.TransitionTo(StateIdle, nil) {
		t.Fatal("ERROR -> IDLE must require explicit resolution")
	}
	m.SetData(KeyErrorResolved, true)
	if !m.TransitionTo(StateIdle, nil) {
		t.Fatal("resolved error must permit recovery to IDLE")
	}
	if _, ok := m.GetData(KeyErrorResolved); ok {
		t.Fatal("recovery action must clear the resolution flag")
	}
	if _, ok := m.GetData(KeyErrorMessage); ok {
		t.Fatal("recovery action must clear the error message")
	}
}

func TestResultsTimeoutReturnsToIdle(t *testing.T) {
	m := NewMachine()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	driveTo(t, m, StateShowingResults)

	clock = clock.Add(9 * time.Second)
	m.Process()
	if m.Current() != StateShowingResults {
		t.Fatalf("timeout fired early: %s", m.Current())
	}

	clock = clock.Add(2 * time.Second)
	m.Process()
	if m.Current() != StateIdle {
		t.Fatalf("expected IDLE after display timeout, got %s", m.Current())
	}
	for _, key := range []string{KeyExaminationStartTime, KeyResultsDisplayTime, KeyProcessingComplete, KeyAdmittedSensorData} {
		if _, ok := m.GetData(key); ok {
			t.Fatalf("return-to-idle must clear %s", key)
		}
	}
}

func TestProcessIsIdleWithoutArmedTimeout(t *testing.T) {
	m := NewMachine()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	driveTo(t, m, StateIdle)

	clock = clock.Add(time.Hour)
	m.Process()
	if m.Current() != StateIdle {
		t.Fatalf("Process must not move states with no armed timeout, got %s", m.Current())
	}
}

func TestForceState(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateProcessing)

	m.ForceState(StateIdle, "examination aborted")
	if m.Current() != StateIdle {
		t.Fatalf("expected forced IDLE, got %s", m.Current())
	}

	hist := m.History(1)
	if len(hist) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist))
	}
	if !hist[0].Forced || hist[0].Reason != "examination aborted" {
		t.Fatalf("forced entry not recorded: %+v", hist[0])
	}
	if hist[0].From != StateProcessing || hist[0].To != StateIdle {
		t.Fatalf("unexpected forced edge: %+v", hist[0])
	}
}

func TestExaminationStartActionResetsStaleData(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateIdle)
	m.SetData(KeyProcessingComplete, true)
	m.SetData(KeyExaminationResults, "stale")
	m.SetData(KeyLatestSensorData, readySnapshot())

	if !m.TransitionTo(StateExamining, nil) {
		t.Fatal("start should be permitted")
	}
	if _, ok := m.GetData(KeyProcessingComplete); ok {
		t.Fatal("stale completion flag must be cleared on start")
	}
	if _, ok := m.GetData(KeyExaminationResults); ok {
		t.Fatal("stale results must be cleared on start")
	}
	if _, ok := m.GetData(KeyExaminationStartTime); !ok {
		t.Fatal("start time must be recorded")
	}
}

func TestExaminationStartStashesAdmittedSnapshot(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateIdle)
	m.SetData(KeyLatestSensorData, readySnapshot())

	if !m.TransitionTo(StateExamining, nil) {
		t.Fatal("start should be permitted")
	}

	// A later sensor message must not change the admitted snapshot.
	changed := readySnapshot()
	changed.Knob.Mode = 2
	m.SetData(KeyLatestSensorData, changed)

	v, ok := m.GetData(KeyAdmittedSensorData)
	if !ok {
		t.Fatal("start action must stash the admitted snapshot")
	}
	if snap := v.(mcu.SensorSnapshot); snap.Knob.Mode != 1 {
		t.Fatalf("admitted snapshot must be the one the guard validated, got knob %d", snap.Knob.Mode)
	}
}

func TestDataStore(t *testing.T) {
	m := NewMachine()
	m.SetData("a", 1)
	m.SetData("b", 2)

	if v, ok := m.GetData("a"); !ok || v.(int) != 1 {
		t.Fatalf("unexpected read: %v %v", v, ok)
	}
	m.ClearData("a")
	if _, ok := m.GetData("a"); ok {
		t.Fatal("cleared key must be absent")
	}
	m.ClearData("")
	if _, ok := m.GetData("b"); ok {
		t.Fatal("clearing all keys must remove everything")
	}
}

func TestHistoryLimit(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateIdle)
	for i := 0; i < 3; i++ {
		if !m.TransitionTo(StateCalibrating, nil) || !m.TransitionTo(StateIdle, nil) {
			t.Fatal("calibration round trip failed")
		}
	}

	all := m.History(0)
	if len(all) != 7 {
		t.Fatalf("expected 7 entries, got %d", len(all))
	}
	last2 := m.History(2)
	if len(last2) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(last2))
	}
	if !reflect.DeepEqual(last2[1], all[len(all)-1]) {
		t.Fatal("History(limit) must return the newest entries")
	}
}

func TestValidTransitionsReflectGuards(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateIdle)

	has := func(targets []State, s State) bool {
		for _, t := range targets {
			if t == s {
				return true
			}
		}
		return false
	}

	targets := m.ValidTransitions()
	if has(targets, StateExamining) {
		t.Fatal("EXAMINING must be absent while its guard fails")
	}
	m.SetData(KeyLatestSensorData, readySnapshot())
	targets = m.ValidTransitions()
	if !has(targets, StateExamining) {
		t.Fatal("EXAMINING must appear once its guard holds")
	}
	if !has(targets, StateCalibrating) || !has(targets, StateShutdown) {
		t.Fatalf("unconditional edges missing: %v", targets)
	}
}

func TestSubscriberPanicDoesNotBlockTransition(t *testing.T) {
	m := NewMachine()
	m.Subscribe(func(HistoryEntry) { panic("observer bug") })

	var seen []HistoryEntry
	m.Subscribe(func(e HistoryEntry) { seen = append(seen, e) })

	if !m.TransitionTo(StateIdle, nil) {
		t.Fatal("transition must succeed despite panicking subscriber")
	}
	if len(seen) != 1 || seen[0].To != StateIdle {
		t.Fatalf("later subscriber must still be notified: %+v", seen)
	}
}

func TestCallbackPanicDoesNotBlockTransition(t *testing.T) {
	m := NewMachine()
	m.OnEnter(StateIdle, func(State, Context) { panic("enter bug") })
	m.OnExit(StateInitializing, func(State, Context) { panic("exit bug") })

	if !m.TransitionTo(StateIdle, nil) {
		t.Fatal("transition must survive callback panics")
	}
	if m.Current() != StateIdle {
		t.Fatalf("expected IDLE, got %s", m.Current())
	}
}

func TestEnterExitCallbackOrder(t *testing.T) {
	m := NewMachine()
	var order []string
	m.OnExit(StateInitializing, func(s State, _ Context) { order = append(order, "exit:"+string(s)) })
	m.OnEnter(StateIdle, func(s State, _ Context) { order = append(order, "enter:"+string(s)) })

	m.TransitionTo(StateIdle, nil)
	if len(order) != 2 || order[0] != "exit:INITIALIZING" || order[1] != "enter:IDLE" {
		t.Fatalf("unexpected callback order: %v", order)
	}
}

func TestConcurrentTransitionsAdmitExactlyOne(t *testing.T) {
	m := NewMachine()
	driveTo(t, m, StateIdle)
	m.SetData(KeyLatestSensorData, readySnapshot())

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if m.TransitionTo(StateExamining, nil) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if m.Current() != StateExamining {
		t.Fatalf("expected EXAMINING, got %s", m.Current())
	}
}

func TestStatusSnapshot(t *testing.T) {
	m := NewMachine()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	driveTo(t, m, StateIdle)
	m.SetData(KeyLatestSensorData, readySnapshot())
	clock = clock.Add(3 * time.Second)

	st := m.Status()
	if st.CurrentState != StateIdle || st.PreviousState != StateInitializing {
		t.Fatalf("unexpected states: %+v", st)
	}
	if st.TimeInState != 3*time.Second {
		t.Fatalf("expected 3s in state, got %s", st.TimeInState)
	}
	if !st.IsOperational || st.IsBusy {
		t.Fatalf("IDLE predicates wrong: %+v", st)
	}
	if len(st.DataKeys) != 1 || st.DataKeys[0] != KeyLatestSensorData {
		t.Fatalf("unexpected data keys: %v", st.DataKeys)
	}
	if st.HistoryCount != 1 {
		t.Fatalf("expected 1 history entry, got %d", st.HistoryCount)
	}
}
