package status

import (
	"time"

	"github.com/danielpatrickdp/triage-station/internal/controller"
	"github.com/danielpatrickdp/triage-station/internal/mcu"
	"github.com/danielpatrickdp/triage-station/internal/statemachine"
	"github.com/danielpatrickdp/triage-station/internal/triage"
)

// #region snapshot

// Snapshot is one point-in-time view of the whole station, serialized to the
// web surface and pushed to websocket clients.
type Snapshot struct {
	Timestamp        time.Time           `json:"timestamp"`
	Uptime           float64             `json:"uptime_seconds"`
	State            statemachine.Status `json:"state"`
	Examinations     controller.Stats    `json:"examinations"`
	MCUConnected     bool                `json:"mcu_connected"`
	MCULastHeartbeat time.Time           `json:"mcu_last_heartbeat,omitempty"`
	ErrorCount       int                 `json:"error_count"`
	Components       map[string]bool     `json:"component_health"`
	Sensors          *mcu.SensorSnapshot `json:"latest_sensor_data,omitempty"`
	Results          *triage.Results     `json:"latest_results,omitempty"`
}

// #endregion snapshot

// #region reporter

// heartbeatStaleAfter is how long a silent MCU is still considered connected.
const heartbeatStaleAfter = 10 * time.Second

// Reporter assembles snapshots from the live components. It holds no state
// of its own beyond the process start time.
type Reporter struct {
	machine       *statemachine.Machine
	stats         func() controller.Stats
	lastHeartbeat func() time.Time
	errorCount    func() int
	components    func() map[string]bool

	startedAt time.Time
	now       func() time.Time
}

// NewReporter wires a status reporter. The function fields decouple it from
// the concrete controller, link, and registry types.
func NewReporter(machine *statemachine.Machine, stats func() controller.Stats,
	lastHeartbeat func() time.Time, errorCount func() int,
	components func() map[string]bool) *Reporter {
	return &Reporter{
		machine:       machine,
		stats:         stats,
		lastHeartbeat: lastHeartbeat,
		errorCount:    errorCount,
		components:    components,
		startedAt:     time.Now(),
		now:           time.Now,
	}
}

// Snapshot builds the current station view. It never blocks beyond the
// machine's store lock.
func (r *Reporter) Snapshot() Snapshot {
	now := r.now()
	hb := r.lastHeartbeat()
	connected := !hb.IsZero() && now.Sub(hb) < heartbeatStaleAfter

	// The mcu entry is derived from the heartbeat here so it can never
	// disagree with MCUConnected.
	components := r.components()
	components["mcu"] = connected

	snapshot := Snapshot{
		Timestamp:        now,
		Uptime:           now.Sub(r.startedAt).Seconds(),
		State:            r.machine.Status(),
		Examinations:     r.stats(),
		MCUConnected:     connected,
		MCULastHeartbeat: hb,
		ErrorCount:       r.errorCount(),
		Components:       components,
	}

	if v, ok := r.machine.GetData(statemachine.KeyLatestSensorData); ok {
		if sensors, ok := v.(mcu.SensorSnapshot); ok {
			snapshot.Sensors = &sensors
		}
	}
	if v, ok := r.machine.GetData(statemachine.KeyExaminationResults); ok {
		if results, ok := v.(triage.Results); ok {
			snapshot.Results = &results
		}
	}
	return snapshot
}

// #endregion reporter
