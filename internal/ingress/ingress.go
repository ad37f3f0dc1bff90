package ingress

import (
	"fmt"
	"log"

	"github.com/danielpatrickdp/triage-station/internal/health"
	"github.com/danielpatrickdp/triage-station/internal/mcu"
	"github.com/danielpatrickdp/triage-station/internal/statemachine"
)

// #region bind

// Bind registers the inbound MCU message handlers. Sensor snapshots replace
// the shared store entry wholesale (last write wins); error reports are
// counted and routed by type; heartbeats are tracked by the link itself.
func Bind(reg mcu.Registrar, machine *statemachine.Machine, tracker *health.Tracker) {
	reg.SetHandler(mcu.TypeSensorData, func(msg mcu.InboundMessage) {
		handleSensorData(msg, machine)
	})
	reg.SetHandler(mcu.TypeErrorReport, func(msg mcu.InboundMessage) {
		handleErrorReport(msg, machine, tracker)
	})
	reg.SetHandler(mcu.TypeHeartbeat, func(msg mcu.InboundMessage) {
		handleHeartbeat(msg)
	})
}

// #endregion bind

// #region sensor-data

func handleSensorData(msg mcu.InboundMessage, machine *statemachine.Machine) {
	snap, err := mcu.DecodeSensorData(msg)
	if err != nil {
		log.Printf("[INGRESS] %v", err)
		return
	}
	machine.SetData(statemachine.KeyLatestSensorData, snap)

	if machine.Current() == statemachine.StateExamining {
		if snap.Movement.Detected {
			log.Printf("[INGRESS] patient movement detected during examination")
		}
		if !snap.Distance.InRange {
			log.Printf("[INGRESS] stethoscope distance out of range during examination")
		}
	}
}

// #endregion sensor-data

// #region error-report

// handleErrorReport counts every MCU error and escalates hardware failures
// to the ERROR state. Communication errors are left to the heartbeat monitor,
// which owns the reconnect path.
func handleErrorReport(msg mcu.InboundMessage, machine *statemachine.Machine, tracker *health.Tracker) {
	rep, err := mcu.DecodeErrorReport(msg)
	if err != nil {
		log.Printf("[INGRESS] %v", err)
		return
	}

	log.Printf("[INGRESS] mcu error [%s]: %s", rep.Type, rep.Message)
	tracker.RecordError(rep.Type)

	switch rep.Type {
	case mcu.ErrSensorFailure, mcu.ErrActuatorFailure:
		machine.SetData(statemachine.KeyErrorMessage,
			fmt.Sprintf("%s: %s", rep.Type, rep.Message))
		if !machine.TransitionTo(statemachine.StateError, nil) {
			log.Printf("[INGRESS] cannot enter ERROR from %s", machine.Current())
		}
	case mcu.ErrCommunicationError:
		// Counted above; the heartbeat monitor drives recovery.
	default:
		log.Printf("[INGRESS] unknown mcu error type %q", rep.Type)
	}
}

// #endregion error-report

// #region heartbeat

func handleHeartbeat(msg mcu.InboundMessage) {
	hb, err := mcu.DecodeHeartbeat(msg)
	if err != nil {
		log.Printf("[INGRESS] %v", err)
		return
	}
	if hb.ErrorCount > 0 {
		log.Printf("[INGRESS] mcu heartbeat: uptime %.0fs, %d errors", hb.Uptime, hb.ErrorCount)
	}
}

// #endregion heartbeat
