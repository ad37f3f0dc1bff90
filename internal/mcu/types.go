package mcu

import "encoding/json"

// #region inbound

// InboundMessage is the envelope for every message the MCU sends upstream.
type InboundMessage struct {
	Timestamp   int64           `json:"timestamp"`
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data"`
}

// Inbound message types.
const (
	TypeSensorData  = "sensor_data"
	TypeErrorReport = "error_report"
	TypeHeartbeat   = "heartbeat"
)

// DistanceReading reports the ultrasonic distance sensor state.
type DistanceReading struct {
	Valid   bool `json:"valid"`
	InRange bool `json:"in_range"`
}

// MovementReading reports the PIR movement sensor state.
type MovementReading struct {
	Detected bool `json:"detected"`
}

// KnobReading reports the mode-select knob position.
type KnobReading struct {
	Mode int `json:"mode"`
}

// TemperatureReading reports the contactless temperature sensor state.
type TemperatureReading struct {
	Valid   bool    `json:"valid"`
	Celsius float64 `json:"celsius"`
}

// SensorSnapshot is one complete sensor_data payload. Each message replaces
// the previous snapshot wholesale; there is no merge.
type SensorSnapshot struct {
	Distance    DistanceReading    `json:"distance"`
	Movement    MovementReading    `json:"movement"`
	Knob        KnobReading        `json:"knob"`
	Temperature TemperatureReading `json:"temperature"`
}

// ErrorReport is the payload of an error_report message.
type ErrorReport struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error report types the MCU is known to emit.
const (
	ErrSensorFailure      = "sensor_failure"
	ErrActuatorFailure    = "actuator_failure"
	ErrCommunicationError = "communication_error"
)

// HeartbeatPayload is the payload of an MCU heartbeat message.
type HeartbeatPayload struct {
	Uptime     float64 `json:"uptime"`
	ErrorCount int     `json:"error_count"`
}

// #endregion inbound

// #region outbound

// OutboundMessage is the envelope for every message sent to the MCU.
type OutboundMessage struct {
	Timestamp   int64       `json:"timestamp"`
	MessageType string      `json:"message_type"`
	Data        interface{} `json:"data,omitempty"`
	Commands    *CommandSet `json:"commands,omitempty"`
}

// Outbound message types.
const (
	TypeControlCommand    = "control_command"
	TypeOutboundHeartbeat = "heartbeat"
)

// ServoCommand positions a servo. Angle is clamped to [0, 180] by the MCU.
type ServoCommand struct {
	Angle int    `json:"angle"`
	Speed string `json:"speed"`
}

// BuzzerCommand drives the piezo buzzer for one burst.
type BuzzerCommand struct {
	State     string `json:"state"`
	Frequency int    `json:"frequency"`
	Duration  int    `json:"duration"`
}

// LedCommand sets the indicator LED state.
type LedCommand struct {
	State   string `json:"state"`
	Pattern string `json:"pattern,omitempty"`
}

// RelayCommand switches the alarm relay.
type RelayCommand struct {
	State string `json:"state"`
}

// DisplayCommand updates the character display.
type DisplayCommand struct {
	Text string `json:"text"`
}

// CommandSet names every actuator a single control_command may address.
// Nil fields are omitted from the wire message.
type CommandSet struct {
	Servo1  *ServoCommand   `json:"servo1,omitempty"`
	Servo2  *ServoCommand   `json:"servo2,omitempty"`
	Buzzer  *BuzzerCommand  `json:"buzzer,omitempty"`
	Led     *LedCommand     `json:"led,omitempty"`
	Relay   *RelayCommand   `json:"relay,omitempty"`
	Display *DisplayCommand `json:"display,omitempty"`
}

// #endregion outbound

// #region port

// Port is the outbound side of the MCU channel. The actuation gateway and
// the heartbeat loop write through it; tests substitute a recorder.
type Port interface {
	Send(msg OutboundMessage) error
}

// #endregion port
