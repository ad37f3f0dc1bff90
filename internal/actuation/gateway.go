package actuation

import (
	"fmt"
	"log"
	"time"

	"github.com/danielpatrickdp/triage-station/internal/mcu"
	"github.com/danielpatrickdp/triage-station/internal/triage"
)

// #region gateway

// Gateway translates examination lifecycle events into MCU actuator
// commands. All patterns are fixed; the gateway holds no state beyond its
// outbound port.
type Gateway struct {
	port mcu.Port

	// sleep paces buzzer patterns; swapped in tests.
	sleep func(d time.Duration)
}

// NewGateway creates an actuation gateway over the MCU port.
func NewGateway(port mcu.Port) *Gateway {
	return &Gateway{port: port, sleep: time.Sleep}
}

func (g *Gateway) send(commands *mcu.CommandSet) error {
	return g.port.Send(mcu.OutboundMessage{
		MessageType: mcu.TypeControlCommand,
		Commands:    commands,
	})
}

// #endregion gateway

// #region lifecycle-patterns

// Scanning signals the start of a capture: LED solid, progress servo zeroed,
// a short start beep, and the display banner.
func (g *Gateway) Scanning() error {
	return g.send(&mcu.CommandSet{
		Led:     &mcu.LedCommand{State: "ON", Pattern: "solid"},
		Servo1:  &mcu.ServoCommand{Angle: 0, Speed: "normal"},
		Buzzer:  &mcu.BuzzerCommand{State: "ON", Frequency: 1000, Duration: 200},
		Display: &mcu.DisplayCommand{Text: "SCANNING..."},
	})
}

// Progress moves the progress servo to match the capture fraction in [0,1].
func (g *Gateway) Progress(fraction float64) error {
	return g.send(&mcu.CommandSet{
		Servo1: &mcu.ServoCommand{Angle: int(fraction * 180), Speed: "normal"},
	})
}

// Stopped signals an operator-initiated stop: LED off, progress servo back
// to center, and a low stop beep.
func (g *Gateway) Stopped() error {
	return g.send(&mcu.CommandSet{
		Led:    &mcu.LedCommand{State: "OFF"},
		Servo1: &mcu.ServoCommand{Angle: 90, Speed: "normal"},
		Buzzer: &mcu.BuzzerCommand{State: "ON", Frequency: 500, Duration: 300},
	})
}

// ErrorPattern signals a processing failure: fast LED blink and a long low
// buzz.
func (g *Gateway) ErrorPattern() error {
	return g.send(&mcu.CommandSet{
		Led:    &mcu.LedCommand{State: "BLINK", Pattern: "fast"},
		Buzzer: &mcu.BuzzerCommand{State: "ON", Frequency: 500, Duration: 1000},
	})
}

// ResetNeutral returns every actuator to its rest position.
func (g *Gateway) ResetNeutral() error {
	return g.send(&mcu.CommandSet{
		Servo1: &mcu.ServoCommand{Angle: 90, Speed: "normal"},
		Servo2: &mcu.ServoCommand{Angle: 90, Speed: "normal"},
		Led:    &mcu.LedCommand{State: "OFF"},
		Relay:  &mcu.RelayCommand{State: "OFF"},
	})
}

// #endregion lifecycle-patterns

// #region risk-display

// riskPattern is the fixed actuator tuple for one risk level.
type riskPattern struct {
	servoAngle      int
	buzzerFrequency int
	buzzerDuration  int
	beepCount       int
}

var riskPatterns = map[triage.RiskLevel]riskPattern{
	triage.RiskLow:    {servoAngle: 45, buzzerFrequency: 1000, buzzerDuration: 200, beepCount: 1},
	triage.RiskMedium: {servoAngle: 90, buzzerFrequency: 1500, buzzerDuration: 300, beepCount: 2},
	triage.RiskHigh:   {servoAngle: 135, buzzerFrequency: 2000, buzzerDuration: 500, beepCount: 3},
}

const interBeepPause = 400 * time.Millisecond

// DisplayRisk positions the result servo, sets the LED and alarm relay, and
// plays the beep pattern for the risk level. An UNKNOWN decision displays
// with the HIGH pattern so a fusion failure is never shown as reassurance.
func (g *Gateway) DisplayRisk(level triage.RiskLevel) error {
	effective := level
	if effective == triage.RiskUnknown {
		effective = triage.RiskHigh
	}
	pattern, ok := riskPatterns[effective]
	if !ok {
		return fmt.Errorf("no display pattern for risk level %q", level)
	}

	ledState := "BLINK"
	if effective == triage.RiskLow {
		ledState = "SOLID"
	}
	relayState := "OFF"
	if effective == triage.RiskHigh {
		relayState = "ON"
	}

	err := g.send(&mcu.CommandSet{
		Servo2: &mcu.ServoCommand{Angle: pattern.servoAngle, Speed: "slow"},
		Led:    &mcu.LedCommand{State: ledState},
		Relay:  &mcu.RelayCommand{State: relayState},
	})
	if err != nil {
		return fmt.Errorf("display risk %s: %w", level, err)
	}

	for i := 0; i < pattern.beepCount; i++ {
		err := g.send(&mcu.CommandSet{
			Buzzer: &mcu.BuzzerCommand{
				State:     "ON",
				Frequency: pattern.buzzerFrequency,
				Duration:  pattern.buzzerDuration,
			},
		})
		if err != nil {
			return fmt.Errorf("risk beep %d/%d: %w", i+1, pattern.beepCount, err)
		}
		g.sleep(interBeepPause)
	}

	log.Printf("[ACTUATE] displayed %s (servo %d°, %d beeps)", level, pattern.servoAngle, pattern.beepCount)
	return nil
}

// #endregion risk-display
