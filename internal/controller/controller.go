package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/triage-station/internal/actuation"
	"github.com/danielpatrickdp/triage-station/internal/capture"
	"github.com/danielpatrickdp/triage-station/internal/classifier"
	"github.com/danielpatrickdp/triage-station/internal/mcu"
	"github.com/danielpatrickdp/triage-station/internal/statemachine"
	"github.com/danielpatrickdp/triage-station/internal/triage"
)

// #region types

// Config holds the examination timing parameters.
type Config struct {
	Duration   time.Duration `yaml:"duration"`
	SampleRate int           `yaml:"sample_rate"`
}

// DefaultConfig returns the shipped examination parameters.
func DefaultConfig() Config {
	return Config{
		Duration:   8 * time.Second,
		SampleRate: 8000,
	}
}

// Stats are the controller's running examination totals. The inference
// average is an incremental mean; no per-examination history is kept.
type Stats struct {
	Attempted        int           `json:"attempted_examinations"`
	Successful       int           `json:"successful_examinations"`
	AverageInference time.Duration `json:"average_inference_time"`
}

// Recorder persists completed examinations. Nil disables persistence.
type Recorder interface {
	RecordExamination(results triage.Results) error
}

// #endregion types

// #region controller

// Controller owns the end-to-end sequence of one examination attempt. It
// mediates between the state machine, the capture source, the classifier,
// the fusion engine, and the actuation gateway, and behaves identically
// whether real audio hardware is present or not.
type Controller struct {
	machine    *statemachine.Machine
	gateway    *actuation.Gateway
	source     capture.Source
	classifier classifier.Classifier
	engine     *triage.Engine
	recorder   Recorder
	cfg        Config

	statsMu sync.Mutex
	stats   Stats

	// sleep paces the error grace period; swapped in tests.
	sleep func(d time.Duration)
	now   func() time.Time
}

// New wires a controller. It subscribes to the state machine so the
// display-timeout return to IDLE also resets the actuators and clears the
// examination data, no matter which path triggered it.
func New(machine *statemachine.Machine, gateway *actuation.Gateway, source capture.Source,
	clf classifier.Classifier, engine *triage.Engine, recorder Recorder, cfg Config) *Controller {

	c := &Controller{
		machine:    machine,
		gateway:    gateway,
		source:     source,
		classifier: clf,
		engine:     engine,
		recorder:   recorder,
		cfg:        cfg,
		sleep:      time.Sleep,
		now:        time.Now,
	}

	machine.Subscribe(func(entry statemachine.HistoryEntry) {
		if entry.To == statemachine.StateIdle && entry.From == statemachine.StateShowingResults {
			c.cleanupAfterResults()
		}
	})
	return c
}

func (c *Controller) cleanupAfterResults() {
	if err := c.gateway.ResetNeutral(); err != nil {
		log.Printf("[EXAM] actuator reset failed: %v", err)
	}
	c.machine.ClearData(statemachine.KeyCurrentExamination)
	c.machine.ClearData(statemachine.KeyExaminationResults)
}

// #endregion controller

// #region start-stop

// StartExamination begins a new examination. The state machine's guard is
// the single admission decision: the transition to EXAMINING either fires
// atomically or the request is rejected with no side effects.
func (c *Controller) StartExamination(ctx context.Context) (triage.Examination, error) {
	snapshot, ok := c.latestSensors()
	if !ok {
		return triage.Examination{}, errors.New("no sensor data available")
	}
	if _, err := triage.ModeFromKnob(snapshot.Knob.Mode); err != nil {
		return triage.Examination{}, fmt.Errorf("read examination mode: %w", err)
	}

	if !c.machine.TransitionTo(statemachine.StateExamining, nil) {
		return triage.Examination{}, fmt.Errorf("cannot start examination in %s state", c.machine.Current())
	}

	// The recorded mode must match the snapshot the guard admitted; the
	// transition action stashed it under the machine lock.
	if admitted, ok := c.admittedSensors(); ok {
		snapshot = admitted
	}
	mode, err := triage.ModeFromKnob(snapshot.Knob.Mode)
	if err != nil {
		c.machine.TransitionTo(statemachine.StateIdle, nil)
		return triage.Examination{}, fmt.Errorf("read examination mode: %w", err)
	}

	exam := triage.Examination{
		ID:         uuid.NewString(),
		Mode:       mode,
		StartedAt:  c.now(),
		Duration:   c.cfg.Duration,
		SampleRate: c.cfg.SampleRate,
	}
	c.machine.SetData(statemachine.KeyCurrentExamination, exam)

	c.statsMu.Lock()
	c.stats.Attempted++
	c.statsMu.Unlock()

	if err := c.gateway.Scanning(); err != nil {
		log.Printf("[EXAM] scanning pattern failed: %v", err)
	}

	log.Printf("[EXAM] started %s (mode %s, %s)", exam.ID, exam.Mode, exam.Duration)
	go c.run(ctx, exam)
	return exam, nil
}

// StopExamination aborts whatever phase the examination is in and returns
// the station to IDLE. Calling it with no examination in flight is a no-op
// beyond re-sending the reset commands.
func (c *Controller) StopExamination() error {
	log.Printf("[EXAM] stop requested in %s", c.machine.Current())

	c.source.Cancel()
	if err := c.gateway.Stopped(); err != nil {
		log.Printf("[EXAM] stop pattern failed: %v", err)
	}

	switch c.machine.Current() {
	case statemachine.StateExamining, statemachine.StateShowingResults:
		c.machine.TransitionTo(statemachine.StateIdle, nil)
	case statemachine.StateProcessing:
		// No graph edge exists from PROCESSING back to IDLE; a stop during
		// inference is an operator override.
		c.machine.ForceState(statemachine.StateIdle, "examination stopped during processing")
	}

	c.machine.ClearData(statemachine.KeyCurrentExamination)
	c.machine.ClearData(statemachine.KeyExaminationResults)
	c.machine.ClearData(statemachine.KeyProcessingComplete)
	c.machine.ClearData(statemachine.KeyAdmittedSensorData)
	return nil
}

// #endregion start-stop

// #region run

// run drives one examination from capture to result display. It runs on its
// own goroutine; every exit path leaves the machine in a coherent state.
func (c *Controller) run(ctx context.Context, exam triage.Examination) {
	audio, err := c.source.Start(ctx, exam.Duration, func(fraction float64) {
		if err := c.gateway.Progress(fraction); err != nil {
			log.Printf("[EXAM] progress update failed: %v", err)
		}
	})
	if errors.Is(err, capture.ErrAborted) {
		log.Printf("[EXAM] %s capture aborted", exam.ID)
		return
	}
	if err != nil {
		c.fail(exam, fmt.Errorf("audio capture: %w", err))
		return
	}

	if !c.machine.TransitionTo(statemachine.StateProcessing, nil) {
		// The examination was stopped between capture completion and here.
		log.Printf("[EXAM] %s not in EXAMINING after capture, dropping", exam.ID)
		return
	}

	results, err := c.process(ctx, exam, audio)
	if err != nil {
		c.fail(exam, err)
		return
	}

	c.display(results)
}

// process runs inference per modality, fuses the evidence, and stores the
// result bundle. Each classifier modality is invoked at most once.
func (c *Controller) process(ctx context.Context, exam triage.Examination, audio []byte) (triage.Results, error) {
	started := c.now()

	var heart, lung *classifier.Result
	if exam.Mode.WantsHeart() {
		res, err := c.classifier.Classify(ctx, audio, classifier.ModalityHeart)
		if err != nil {
			return triage.Results{}, fmt.Errorf("heart inference: %w", err)
		}
		heart = &res
	}
	if exam.Mode.WantsLung() {
		res, err := c.classifier.Classify(ctx, audio, classifier.ModalityLung)
		if err != nil {
			return triage.Results{}, fmt.Errorf("lung inference: %w", err)
		}
		lung = &res
	}
	inferenceTime := c.now().Sub(started)

	var sensorsPtr *mcu.SensorSnapshot
	if sensors, ok := c.latestSensors(); ok {
		sensorsPtr = &sensors
	}

	decision := c.engine.Decide(heart, lung, sensorsPtr)

	results := triage.Results{
		Examination:   exam,
		Heart:         heart,
		Lung:          lung,
		Sensors:       sensorsPtr,
		Decision:      decision,
		InferenceTime: inferenceTime,
		Timestamp:     c.now(),
	}

	c.machine.SetData(statemachine.KeyExaminationResults, results)
	c.machine.SetData(statemachine.KeyProcessingComplete, true)

	c.statsMu.Lock()
	c.stats.Successful++
	c.stats.AverageInference += (inferenceTime - c.stats.AverageInference) / time.Duration(c.stats.Successful)
	c.statsMu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.RecordExamination(results); err != nil {
			log.Printf("[EXAM] audit record failed: %v", err)
		}
	}

	log.Printf("[EXAM] %s processed in %s: %s", exam.ID, inferenceTime.Round(time.Millisecond), decision.RiskLevel)
	return results, nil
}

// display pushes the decision to the actuators and enters SHOWING_RESULTS.
// The state machine's display timeout brings the station back to IDLE.
func (c *Controller) display(results triage.Results) {
	if err := c.gateway.DisplayRisk(results.Decision.RiskLevel); err != nil {
		log.Printf("[EXAM] risk display failed: %v", err)
	}
	if !c.machine.TransitionTo(statemachine.StateShowingResults, nil) {
		log.Printf("[EXAM] %s could not enter SHOWING_RESULTS from %s",
			results.Examination.ID, c.machine.Current())
	}
}

// fail surfaces a mid-examination failure on the actuators, holds the error
// pattern for a grace period, then returns the station to IDLE regardless of
// which phase failed.
func (c *Controller) fail(exam triage.Examination, err error) {
	log.Printf("[EXAM] %s failed: %v", exam.ID, err)

	if gerr := c.gateway.ErrorPattern(); gerr != nil {
		log.Printf("[EXAM] error pattern failed: %v", gerr)
	}
	c.sleep(3 * time.Second)

	if gerr := c.gateway.ResetNeutral(); gerr != nil {
		log.Printf("[EXAM] actuator reset failed: %v", gerr)
	}

	c.machine.ClearData(statemachine.KeyCurrentExamination)
	c.machine.ClearData(statemachine.KeyExaminationResults)
	c.machine.ClearData(statemachine.KeyProcessingComplete)
	c.machine.ClearData(statemachine.KeyAdmittedSensorData)

	if c.machine.Current() != statemachine.StateIdle {
		c.machine.ForceState(statemachine.StateIdle, fmt.Sprintf("examination failed: %v", err))
	}
}

// #endregion run

// #region accessors

// Stats returns a copy of the running totals.
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Controller) latestSensors() (mcu.SensorSnapshot, bool) {
	v, ok := c.machine.GetData(statemachine.KeyLatestSensorData)
	if !ok {
		return mcu.SensorSnapshot{}, false
	}
	snap, ok := v.(mcu.SensorSnapshot)
	return snap, ok
}

func (c *Controller) admittedSensors() (mcu.SensorSnapshot, bool) {
	v, ok := c.machine.GetData(statemachine.KeyAdmittedSensorData)
	if !ok {
		return mcu.SensorSnapshot{}, false
	}
	snap, ok := v.(mcu.SensorSnapshot)
	return snap, ok
}

// #endregion accessors
