package triage

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/triage-station/internal/classifier"
	"github.com/danielpatrickdp/triage-station/internal/mcu"
)

// #region risk

// RiskLevel is the discretized triage outcome.
type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskUnknown RiskLevel = "UNKNOWN"
)

// Urgency classifies how fast a referral should happen.
type Urgency string

const (
	UrgencyNonUrgent Urgency = "NON-URGENT"
	UrgencyRoutine   Urgency = "ROUTINE"
	UrgencyUrgent    Urgency = "URGENT"
)

// Decision is the full triage outcome for one examination. It is produced
// once, stored in the shared data store and the audit log, and never mutated.
type Decision struct {
	Timestamp        time.Time          `json:"timestamp"`
	RiskLevel        RiskLevel          `json:"risk_level"`
	RiskScore        float64            `json:"risk_score"`
	Breakdown        map[string]float64 `json:"risk_scores_breakdown"`
	RiskFactors      []string           `json:"risk_factors"`
	Recommendations  []string           `json:"recommendations"`
	Explanation      string             `json:"explanation"`
	RequiresReferral bool               `json:"requires_referral"`
	Urgency          Urgency            `json:"urgency"`
	Confidence       float64            `json:"confidence"`
	Error            string             `json:"error,omitempty"`
}

// #endregion risk

// #region examination

// Mode selects which sounds an examination captures.
type Mode string

const (
	ModeHeart Mode = "heart"
	ModeLung  Mode = "lung"
	ModeBoth  Mode = "both"
)

// ModeFromKnob maps the hardware knob position to an examination mode.
func ModeFromKnob(position int) (Mode, error) {
	switch position {
	case 0:
		return ModeHeart, nil
	case 1:
		return ModeLung, nil
	case 2:
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("knob position %d has no examination mode", position)
	}
}

// WantsHeart reports whether the mode captures heart sounds.
func (m Mode) WantsHeart() bool { return m == ModeHeart || m == ModeBoth }

// WantsLung reports whether the mode captures lung sounds.
func (m Mode) WantsLung() bool { return m == ModeLung || m == ModeBoth }

// Examination is the record of one examination attempt, created when the
// start guard admits it and carried through capture, inference, and fusion.
type Examination struct {
	ID         string        `json:"id"`
	Mode       Mode          `json:"mode"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
}

// Results bundles everything produced by one completed examination.
type Results struct {
	Examination   Examination         `json:"examination"`
	Heart         *classifier.Result  `json:"heart_result,omitempty"`
	Lung          *classifier.Result  `json:"lung_result,omitempty"`
	Sensors       *mcu.SensorSnapshot `json:"sensor_data,omitempty"`
	Decision      Decision            `json:"triage_result"`
	InferenceTime time.Duration       `json:"inference_time"`
	Timestamp     time.Time           `json:"timestamp"`
}

// #endregion examination

// #region config

// Config holds the fusion thresholds and weights. Values are configuration,
// not constants; DefaultConfig matches the shipped calibration.
type Config struct {
	MLConfidence       float64 `yaml:"ml_confidence"`
	FeverCelsius       float64 `yaml:"fever_celsius"`
	HypothermiaCelsius float64 `yaml:"hypothermia_celsius"`

	WeightML     float64 `yaml:"weight_ml_prediction"`
	WeightAudio  float64 `yaml:"weight_audio_analysis"`
	WeightVitals float64 `yaml:"weight_vital_signs"`

	HighThreshold   float64 `yaml:"high_threshold"`
	MediumThreshold float64 `yaml:"medium_threshold"`
}

// DefaultConfig returns the shipped fusion calibration.
func DefaultConfig() Config {
	return Config{
		MLConfidence:       0.7,
		FeverCelsius:       38.0,
		HypothermiaCelsius: 35.0,
		WeightML:           0.5,
		WeightAudio:        0.3,
		WeightVitals:       0.2,
		HighThreshold:      0.7,
		MediumThreshold:    0.4,
	}
}

// #endregion config
