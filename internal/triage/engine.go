package triage

import (
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/danielpatrickdp/triage-station/internal/classifier"
	"github.com/danielpatrickdp/triage-station/internal/mcu"
)

// #region engine

// Engine fuses classifier outputs and vital-sign readings into one triage
// decision. It is stateless between calls; all tuning lives in Config.
type Engine struct {
	cfg Config
	now func() time.Time
}

// NewEngine creates a fusion engine with the given calibration.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// component is one scored evidence source plus its narrative output.
type component struct {
	name            string
	score           float64
	factors         []string
	recommendations []string
}

// Fixed component names. The evaluation and explanation order is fixed so
// identical inputs always yield identical decisions.
const (
	componentHeartML = "heart_ml"
	componentLungML  = "lung_ml"
	componentVitals  = "vital_signs"
)

// #endregion engine

// #region decide

// Decide produces the triage decision for one examination. Any panic inside
// scoring or fusion degrades to an UNKNOWN decision with referral required;
// the station must always produce some outcome rather than crash mid-display.
func (e *Engine) Decide(heart, lung *classifier.Result, sensors *mcu.SensorSnapshot) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[TRIAGE] decision panic, degrading to UNKNOWN: %v", r)
			decision = e.fallbackDecision(fmt.Sprintf("decision failure: %v", r))
		}
	}()

	var components []component
	if heart != nil && heart.Success {
		components = append(components, e.scoreHeart(heart))
	}
	if lung != nil && lung.Success {
		components = append(components, e.scoreLung(lung))
	}
	if sensors != nil {
		components = append(components, e.scoreVitals(sensors))
	}

	score := e.fuse(components)
	level := e.riskLevel(score)

	var factors, recommendations []string
	breakdown := make(map[string]float64, len(components))
	for _, c := range components {
		breakdown[c.name] = c.score
		factors = append(factors, c.factors...)
		recommendations = append(recommendations, c.recommendations...)
	}

	decision = Decision{
		Timestamp:        e.now(),
		RiskLevel:        level,
		RiskScore:        score,
		Breakdown:        breakdown,
		RiskFactors:      factors,
		Recommendations:  recommendations,
		Explanation:      e.explanation(level, components, factors),
		RequiresReferral: level == RiskMedium || level == RiskHigh,
		Urgency:          e.urgency(level, factors),
		Confidence:       e.decisionConfidence(components),
	}
	log.Printf("[TRIAGE] decision %s (score %.2f, confidence %.2f)", level, score, decision.Confidence)
	return decision
}

// fallbackDecision is the high-caution outcome used when fusion itself fails.
func (e *Engine) fallbackDecision(reason string) Decision {
	return Decision{
		Timestamp:        e.now(),
		RiskLevel:        RiskUnknown,
		RequiresReferral: true,
		Urgency:          UrgencyUrgent,
		Explanation:      "UNKNOWN RISK: Evaluation failed. Refer for manual assessment.",
		Error:            reason,
	}
}

// #endregion decide

// #region modality-scoring

// scoreHeart scores the heart classifier result. Any abnormal label maps to
// one weighted score; labels are not summed.
func (e *Engine) scoreHeart(res *classifier.Result) component {
	c := component{name: componentHeartML}

	if res.Label != classifier.LabelNormal {
		c.score = 0.8 * res.Confidence
		c.factors = append(c.factors, "Abnormal heart sound detected")
		c.recommendations = append(c.recommendations,
			"Cardiac evaluation by physician recommended",
			"Consider ECG and echocardiography",
			"Monitor for symptoms: chest pain, palpitations, shortness of breath",
		)
		return c
	}

	c.score = 0.1
	if res.Confidence < e.cfg.MLConfidence {
		// A low-confidence "normal" is weak evidence, not reassurance.
		c.score = 0.3
		c.factors = append(c.factors,
			fmt.Sprintf("Low confidence in normal classification (%.2f)", res.Confidence))
	}
	return c
}

// scoreLung scores the lung classifier result. The "Both" label carries a
// higher weight than single findings.
func (e *Engine) scoreLung(res *classifier.Result) component {
	c := component{name: componentLungML}

	if res.Label != classifier.LabelNormal {
		c.score = 0.7 * res.Confidence
		c.factors = append(c.factors,
			fmt.Sprintf("Abnormal lung sound detected: %s", res.Label))

		switch res.Label {
		case "Wheeze":
			c.recommendations = append(c.recommendations,
				"Possible asthma or bronchospasm",
				"Consider bronchodilator therapy",
				"Pulmonary function testing if persistent",
			)
		case "Crackle":
			c.recommendations = append(c.recommendations,
				"Possible pneumonia or pulmonary edema",
				"Chest X-ray recommended",
				"Monitor for fever and respiratory distress",
			)
		case "Both":
			c.score = 0.9 * res.Confidence
			c.recommendations = append(c.recommendations,
				"Multiple abnormalities detected",
				"Urgent pulmonary evaluation recommended",
			)
		}
		return c
	}

	c.score = 0.1
	if res.Confidence < e.cfg.MLConfidence {
		c.score = 0.3
		c.factors = append(c.factors,
			fmt.Sprintf("Low confidence in normal classification (%.2f)", res.Confidence))
	}
	return c
}

// scoreVitals scores the sensor snapshot. Contributions are additive: vitals
// are independent alarms, unlike the one-score-per-modality ML components.
// Movement and placement findings are narrative only; they flag measurement
// quality, not patient risk.
func (e *Engine) scoreVitals(sensors *mcu.SensorSnapshot) component {
	c := component{name: componentVitals}

	if sensors.Temperature.Valid {
		celsius := sensors.Temperature.Celsius
		if celsius >= e.cfg.FeverCelsius {
			c.score += 0.3
			c.factors = append(c.factors, fmt.Sprintf("Fever detected: %.1f°C", celsius))
			c.recommendations = append(c.recommendations, "Fever management and infection workup")
		} else if celsius < e.cfg.HypothermiaCelsius {
			c.score += 0.2
			c.factors = append(c.factors, fmt.Sprintf("Hypothermia detected: %.1f°C", celsius))
			c.recommendations = append(c.recommendations, "Warming measures and evaluation")
		}
	}

	if sensors.Movement.Detected {
		c.factors = append(c.factors, "Patient movement detected during examination")
		c.recommendations = append(c.recommendations, "Repeat examination when patient is stable")
	}
	if !sensors.Distance.InRange {
		c.factors = append(c.factors, "Suboptimal stethoscope placement")
		c.recommendations = append(c.recommendations, "Ensure proper contact for accurate assessment")
	}

	return c
}

// #endregion modality-scoring

// #region fusion

// fuse combines component scores. ML and audio components are averaged with
// weights normalized over the components actually present, so an absent
// modality never drags the average toward 0 or 1. The vital-sign score is
// then added on top, scaled by its weight: a quiescent vital reading must
// not dilute strong ML evidence, while a fever must be able to raise it.
func (e *Engine) fuse(components []component) float64 {
	var weightedSum, totalWeight, vitals float64

	for _, c := range components {
		switch {
		case strings.Contains(c.name, "vital"):
			vitals += c.score
		case strings.Contains(c.name, "ml"):
			weightedSum += c.score * e.cfg.WeightML
			totalWeight += e.cfg.WeightML
		default:
			weightedSum += c.score * e.cfg.WeightAudio
			totalWeight += e.cfg.WeightAudio
		}
	}

	var score float64
	if totalWeight > 0 {
		score = weightedSum / totalWeight
	}
	score += vitals * e.cfg.WeightVitals

	return math.Min(math.Max(score, 0.0), 1.0)
}

func (e *Engine) riskLevel(score float64) RiskLevel {
	switch {
	case score >= e.cfg.HighThreshold:
		return RiskHigh
	case score >= e.cfg.MediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// urgency classifies referral speed. MEDIUM escalates to URGENT when any
// risk-factor string names an urgent condition.
func (e *Engine) urgency(level RiskLevel, factors []string) Urgency {
	switch level {
	case RiskHigh, RiskUnknown:
		return UrgencyUrgent
	case RiskMedium:
		for _, factor := range factors {
			lower := strings.ToLower(factor)
			for _, keyword := range []string{"fever", "both", "multiple", "urgent"} {
				if strings.Contains(lower, keyword) {
					return UrgencyUrgent
				}
			}
		}
		return UrgencyRoutine
	default:
		return UrgencyNonUrgent
	}
}

// decisionConfidence measures inter-component agreement, not any single
// component's confidence. Bounded to [0,1]; 0 when no components exist.
func (e *Engine) decisionConfidence(components []component) float64 {
	if len(components) == 0 {
		return 0.0
	}

	var sum float64
	for _, c := range components {
		sum += c.score
	}
	mean := sum / float64(len(components))

	var variance float64
	for _, c := range components {
		d := c.score - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(components)))

	return 1.0 - math.Min(stddev/(mean+0.1), 1.0)
}

// #endregion fusion

// #region explanation

func (e *Engine) explanation(level RiskLevel, components []component, factors []string) string {
	var parts []string

	switch level {
	case RiskHigh:
		parts = append(parts, "HIGH RISK: Significant abnormalities detected.")
	case RiskMedium:
		parts = append(parts, "MEDIUM RISK: Some abnormalities detected.")
	default:
		parts = append(parts, "LOW RISK: No significant abnormalities detected.")
	}

	if len(factors) > 0 {
		parts = append(parts, "\nKey findings:")
		limit := len(factors)
		if limit > 5 {
			limit = 5
		}
		for _, factor := range factors[:limit] {
			parts = append(parts, fmt.Sprintf("  • %s", factor))
		}
	}

	if len(components) > 0 {
		parts = append(parts, "\nRisk assessment:")
		for _, c := range components {
			parts = append(parts, fmt.Sprintf("  • %s: %.2f", c.name, c.score))
		}
	}

	return strings.Join(parts, "\n")
}

// #endregion explanation
