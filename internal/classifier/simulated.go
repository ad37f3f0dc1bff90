package classifier

import (
	"context"
	"log"
	"time"
)

// #region simulated

// Simulated is the classifier used when no inference sidecar is available.
// It always reports a confident normal finding, and downstream fusion treats
// its results exactly like real ones.
type Simulated struct {
	delay time.Duration
}

// NewSimulated creates a simulated classifier. delay models inference
// latency; zero is fine for tests.
func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{delay: delay}
}

// Classify returns a canned high-confidence normal result per modality.
func (s *Simulated) Classify(ctx context.Context, _ []byte, modality Modality) (Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return failedResult(modality, ctx.Err()), ctx.Err()
		}
	}

	confidence := 0.95
	if modality == ModalityLung {
		confidence = 0.88
	}
	log.Printf("[CLASSIFY] simulated %s -> %s (%.2f)", modality, LabelNormal, confidence)

	return Result{
		Success:        true,
		Modality:       modality,
		Label:          LabelNormal,
		Confidence:     confidence,
		Probabilities:  map[string]float64{LabelNormal: confidence},
		Abnormal:       false,
		MeetsThreshold: true,
		Latency:        s.delay,
	}, nil
}

// #endregion simulated
