package classifier

import "time"

// #region modality

// Modality names one sound-classification model.
type Modality string

const (
	ModalityHeart Modality = "heart"
	ModalityLung  Modality = "lung"
)

// #endregion modality

// #region result

// Result is one classification outcome. The fusion engine treats it as
// opaque evidence and never mutates it.
type Result struct {
	Success        bool               `json:"success"`
	Modality       Modality           `json:"modality"`
	Label          string             `json:"predicted_class"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities,omitempty"`
	Abnormal       bool               `json:"abnormal"`
	MeetsThreshold bool               `json:"meets_threshold"`
	Latency        time.Duration      `json:"latency"`
	Error          string             `json:"error,omitempty"`
}

// LabelNormal is the one label every model shares; anything else is abnormal.
const LabelNormal = "Normal"

// #endregion result
