package audit

import (
	"time"

	"github.com/danielpatrickdp/triage-station/internal/statemachine"
	"github.com/danielpatrickdp/triage-station/internal/triage"
)

// TransitionRecord is one persisted state transition.
type TransitionRecord struct {
	ID        int64                  `json:"id"`
	FromState statemachine.State     `json:"from_state"`
	ToState   statemachine.State     `json:"to_state"`
	At        time.Time              `json:"at"`
	Forced    bool                   `json:"forced"`
	Reason    string                 `json:"reason,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// ExaminationRecord is one persisted examination outcome. The full result
// bundle is stored as JSON alongside the queryable columns.
type ExaminationRecord struct {
	ExaminationID string           `json:"examination_id"`
	Mode          triage.Mode      `json:"mode"`
	StartedAt     time.Time        `json:"started_at"`
	RiskLevel     triage.RiskLevel `json:"risk_level"`
	RiskScore     float64          `json:"risk_score"`
	Urgency       triage.Urgency   `json:"urgency"`
	Referral      bool             `json:"requires_referral"`
	Results       triage.Results   `json:"results"`
	CreatedAt     time.Time        `json:"created_at"`
}
