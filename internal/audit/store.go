package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/triage-station/internal/statemachine"
	"github.com/danielpatrickdp/triage-station/internal/triage"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS transition_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	from_state    TEXT NOT NULL,
	to_state      TEXT NOT NULL,
	at            TEXT NOT NULL,
	forced        INTEGER NOT NULL DEFAULT 0,
	reason        TEXT,
	context_json  TEXT
);

CREATE TABLE IF NOT EXISTS examinations (
	examination_id    TEXT PRIMARY KEY,
	mode              TEXT NOT NULL,
	started_at        TEXT NOT NULL,
	risk_level        TEXT NOT NULL,
	risk_score        REAL NOT NULL,
	urgency           TEXT NOT NULL,
	requires_referral INTEGER NOT NULL,
	results_json      TEXT NOT NULL,
	created_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transition_log_at ON transition_log(at);
CREATE INDEX IF NOT EXISTS idx_examinations_created ON examinations(created_at);
`

// #endregion schema

// #region store-struct
// Store persists the transition log and examination outcomes in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region record-transition
// RecordTransition appends one state transition to the log.
func (s *Store) RecordTransition(entry statemachine.HistoryEntry) error {
	var ctxPtr interface{}
	if len(entry.Context) > 0 {
		ctxJSON, err := json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("marshal transition context: %w", err)
		}
		ctxPtr = string(ctxJSON)
	}

	var reasonPtr interface{}
	if entry.Reason != "" {
		reasonPtr = entry.Reason
	}

	_, err := s.db.Exec(
		`INSERT INTO transition_log (from_state, to_state, at, forced, reason, context_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(entry.From), string(entry.To), entry.At.UTC().Format(time.RFC3339Nano),
		boolToInt(entry.Forced), reasonPtr, ctxPtr,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// #endregion record-transition

// #region record-examination
// RecordExamination persists one completed examination. The queryable
// columns are denormalized from the decision; the full bundle is kept as
// JSON for inspection.
func (s *Store) RecordExamination(results triage.Results) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO examinations
		 (examination_id, mode, started_at, risk_level, risk_score, urgency, requires_referral, results_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		results.Examination.ID,
		string(results.Examination.Mode),
		results.Examination.StartedAt.UTC().Format(time.RFC3339Nano),
		string(results.Decision.RiskLevel),
		results.Decision.RiskScore,
		string(results.Decision.Urgency),
		boolToInt(results.Decision.RequiresReferral),
		string(resultsJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert examination: %w", err)
	}
	return nil
}

// #endregion record-examination

// #region get-examination
// GetExamination retrieves one examination by ID.
func (s *Store) GetExamination(id string) (ExaminationRecord, error) {
	row := s.db.QueryRow(
		`SELECT examination_id, mode, started_at, risk_level, risk_score, urgency, requires_referral, results_json, created_at
		 FROM examinations WHERE examination_id = ?`, id,
	)
	rec, err := scanExamination(row)
	if err != nil {
		return ExaminationRecord{}, fmt.Errorf("get examination %s: %w", id, err)
	}
	return rec, nil
}

// #endregion get-examination

// #region list-examinations
// ListExaminations returns the most recent examinations, newest first.
func (s *Store) ListExaminations(limit int) ([]ExaminationRecord, error) {
	rows, err := s.db.Query(
		`SELECT examination_id, mode, started_at, risk_level, risk_score, urgency, requires_referral, results_json, created_at
		 FROM examinations ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list examinations: %w", err)
	}
	defer rows.Close()

	var records []ExaminationRecord
	for rows.Next() {
		rec, err := scanExamination(rows)
		if err != nil {
			return nil, fmt.Errorf("scan examination: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list-examinations

// #region list-transitions
// ListTransitions returns the most recent transitions, newest first.
func (s *Store) ListTransitions(limit int) ([]TransitionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, from_state, to_state, at, forced, reason, context_json
		 FROM transition_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var records []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var from, to, atStr string
		var forced int
		var reason, ctxJSON sql.NullString

		if err := rows.Scan(&rec.ID, &from, &to, &atStr, &forced, &reason, &ctxJSON); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.FromState = statemachine.State(from)
		rec.ToState = statemachine.State(to)
		rec.At, _ = time.Parse(time.RFC3339Nano, atStr)
		rec.Forced = forced != 0
		if reason.Valid {
			rec.Reason = reason.String
		}
		if ctxJSON.Valid {
			if err := json.Unmarshal([]byte(ctxJSON.String), &rec.Context); err != nil {
				return nil, fmt.Errorf("unmarshal transition context: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list-transitions

// #region scan-helpers

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExamination(row scanner) (ExaminationRecord, error) {
	var rec ExaminationRecord
	var mode, startedStr, level, urgency, resultsJSON, createdStr string
	var referral int

	err := row.Scan(&rec.ExaminationID, &mode, &startedStr, &level, &rec.RiskScore,
		&urgency, &referral, &resultsJSON, &createdStr)
	if err != nil {
		return ExaminationRecord{}, err
	}

	rec.Mode = triage.Mode(mode)
	rec.RiskLevel = triage.RiskLevel(level)
	rec.Urgency = triage.Urgency(urgency)
	rec.Referral = referral != 0
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if err := json.Unmarshal([]byte(resultsJSON), &rec.Results); err != nil {
		return ExaminationRecord{}, fmt.Errorf("unmarshal results: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion scan-helpers
