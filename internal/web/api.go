package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/danielpatrickdp/triage-station/internal/audit"
	"github.com/danielpatrickdp/triage-station/internal/health"
	"github.com/danielpatrickdp/triage-station/internal/statemachine"
	"github.com/danielpatrickdp/triage-station/internal/status"
	"github.com/danielpatrickdp/triage-station/internal/triage"
)

// #region handler

// Examinations is the audit-store surface the API reads from.
type Examinations interface {
	ListExaminations(limit int) ([]audit.ExaminationRecord, error)
	GetExamination(id string) (audit.ExaminationRecord, error)
}

// Controls is the controller surface the API drives.
type Controls interface {
	StartExamination(ctx context.Context) (triage.Examination, error)
	StopExamination() error
}

// Handler provides the HTTP handlers for the station API.
type Handler struct {
	machine  *statemachine.Machine
	reporter *status.Reporter
	hub      *status.Hub
	controls Controls
	store    Examinations

	// baseCtx outlives any single request; an examination started over HTTP
	// must not die when the request connection closes.
	baseCtx context.Context
}

// NewHandler creates the station API handler.
func NewHandler(baseCtx context.Context, machine *statemachine.Machine, reporter *status.Reporter,
	hub *status.Hub, controls Controls, store Examinations) *Handler {
	return &Handler{
		machine:  machine,
		reporter: reporter,
		hub:      hub,
		controls: controls,
		store:    store,
		baseCtx:  baseCtx,
	}
}

// Routes builds the station router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/health", h.GetHealth)

		r.Post("/examination/start", h.StartExamination)
		r.Post("/examination/stop", h.StopExamination)
		r.Get("/examinations", h.ListExaminations)
		r.Get("/examinations/{examinationID}", h.GetExamination)

		r.Post("/error/resolve", h.ResolveError)
		r.Post("/maintenance", h.EnterMaintenance)
		r.Post("/maintenance/exit", h.ExitMaintenance)
	})
	r.Get("/ws", h.hub.ServeHTTP)

	return r
}

// #endregion handler

// #region status-endpoints

// GetStatus returns the full station snapshot.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reporter.Snapshot())
}

// GetHealth returns liveness plus process resource usage.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        h.machine.Current().IsOperational(),
		"state":     h.machine.Current(),
		"resources": health.ReadResources(),
	})
}

// #endregion status-endpoints

// #region examination-endpoints

// StartExamination starts a new examination. Guard rejections map to 409:
// the request was well-formed but the station cannot admit it right now.
func (h *Handler) StartExamination(w http.ResponseWriter, r *http.Request) {
	exam, err := h.controls.StartExamination(h.baseCtx)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"examination": exam,
	})
}

// StopExamination aborts any in-flight examination.
func (h *Handler) StopExamination(w http.ResponseWriter, r *http.Request) {
	if err := h.controls.StopExamination(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ListExaminations returns recent persisted examinations.
func (h *Handler) ListExaminations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"error":   "limit must be an integer in [1,500]",
			})
			return
		}
		limit = n
	}

	records, err := h.store.ListExaminations(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	if records == nil {
		records = []audit.ExaminationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    records,
		"total":   len(records),
	})
}

// GetExamination returns one persisted examination by ID.
func (h *Handler) GetExamination(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "examinationID")
	rec, err := h.store.GetExamination(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "examination not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    rec,
	})
}

// #endregion examination-endpoints

// #region recovery-endpoints

// ResolveError acknowledges the active error and recovers to IDLE.
func (h *Handler) ResolveError(w http.ResponseWriter, r *http.Request) {
	if h.machine.Current() != statemachine.StateError {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "station is not in ERROR state",
		})
		return
	}

	h.machine.SetData(statemachine.KeyErrorResolved, true)
	if !h.machine.TransitionTo(statemachine.StateIdle, nil) {
		h.machine.ClearData(statemachine.KeyErrorResolved)
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "error recovery rejected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// EnterMaintenance moves the station into MAINTENANCE.
func (h *Handler) EnterMaintenance(w http.ResponseWriter, r *http.Request) {
	if !h.machine.TransitionTo(statemachine.StateMaintenance, nil) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "cannot enter maintenance from " + string(h.machine.Current()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ExitMaintenance returns the station from MAINTENANCE to IDLE.
func (h *Handler) ExitMaintenance(w http.ResponseWriter, r *http.Request) {
	if h.machine.Current() != statemachine.StateMaintenance {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "station is not in MAINTENANCE state",
		})
		return
	}
	if !h.machine.TransitionTo(statemachine.StateIdle, nil) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "maintenance exit rejected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// #endregion recovery-endpoints

// #region helpers

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// #endregion helpers
