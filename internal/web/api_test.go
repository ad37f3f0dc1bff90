package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielpatrickdp/triage-station/internal/audit"
	"github.com/danielpatrickdp/triage-station/internal/controller"
	"github.com/danielpatrickdp/triage-station/internal/statemachine"
	"github.com/danielpatrickdp/triage-station/internal/status"
	"github.com/danielpatrickdp/triage-station/internal/triage"
)

// fakeControls scripts the controller surface.
type fakeControls struct {
	startErr error
	stopErr  error
	started  int
	stopped  int
}

func (f *fakeControls) StartExamination(context.Context) (triage.Examination, error) {
	if f.startErr != nil {
		return triage.Examination{}, f.startErr
	}
	f.started++
	return triage.Examination{ID: "exam-web", Mode: triage.ModeHeart}, nil
}

func (f *fakeControls) StopExamination() error {
	f.stopped++
	return f.stopErr
}

// fakeStore scripts the audit surface.
type fakeStore struct {
	records []audit.ExaminationRecord
	listErr error
}

func (f *fakeStore) ListExaminations(limit int) ([]audit.ExaminationRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return f.records[:limit], nil
}

func (f *fakeStore) GetExamination(id string) (audit.ExaminationRecord, error) {
	for _, r := range f.records {
		if r.ExaminationID == id {
			return r, nil
		}
	}
	return audit.ExaminationRecord{}, errors.New("not found")
}

type webFixture struct {
	machine  *statemachine.Machine
	controls *fakeControls
	store    *fakeStore
	server   *httptest.Server
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()

	machine := statemachine.NewMachine()
	if !machine.TransitionTo(statemachine.StateIdle, nil) {
		t.Fatal("machine must reach IDLE")
	}

	reporter := status.NewReporter(machine,
		func() controller.Stats { return controller.Stats{} },
		func() time.Time { return time.Now() },
		func() int { return 0 },
		func() map[string]bool { return map[string]bool{"classifier": true} },
	)
	controls := &fakeControls{}
	store := &fakeStore{}
	hub := status.NewHub()

	h := NewHandler(context.Background(), machine, reporter, hub, controls, store)
	server := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		server.Close()
		hub.Close()
	})

	return &webFixture{machine: machine, controls: controls, store: store, server: server}
}

func (f *webFixture) post(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (f *webFixture) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestGetStatus(t *testing.T) {
	f := newWebFixture(t)
	resp, body := f.get(t, "/api/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	state := body["state"].(map[string]interface{})
	if state["current_state"] != "IDLE" {
		t.Fatalf("unexpected state: %v", state)
	}
	components := body["component_health"].(map[string]interface{})
	if components["classifier"] != true {
		t.Fatalf("status must carry component health: %v", components)
	}
}

func TestGetHealth(t *testing.T) {
	f := newWebFixture(t)
	resp, body := f.get(t, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Fatalf("IDLE station must be healthy: %v", body)
	}
	if body["resources"] == nil {
		t.Fatal("health must include resource usage")
	}
}

func TestStartExamination(t *testing.T) {
	f := newWebFixture(t)
	resp, body := f.post(t, "/api/v1/examination/start")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
	exam := body["examination"].(map[string]interface{})
	if exam["id"] != "exam-web" {
		t.Fatalf("unexpected examination: %v", exam)
	}
	if f.controls.started != 1 {
		t.Fatalf("expected one start, got %d", f.controls.started)
	}
}

func TestStartExaminationRejectedIs409(t *testing.T) {
	f := newWebFixture(t)
	f.controls.startErr = errors.New("cannot start examination in ERROR state")

	resp, body := f.post(t, "/api/v1/examination/start")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if body["success"] != false || body["error"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStopExamination(t *testing.T) {
	f := newWebFixture(t)
	resp, body := f.post(t, "/api/v1/examination/stop")
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("unexpected response: %d %v", resp.StatusCode, body)
	}
	if f.controls.stopped != 1 {
		t.Fatalf("expected one stop, got %d", f.controls.stopped)
	}
}

func TestListExaminations(t *testing.T) {
	f := newWebFixture(t)
	f.store.records = []audit.ExaminationRecord{
		{ExaminationID: "exam-1", RiskLevel: triage.RiskLow},
		{ExaminationID: "exam-2", RiskLevel: triage.RiskHigh},
	}

	resp, body := f.get(t, "/api/v1/examinations?limit=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := body["data"].([]interface{})
	if len(data) != 1 {
		t.Fatalf("limit ignored: %v", data)
	}
}

func TestListExaminationsBadLimit(t *testing.T) {
	f := newWebFixture(t)
	for _, q := range []string{"?limit=0", "?limit=-3", "?limit=9999", "?limit=abc"} {
		resp, _ := f.get(t, "/api/v1/examinations"+q)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestListExaminationsEmptyIsArray(t *testing.T) {
	f := newWebFixture(t)
	resp, body := f.get(t, "/api/v1/examinations")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if _, ok := body["data"].([]interface{}); !ok {
		t.Fatalf("empty result must serialize as an array: %v", body["data"])
	}
}

func TestGetExamination(t *testing.T) {
	f := newWebFixture(t)
	f.store.records = []audit.ExaminationRecord{{ExaminationID: "exam-9", RiskLevel: triage.RiskMedium}}

	resp, body := f.get(t, "/api/v1/examinations/exam-9")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := body["data"].(map[string]interface{})
	if data["examination_id"] != "exam-9" {
		t.Fatalf("unexpected record: %v", data)
	}

	resp, _ = f.get(t, "/api/v1/examinations/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestResolveError(t *testing.T) {
	f := newWebFixture(t)

	// Not in ERROR: rejected.
	resp, _ := f.post(t, "/api/v1/error/resolve")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 outside ERROR, got %d", resp.StatusCode)
	}

	if !f.machine.TransitionTo(statemachine.StateError, nil) {
		t.Fatal("arrange: enter ERROR")
	}
	resp, body := f.post(t, "/api/v1/error/resolve")
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("unexpected response: %d %v", resp.StatusCode, body)
	}
	if f.machine.Current() != statemachine.StateIdle {
		t.Fatalf("expected IDLE after resolve, got %s", f.machine.Current())
	}
}

func TestMaintenanceRoundTrip(t *testing.T) {
	f := newWebFixture(t)

	resp, _ := f.post(t, "/api/v1/maintenance")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enter maintenance: expected 200, got %d", resp.StatusCode)
	}
	if f.machine.Current() != statemachine.StateMaintenance {
		t.Fatalf("expected MAINTENANCE, got %s", f.machine.Current())
	}

	resp, _ = f.post(t, "/api/v1/maintenance/exit")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exit maintenance: expected 200, got %d", resp.StatusCode)
	}
	if f.machine.Current() != statemachine.StateIdle {
		t.Fatalf("expected IDLE, got %s", f.machine.Current())
	}
}

func TestEnterMaintenanceRejectedWhileBusy(t *testing.T) {
	f := newWebFixture(t)
	if !f.machine.TransitionTo(statemachine.StateCalibrating, nil) {
		t.Fatal("arrange: enter CALIBRATING")
	}

	resp, _ := f.post(t, "/api/v1/maintenance")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while calibrating, got %d", resp.StatusCode)
	}
}
