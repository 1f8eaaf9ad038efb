package skylink

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testStatus(status Status) AgentStatus {
	return AgentStatus{
		StatusReport: StatusReport{Status: status, Message: "Event FSDJump sent"},
		Commander:    "Nova",
		StarSystem:   "Sol",
		Identities: []IdentityStatus{
			{Name: "Nova", Active: true, Heartbeat: HeartbeatOK},
			{Name: "Vega", Heartbeat: HeartbeatAuthFailed, AuthFailed: true},
		},
		Dispatch: DispatchStats{Delivered: 3, Offline: 1},
	}
}

func TestHttpStatusHandler(t *testing.T) {
	server := NewStatusServer("", func(context.Context) AgentStatus { return testStatus(StatusRunning) })

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON, got %s", ct)
	}

	var decoded map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["status"] != "Running" || decoded["commander"] != "Nova" {
		t.Errorf("unexpected body %v", decoded)
	}
	identities, _ := decoded["identities"].([]any)
	if len(identities) != 2 {
		t.Errorf("expected two identities, got %v", decoded["identities"])
	}
	dispatch, _ := decoded["dispatch"].(map[string]any)
	if dispatch["delivered"] != float64(3) {
		t.Errorf("unexpected dispatch stats %v", dispatch)
	}
}

func TestHttpStatusHandlerRejectsWrites(t *testing.T) {
	server := NewStatusServer("", func(context.Context) AgentStatus { return testStatus(StatusRunning) })

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHttpHealthzHandler(t *testing.T) {
	tests := []struct {
		status Status
		code   int
	}{
		{StatusRunning, http.StatusOK},
		{StatusError, http.StatusOK},
		{StatusStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		server := NewStatusServer("", func(context.Context) AgentStatus { return testStatus(tt.status) })
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if w.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.status, tt.code, w.Code)
		}
	}
}

func TestStatusTrackerNotifiesOnChange(t *testing.T) {
	tracker := NewStatusTracker()
	if tracker.Current().Status != StatusStarting {
		t.Errorf("expected Starting, got %s", tracker.Current().Status)
	}

	var reports []StatusReport
	tracker.OnChange(func(report StatusReport) { reports = append(reports, report) })

	tracker.Set(StatusRunning, "Event Cargo sent")
	tracker.Set(StatusRunning, "Event Cargo sent")
	tracker.Set(StatusRunning, "Event Materials sent")
	tracker.Set(StatusError, "Failed to send event, queuing.")

	if len(reports) != 3 {
		t.Errorf("expected three notifications, got %d", len(reports))
	}
	if tracker.Current().Status != StatusError {
		t.Errorf("expected Error, got %s", tracker.Current().Status)
	}
}

func TestPrintIdentities(t *testing.T) {
	var buf bytes.Buffer
	PrintIdentities(&buf, testStatus(StatusRunning))

	out := buf.String()
	for _, want := range []string{"Nova", "Vega", "COMMANDER"} {
		if !strings.Contains(strings.ToUpper(out), strings.ToUpper(want)) {
			t.Errorf("expected %q in table:\n%s", want, out)
		}
	}
}
