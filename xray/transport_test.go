package xray

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetRunIncludeDecisions(t *testing.T) {
	var gotParam string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotParam = r.URL.Query().Get("include_decisions")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "run-1",
			"status": "completed",
			"steps": [{
				"id": "step-1",
				"step_name": "filtering",
				"decisions": [
					{"id": "d-1", "step_id": "step-1", "candidate_id": "cand-a", "decision_type": "rejected", "sequence_order": 0},
					{"id": "d-2", "step_id": "step-1", "candidate_id": "cand-b", "decision_type": "accepted", "sequence_order": 1}
				]
			}]
		}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "xrk_test", time.Second)
	detail, err := tr.GetRun(context.Background(), "run-1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotParam != "true" {
		t.Errorf("include_decisions param = %q, want true", gotParam)
	}
	if len(detail.Steps) != 1 || len(detail.Steps[0].Decisions) != 2 {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.Steps[0].Decisions[0].CandidateID != "cand-a" {
		t.Errorf("first decision = %+v", detail.Steps[0].Decisions[0])
	}
}

func TestGetRunWithoutDecisionsOmitsParam(t *testing.T) {
	var hasParam bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasParam = r.URL.Query()["include_decisions"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "run-1", "status": "running", "steps": []}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "xrk_test", time.Second)
	detail, err := tr.GetRun(context.Background(), "run-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasParam {
		t.Error("include_decisions must not be sent when not requested")
	}
	if len(detail.Steps) != 0 {
		t.Errorf("steps = %+v", detail.Steps)
	}
}
