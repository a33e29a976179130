package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hp-8/xray-sdk/internal/store"
)

// handleCreateRun starts a new pipeline run under the authenticated pipeline.
func (d *Dependencies) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	pl := pipelineFromContext(r.Context())

	var req CreateRunReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.PipelineType == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "pipeline_type is required"})
		return
	}

	run, err := d.Store.CreateRun(r.Context(), store.CreateRunParams{
		PipelineID:   pl.ID,
		PipelineType: req.PipelineType,
		Name:         req.Name,
		InputContext: req.Input,
		Metadata:     req.Metadata,
	})
	if err != nil {
		d.Logger.Error("create run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create run"})
		return
	}

	writeJSON(w, http.StatusCreated, CreateRunResp{RunID: run.ID})
}

// handleCompleteRun marks a run finished.
func (d *Dependencies) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	var req CompleteRunReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	status := req.Status
	if status == "" {
		status = "completed"
	}
	switch status {
	case "completed", "failed", "cancelled":
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "status must be completed, failed or cancelled"})
		return
	}

	run, err := d.Store.CompleteRun(r.Context(), runID, status, req.Result)
	if err != nil {
		d.Logger.Error("complete run failed", zap.Error(err), zap.String("run_id", runID))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to complete run"})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Run not found"})
		return
	}

	writeJSON(w, http.StatusOK, CompleteRunResp{
		RunID:       run.ID,
		Status:      run.Status,
		CompletedAt: *run.CompletedAt,
	})
}

// handleGetRun returns a run with its steps. With include_decisions=true the
// retained decisions of every step are inlined.
func (d *Dependencies) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	includeDecisions := queryBool(r.URL.Query().Get("include_decisions"))

	run, err := d.Store.GetRun(r.Context(), runID)
	if err != nil {
		d.Logger.Error("get run failed", zap.Error(err), zap.String("run_id", runID))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to fetch run"})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Run not found"})
		return
	}

	steps, err := d.Store.GetRunSteps(r.Context(), runID)
	if err != nil {
		d.Logger.Error("get run steps failed", zap.Error(err), zap.String("run_id", runID))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to fetch run steps"})
		return
	}

	var decisionsByStep map[string][]*store.Decision
	if includeDecisions {
		decisionsByStep, err = d.Store.GetRunDecisions(r.Context(), runID)
		if err != nil {
			d.Logger.Error("get run decisions failed", zap.Error(err), zap.String("run_id", runID))
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to fetch run decisions"})
			return
		}
	}

	resp := RunDetailResp{RunResp: runToResp(run)}
	for _, st := range steps {
		stepResp := stepToResp(st)
		for _, dec := range decisionsByStep[st.ID] {
			stepResp.Decisions = append(stepResp.Decisions, decisionToResp(dec))
		}
		resp.Steps = append(resp.Steps, stepResp)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListRuns returns a paginated run listing with optional filters.
func (d *Dependencies) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := store.ListRunsParams{
		Page:     queryInt(q.Get("page"), 1),
		PageSize: queryInt(q.Get("page_size"), 50),
	}
	if v := q.Get("pipeline_type"); v != "" {
		params.PipelineType = &v
	}
	if v := q.Get("status"); v != "" {
		params.Status = &v
	}
	if ts := queryTime(q.Get("date_from")); ts != nil {
		params.DateFrom = ts
	}
	if ts := queryTime(q.Get("date_to")); ts != nil {
		params.DateTo = ts
	}

	runs, total, err := d.Store.ListRuns(r.Context(), params)
	if err != nil {
		d.Logger.Error("list runs failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list runs"})
		return
	}

	resp := RunListResp{
		Runs:     make([]RunResp, 0, len(runs)),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runToResp(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListDecisions returns the retained decisions stored for a step.
func (d *Dependencies) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	stepID := r.PathValue("step_id")
	q := r.URL.Query()

	var decisionType *string
	if v := q.Get("decision_type"); v != "" {
		decisionType = &v
	}
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("page_size"), 100)

	decisions, total, err := d.Store.ListStepDecisions(r.Context(), stepID, decisionType, page, pageSize)
	if err != nil {
		d.Logger.Error("list decisions failed", zap.Error(err), zap.String("step_id", stepID))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list decisions"})
		return
	}

	resp := DecisionListResp{
		Decisions: make([]DecisionResp, 0, len(decisions)),
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
	}
	for _, dec := range decisions {
		resp.Decisions = append(resp.Decisions, decisionToResp(dec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func runToResp(run *store.Run) RunResp {
	return RunResp{
		ID:           run.ID,
		PipelineType: run.PipelineType,
		Name:         run.Name,
		InputContext: run.InputContext,
		OutputResult: run.OutputResult,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		Metadata:     run.Metadata,
	}
}

func stepToResp(st *store.Step) StepResp {
	resp := StepResp{
		ID:            st.ID,
		RunID:         st.RunID,
		StepName:      st.StepName,
		SequenceOrder: st.SequenceOrder,
		InputData:     st.InputData,
		OutputData:    st.OutputData,
		Config:        st.Config,
		Reasoning:     st.Reasoning,
		Stats:         st.Stats,
		StartedAt:     st.StartedAt,
		CompletedAt:   st.CompletedAt,
	}
	resp.SamplingSummary.Total = st.SampledTotal
	resp.SamplingSummary.Kept = st.SampledKept
	resp.SamplingSummary.Sampled = st.Sampled
	return resp
}

func decisionToResp(dec *store.Decision) DecisionResp {
	return DecisionResp{
		ID:            dec.ID,
		StepID:        dec.StepID,
		CandidateID:   dec.CandidateID,
		DecisionType:  dec.DecisionType,
		Reason:        dec.Reason,
		Score:         dec.Score,
		SequenceOrder: dec.SequenceOrder,
		Metadata:      dec.Metadata,
		CreatedAt:     dec.CreatedAt,
	}
}

// queryInt parses a positive integer query parameter with a fallback.
func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// queryBool parses a boolean query parameter; absent or malformed means false.
func queryBool(s string) bool {
	return s == "true" || s == "1"
}

// queryTime parses an RFC 3339 timestamp query parameter, or a bare date.
func queryTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return &ts
	}
	if ts, err := time.Parse("2006-01-02", s); err == nil {
		return &ts
	}
	return nil
}
