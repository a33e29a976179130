package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/hp-8/xray-sdk/internal/store"
)

// handleQuerySteps answers cross-run step queries: "which steps named X had a
// rejection rate over Y". Stats filters read the full-input stats, so results
// are exact even when decisions were sampled.
func (d *Dependencies) handleQuerySteps(w http.ResponseWriter, r *http.Request) {
	var req StepQueryReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	rows, err := d.Store.QuerySteps(r.Context(), stepQueryParams(req))
	if err != nil {
		d.Logger.Error("step query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Step query failed"})
		return
	}

	resp := StepQueryResp{Steps: make([]StepQueryRowResp, 0, len(rows))}
	for _, row := range rows {
		resp.Steps = append(resp.Steps, StepQueryRowResp{
			StepResp:     stepToResp(&row.Step),
			PipelineType: row.RunPipelineType,
		})
	}
	resp.Count = len(resp.Steps)
	writeJSON(w, http.StatusOK, resp)
}

// stepQueryParams maps a step query request onto storage filters.
func stepQueryParams(req StepQueryReq) store.StepQueryParams {
	return store.StepQueryParams{
		StepName:         req.StepName,
		PipelineType:     req.PipelineType,
		MinRejectionRate: req.MinRejectionRate,
		MaxRejectionRate: req.MaxRejectionRate,
		MinInputCount:    req.MinInputCount,
		DateFrom:         req.DateFrom,
		DateTo:           req.DateTo,
		Limit:            req.Limit,
		Offset:           req.Offset,
	}
}

// handleQueryDecisions traces decisions across steps, primarily by candidate
// ID: "show me every decision ever made about candidate Z".
func (d *Dependencies) handleQueryDecisions(w http.ResponseWriter, r *http.Request) {
	var req DecisionQueryReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.CandidateID == nil && req.DecisionType == nil && req.Reason == nil && req.StepName == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "At least one filter is required"})
		return
	}

	rows, err := d.Store.QueryDecisions(r.Context(), store.DecisionQueryParams{
		CandidateID:  req.CandidateID,
		DecisionType: req.DecisionType,
		Reason:       req.Reason,
		StepName:     req.StepName,
		Limit:        req.Limit,
	})
	if err != nil {
		d.Logger.Error("decision query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Decision query failed"})
		return
	}

	resp := DecisionQueryResp{Decisions: make([]DecisionQueryRowResp, 0, len(rows))}
	for _, row := range rows {
		resp.Decisions = append(resp.Decisions, DecisionQueryRowResp{
			DecisionResp: decisionToResp(&row.Decision),
			StepName:     row.StepName,
			RunID:        row.RunID,
		})
	}
	resp.Count = len(resp.Decisions)
	writeJSON(w, http.StatusOK, resp)
}
