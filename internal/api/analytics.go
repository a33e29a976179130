package api

import (
	"net/http"

	"go.uber.org/zap"
)

// handleAnalytics serves aggregate decision analytics from the ClickHouse
// mirror: rejection reason leaderboard, rejections over time, busiest steps.
func (d *Dependencies) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Analytics storage is not configured"})
		return
	}

	q := r.URL.Query()
	pipelineType := q.Get("pipeline_type")
	days := queryInt(q.Get("days"), 7)
	if days > 90 {
		days = 90
	}

	result, err := d.Reader.GetAnalytics(r.Context(), pipelineType, days)
	if err != nil {
		d.Logger.Error("analytics query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Analytics query failed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCandidateTrace returns the mirror's event history for one candidate
// across all runs and steps, newest first.
func (d *Dependencies) handleCandidateTrace(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Analytics storage is not configured"})
		return
	}

	candidateID := r.PathValue("candidate_id")
	limit := queryInt(r.URL.Query().Get("limit"), 100)

	events, err := d.Reader.TraceCandidate(r.Context(), candidateID, limit)
	if err != nil {
		d.Logger.Error("candidate trace failed", zap.Error(err), zap.String("candidate_id", candidateID))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Candidate trace failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"candidate_id": candidateID,
		"events":       events,
		"count":        len(events),
	})
}
