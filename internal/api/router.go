package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hp-8/xray-sdk/internal/chread"
	"github.com/hp-8/xray-sdk/internal/ingest"
	"github.com/hp-8/xray-sdk/internal/metrics"
	"github.com/hp-8/xray-sdk/internal/store"
)

// Dependencies holds everything the HTTP handlers need.
type Dependencies struct {
	Store       *store.Store
	Coordinator *ingest.Coordinator
	Reader      *chread.Reader // nil when ClickHouse is not configured
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	CacheTTL    time.Duration
}

// NewRouter builds the HTTP routing table.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	withAuth := deps.authMiddleware()

	// Run lifecycle (authenticated by pipeline API key)
	mux.HandleFunc("POST /v1/runs", withAuth(deps.handleCreateRun))
	mux.HandleFunc("PATCH /v1/runs/{run_id}", withAuth(deps.handleCompleteRun))
	mux.HandleFunc("GET /v1/runs", withAuth(deps.handleListRuns))
	mux.HandleFunc("GET /v1/runs/{run_id}", withAuth(deps.handleGetRun))

	// Step submission and decision reads
	mux.HandleFunc("POST /v1/runs/{run_id}/steps", withAuth(deps.handleRecordStep))
	mux.HandleFunc("GET /v1/runs/{run_id}/steps/{step_id}/decisions", withAuth(deps.handleListDecisions))

	// Filtered queries
	mux.HandleFunc("POST /v1/query/steps", withAuth(deps.handleQuerySteps))
	mux.HandleFunc("POST /v1/query/decisions", withAuth(deps.handleQueryDecisions))

	// Pipeline management
	mux.HandleFunc("POST /api/xray/pipelines", deps.handleCreatePipeline)
	mux.HandleFunc("GET /api/xray/pipelines", deps.handleListPipelines)
	mux.HandleFunc("GET /api/xray/pipelines/{id}", deps.handleGetPipeline)
	mux.HandleFunc("POST /api/xray/pipelines/{id}/rotate-key", deps.handleRotateKey)
	mux.HandleFunc("DELETE /api/xray/pipelines/{id}", deps.handleDeletePipeline)

	// Analytics (ClickHouse-backed)
	mux.HandleFunc("GET /api/xray/analytics", withAuth(deps.handleAnalytics))
	mux.HandleFunc("GET /api/xray/candidates/{candidate_id}/trace", withAuth(deps.handleCandidateTrace))

	// Operational endpoints
	mux.HandleFunc("GET /healthz", deps.handleHealth)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	return corsMiddleware(requestLogging(mux, deps.Logger))
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
