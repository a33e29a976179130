package api

import (
	"database/sql"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hp-8/xray-sdk/internal/store"
)

// handleCreatePipeline registers a pipeline and returns its API key. The
// plaintext key appears in this response only; we store the bcrypt hash.
func (d *Dependencies) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req CreatePipelineReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name is required"})
		return
	}

	p, key, err := d.Store.CreatePipeline(r.Context(), req.Name)
	if err != nil {
		d.Logger.Error("create pipeline failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create pipeline"})
		return
	}

	writeJSON(w, http.StatusCreated, CreatePipelineResp{
		ID:           p.ID,
		Name:         p.Name,
		APIKey:       key,
		APIKeyPrefix: p.APIKeyPrefix,
		Enabled:      p.Enabled,
		CreatedAt:    p.CreatedAt,
	})
}

func (d *Dependencies) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := d.Store.ListPipelines(r.Context())
	if err != nil {
		d.Logger.Error("list pipelines failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list pipelines"})
		return
	}

	out := make([]PipelineResp, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, pipelineToResp(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dependencies) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	p, err := d.Store.GetPipeline(r.Context(), id)
	if err != nil {
		d.Logger.Error("get pipeline failed", zap.Error(err), zap.String("id", id))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to fetch pipeline"})
		return
	}
	if p == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Pipeline not found"})
		return
	}
	writeJSON(w, http.StatusOK, pipelineToResp(p))
}

// handleRotateKey replaces a pipeline's API key. The old key stops working
// once cached auth entries expire.
func (d *Dependencies) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	p, key, err := d.Store.RotateAPIKey(r.Context(), id)
	if err != nil {
		d.Logger.Error("rotate key failed", zap.Error(err), zap.String("id", id))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to rotate key"})
		return
	}
	if p == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Pipeline not found"})
		return
	}

	writeJSON(w, http.StatusOK, RotateKeyResp{
		APIKey:       key,
		APIKeyPrefix: p.APIKeyPrefix,
	})
}

func (d *Dependencies) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := d.Store.DeletePipeline(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Pipeline not found"})
			return
		}
		d.Logger.Error("delete pipeline failed", zap.Error(err), zap.String("id", id))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete pipeline"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pipelineToResp(p *store.Pipeline) PipelineResp {
	return PipelineResp{
		ID:           p.ID,
		Name:         p.Name,
		APIKeyPrefix: p.APIKeyPrefix,
		Enabled:      p.Enabled,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}
