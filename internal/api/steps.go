package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/hp-8/xray-sdk/internal/ingest"
	"github.com/hp-8/xray-sdk/internal/sampling"
)

// stepSchema is the structural contract for step submissions, checked before
// any semantic validation so malformed payloads fail with a precise message.
const stepSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"input": {},
		"output": {},
		"config": {},
		"reasoning": {"type": ["string", "null"]},
		"total_decisions": {"type": ["integer", "null"], "minimum": 0},
		"decisions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["candidate_id", "decision_type"],
				"properties": {
					"candidate_id": {"type": "string", "minLength": 1},
					"decision_type": {"enum": ["accepted", "rejected", "other"]},
					"reason": {"type": "string"},
					"score": {"type": ["number", "null"]},
					"metadata": {"type": "object"},
					"sequence_order": {"type": ["integer", "null"], "minimum": 0}
				}
			}
		},
		"evidence": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["decision_ref", "evidence_type", "data"],
				"properties": {
					"decision_ref": {"type": "string", "minLength": 1},
					"evidence_type": {"type": "string", "minLength": 1},
					"data": {}
				}
			}
		}
	}
}`

var (
	stepSchemaOnce     sync.Once
	compiledStepSchema *jsonschema.Schema
)

func mustStepSchema() *jsonschema.Schema {
	stepSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(stepSchema)))
		if err != nil {
			panic(err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("step.json", doc); err != nil {
			panic(err)
		}
		compiledStepSchema = c.MustCompile("step.json")
	})
	return compiledStepSchema
}

// handleRecordStep is the ingest hot path: schema-check, decode, hand to the
// sampling coordinator, map its errors onto HTTP statuses.
func (d *Dependencies) handleRecordStep(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Failed to read request body"})
		return
	}
	defer func() { _ = r.Body.Close() }()

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if err := mustStepSchema().Validate(instance); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Schema validation failed: " + err.Error()})
		return
	}

	var req RecordStepReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	run, err := d.Store.GetRun(r.Context(), runID)
	if err != nil {
		d.Logger.Error("run lookup failed", zap.Error(err), zap.String("run_id", runID))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to fetch run"})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Run not found"})
		return
	}

	sub := &ingest.StepSubmission{
		RunID:          runID,
		PipelineType:   run.PipelineType,
		Name:           req.Name,
		Input:          req.Input,
		Output:         req.Output,
		Config:         req.Config,
		Reasoning:      req.Reasoning,
		Decisions:      decisionsFromReq(req.Decisions),
		Evidence:       evidenceFromReq(req.Evidence),
		TotalDecisions: req.TotalDecisions,
	}

	result, err := d.Coordinator.SubmitStep(r.Context(), sub)
	if err != nil {
		if ve, ok := ingest.AsValidationError(err); ok {
			status := http.StatusBadRequest
			if ve.TooLarge {
				status = http.StatusRequestEntityTooLarge
			}
			writeJSON(w, status, ErrorResp{Detail: ve.Error()})
			return
		}
		d.Logger.Error("step submission failed", zap.Error(err), zap.String("run_id", runID))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to store step"})
		return
	}

	writeJSON(w, http.StatusCreated, RecordStepResp{
		StepID:          result.StepID,
		Stats:           result.Stats,
		SamplingSummary: result.Summary,
	})
}

// decisionsFromReq converts wire decisions, defaulting sequence_order to the
// position in the list when the client omitted it.
func decisionsFromReq(in []DecisionReq) []sampling.DecisionEvent {
	out := make([]sampling.DecisionEvent, len(in))
	for i, d := range in {
		seq := i
		if d.SequenceOrder != nil {
			seq = *d.SequenceOrder
		}
		out[i] = sampling.DecisionEvent{
			CandidateID:   d.CandidateID,
			Type:          sampling.DecisionType(d.DecisionType),
			Reason:        d.Reason,
			Score:         d.Score,
			Metadata:      d.Metadata,
			SequenceOrder: seq,
		}
	}
	return out
}

func evidenceFromReq(in []EvidenceReq) []ingest.EvidenceItem {
	out := make([]ingest.EvidenceItem, len(in))
	for i, ev := range in {
		out[i] = ingest.EvidenceItem{
			DecisionRef:  ev.DecisionRef,
			EvidenceType: ev.EvidenceType,
			Data:         ev.Data,
		}
	}
	return out
}
