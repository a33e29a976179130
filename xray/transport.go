package xray

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StartRunParams holds the fields for a new run.
type StartRunParams struct {
	PipelineType string          `json:"pipeline_type"`
	Name         *string         `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Transport is the request/response channel between the client and the
// capture server. Implementations must be safe for concurrent use; the
// ingest buffer's worker and synchronous calls share one instance.
type Transport interface {
	StartRun(ctx context.Context, params StartRunParams) (string, error)
	SendStep(ctx context.Context, runID string, p *StepPayload) (*StepResult, error)
	CompleteRun(ctx context.Context, runID, status string, result json.RawMessage) error
	GetRun(ctx context.Context, runID string, includeDecisions bool) (*RunDetail, error)
	ListRuns(ctx context.Context, pipelineType, status string, page, pageSize int) (*RunList, error)
	QueryDecisions(ctx context.Context, q DecisionQuery) ([]DecisionMatch, error)
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
}

// IsRetryable reports whether a retry could plausibly succeed. Client errors
// are permanent: the payload will not get better on resend.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// httpTransport talks to the capture server over JSON/HTTP with bearer auth.
type httpTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPTransport builds the standard Transport.
func NewHTTPTransport(baseURL, apiKey string, timeout time.Duration) Transport {
	return &httpTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *httpTransport) StartRun(ctx context.Context, params StartRunParams) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := t.doJSON(ctx, http.MethodPost, "/v1/runs", params, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (t *httpTransport) SendStep(ctx context.Context, runID string, p *StepPayload) (*StepResult, error) {
	var result StepResult
	path := "/v1/runs/" + url.PathEscape(runID) + "/steps"
	if err := t.doJSON(ctx, http.MethodPost, path, p, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *httpTransport) CompleteRun(ctx context.Context, runID, status string, result json.RawMessage) error {
	body := map[string]any{"status": status}
	if result != nil {
		body["result"] = result
	}
	return t.doJSON(ctx, http.MethodPatch, "/v1/runs/"+url.PathEscape(runID), body, nil)
}

func (t *httpTransport) GetRun(ctx context.Context, runID string, includeDecisions bool) (*RunDetail, error) {
	path := "/v1/runs/" + url.PathEscape(runID)
	if includeDecisions {
		path += "?include_decisions=true"
	}
	var detail RunDetail
	if err := t.doJSON(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (t *httpTransport) ListRuns(ctx context.Context, pipelineType, status string, page, pageSize int) (*RunList, error) {
	q := url.Values{}
	if pipelineType != "" {
		q.Set("pipeline_type", pipelineType)
	}
	if status != "" {
		q.Set("status", status)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}

	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list RunList
	if err := t.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (t *httpTransport) QueryDecisions(ctx context.Context, query DecisionQuery) ([]DecisionMatch, error) {
	var resp struct {
		Decisions []DecisionMatch `json:"decisions"`
	}
	if err := t.doJSON(ctx, http.MethodPost, "/v1/query/decisions", query, &resp); err != nil {
		return nil, err
	}
	return resp.Decisions, nil
}

// doJSON performs one request: marshal body, bearer auth, decode the response
// into out (ignored when out is nil).
func (t *httpTransport) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Detail: e.Detail}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
