package xray

import (
	"context"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Client is the host-pipeline entry point for decision capture. In buffered
// mode RecordStep never blocks on network I/O and never fails the caller;
// capture loss is observable only through the drop counter. When the client
// is disabled every call is a no-op returning zero values.
type Client struct {
	cfg       Config
	transport Transport
	buffer    *EventIngestBuffer
	logger    *zap.Logger
	reg       prometheus.Registerer
}

// Option customizes a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithLogger replaces the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRegisterer exports the buffer's drop counter as a Prometheus metric.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.reg = reg }
}

// NewClient builds a Client. The background buffer worker starts immediately
// in buffered mode; call Close before process exit to flush it.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.Normalize()
	c := &Client{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(cfg.APIURL, cfg.APIKey, cfg.APITimeout)
	}
	if cfg.Enabled && cfg.Buffered {
		c.buffer = NewEventIngestBuffer(cfg, c.transport, c.logger, c.reg)
	}
	return c
}

// StartRun creates a run and returns its ID. Always synchronous: the caller
// needs the ID to record steps. In buffered mode failures are logged and an
// empty ID is returned; subsequent RecordStep calls with an empty run ID are
// dropped server-side, keeping the host pipeline unharmed.
func (c *Client) StartRun(ctx context.Context, params StartRunParams) (string, error) {
	if !c.cfg.Enabled {
		return "", nil
	}
	runID, err := c.transport.StartRun(ctx, params)
	if err != nil {
		if c.cfg.Buffered {
			c.logger.Warn("start run failed, capture disabled for this run", zap.Error(err))
			return "", nil
		}
		return "", err
	}
	return runID, nil
}

// RecordStep captures one step. Buffered mode enqueues and returns
// immediately with a nil result; synchronous mode returns the server's stats
// and sampling summary.
func (c *Client) RecordStep(ctx context.Context, runID string, payload *StepPayload) (*StepResult, error) {
	if !c.cfg.Enabled || runID == "" {
		return nil, nil
	}
	if c.buffer != nil {
		c.buffer.Submit(runID, payload)
		return nil, nil
	}
	return c.transport.SendStep(ctx, runID, payload)
}

// CompleteRun marks a run finished. status defaults to "completed".
func (c *Client) CompleteRun(ctx context.Context, runID, status string, result json.RawMessage) error {
	if !c.cfg.Enabled || runID == "" {
		return nil
	}
	if status == "" {
		status = "completed"
	}
	err := c.transport.CompleteRun(ctx, runID, status, result)
	if err != nil && c.cfg.Buffered {
		c.logger.Warn("complete run failed", zap.String("run_id", runID), zap.Error(err))
		return nil
	}
	return err
}

// GetRun fetches a run with its stored steps. With includeDecisions the
// retained decisions of every step are inlined.
func (c *Client) GetRun(ctx context.Context, runID string, includeDecisions bool) (*RunDetail, error) {
	return c.transport.GetRun(ctx, runID, includeDecisions)
}

// QueryRuns lists runs with optional pipeline type and status filters.
func (c *Client) QueryRuns(ctx context.Context, pipelineType, status string, page, pageSize int) (*RunList, error) {
	return c.transport.ListRuns(ctx, pipelineType, status, page, pageSize)
}

// QueryDecisions traces decisions across steps, typically by candidate ID.
func (c *Client) QueryDecisions(ctx context.Context, q DecisionQuery) ([]DecisionMatch, error) {
	return c.transport.QueryDecisions(ctx, q)
}

// Dropped returns the buffer's lifetime drop count, 0 in synchronous mode.
func (c *Client) Dropped() uint64 {
	if c.buffer == nil {
		return 0
	}
	return c.buffer.Dropped()
}

// BufferStats returns the buffer's accounting snapshot, zero in synchronous
// mode.
func (c *Client) BufferStats() BufferStats {
	if c.buffer == nil {
		return BufferStats{}
	}
	return c.buffer.Stats()
}

// Close flushes the buffer best-effort within the configured drain timeout.
func (c *Client) Close(ctx context.Context) error {
	if c.buffer == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DrainTimeout)
		defer cancel()
	}
	return c.buffer.Close(ctx)
}
