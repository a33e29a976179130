package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter mirrors retained decision events to ClickHouse
// asynchronously. Write() is non-blocking — rows are buffered and
// batch-inserted in a background goroutine. The mirror is loss-tolerant:
// a full buffer drops rows rather than slowing down ingest.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *DecisionRow
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ParseDSN enables TLS when ?secure=true is in the DSN; enforce it here
	// so managed ClickHouse endpoints work without a hand-edited DSN.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *DecisionRow, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues a decision row for async insertion.
// Non-blocking: drops the row if the buffer is full.
func (w *ClickHouseWriter) Write(event *DecisionRow) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping decision row",
			zap.String("step_id", event.StepID),
			zap.String("candidate_id", event.CandidateID),
		)
	}
}

// Close signals the flush loop to drain remaining rows, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionRow, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Drain remaining rows from buffer
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(rows []*DecisionRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO decision_events (
			run_id, step_id, step_name, pipeline_type,
			candidate_id, decision_type, reason,
			score, has_score, sequence_order, metadata, created_at
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range rows {
		var hasScoreUint8 uint8
		if r.HasScore {
			hasScoreUint8 = 1
		}

		if err := batch.Append(
			r.RunID,
			r.StepID,
			r.StepName,
			r.PipelineType,
			r.CandidateID,
			r.DecisionType,
			r.Reason,
			r.Score,
			hasScoreUint8,
			r.SequenceOrder,
			r.Metadata,
			r.CreatedAt,
		); err != nil {
			w.logger.Error("clickhouse append decision failed",
				zap.String("step_id", r.StepID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(rows)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback DecisionWriter for local development.
// It logs rows as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs rows to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionRow) {
	w.logger.Info("decision_event",
		zap.String("run_id", event.RunID),
		zap.String("step_id", event.StepID),
		zap.String("step_name", event.StepName),
		zap.String("candidate_id", event.CandidateID),
		zap.String("decision_type", event.DecisionType),
		zap.String("reason", event.Reason),
		zap.Int32("sequence_order", event.SequenceOrder),
	)
}

func (w *LogWriter) Close() {}
