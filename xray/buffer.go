package xray

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DropCounter counts envelopes lost to overflow or retry exhaustion. It is
// never reset; readers should track deltas.
type DropCounter struct {
	n atomic.Uint64
}

func (c *DropCounter) inc() {
	c.n.Add(1)
}

// Value returns the lifetime drop count.
func (c *DropCounter) Value() uint64 {
	return c.n.Load()
}

// envelope is one queued step submission. A step's batch travels as one
// indivisible unit so per-step ordering survives delivery.
type envelope struct {
	runID      string
	payload    *StepPayload
	enqueuedAt time.Time
}

// BufferStats is a point-in-time snapshot of the buffer's accounting.
// Once deliveries settle, Acked + Dropped + Queued equals Submitted; while
// the worker holds an envelope in flight the sum can lag by one.
type BufferStats struct {
	Submitted uint64
	Acked     uint64
	Dropped   uint64
	Queued    int
}

// EventIngestBuffer decouples the host pipeline from network I/O: Submit
// enqueues or drops within a small bounded wait and never returns an error.
// A single background worker drains the queue in FIFO order, retrying
// transport failures with exponential backoff before giving up on an
// envelope and counting it dropped.
type EventIngestBuffer struct {
	cfg       Config
	transport Transport
	logger    *zap.Logger

	ch      chan *envelope
	closing chan struct{}
	done    chan struct{}
	closed  atomic.Bool

	// cancelled when the drain deadline passes, aborting in-flight retries
	lifeCtx  context.Context
	lifeStop context.CancelFunc

	evictMu sync.Mutex // serializes drop-oldest eviction

	submitted atomic.Uint64
	acked     atomic.Uint64
	drops     DropCounter
}

// NewEventIngestBuffer starts the background worker. reg may be nil; when
// set, the drop counter is exported as xray_client_dropped_envelopes_total.
func NewEventIngestBuffer(cfg Config, transport Transport, logger *zap.Logger, reg prometheus.Registerer) *EventIngestBuffer {
	cfg.Normalize()
	lifeCtx, lifeStop := context.WithCancel(context.Background())
	b := &EventIngestBuffer{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		ch:        make(chan *envelope, cfg.BufferCapacity),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		lifeCtx:   lifeCtx,
		lifeStop:  lifeStop,
	}

	if reg != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "xray_client_dropped_envelopes_total",
			Help: "Step envelopes lost to buffer overflow or retry exhaustion.",
		}, func() float64 { return float64(b.drops.Value()) }))
	}

	go b.worker()
	return b
}

// Submit enqueues a step for delivery. It never blocks longer than the
// configured submit timeout and never fails the caller: when the queue is
// full the drop policy decides which envelope is lost. The return value
// reports queue acceptance of THIS envelope, nothing about delivery.
func (b *EventIngestBuffer) Submit(runID string, payload *StepPayload) bool {
	if b.closed.Load() {
		b.submitted.Add(1)
		b.drops.inc()
		return false
	}
	b.submitted.Add(1)
	env := &envelope{runID: runID, payload: payload, enqueuedAt: time.Now()}

	select {
	case b.ch <- env:
		return true
	default:
	}

	if b.cfg.SubmitTimeout > 0 {
		t := time.NewTimer(b.cfg.SubmitTimeout)
		defer t.Stop()
		select {
		case b.ch <- env:
			return true
		case <-t.C:
		}
	}

	if b.cfg.DropPolicy == DropNewest {
		b.drops.inc()
		b.logger.Warn("ingest buffer full, dropping newest envelope",
			zap.String("run_id", runID),
			zap.String("step", payload.Name),
		)
		return false
	}

	// drop-oldest: evict the head to make room. The lock keeps two
	// concurrent submitters from evicting twice for one slot.
	b.evictMu.Lock()
	defer b.evictMu.Unlock()
	select {
	case old := <-b.ch:
		b.drops.inc()
		b.logger.Warn("ingest buffer full, dropping oldest envelope",
			zap.String("run_id", old.runID),
			zap.String("step", old.payload.Name),
			zap.Duration("queued_for", time.Since(old.enqueuedAt)),
		)
	default:
	}
	select {
	case b.ch <- env:
		return true
	default:
		// worker drained the queue between eviction and send; lost the race
		b.drops.inc()
		return false
	}
}

// Dropped returns the lifetime drop count.
func (b *EventIngestBuffer) Dropped() uint64 {
	return b.drops.Value()
}

// Stats returns a snapshot of the buffer's accounting.
func (b *EventIngestBuffer) Stats() BufferStats {
	return BufferStats{
		Submitted: b.submitted.Load(),
		Acked:     b.acked.Load(),
		Dropped:   b.drops.Value(),
		Queued:    len(b.ch),
	}
}

// Close stops accepting submissions and drains the queue best-effort. When
// ctx expires first, in-flight retries are aborted and everything still
// queued is dropped and counted rather than blocked on.
func (b *EventIngestBuffer) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		<-b.done
		return nil
	}
	close(b.closing)

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.lifeStop()
		<-b.done
		return ctx.Err()
	}
}

func (b *EventIngestBuffer) worker() {
	defer close(b.done)
	for {
		select {
		case env := <-b.ch:
			b.deliver(env)
		case <-b.closing:
			// final drain: deliver what is queued, then stop
			for {
				select {
				case env := <-b.ch:
					b.deliver(env)
				default:
					return
				}
			}
		}
	}
}

// deliver sends one envelope, retrying transient failures with exponential
// backoff. Permanent rejections (4xx) are not retried: the payload will not
// get better on resend.
func (b *EventIngestBuffer) deliver(env *envelope) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.FlushInterval

	_, err := backoff.Retry(b.lifeCtx, func() (*StepResult, error) {
		res, err := b.transport.SendStep(b.lifeCtx, env.runID, env.payload)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(b.cfg.MaxRetries)))

	if err != nil {
		b.drops.inc()
		b.logger.Warn("step delivery failed, envelope dropped",
			zap.String("run_id", env.runID),
			zap.String("step", env.payload.Name),
			zap.Error(err),
		)
		return
	}
	b.acked.Add(1)
}
