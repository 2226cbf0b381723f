package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"anpr-gate-service/internal/domain/gate"
)

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 5 * time.Second
)

// Store is the durable backend behind the facade.
type Store interface {
	SaveDetection(ctx context.Context, d gate.PendingDetection) error
	UpdateDetectionStatus(ctx context.Context, detectionID string, status gate.DetectionStatus, matchedDetectionID string) error
	SaveVerifiedEvent(ctx context.Context, ev gate.VerifiedGateEvent) error
	SaveSession(ctx context.Context, s gate.VehicleSession) error
	SaveAlert(ctx context.Context, a gate.SecurityAlert) error
	SaveReview(ctx context.Context, r gate.ManualReviewFlag) error
	PurgeDetections(ctx context.Context, olderThan time.Time) (int64, error)
}

type writeOp struct {
	kind string
	id   string
	fn   func(ctx context.Context) error
}

// Facade writes records to a Store from a single background worker. Record*
// calls never block the caller: when the queue is full the write is dropped
// and logged. Writes are attempted once.
type Facade struct {
	store        Store
	queue        chan writeOp
	writeTimeout time.Duration
	log          zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Facade)

func WithWriteTimeout(d time.Duration) Option {
	return func(f *Facade) {
		if d > 0 {
			f.writeTimeout = d
		}
	}
}

func NewFacade(store Store, queueSize int, log zerolog.Logger, opts ...Option) *Facade {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	f := &Facade{
		store:        store,
		queue:        make(chan writeOp, queueSize),
		writeTimeout: DefaultWriteTimeout,
		log:          log.With().Str("component", "persistence").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.wg.Add(1)
	go f.run()
	return f
}

func (f *Facade) run() {
	defer f.wg.Done()
	for op := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.writeTimeout)
		err := op.fn(ctx)
		cancel()
		if err != nil {
			f.log.Error().
				Err(err).
				Str("record", op.kind).
				Str("id", op.id).
				Msg("failed to persist record")
		}
	}
}

func (f *Facade) enqueue(op writeOp) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.log.Warn().Str("record", op.kind).Str("id", op.id).Msg("persistence closed, dropping write")
		return
	}
	select {
	case f.queue <- op:
	default:
		f.log.Error().Str("record", op.kind).Str("id", op.id).Msg("persistence queue full, dropping write")
	}
}

func (f *Facade) RecordDetection(d gate.PendingDetection) {
	f.enqueue(writeOp{kind: "detection", id: d.DetectionID, fn: func(ctx context.Context) error {
		return f.store.SaveDetection(ctx, d)
	}})
}

func (f *Facade) RecordDetectionStatus(detectionID string, status gate.DetectionStatus, matchedDetectionID string) {
	f.enqueue(writeOp{kind: "detection_status", id: detectionID, fn: func(ctx context.Context) error {
		return f.store.UpdateDetectionStatus(ctx, detectionID, status, matchedDetectionID)
	}})
}

func (f *Facade) RecordVerifiedEvent(ev gate.VerifiedGateEvent) {
	f.enqueue(writeOp{kind: "verified_event", id: ev.EventID, fn: func(ctx context.Context) error {
		return f.store.SaveVerifiedEvent(ctx, ev)
	}})
}

func (f *Facade) RecordSession(s gate.VehicleSession) {
	f.enqueue(writeOp{kind: "session", id: s.SessionID, fn: func(ctx context.Context) error {
		return f.store.SaveSession(ctx, s)
	}})
}

func (f *Facade) RecordAlert(a gate.SecurityAlert) {
	f.enqueue(writeOp{kind: "alert", id: a.ID, fn: func(ctx context.Context) error {
		return f.store.SaveAlert(ctx, a)
	}})
}

func (f *Facade) RecordReview(r gate.ManualReviewFlag) {
	f.enqueue(writeOp{kind: "review", id: r.ID, fn: func(ctx context.Context) error {
		return f.store.SaveReview(ctx, r)
	}})
}

// PurgeDetections removes detection rows older than the cutoff. Unlike the
// Record* writes it runs synchronously; it is called from the sweeper.
func (f *Facade) PurgeDetections(ctx context.Context, olderThan time.Time) (int64, error) {
	deleted, err := f.store.PurgeDetections(ctx, olderThan)
	if err != nil {
		f.log.Error().Err(err).Time("older_than", olderThan).Msg("failed to purge old detections")
		return 0, err
	}
	if deleted > 0 {
		f.log.Info().Int64("deleted_count", deleted).Time("older_than", olderThan).Msg("purged old detections")
	}
	return deleted, nil
}

// Close stops accepting writes and waits for queued ones to finish.
func (f *Facade) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	f.wg.Wait()
}
