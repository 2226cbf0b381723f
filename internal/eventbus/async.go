package eventbus

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"anpr-gate-service/internal/domain/gate"
)

const DefaultQueueSize = 256

var (
	ErrQueueFull = errors.New("publish queue full")
	ErrClosed    = errors.New("publisher closed")
)

// Sink publishes records synchronously. *Publisher satisfies it.
type Sink interface {
	PublishAlert(a gate.SecurityAlert) error
	PublishReview(r gate.ManualReviewFlag) error
	PublishVerifiedEvent(ev gate.VerifiedGateEvent) error
}

var _ Sink = (*Publisher)(nil)

type publishOp struct {
	kind string
	id   string
	fn   func() error
}

// AsyncPublisher hands records to a Sink from a single background worker so
// callers holding locks never wait on the broker. A full queue rejects the
// record with ErrQueueFull.
type AsyncPublisher struct {
	sink  Sink
	queue chan publishOp
	log   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsyncPublisher(sink Sink, queueSize int, log zerolog.Logger) *AsyncPublisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &AsyncPublisher{
		sink:  sink,
		queue: make(chan publishOp, queueSize),
		log:   log.With().Str("component", "eventbus").Logger(),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *AsyncPublisher) run() {
	defer p.wg.Done()
	for op := range p.queue {
		if err := op.fn(); err != nil {
			p.log.Error().
				Err(err).
				Str("record", op.kind).
				Str("id", op.id).
				Msg("failed to publish record")
		}
	}
}

func (p *AsyncPublisher) enqueue(op publishOp) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- op:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) PublishAlert(a gate.SecurityAlert) error {
	return p.enqueue(publishOp{kind: "alert", id: a.ID, fn: func() error {
		return p.sink.PublishAlert(a)
	}})
}

func (p *AsyncPublisher) PublishReview(r gate.ManualReviewFlag) error {
	return p.enqueue(publishOp{kind: "review", id: r.ID, fn: func() error {
		return p.sink.PublishReview(r)
	}})
}

func (p *AsyncPublisher) PublishVerifiedEvent(ev gate.VerifiedGateEvent) error {
	return p.enqueue(publishOp{kind: "verified_event", id: ev.EventID, fn: func() error {
		return p.sink.PublishVerifiedEvent(ev)
	}})
}

// Close stops accepting records and waits for queued ones to be published.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}
