// Package alert keeps the append-only log of security alerts and manual
// review flags and fans each new record out to persistence and the event bus.
package alert

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/timeutil"
	"anpr-gate-service/internal/utils"
)

const (
	DefaultMaxAlerts  = 10000
	DefaultMaxReviews = 10000
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidDecision = errors.New("invalid review decision")
)

// Recorder persists alerts and review flags. Calls must not block.
type Recorder interface {
	RecordAlert(a gate.SecurityAlert)
	RecordReview(r gate.ManualReviewFlag)
}

// Publisher pushes records to downstream consumers.
type Publisher interface {
	PublishAlert(a gate.SecurityAlert) error
	PublishReview(r gate.ManualReviewFlag) error
}

type nopRecorder struct{}

func (nopRecorder) RecordAlert(gate.SecurityAlert) {}

func (nopRecorder) RecordReview(gate.ManualReviewFlag) {}

type Emitter struct {
	mu          sync.RWMutex
	alerts      []gate.SecurityAlert
	reviews     []gate.ManualReviewFlag
	reviewIndex map[string]int
	maxAlerts   int
	maxReviews  int

	recorder  Recorder
	publisher Publisher
	clock     timeutil.Clock
	log       zerolog.Logger
}

type Option func(*Emitter)

func WithRecorder(r Recorder) Option {
	return func(e *Emitter) { e.recorder = r }
}

func WithPublisher(p Publisher) Option {
	return func(e *Emitter) { e.publisher = p }
}

func WithClock(c timeutil.Clock) Option {
	return func(e *Emitter) { e.clock = c }
}

// WithLimits caps how many alerts and review flags stay in memory. Resolved
// alerts and decided flags are evicted first, then the oldest records.
func WithLimits(maxAlerts, maxReviews int) Option {
	return func(e *Emitter) {
		if maxAlerts > 0 {
			e.maxAlerts = maxAlerts
		}
		if maxReviews > 0 {
			e.maxReviews = maxReviews
		}
	}
}

func NewEmitter(log zerolog.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		reviewIndex: make(map[string]int),
		maxAlerts:   DefaultMaxAlerts,
		maxReviews:  DefaultMaxReviews,
		recorder:    nopRecorder{},
		clock:       timeutil.RealClock{},
		log:         log.With().Str("component", "alert").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Raise appends a new unresolved alert and returns it.
func (e *Emitter) Raise(typ gate.AlertType, severity gate.Severity, subject, sessionID string, details map[string]interface{}) gate.SecurityAlert {
	now := e.clock.Now()
	if details == nil {
		details = map[string]interface{}{}
	}
	a := gate.SecurityAlert{
		ID:        utils.NewID(utils.AlertIDPrefix, now),
		Type:      typ,
		Severity:  severity,
		Subject:   subject,
		SessionID: sessionID,
		Details:   details,
		Timestamp: now,
	}

	e.mu.Lock()
	e.alerts = append(e.alerts, a)
	e.trimAlertsLocked()
	e.mu.Unlock()

	e.log.Warn().
		Str("alert_id", a.ID).
		Str("type", string(typ)).
		Str("severity", string(severity)).
		Str("subject", subject).
		Str("session_id", sessionID).
		Msg("security alert raised")

	e.recorder.RecordAlert(a)
	if e.publisher != nil {
		if err := e.publisher.PublishAlert(a); err != nil {
			e.log.Error().Err(err).Str("alert_id", a.ID).Msg("failed to publish alert")
		}
	}
	return a
}

// FlagReview appends a manual review flag awaiting a reviewer decision.
func (e *Emitter) FlagReview(subject, sessionID, imageRef string, confidence float64, reason string) gate.ManualReviewFlag {
	now := e.clock.Now()
	r := gate.ManualReviewFlag{
		ID:              utils.NewID(utils.ReviewIDPrefix, now),
		PlateOrIdentity: subject,
		SessionID:       sessionID,
		ImageRef:        imageRef,
		Confidence:      confidence,
		Reason:          reason,
		Timestamp:       now,
	}

	e.mu.Lock()
	e.reviewIndex[r.ID] = len(e.reviews)
	e.reviews = append(e.reviews, r)
	e.trimReviewsLocked()
	e.mu.Unlock()

	e.log.Info().
		Str("review_id", r.ID).
		Str("subject", subject).
		Float64("confidence", confidence).
		Str("reason", reason).
		Msg("flagged for manual review")

	e.recorder.RecordReview(r)
	if e.publisher != nil {
		if err := e.publisher.PublishReview(r); err != nil {
			e.log.Error().Err(err).Str("review_id", r.ID).Msg("failed to publish review flag")
		}
	}
	return r
}

// Unresolved returns unresolved alerts, newest first. An empty severity
// returns every severity.
func (e *Emitter) Unresolved(severity gate.Severity) []gate.SecurityAlert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]gate.SecurityAlert, 0)
	for i := len(e.alerts) - 1; i >= 0; i-- {
		a := e.alerts[i]
		if a.Resolved {
			continue
		}
		if severity != "" && a.Severity != severity {
			continue
		}
		out = append(out, copyAlert(a))
	}
	return out
}

// Reviews returns review flags, oldest first. With pendingOnly set, decided
// flags are skipped.
func (e *Emitter) Reviews(pendingOnly bool) []gate.ManualReviewFlag {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]gate.ManualReviewFlag, 0, len(e.reviews))
	for _, r := range e.reviews {
		if pendingOnly && r.Decision != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DecideReview records a reviewer decision on a flag. A CORRECTED decision
// must carry the corrected plate.
func (e *Emitter) DecideReview(id string, decision gate.ReviewDecision, correctedPlate string) (gate.ManualReviewFlag, error) {
	switch decision {
	case gate.ReviewApproved, gate.ReviewRejected:
		correctedPlate = ""
	case gate.ReviewCorrected:
		correctedPlate = utils.NormalizePlate(correctedPlate)
		if correctedPlate == "" {
			return gate.ManualReviewFlag{}, fmt.Errorf("%w: corrected_plate is required for CORRECTED", ErrInvalidDecision)
		}
	default:
		return gate.ManualReviewFlag{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	now := e.clock.Now()

	e.mu.Lock()
	idx, ok := e.reviewIndex[id]
	if !ok {
		e.mu.Unlock()
		return gate.ManualReviewFlag{}, fmt.Errorf("%w: review %s", ErrNotFound, id)
	}
	r := e.reviews[idx]
	d := decision
	r.Decision = &d
	r.CorrectedPlate = correctedPlate
	r.ReviewedAt = &now
	e.reviews[idx] = r
	e.mu.Unlock()

	e.log.Info().
		Str("review_id", id).
		Str("decision", string(decision)).
		Str("corrected_plate", correctedPlate).
		Msg("review decided")

	e.recorder.RecordReview(r)
	return r, nil
}

// Counts returns the number of unresolved alerts per severity.
func (e *Emitter) Counts() map[gate.Severity]int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts := make(map[gate.Severity]int)
	for _, a := range e.alerts {
		if !a.Resolved {
			counts[a.Severity]++
		}
	}
	return counts
}

func (e *Emitter) trimAlertsLocked() {
	for len(e.alerts) > e.maxAlerts {
		idx := 0
		for i, a := range e.alerts {
			if a.Resolved {
				idx = i
				break
			}
		}
		e.alerts = append(e.alerts[:idx], e.alerts[idx+1:]...)
	}
}

func (e *Emitter) trimReviewsLocked() {
	if len(e.reviews) <= e.maxReviews {
		return
	}
	for len(e.reviews) > e.maxReviews {
		idx := 0
		for i, r := range e.reviews {
			if r.Decision != nil {
				idx = i
				break
			}
		}
		if e.reviews[idx].Decision == nil {
			e.log.Warn().
				Str("review_id", e.reviews[idx].ID).
				Int("max_reviews", e.maxReviews).
				Msg("evicting undecided review flag from memory")
		}
		e.reviews = append(e.reviews[:idx], e.reviews[idx+1:]...)
	}
	e.reviewIndex = make(map[string]int, len(e.reviews))
	for i, r := range e.reviews {
		e.reviewIndex[r.ID] = i
	}
}

func copyAlert(a gate.SecurityAlert) gate.SecurityAlert {
	details := make(map[string]interface{}, len(a.Details))
	for k, v := range a.Details {
		details[k] = v
	}
	a.Details = details
	return a
}
