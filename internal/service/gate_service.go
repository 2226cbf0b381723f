package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"anpr-gate-service/internal/alert"
	"anpr-gate-service/internal/dedup"
	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/intake"
	"anpr-gate-service/internal/matcher"
	"anpr-gate-service/internal/scoring"
	"anpr-gate-service/internal/session"
	"anpr-gate-service/internal/timeutil"
	"anpr-gate-service/internal/topology"
	"anpr-gate-service/internal/utils"
)

var (
	ErrInvalidInput = intake.ErrInvalidInput
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("event history is not available")
)

const (
	DefaultLowConfidence    = 0.5
	DefaultRejectConfidence = 0.3

	purgeInterval = time.Hour
)

// Status is the overall result of registering one camera detection.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusVerified   Status = "VERIFIED"
	StatusStandalone Status = "STANDALONE"
	StatusSuppressed Status = "SUPPRESSED"
	StatusRejected   Status = "REJECTED"
	StatusUnrouted   Status = "UNROUTED"
)

type RegisterResult struct {
	Status      Status               `json:"status"`
	Verified    bool                 `json:"verified"`
	DetectionID string               `json:"detection_id,omitempty"`
	WaitingFor  string               `json:"waiting_for,omitempty"`
	EventID     string               `json:"event_id,omitempty"`
	MatchScore  *int                 `json:"match_score,omitempty"`
	Plate       string               `json:"plate,omitempty"`
	ReviewID    string               `json:"review_id,omitempty"`
	Session     *gate.SessionOutcome `json:"session,omitempty"`
}

type Stats struct {
	PendingDetections int                   `json:"pending_detections"`
	ActiveSessions    int                   `json:"active_sessions"`
	PendingReviews    int                   `json:"pending_reviews"`
	UnresolvedAlerts  map[gate.Severity]int `json:"unresolved_alerts"`
}

type EventPublisher interface {
	PublishVerifiedEvent(ev gate.VerifiedGateEvent) error
}

type EventFinder interface {
	FindVerifiedEvents(ctx context.Context, plate *string, from, to *time.Time, limit, offset int) ([]gate.VerifiedGateEvent, error)
}

// SessionFinder reads sessions back from the durable store. FindSession
// returns nil for an unknown id.
type SessionFinder interface {
	FindSessions(ctx context.Context, plate string, limit int) ([]gate.VehicleSession, error)
	FindSession(ctx context.Context, sessionID string) (*gate.VehicleSession, error)
}

type Purger interface {
	PurgeDetections(ctx context.Context, olderThan time.Time) (int64, error)
}

// Evicter drops expired cooldown entries. Only the in-process cooldown store
// needs it; Redis expires keys itself.
type Evicter interface {
	Evict() int
}

// Components are the correlation stages the service drives, in order.
type Components struct {
	Topology *topology.Topology
	Dedup    *dedup.Gate
	Matcher  *matcher.Matcher
	Tracker  *session.Tracker
	Alerts   *alert.Emitter
}

type GateService struct {
	topo      *topology.Topology
	dedup     *dedup.Gate
	matcher   *matcher.Matcher
	tracker   *session.Tracker
	alerts    *alert.Emitter
	publisher EventPublisher
	events    EventFinder
	sessions  SessionFinder
	purger    Purger
	retention time.Duration
	evicter   Evicter
	clock     timeutil.Clock

	lowConfidence    float64
	rejectConfidence float64

	log zerolog.Logger
}

type Option func(*GateService)

func WithClock(c timeutil.Clock) Option {
	return func(s *GateService) { s.clock = c }
}

func WithPublisher(p EventPublisher) Option {
	return func(s *GateService) { s.publisher = p }
}

func WithEventFinder(f EventFinder) Option {
	return func(s *GateService) { s.events = f }
}

// WithSessionFinder serves session history and lookups from the durable
// store, which outlives the tracker's in-memory history.
func WithSessionFinder(f SessionFinder) Option {
	return func(s *GateService) { s.sessions = f }
}

// WithPurger enables deletion of detection rows older than retention from the
// sweeper loop.
func WithPurger(p Purger, retention time.Duration) Option {
	return func(s *GateService) {
		if retention > 0 {
			s.purger = p
			s.retention = retention
		}
	}
}

func WithEvicter(e Evicter) Option {
	return func(s *GateService) { s.evicter = e }
}

func WithConfidenceThresholds(low, reject float64) Option {
	return func(s *GateService) {
		s.lowConfidence = low
		s.rejectConfidence = reject
	}
}

func NewGateService(c Components, log zerolog.Logger, opts ...Option) *GateService {
	s := &GateService{
		topo:             c.Topology,
		dedup:            c.Dedup,
		matcher:          c.Matcher,
		tracker:          c.Tracker,
		alerts:           c.Alerts,
		clock:            timeutil.RealClock{},
		lowConfidence:    DefaultLowConfidence,
		rejectConfidence: DefaultRejectConfidence,
		log:              log.With().Str("component", "gate_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterCameraDetection runs one camera observation through intake,
// cooldown suppression, pair matching and session tracking. Only malformed
// payloads return an error; every other detection yields a status.
func (s *GateService) RegisterCameraDetection(ctx context.Context, payload intake.Payload) (*RegisterResult, error) {
	ev, err := intake.Normalize(payload, s.clock.Now())
	if err != nil {
		return nil, err
	}

	action := scoring.ClassifyConfidence(ev.Confidence, s.lowConfidence, s.rejectConfidence)
	if action == scoring.ConfidenceReject {
		s.log.Info().
			Str("camera_id", ev.CameraID).
			Str("plate", ev.Plate).
			Float64("confidence", ev.Confidence).
			Msg("detection rejected for low confidence")
		return &RegisterResult{Status: StatusRejected, Plate: ev.Plate}, nil
	}

	if !s.dedup.Admit(ctx, ev) {
		return &RegisterResult{Status: StatusSuppressed, Plate: ev.Plate}, nil
	}

	res, ok := s.topo.Resolve(ev.CameraID)
	if !ok {
		s.log.Warn().
			Str("camera_id", ev.CameraID).
			Msg("cannot determine gate direction for camera, detection dropped")
		return &RegisterResult{Status: StatusUnrouted, Plate: ev.Plate}, nil
	}

	result := &RegisterResult{Plate: ev.Plate}
	if action == scoring.ConfidenceReview {
		subject := ev.Plate
		if subject == "" {
			subject = ev.CameraID
		}
		flag := s.alerts.FlagReview(subject, "", ev.ImageRef, ev.Confidence,
			fmt.Sprintf("low confidence detection (%.2f)", ev.Confidence))
		result.ReviewID = flag.ID
	}

	if res.Paired() {
		return s.registerPaired(ev, result)
	}

	ev.GateName = res.GateName
	ev.Role = res.Role
	outcome := s.tracker.HandleCrossing(gate.CrossingFromDetection(ev))
	result.Status = StatusStandalone
	result.Session = &outcome

	s.log.Debug().
		Str("camera_id", ev.CameraID).
		Str("role", string(ev.Role)).
		Str("session_outcome", string(outcome.Kind)).
		Msg("standalone detection handled")

	return result, nil
}

func (s *GateService) registerPaired(ev gate.DetectionEvent, result *RegisterResult) (*RegisterResult, error) {
	out, err := s.matcher.Register(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to register detection: %w", err)
	}

	result.DetectionID = out.DetectionID
	if out.Status == gate.MatchPending {
		result.Status = StatusPending
		result.WaitingFor = out.WaitingFor
		return result, nil
	}

	event := *out.Event
	if s.publisher != nil {
		if err := s.publisher.PublishVerifiedEvent(event); err != nil {
			s.log.Error().Err(err).Str("event_id", event.EventID).Msg("failed to publish verified event")
		}
	}

	outcome := s.tracker.HandleCrossing(gate.CrossingFromEvent(event))
	score := event.VerificationScore
	result.Status = StatusVerified
	result.Verified = true
	result.EventID = event.EventID
	result.MatchScore = &score
	result.Plate = event.Plate
	result.Session = &outcome
	return result, nil
}

func (s *GateService) GetPendingDetections() []gate.PendingDetection {
	return s.matcher.Pending()
}

func (s *GateService) GetActiveSessions() []gate.VehicleSession {
	return s.tracker.Active()
}

func (s *GateService) GetSessionHistory(ctx context.Context, plate string, limit int) ([]gate.VehicleSession, error) {
	normalized := utils.NormalizePlate(plate)
	if normalized == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	limit = clampLimit(limit)
	if s.sessions == nil {
		return s.tracker.History(normalized, limit), nil
	}

	sessions, err := s.sessions.FindSessions(ctx, normalized, limit)
	if err != nil {
		return nil, fmt.Errorf("find sessions: %w", err)
	}
	return sessions, nil
}

// GetSession prefers the tracker's copy, which may be newer than the last
// persisted write, and falls back to the durable store.
func (s *GateService) GetSession(ctx context.Context, sessionID string) (gate.VehicleSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sess, ok := s.tracker.Get(sessionID); ok {
		return sess, nil
	}
	if s.sessions != nil {
		sess, err := s.sessions.FindSession(ctx, sessionID)
		if err != nil {
			return gate.VehicleSession{}, fmt.Errorf("find session: %w", err)
		}
		if sess != nil {
			return *sess, nil
		}
	}
	return gate.VehicleSession{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
}

// GetUnresolvedAlerts lists open alerts, newest first. An empty severity
// returns every severity.
func (s *GateService) GetUnresolvedAlerts(severity string) ([]gate.SecurityAlert, error) {
	var sev gate.Severity
	if severity = strings.TrimSpace(severity); severity != "" {
		parsed, ok := gate.ParseSeverity(strings.ToUpper(severity))
		if !ok {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, severity)
		}
		sev = parsed
	}
	return s.alerts.Unresolved(sev), nil
}

func (s *GateService) GetReviews(pendingOnly bool) []gate.ManualReviewFlag {
	return s.alerts.Reviews(pendingOnly)
}

func (s *GateService) DecideReview(reviewID, decision, correctedPlate string) (gate.ManualReviewFlag, error) {
	flag, err := s.alerts.DecideReview(
		strings.TrimSpace(reviewID),
		gate.ReviewDecision(strings.ToUpper(strings.TrimSpace(decision))),
		correctedPlate,
	)
	switch {
	case errors.Is(err, alert.ErrInvalidDecision):
		return gate.ManualReviewFlag{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, alert.ErrNotFound):
		return gate.ManualReviewFlag{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	case err != nil:
		return gate.ManualReviewFlag{}, err
	}
	return flag, nil
}

// FindVerifiedEvents queries persisted verified crossings. from and to are
// RFC3339 timestamps.
func (s *GateService) FindVerifiedEvents(ctx context.Context, plateQuery *string, from, to *string, limit, offset int) ([]gate.VerifiedGateEvent, error) {
	if s.events == nil {
		return nil, ErrUnavailable
	}

	var normalizedPlate *string
	if plateQuery != nil {
		normalized := utils.NormalizePlate(*plateQuery)
		if normalized != "" {
			normalizedPlate = &normalized
		}
	}

	var fromTime, toTime *time.Time
	if from != nil && *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		fromTime = &t
	}
	if to != nil && *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		toTime = &t
	}
	if offset < 0 {
		offset = 0
	}

	events, err := s.events.FindVerifiedEvents(ctx, normalizedPlate, fromTime, toTime, clampLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to find verified events: %w", err)
	}
	return events, nil
}

func (s *GateService) Stats() Stats {
	return Stats{
		PendingDetections: len(s.matcher.Pending()),
		ActiveSessions:    s.tracker.ActiveCount(),
		PendingReviews:    len(s.alerts.Reviews(true)),
		UnresolvedAlerts:  s.alerts.Counts(),
	}
}

// Sweep expires stale pending detections and evicts lapsed cooldowns.
func (s *GateService) Sweep() (expired, evicted int) {
	expired = len(s.matcher.SweepExpired())
	if s.evicter != nil {
		evicted = s.evicter.Evict()
	}
	if expired > 0 || evicted > 0 {
		s.log.Debug().Int("expired", expired).Int("evicted", evicted).Msg("sweep completed")
	}
	return expired, evicted
}

// CleanupOldDetections removes persisted detections older than the retention
// period.
func (s *GateService) CleanupOldDetections(ctx context.Context) (int64, error) {
	if s.purger == nil {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.retention)
	deleted, err := s.purger.PurgeDetections(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Time("cutoff", cutoff).Msg("failed to cleanup old detections")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Time("cutoff", cutoff).Msg("cleaned up old detections")
	}
	return deleted, nil
}

// RunSweeper sweeps every interval until ctx is done. Retention cleanup runs
// at most once an hour.
func (s *GateService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPurge time.Time
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep()
			if now := s.clock.Now(); now.Sub(lastPurge) >= purgeInterval {
				lastPurge = now
				_, _ = s.CleanupOldDetections(ctx)
			}
		}
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}
