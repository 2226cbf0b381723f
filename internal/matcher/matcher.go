package matcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/timeutil"
	"anpr-gate-service/internal/topology"
	"anpr-gate-service/internal/utils"
)

const DefaultMaxPendingTime = 30 * time.Second

var ErrNotGateCamera = errors.New("camera is not part of a gate pair")

// Recorder receives the records the matcher produces. Calls must not block.
type Recorder interface {
	RecordDetection(d gate.PendingDetection)
	RecordDetectionStatus(detectionID string, status gate.DetectionStatus, matchedDetectionID string)
	RecordVerifiedEvent(ev gate.VerifiedGateEvent)
}

type nopRecorder struct{}

func (nopRecorder) RecordDetection(gate.PendingDetection) {}

func (nopRecorder) RecordDetectionStatus(string, gate.DetectionStatus, string) {}

func (nopRecorder) RecordVerifiedEvent(gate.VerifiedGateEvent) {}

// Matcher pairs near-simultaneous detections from the two cameras of a gate
// into verified crossings.
type Matcher struct {
	// mu orders store mutations with the records they produce, so a
	// detection's insert always reaches the recorder before its status update.
	mu sync.Mutex

	topo       *topology.Topology
	store      *Store
	recorder   Recorder
	clock      timeutil.Clock
	maxPending time.Duration
	log        zerolog.Logger
}

type Option func(*Matcher)

func WithClock(c timeutil.Clock) Option {
	return func(m *Matcher) { m.clock = c }
}

func WithRecorder(r Recorder) Option {
	return func(m *Matcher) { m.recorder = r }
}

func WithMaxPendingTime(d time.Duration) Option {
	return func(m *Matcher) {
		if d > 0 {
			m.maxPending = d
		}
	}
}

func New(topo *topology.Topology, log zerolog.Logger, opts ...Option) *Matcher {
	m := &Matcher{
		topo:       topo,
		store:      NewStore(),
		recorder:   nopRecorder{},
		clock:      timeutil.RealClock{},
		maxPending: DefaultMaxPendingTime,
		log:        log.With().Str("component", "matcher").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a detection from a paired camera and tries to verify it
// against a pending detection from the opposite camera of the same gate.
func (m *Matcher) Register(ev gate.DetectionEvent) (gate.MatchOutcome, error) {
	res, ok := m.topo.Resolve(ev.CameraID)
	if !ok || res.Pair == nil {
		return gate.MatchOutcome{}, fmt.Errorf("%w: %s", ErrNotGateCamera, ev.CameraID)
	}
	ev.GateName = res.GateName
	ev.Role = res.Role

	now := m.clock.Now()
	det := gate.PendingDetection{
		DetectionID:  utils.NewID(utils.DetectionIDPrefix, now),
		Event:        ev,
		RegisteredAt: now,
	}

	m.mu.Lock()
	match, expired := m.store.RegisterAndMatch(det, now, m.maxPending, Criteria{
		Window:   res.Pair.VerificationWindow,
		MinScore: res.Pair.MinMatchScore,
	})
	m.reportExpired(expired)
	m.recorder.RecordDetection(det)
	var event gate.VerifiedGateEvent
	if match.Found {
		event = buildVerifiedEvent(match, now)
		m.recorder.RecordDetectionStatus(match.Incoming.DetectionID, gate.DetectionVerified, match.Counterpart.DetectionID)
		m.recorder.RecordDetectionStatus(match.Counterpart.DetectionID, gate.DetectionVerified, match.Incoming.DetectionID)
		m.recorder.RecordVerifiedEvent(event)
	}
	m.mu.Unlock()

	m.log.Info().
		Str("detection_id", det.DetectionID).
		Str("camera_id", ev.CameraID).
		Str("gate", res.GateName).
		Str("role", string(res.Role)).
		Str("vehicle_type", ev.Vehicle.Type).
		Str("color", ev.Vehicle.Color).
		Str("plate", ev.Plate).
		Msg("registered camera detection")

	if !match.Found {
		waitingFor, _ := m.topo.PairedCamera(ev.CameraID)
		m.log.Debug().
			Str("detection_id", det.DetectionID).
			Str("waiting_for", waitingFor).
			Int("pending_count", m.store.Len()).
			Msg("waiting for paired camera detection")
		return gate.MatchOutcome{
			Status:      gate.MatchPending,
			DetectionID: det.DetectionID,
			WaitingFor:  waitingFor,
		}, nil
	}

	logEvent := m.log.Info()
	if event.PlateConflict {
		logEvent = m.log.Warn().Str("alternate_plate", event.AlternatePlate)
	}
	logEvent.
		Str("event_id", event.EventID).
		Str("gate", event.GateName).
		Str("event_type", string(event.EventType)).
		Str("plate", event.Plate).
		Int("score", event.VerificationScore).
		Int("dwell_time_seconds", event.DwellTimeSeconds).
		Msg("verified gate event")

	return gate.MatchOutcome{
		Status:      gate.MatchVerified,
		DetectionID: det.DetectionID,
		Event:       &event,
	}, nil
}

// SweepExpired drops pending detections older than the max pending time.
func (m *Matcher) SweepExpired() []gate.PendingDetection {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := m.store.SweepExpired(m.clock.Now(), m.maxPending)
	m.reportExpired(expired)
	return expired
}

// Pending returns a copy of the detections still awaiting a counterpart.
func (m *Matcher) Pending() []gate.PendingDetection {
	return m.store.Snapshot()
}

func (m *Matcher) reportExpired(expired []gate.PendingDetection) {
	for _, d := range expired {
		m.recorder.RecordDetectionStatus(d.DetectionID, gate.DetectionExpired, "")
		m.log.Warn().
			Str("detection_id", d.DetectionID).
			Str("camera_id", d.Event.CameraID).
			Str("gate", d.Event.GateName).
			Str("plate", d.Event.Plate).
			Dur("max_pending_time", m.maxPending).
			Msg("pending detection expired without a paired camera match")
	}
}

func buildVerifiedEvent(match Match, now time.Time) gate.VerifiedGateEvent {
	entry, exit := match.Incoming, match.Counterpart
	if entry.Event.Role != gate.DirectionEntry {
		entry, exit = exit, entry
	}

	event := gate.VerifiedGateEvent{
		EventID:           utils.NewID(utils.EventIDPrefix, now),
		GateName:          entry.Event.GateName,
		EventType:         gate.DirectionExit,
		Vehicle:           mergeVehicle(entry.Event.Vehicle, exit.Event.Vehicle),
		EntryDetectionID:  entry.DetectionID,
		ExitDetectionID:   exit.DetectionID,
		EntryCameraID:     entry.Event.CameraID,
		ExitCameraID:      exit.Event.CameraID,
		EntryImageRef:     entry.Event.ImageRef,
		ExitImageRef:      exit.Event.ImageRef,
		VerificationScore: match.Score,
		Confidence:        (entry.Event.Confidence + exit.Event.Confidence) / 2,
		ObservedAt:        exit.Event.ObservedAt,
		CreatedAt:         now,
	}
	if entry.Event.ObservedAt.Before(exit.Event.ObservedAt) {
		event.EventType = gate.DirectionEntry
		event.ObservedAt = entry.Event.ObservedAt
	}

	gap := exit.Event.ObservedAt.Sub(entry.Event.ObservedAt)
	if gap < 0 {
		gap = -gap
	}
	event.DwellTimeSeconds = int(gap / time.Second)

	switch {
	case entry.Event.HasPlate() && exit.Event.HasPlate():
		event.Plate = entry.Event.Plate
		if exit.Event.Plate != entry.Event.Plate {
			event.PlateConflict = true
			event.AlternatePlate = exit.Event.Plate
		}
	case entry.Event.HasPlate():
		event.Plate = entry.Event.Plate
	case exit.Event.HasPlate():
		event.Plate = exit.Event.Plate
	}

	return event
}

// mergeVehicle keeps the entry camera's attributes and fills blanks from the
// exit camera.
func mergeVehicle(entry, exit gate.VehicleInfo) gate.VehicleInfo {
	if entry.Color == "" {
		entry.Color = exit.Color
	}
	if entry.Make == "" {
		entry.Make = exit.Make
	}
	if entry.Model == "" {
		entry.Model = exit.Model
	}
	return entry
}
