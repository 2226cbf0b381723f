// Package session pairs entry crossings with later exit crossings into
// vehicle sessions and raises alerts when the two sides disagree.
package session

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/scoring"
	"anpr-gate-service/internal/timeutil"
	"anpr-gate-service/internal/utils"
)

const (
	DefaultTempIDBucket = time.Second
	DefaultHistoryLimit = 10000

	ReasonNoPlate = "no plate on either camera"
)

// AlertSink receives anomalies found while tracking sessions.
type AlertSink interface {
	Raise(typ gate.AlertType, severity gate.Severity, subject, sessionID string, details map[string]interface{}) gate.SecurityAlert
	FlagReview(subject, sessionID, imageRef string, confidence float64, reason string) gate.ManualReviewFlag
}

// Recorder persists session snapshots. Calls must not block.
type Recorder interface {
	RecordSession(s gate.VehicleSession)
}

type nopRecorder struct{}

func (nopRecorder) RecordSession(gate.VehicleSession) {}

// Tracker owns every vehicle session. At most one session per identity is
// INSIDE at any time. Terminal sessions are kept for history up to the
// history limit, oldest evicted first.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*record
	active   map[string]string
	closed   []string
	seq      uint64

	alerts       AlertSink
	recorder     Recorder
	clock        timeutil.Clock
	tempIDBucket time.Duration
	historyLimit int
	log          zerolog.Logger
}

// record carries a session with its insertion sequence, which orders
// sessions that share a timestamp.
type record struct {
	*gate.VehicleSession
	seq uint64
}

type Option func(*Tracker)

func WithClock(c timeutil.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

func WithTempIDBucket(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.tempIDBucket = d
		}
	}
}

// WithHistoryLimit caps how many terminal sessions stay in memory.
func WithHistoryLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.historyLimit = n
		}
	}
}

func NewTracker(alerts AlertSink, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		sessions:     make(map[string]*record),
		active:       make(map[string]string),
		alerts:       alerts,
		recorder:     nopRecorder{},
		clock:        timeutil.RealClock{},
		tempIDBucket: DefaultTempIDBucket,
		historyLimit: DefaultHistoryLimit,
		log:          log.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// HandleCrossing applies one entry-side or exit-side crossing.
func (t *Tracker) HandleCrossing(c gate.Crossing) gate.SessionOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.Direction == gate.DirectionExit {
		return t.handleExitLocked(c)
	}
	return t.handleEntryLocked(c)
}

func (t *Tracker) handleEntryLocked(c gate.Crossing) gate.SessionOutcome {
	now := t.clock.Now()
	sessionID := utils.NewID(utils.SessionIDPrefix, now)

	// Plateless sessions are keyed by their own session id so two unplated
	// look-alikes in the same bucket never collide. Only plates can duplicate.
	identity := c.Plate
	tempID := ""
	if identity == "" {
		tempID = TempID(c.Vehicle, c.ObservedAt, t.tempIDBucket)
		identity = sessionID
	}

	if existingID, ok := t.active[identity]; ok && c.Plate != "" {
		existing := t.sessions[existingID]
		a := t.alerts.Raise(gate.AlertDuplicateEntry, gate.SeverityMedium, identity, existingID, map[string]interface{}{
			"message":          "vehicle tried to enter while already inside",
			"existing_session": existingID,
			"camera_id":        c.CameraID,
			"entry_time":       existing.Entry.Timestamp,
			"attempt_time":     c.ObservedAt,
		})
		existing.Alerts = append(existing.Alerts, a.ID)
		existing.UpdatedAt = now
		t.recorder.RecordSession(copySession(existing.VehicleSession))

		t.log.Warn().
			Str("identity", identity).
			Str("session_id", existingID).
			Str("camera_id", c.CameraID).
			Msg("duplicate entry for vehicle already inside")

		return gate.SessionOutcome{
			Kind:      gate.OutcomeDuplicateEntry,
			SessionID: existingID,
			Status:    existing.Status,
			AlertIDs:  []string{a.ID},
		}
	}

	s := &gate.VehicleSession{
		SessionID:            sessionID,
		Identity:             identity,
		Plate:                c.Plate,
		TempID:               tempID,
		Entry:                c.Snapshot(),
		Status:               gate.SessionInside,
		RequiresManualReview: c.Plate == "",
		Alerts:               []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	outcome := gate.SessionOutcome{
		Kind:      gate.OutcomeEntryCreated,
		SessionID: s.SessionID,
		Status:    s.Status,
	}
	if s.RequiresManualReview {
		r := t.alerts.FlagReview(tempID, s.SessionID, c.ImageRef, c.Confidence, ReasonNoPlate)
		s.Alerts = append(s.Alerts, r.ID)
		outcome.ReviewID = r.ID
	}

	t.addLocked(s)
	t.recorder.RecordSession(copySession(s))

	t.log.Info().
		Str("session_id", s.SessionID).
		Str("identity", identity).
		Str("temp_id", tempID).
		Str("camera_id", c.CameraID).
		Bool("plate_visible", s.Entry.PlateVisible).
		Bool("verified", c.Verified).
		Msg("entry session created")

	return outcome
}

func (t *Tracker) handleExitLocked(c gate.Crossing) gate.SessionOutcome {
	now := t.clock.Now()

	var s *gate.VehicleSession
	if c.Plate != "" {
		if id, ok := t.active[c.Plate]; ok {
			s = t.sessions[id].VehicleSession
		} else {
			s = t.findByMetadataLocked(c, false)
		}
	} else {
		s = t.findByMetadataLocked(c, false)
		if s == nil {
			s = t.findByMetadataLocked(c, true)
		}
	}

	if s == nil {
		identity := c.Plate
		if identity == "" {
			identity = TempID(c.Vehicle, c.ObservedAt, t.tempIDBucket)
		}
		a := t.alerts.Raise(gate.AlertExitWithoutEntry, gate.SeverityHigh, identity, "", map[string]interface{}{
			"message":   "vehicle trying to exit without entry record",
			"has_plate": c.Plate != "",
			"camera_id": c.CameraID,
			"vehicle":   vehicleDetails(c.Vehicle),
		})
		t.log.Warn().
			Str("identity", identity).
			Str("camera_id", c.CameraID).
			Msg("exit without entry")
		return gate.SessionOutcome{
			Kind:     gate.OutcomeExitWithoutEntry,
			AlertIDs: []string{a.ID},
		}
	}

	exit := c.Snapshot()
	dwell := roundMinutes(exit.Timestamp.Sub(s.Entry.Timestamp))
	metadataMatch := scoring.MetadataMatches(s.Entry.Vehicle, exit.Vehicle)
	plateRegression := s.Entry.PlateVisible && !exit.PlateVisible

	if !s.Entry.PlateVisible && exit.PlateVisible {
		s.Plate = exit.Plate
		t.log.Info().
			Str("session_id", s.SessionID).
			Str("temp_id", s.TempID).
			Str("plate", exit.Plate).
			Msg("plate learned on exit")
	}

	// Type is not part of the metadata match but still betrays a swapped
	// plate when the same plate shows up on a different kind of vehicle.
	mismatched := scoring.MismatchedFields(s.Entry.Vehicle, exit.Vehicle)
	severity := scoring.MismatchSeverity(len(mismatched))
	plateSwap := s.Entry.PlateVisible && exit.PlateVisible &&
		s.Entry.Plate == exit.Plate && len(mismatched) > 0

	var alertIDs []string
	if !metadataMatch {
		details := map[string]interface{}{
			"message":           "vehicle metadata mismatch between entry and exit",
			"entry_vehicle":     vehicleDetails(s.Entry.Vehicle),
			"exit_vehicle":      vehicleDetails(exit.Vehicle),
			"mismatched_fields": mismatched,
		}
		a := t.alerts.Raise(gate.AlertVehicleMismatch, severity, s.Identity, s.SessionID, details)
		alertIDs = append(alertIDs, a.ID)
	}
	if plateSwap {
		a := t.alerts.Raise(gate.AlertPlateSwap, severity, s.Entry.Plate, s.SessionID, map[string]interface{}{
			"message":           "same plate on a different vehicle",
			"plate":             s.Entry.Plate,
			"entry_vehicle":     vehicleDetails(s.Entry.Vehicle),
			"exit_vehicle":      vehicleDetails(exit.Vehicle),
			"mismatched_fields": mismatched,
		})
		alertIDs = append(alertIDs, a.ID)
	}
	if plateRegression {
		a := t.alerts.Raise(gate.AlertPlateMissingOnExit, gate.SeverityHigh, s.Entry.Plate, s.SessionID, map[string]interface{}{
			"message":     "plate visible on entry but not on exit",
			"entry_plate": s.Entry.Plate,
			"camera_id":   exit.CameraID,
		})
		alertIDs = append(alertIDs, a.ID)
	}

	s.Exit = &exit
	s.DwellMinutes = &dwell
	s.MetadataMatch = &metadataMatch
	s.Status = gate.SessionCompleted
	if !metadataMatch || plateSwap || plateRegression {
		s.Status = gate.SessionAlerted
	}
	s.Alerts = append(s.Alerts, alertIDs...)
	s.UpdatedAt = now

	delete(t.active, s.Identity)
	t.closeLocked(s.SessionID)
	t.recorder.RecordSession(copySession(s))

	logEvent := t.log.Info()
	if s.Status == gate.SessionAlerted {
		logEvent = t.log.Warn()
	}
	logEvent.
		Str("session_id", s.SessionID).
		Str("identity", s.Identity).
		Str("status", string(s.Status)).
		Float64("dwell_minutes", dwell).
		Bool("metadata_match", metadataMatch).
		Msg("exit session completed")

	return gate.SessionOutcome{
		Kind:      gate.OutcomeExitCompleted,
		SessionID: s.SessionID,
		Status:    s.Status,
		AlertIDs:  alertIDs,
	}
}

// findByMetadataLocked scores active sessions whose entry plate visibility
// equals plated. Ties go to the earliest entry.
func (t *Tracker) findByMetadataLocked(c gate.Crossing, plated bool) *gate.VehicleSession {
	var (
		best      *record
		bestScore int
	)
	for _, id := range t.active {
		s := t.sessions[id]
		if s.Entry.PlateVisible != plated {
			continue
		}
		score := scoring.MetadataMatchScore(s.Entry.Vehicle, c.Vehicle) +
			scoring.RecencyBonus(c.ObservedAt.Sub(s.Entry.Timestamp))
		t.log.Debug().
			Str("session_id", s.SessionID).
			Int("score", score).
			Msg("metadata candidate")
		if score < scoring.MinSessionMatchScore {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && s.seq < best.seq) {
			best, bestScore = s, score
		}
	}
	if best == nil {
		return nil
	}
	return best.VehicleSession
}

func (t *Tracker) addLocked(s *gate.VehicleSession) {
	t.seq++
	t.sessions[s.SessionID] = &record{VehicleSession: s, seq: t.seq}
	if s.Status == gate.SessionInside {
		t.active[s.Identity] = s.SessionID
		return
	}
	t.closeLocked(s.SessionID)
}

// closeLocked queues a terminal session for eviction once the history limit
// is exceeded.
func (t *Tracker) closeLocked(sessionID string) {
	t.closed = append(t.closed, sessionID)
	for len(t.closed) > t.historyLimit {
		delete(t.sessions, t.closed[0])
		t.closed[0] = ""
		t.closed = t.closed[1:]
	}
}

// bySeq sorts records by insertion order.
func bySeq(records []*record) []*record {
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })
	return records
}

// Active returns copies of every INSIDE session, oldest first.
func (t *Tracker) Active() []gate.VehicleSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := make([]*record, 0, len(t.active))
	for _, id := range t.active {
		records = append(records, t.sessions[id])
	}
	out := make([]gate.VehicleSession, 0, len(records))
	for _, r := range bySeq(records) {
		out = append(out, copySession(r.VehicleSession))
	}
	return out
}

// History returns the sessions for a plate, newest first. A limit of zero or
// less returns all of them.
func (t *Tracker) History(plate string, limit int) []gate.VehicleSession {
	plate = utils.NormalizePlate(plate)

	t.mu.Lock()
	defer t.mu.Unlock()

	var records []*record
	for _, r := range t.sessions {
		if r.Plate == plate {
			records = append(records, r)
		}
	}
	bySeq(records)

	out := make([]gate.VehicleSession, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, copySession(records[i].VehicleSession))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Get returns a copy of one session.
func (t *Tracker) Get(sessionID string) (gate.VehicleSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return gate.VehicleSession{}, false
	}
	return copySession(s.VehicleSession), true
}

func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// TempID labels a plateless vehicle as MAKE_MODEL_COLOR_HHMMSS. It is not
// unique and never keys a session; plateless exits are matched by metadata.
func TempID(v gate.VehicleInfo, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultTempIDBucket
	}
	part := func(s string) string {
		s = utils.NormalizeAttribute(s)
		if s == "" {
			return "UNKNOWN"
		}
		return strings.ReplaceAll(s, " ", "_")
	}
	return part(v.Make) + "_" + part(v.Model) + "_" + part(v.Color) + "_" + at.UTC().Truncate(bucket).Format("150405")
}

func roundMinutes(d time.Duration) float64 {
	return math.Round(d.Minutes()*100) / 100
}

func vehicleDetails(v gate.VehicleInfo) map[string]interface{} {
	return map[string]interface{}{
		"type":  v.Type,
		"color": v.Color,
		"make":  v.Make,
		"model": v.Model,
	}
}

func copySession(s *gate.VehicleSession) gate.VehicleSession {
	out := *s
	if s.Exit != nil {
		exit := *s.Exit
		out.Exit = &exit
	}
	if s.DwellMinutes != nil {
		d := *s.DwellMinutes
		out.DwellMinutes = &d
	}
	if s.MetadataMatch != nil {
		m := *s.MetadataMatch
		out.MetadataMatch = &m
	}
	out.Alerts = append([]string{}, s.Alerts...)
	return out
}

// Restore loads sessions read back from the durable store, typically the
// INSIDE sessions at startup. Known session ids are skipped, as is a second
// INSIDE session for an identity that is already active. It returns how many
// sessions were added.
func (t *Tracker) Restore(sessions []gate.VehicleSession) int {
	sorted := append([]gate.VehicleSession(nil), sessions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for i := range sorted {
		s := copySession(&sorted[i])
		if _, known := t.sessions[s.SessionID]; known {
			continue
		}
		if s.Status == gate.SessionInside {
			if _, taken := t.active[s.Identity]; taken {
				t.log.Warn().
					Str("session_id", s.SessionID).
					Str("identity", s.Identity).
					Msg("skipping restored session, identity already inside")
				continue
			}
		}
		t.addLocked(&s)
		added++
	}
	return added
}
