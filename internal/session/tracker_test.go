package session

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-gate-service/internal/alert"
	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/timeutil"
)

var start = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeRecorder struct {
	mu       sync.Mutex
	sessions []gate.VehicleSession
}

func (r *fakeRecorder) RecordSession(s gate.VehicleSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

type fixture struct {
	clock    *timeutil.MockClock
	alerts   *alert.Emitter
	recorder *fakeRecorder
	tracker  *Tracker
}

func newFixture() *fixture {
	f := &fixture{
		clock:    timeutil.NewMockClock(start),
		recorder: &fakeRecorder{},
	}
	f.alerts = alert.NewEmitter(zerolog.Nop(), alert.WithClock(f.clock))
	f.tracker = NewTracker(f.alerts, zerolog.Nop(), WithClock(f.clock), WithRecorder(f.recorder))
	return f
}

func (f *fixture) crossing(dir gate.Direction, plate string, v gate.VehicleInfo) gate.Crossing {
	camera := "MAIN-ENTRY"
	if dir == gate.DirectionExit {
		camera = "MAIN-EXIT"
	}
	return gate.Crossing{
		Direction:  dir,
		CameraID:   camera,
		GateName:   "MAIN",
		Vehicle:    v,
		Plate:      plate,
		Confidence: 0.9,
		ImageRef:   "/frames/" + camera + ".jpg",
		ObservedAt: f.clock.Now(),
	}
}

func (f *fixture) alertsOfType(typ gate.AlertType) []gate.SecurityAlert {
	var out []gate.SecurityAlert
	for _, a := range f.alerts.Unresolved("") {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

var (
	whiteCar = gate.VehicleInfo{Type: "CAR", Color: "WHITE", Make: "MARUTI", Model: "SWIFT"}
	blackCar = gate.VehicleInfo{Type: "CAR", Color: "BLACK", Make: "MARUTI", Model: "SWIFT"}
)

func TestDuplicateEntry(t *testing.T) {
	f := newFixture()

	first := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))
	require.Equal(t, gate.OutcomeEntryCreated, first.Kind)
	assert.Empty(t, first.ReviewID)

	f.clock.Advance(5 * time.Minute)
	second := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))

	assert.Equal(t, gate.OutcomeDuplicateEntry, second.Kind)
	assert.Equal(t, first.SessionID, second.SessionID)
	require.Len(t, second.AlertIDs, 1)

	dups := f.alertsOfType(gate.AlertDuplicateEntry)
	require.Len(t, dups, 1)
	assert.Equal(t, gate.SeverityMedium, dups[0].Severity)
	assert.Equal(t, "MH12AB1234", dups[0].Subject)

	active := f.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, first.SessionID, active[0].SessionID)
	assert.Contains(t, active[0].Alerts, second.AlertIDs[0])
}

func TestColorMismatchOnExit(t *testing.T) {
	f := newFixture()
	entry := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", gate.VehicleInfo{Type: "CAR", Color: "WHITE"}))

	f.clock.Advance(45 * time.Minute)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "MH12AB1234", gate.VehicleInfo{Type: "CAR", Color: "BLACK"}))

	assert.Equal(t, gate.OutcomeExitCompleted, exit.Kind)
	assert.Equal(t, entry.SessionID, exit.SessionID)
	assert.Equal(t, gate.SessionAlerted, exit.Status)

	mismatch := f.alertsOfType(gate.AlertVehicleMismatch)
	require.Len(t, mismatch, 1)
	assert.Equal(t, gate.SeverityMedium, mismatch[0].Severity)
	assert.Equal(t, []string{"color"}, mismatch[0].Details["mismatched_fields"])

	swap := f.alertsOfType(gate.AlertPlateSwap)
	require.Len(t, swap, 1)
	assert.Equal(t, gate.SeverityMedium, swap[0].Severity)

	s, ok := f.tracker.Get(entry.SessionID)
	require.True(t, ok)
	require.NotNil(t, s.MetadataMatch)
	assert.False(t, *s.MetadataMatch)
	require.NotNil(t, s.DwellMinutes)
	assert.Equal(t, 45.0, *s.DwellMinutes)
	require.NotNil(t, s.Exit)
	assert.Equal(t, "BLACK", s.Exit.Vehicle.Color)
	assert.Empty(t, f.tracker.Active())
}

func TestTypeChangeWithSamePlateIsPlateSwap(t *testing.T) {
	f := newFixture()
	entry := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))

	f.clock.Advance(30 * time.Minute)
	bike := whiteCar
	bike.Type = "BIKE"
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "MH12AB1234", bike))

	assert.Equal(t, gate.OutcomeExitCompleted, exit.Kind)
	assert.Equal(t, entry.SessionID, exit.SessionID)
	assert.Equal(t, gate.SessionAlerted, exit.Status)
	require.Len(t, exit.AlertIDs, 1)

	swap := f.alertsOfType(gate.AlertPlateSwap)
	require.Len(t, swap, 1)
	assert.Equal(t, gate.SeverityMedium, swap[0].Severity)
	assert.Equal(t, "MH12AB1234", swap[0].Subject)
	assert.Equal(t, []string{"type"}, swap[0].Details["mismatched_fields"])
	assert.Empty(t, f.alertsOfType(gate.AlertVehicleMismatch))

	s, ok := f.tracker.Get(entry.SessionID)
	require.True(t, ok)
	require.NotNil(t, s.MetadataMatch)
	assert.True(t, *s.MetadataMatch)
}

func TestCleanExitCompletes(t *testing.T) {
	f := newFixture()
	entry := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))

	f.clock.Advance(90 * time.Second)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "MH12AB1234", whiteCar))

	assert.Equal(t, gate.OutcomeExitCompleted, exit.Kind)
	assert.Equal(t, gate.SessionCompleted, exit.Status)
	assert.Empty(t, exit.AlertIDs)
	assert.Empty(t, f.alerts.Unresolved(""))

	s, _ := f.tracker.Get(entry.SessionID)
	assert.Equal(t, 1.5, *s.DwellMinutes)
	assert.True(t, *s.MetadataMatch)

	f.clock.Advance(time.Hour)
	again := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))
	assert.Equal(t, gate.OutcomeEntryCreated, again.Kind, "re-entry after exit opens a new session")
	assert.NotEqual(t, entry.SessionID, again.SessionID)
}

func TestMismatchSeverityScales(t *testing.T) {
	f := newFixture()
	f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "DL01XY9876", whiteCar))

	f.clock.Advance(10 * time.Minute)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "DL01XY9876",
		gate.VehicleInfo{Type: "CAR", Color: "RED", Make: "HYUNDAI", Model: "I20"}))

	assert.Equal(t, gate.SessionAlerted, exit.Status)
	mismatch := f.alertsOfType(gate.AlertVehicleMismatch)
	require.Len(t, mismatch, 1)
	assert.Equal(t, gate.SeverityCritical, mismatch[0].Severity)
}

func TestExitWithoutEntry(t *testing.T) {
	f := newFixture()

	out := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "KA01AB1234", whiteCar))

	assert.Equal(t, gate.OutcomeExitWithoutEntry, out.Kind)
	assert.Empty(t, out.SessionID)
	alerts := f.alertsOfType(gate.AlertExitWithoutEntry)
	require.Len(t, alerts, 1)
	assert.Equal(t, gate.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "KA01AB1234", alerts[0].Subject)
	assert.Empty(t, f.tracker.History("KA01AB1234", 0))
	assert.Empty(t, f.recorder.sessions)
}

func TestPlatelessEntryFlagsReview(t *testing.T) {
	f := newFixture()

	out := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "", whiteCar))

	assert.Equal(t, gate.OutcomeEntryCreated, out.Kind)
	require.NotEmpty(t, out.ReviewID)

	s, ok := f.tracker.Get(out.SessionID)
	require.True(t, ok)
	assert.True(t, s.RequiresManualReview)
	assert.False(t, s.Entry.PlateVisible)
	assert.Equal(t, "MARUTI_SWIFT_WHITE_080000", s.TempID)
	assert.Equal(t, s.SessionID, s.Identity)
	assert.Contains(t, s.Alerts, out.ReviewID)

	reviews := f.alerts.Reviews(true)
	require.Len(t, reviews, 1)
	assert.Equal(t, ReasonNoPlate, reviews[0].Reason)
	assert.Equal(t, out.SessionID, reviews[0].SessionID)
}

func TestPlatelessLookalikesEnterTogether(t *testing.T) {
	f := newFixture()

	first := f.crossing(gate.DirectionEntry, "", whiteCar)
	first.CameraID = "GATE-A-ENTRY"
	second := f.crossing(gate.DirectionEntry, "", whiteCar)
	second.CameraID = "GATE-B-ENTRY"

	a := f.tracker.HandleCrossing(first)
	b := f.tracker.HandleCrossing(second)

	assert.Equal(t, gate.OutcomeEntryCreated, a.Kind)
	assert.Equal(t, gate.OutcomeEntryCreated, b.Kind)
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Empty(t, f.alertsOfType(gate.AlertDuplicateEntry))
	assert.Equal(t, 2, f.tracker.ActiveCount())
	assert.Len(t, f.tracker.Active(), 2)

	sa, _ := f.tracker.Get(a.SessionID)
	sb, _ := f.tracker.Get(b.SessionID)
	assert.Equal(t, sa.TempID, sb.TempID)
	assert.NotEqual(t, sa.Identity, sb.Identity)
}

func TestPlatelessExitMatchedByMetadata(t *testing.T) {
	f := newFixture()
	entry := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "", whiteCar))

	f.clock.Advance(20 * time.Minute)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "", whiteCar))

	assert.Equal(t, gate.OutcomeExitCompleted, exit.Kind)
	assert.Equal(t, entry.SessionID, exit.SessionID)
	assert.Equal(t, gate.SessionCompleted, exit.Status)
}

func TestPlateLearnedOnExit(t *testing.T) {
	f := newFixture()
	entry := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "", whiteCar))

	f.clock.Advance(10 * time.Minute)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "MH12AB1234", whiteCar))

	assert.Equal(t, entry.SessionID, exit.SessionID)
	assert.Equal(t, gate.SessionCompleted, exit.Status)

	history := f.tracker.History("MH12AB1234", 0)
	require.Len(t, history, 1)
	assert.Equal(t, entry.SessionID, history[0].SessionID)
}

func TestStaleMetadataDoesNotMatch(t *testing.T) {
	f := newFixture()
	f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "", whiteCar))

	f.clock.Advance(2 * time.Hour)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "", whiteCar))

	assert.Equal(t, gate.OutcomeExitWithoutEntry, exit.Kind)
	assert.Len(t, f.tracker.Active(), 1)
}

func TestPlateMissingOnExit(t *testing.T) {
	f := newFixture()
	entry := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))

	f.clock.Advance(15 * time.Minute)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "", whiteCar))

	assert.Equal(t, gate.OutcomeExitCompleted, exit.Kind)
	assert.Equal(t, entry.SessionID, exit.SessionID)
	assert.Equal(t, gate.SessionAlerted, exit.Status)

	missing := f.alertsOfType(gate.AlertPlateMissingOnExit)
	require.Len(t, missing, 1)
	assert.Equal(t, gate.SeverityHigh, missing[0].Severity)
	assert.Equal(t, "MH12AB1234", missing[0].Subject)
	assert.Empty(t, f.alertsOfType(gate.AlertVehicleMismatch))
}

func TestPlatelessExitPrefersPlatelessSession(t *testing.T) {
	f := newFixture()
	f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))
	f.clock.Advance(time.Second)
	plateless := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "", whiteCar))

	f.clock.Advance(5 * time.Minute)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "", whiteCar))

	assert.Equal(t, plateless.SessionID, exit.SessionID)
	assert.Equal(t, gate.SessionCompleted, exit.Status)
}

func TestMetadataTieGoesToEarliestEntry(t *testing.T) {
	f := newFixture()
	first := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "", whiteCar))
	f.clock.Advance(time.Minute)
	f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "", whiteCar))

	f.clock.Advance(time.Minute)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "", whiteCar))

	assert.Equal(t, first.SessionID, exit.SessionID)
}

func TestMetadataTieWithSameTimestampGoesToFirstInserted(t *testing.T) {
	f := newFixture()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "", whiteCar)).SessionID)
	}

	active := f.tracker.Active()
	require.Len(t, active, 5)
	for i, s := range active {
		assert.Equal(t, ids[i], s.SessionID)
	}

	f.clock.Advance(time.Minute)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "", whiteCar))
	assert.Equal(t, ids[0], exit.SessionID)
}

func TestHistoryLimitEvictsOldestTerminalSessions(t *testing.T) {
	f := newFixture()
	f.tracker = NewTracker(f.alerts, zerolog.Nop(), WithClock(f.clock), WithHistoryLimit(2))

	var ids []string
	for i := 0; i < 3; i++ {
		out := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))
		ids = append(ids, out.SessionID)
		f.clock.Advance(time.Minute)
		f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "MH12AB1234", whiteCar))
		f.clock.Advance(time.Minute)
	}
	inside := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))

	_, ok := f.tracker.Get(ids[0])
	assert.False(t, ok)
	_, ok = f.tracker.Get(inside.SessionID)
	assert.True(t, ok)

	history := f.tracker.History("MH12AB1234", 0)
	require.Len(t, history, 3)
	assert.Equal(t, inside.SessionID, history[0].SessionID)
	assert.Equal(t, ids[2], history[1].SessionID)
	assert.Equal(t, ids[1], history[2].SessionID)
}

func TestSingleActiveSessionUnderConcurrency(t *testing.T) {
	f := newFixture()

	var wg sync.WaitGroup
	outcomes := make(chan gate.SessionOutcome, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))
		}()
	}
	wg.Wait()
	close(outcomes)

	created := 0
	for out := range outcomes {
		if out.Kind == gate.OutcomeEntryCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, f.tracker.Active(), 1)
	assert.Equal(t, 1, f.tracker.ActiveCount())
	assert.Len(t, f.alertsOfType(gate.AlertDuplicateEntry), 49)
}

func TestHistoryNewestFirst(t *testing.T) {
	f := newFixture()
	var ids []string
	for i := 0; i < 3; i++ {
		out := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))
		ids = append(ids, out.SessionID)
		f.clock.Advance(time.Minute)
		f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "MH12AB1234", whiteCar))
		f.clock.Advance(time.Minute)
	}

	all := f.tracker.History("mh12 ab1234", 0)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].SessionID)
	assert.Equal(t, ids[0], all[2].SessionID)

	limited := f.tracker.History("MH12AB1234", 2)
	assert.Len(t, limited, 2)
}

func TestReturnedSessionsAreCopies(t *testing.T) {
	f := newFixture()
	out := f.tracker.HandleCrossing(f.crossing(gate.DirectionEntry, "MH12AB1234", whiteCar))

	active := f.tracker.Active()
	active[0].Status = gate.SessionCompleted
	active[0].Alerts = append(active[0].Alerts, "bogus")

	s, _ := f.tracker.Get(out.SessionID)
	assert.Equal(t, gate.SessionInside, s.Status)
	assert.Empty(t, s.Alerts)
}

func TestRestore(t *testing.T) {
	f := newFixture()
	sessions := []gate.VehicleSession{
		{SessionID: "SES-2", Identity: "MH12AB1234", Plate: "MH12AB1234", Status: gate.SessionInside, CreatedAt: start.Add(time.Minute),
			Entry: gate.Snapshot{Timestamp: start.Add(time.Minute), Vehicle: whiteCar, Plate: "MH12AB1234", PlateVisible: true}},
		{SessionID: "SES-1", Identity: "MH12AB1234", Plate: "MH12AB1234", Status: gate.SessionInside, CreatedAt: start,
			Entry: gate.Snapshot{Timestamp: start, Vehicle: whiteCar, Plate: "MH12AB1234", PlateVisible: true}},
		{SessionID: "SES-3", Identity: "DL01XY9876", Plate: "DL01XY9876", Status: gate.SessionCompleted, CreatedAt: start},
	}

	assert.Equal(t, 2, f.tracker.Restore(sessions))
	assert.Equal(t, 0, f.tracker.Restore(sessions))

	active := f.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "SES-1", active[0].SessionID)

	f.clock.Advance(10 * time.Minute)
	exit := f.tracker.HandleCrossing(f.crossing(gate.DirectionExit, "MH12AB1234", whiteCar))
	assert.Equal(t, "SES-1", exit.SessionID)
}

func TestTempID(t *testing.T) {
	at := time.Date(2026, 3, 1, 13, 45, 17, 0, time.UTC)

	assert.Equal(t, "MARUTI_SWIFT_WHITE_134517", TempID(whiteCar, at, time.Second))
	assert.Equal(t, "UNKNOWN_UNKNOWN_DARK_GREY_134500", TempID(gate.VehicleInfo{Color: "dark grey"}, at, time.Minute))
}
