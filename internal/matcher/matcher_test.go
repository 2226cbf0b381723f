package matcher

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/timeutil"
	"anpr-gate-service/internal/topology"
)

var start = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeRecorder struct {
	mu       sync.Mutex
	saved    []string
	statuses map[string]gate.DetectionStatus
	events   []gate.VerifiedGateEvent
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{statuses: make(map[string]gate.DetectionStatus)}
}

func (r *fakeRecorder) RecordDetection(d gate.PendingDetection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, d.DetectionID)
}

func (r *fakeRecorder) RecordDetectionStatus(id string, status gate.DetectionStatus, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = status
}

func (r *fakeRecorder) RecordVerifiedEvent(ev gate.VerifiedGateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type fixture struct {
	clock    *timeutil.MockClock
	recorder *fakeRecorder
	matcher  *Matcher
}

func newFixture(t *testing.T, window time.Duration, maxPending time.Duration) *fixture {
	t.Helper()
	topo, err := topology.New([]topology.GatePair{
		{Name: "GATE1", EntryCameraID: "GATE1-ENTRY", ExitCameraID: "GATE1-EXIT", VerificationWindow: window, RequireVerification: true},
		{Name: "GATE2", EntryCameraID: "GATE2-ENTRY", ExitCameraID: "GATE2-EXIT", MinMatchScore: 95, RequireVerification: true},
	}, nil)
	require.NoError(t, err)

	f := &fixture{
		clock:    timeutil.NewMockClock(start),
		recorder: newFakeRecorder(),
	}
	f.matcher = New(topo, zerolog.Nop(),
		WithClock(f.clock),
		WithRecorder(f.recorder),
		WithMaxPendingTime(maxPending),
	)
	return f
}

func (f *fixture) detect(cameraID, vehicleType, color, plate string, confidence float64) gate.DetectionEvent {
	return gate.DetectionEvent{
		CameraID:   cameraID,
		Vehicle:    gate.VehicleInfo{Type: vehicleType, Color: color},
		Plate:      plate,
		Confidence: confidence,
		ImageRef:   "/tmp/" + cameraID + ".jpg",
		ObservedAt: f.clock.Now(),
	}
}

func (f *fixture) register(t *testing.T, ev gate.DetectionEvent) gate.MatchOutcome {
	t.Helper()
	out, err := f.matcher.Register(ev)
	require.NoError(t, err)
	return out
}

func TestBothCamerasWithMatchingPlates(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	first := f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "MH12AB1234", 0.95))
	assert.Equal(t, gate.MatchPending, first.Status)
	assert.Equal(t, "GATE1-EXIT", first.WaitingFor)
	assert.NotEmpty(t, first.DetectionID)

	f.clock.Advance(2 * time.Second)
	second := f.register(t, f.detect("GATE1-EXIT", "CAR", "WHITE", "MH12AB1234", 0.92))
	require.Equal(t, gate.MatchVerified, second.Status)
	require.NotNil(t, second.Event)

	ev := second.Event
	assert.Equal(t, 100, ev.VerificationScore)
	assert.Equal(t, "MH12AB1234", ev.Plate)
	assert.False(t, ev.PlateConflict)
	assert.Equal(t, gate.DirectionEntry, ev.EventType)
	assert.Equal(t, "GATE1", ev.GateName)
	assert.Equal(t, first.DetectionID, ev.EntryDetectionID)
	assert.Equal(t, second.DetectionID, ev.ExitDetectionID)
	assert.Equal(t, "/tmp/GATE1-ENTRY.jpg", ev.EntryImageRef)
	assert.Equal(t, "/tmp/GATE1-EXIT.jpg", ev.ExitImageRef)
	assert.Equal(t, 2, ev.DwellTimeSeconds)
	assert.Equal(t, start, ev.ObservedAt)
	assert.InDelta(t, 0.935, ev.Confidence, 1e-9)

	assert.Empty(t, f.matcher.Pending())
	assert.Equal(t, gate.DetectionVerified, f.recorder.statuses[first.DetectionID])
	assert.Equal(t, gate.DetectionVerified, f.recorder.statuses[second.DetectionID])
	require.Len(t, f.recorder.events, 1)
	assert.Len(t, f.recorder.saved, 2)
}

func TestPlateOnlyOnEntryCamera(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE1-ENTRY", "SUV", "BLACK", "DL01XY9876", 0.9))
	f.clock.Advance(time.Second)
	out := f.register(t, f.detect("GATE1-EXIT", "SUV", "BLACK", "", 0.8))

	require.Equal(t, gate.MatchVerified, out.Status)
	assert.Equal(t, 90, out.Event.VerificationScore)
	assert.Equal(t, "DL01XY9876", out.Event.Plate)
}

func TestPlateOnlyOnExitCamera(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE1-ENTRY", "SUV", "BLACK", "", 0.9))
	f.clock.Advance(time.Second)
	out := f.register(t, f.detect("GATE1-EXIT", "SUV", "BLACK", "DL01XY9876", 0.8))

	require.Equal(t, gate.MatchVerified, out.Status)
	assert.Equal(t, "DL01XY9876", out.Event.Plate)
}

func TestNoPlateOnEitherCameraStillVerifies(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE1-ENTRY", "TRUCK", "BLUE", "", 0.9))
	f.clock.Advance(3 * time.Second)
	out := f.register(t, f.detect("GATE1-EXIT", "TRUCK", "NAVY", "", 0.8))

	require.Equal(t, gate.MatchVerified, out.Status)
	assert.Equal(t, 75, out.Event.VerificationScore)
	assert.Empty(t, out.Event.Plate)
}

func TestTypeMismatchStaysPendingUntilExpiry(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE1-ENTRY", "CAR", "RED", "KA01AB1234", 0.9))
	f.clock.Advance(time.Second)
	out := f.register(t, f.detect("GATE1-EXIT", "BIKE", "BLACK", "KA02XY5678", 0.9))

	assert.Equal(t, gate.MatchPending, out.Status)
	assert.Len(t, f.matcher.Pending(), 2)

	f.clock.Advance(31 * time.Second)
	expired := f.matcher.SweepExpired()
	assert.Len(t, expired, 2)
	assert.Empty(t, f.matcher.Pending())
	for _, d := range expired {
		assert.Equal(t, gate.DetectionExpired, f.recorder.statuses[d.DetectionID])
	}
}

func TestTimingHardGate(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "MH12AB1234", 0.9))
	f.clock.Advance(11 * time.Second)
	out := f.register(t, f.detect("GATE1-EXIT", "CAR", "WHITE", "MH12AB1234", 0.9))

	assert.Equal(t, gate.MatchPending, out.Status)
	assert.Len(t, f.matcher.Pending(), 2)
}

func TestExpirySweepIsIdempotent(t *testing.T) {
	f := newFixture(t, 3*time.Second, 5*time.Second)

	out := f.register(t, f.detect("GATE1-ENTRY", "CAR", "GREY", "TN01CD5678", 0.9))
	require.Equal(t, gate.MatchPending, out.Status)

	f.clock.Advance(6 * time.Second)
	first := f.matcher.SweepExpired()
	require.Len(t, first, 1)
	assert.Equal(t, out.DetectionID, first[0].DetectionID)
	afterFirst := f.matcher.Pending()

	second := f.matcher.SweepExpired()
	assert.Empty(t, second)
	assert.Equal(t, afterFirst, f.matcher.Pending())
	assert.Empty(t, afterFirst)
}

func TestRegistrationSweepsBeforeMatching(t *testing.T) {
	f := newFixture(t, 5*time.Second, 5*time.Second)

	f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "MH12AB1234", 0.9))
	f.clock.Advance(6 * time.Second)
	out := f.register(t, f.detect("GATE1-EXIT", "CAR", "WHITE", "MH12AB1234", 0.9))

	assert.Equal(t, gate.MatchPending, out.Status)
	pending := f.matcher.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, out.DetectionID, pending[0].DetectionID)
}

func TestExitCameraFirstYieldsExitEvent(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE1-EXIT", "CAR", "WHITE", "MH12AB1234", 0.9))
	f.clock.Advance(2 * time.Second)
	out := f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "", 0.9))

	require.Equal(t, gate.MatchVerified, out.Status)
	assert.Equal(t, gate.DirectionExit, out.Event.EventType)
	assert.Equal(t, start, out.Event.ObservedAt)
	assert.Equal(t, out.DetectionID, out.Event.EntryDetectionID)
}

func TestConflictingPlatesPreferEntry(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE1-EXIT", "CAR", "WHITE", "MH12AB9999", 0.9))
	f.clock.Advance(time.Second)
	out := f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "MH12AB1234", 0.9))

	require.Equal(t, gate.MatchVerified, out.Status)
	assert.Equal(t, 70, out.Event.VerificationScore)
	assert.Equal(t, "MH12AB1234", out.Event.Plate)
	assert.True(t, out.Event.PlateConflict)
	assert.Equal(t, "MH12AB9999", out.Event.AlternatePlate)
}

func TestHighestScoringCandidateWins(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	silver := f.register(t, f.detect("GATE1-ENTRY", "CAR", "SILVER", "", 0.9))
	white := f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "", 0.9))
	f.clock.Advance(time.Second)
	out := f.register(t, f.detect("GATE1-EXIT", "CAR", "WHITE", "", 0.9))

	require.Equal(t, gate.MatchVerified, out.Status)
	assert.Equal(t, white.DetectionID, out.Event.EntryDetectionID)

	pending := f.matcher.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, silver.DetectionID, pending[0].DetectionID)
}

func TestEqualScoresPreferEarliestRegistration(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	first := f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "", 0.9))
	f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "", 0.9))
	out := f.register(t, f.detect("GATE1-EXIT", "CAR", "WHITE", "", 0.9))

	require.Equal(t, gate.MatchVerified, out.Status)
	assert.Equal(t, first.DetectionID, out.Event.EntryDetectionID)
}

func TestGatesAreIsolated(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "MH12AB1234", 0.9))
	out := f.register(t, f.detect("GATE2-EXIT", "CAR", "WHITE", "MH12AB1234", 0.9))

	assert.Equal(t, gate.MatchPending, out.Status)
	assert.Equal(t, "GATE2-ENTRY", out.WaitingFor)
}

func TestSameRoleNeverPairs(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE1-ENTRY", "CAR", "WHITE", "MH12AB1234", 0.9))
	out := f.register(t, f.detect("gate1-entry", "CAR", "WHITE", "MH12AB1234", 0.9))

	assert.Equal(t, gate.MatchPending, out.Status)
}

func TestPerGateMinimumScore(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	f.register(t, f.detect("GATE2-ENTRY", "SUV", "BLACK", "DL01XY9876", 0.9))
	out := f.register(t, f.detect("GATE2-EXIT", "SUV", "BLACK", "", 0.9))

	assert.Equal(t, gate.MatchPending, out.Status, "90 is below the gate's 95 threshold")
}

func TestUnpairedCameraIsRejected(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	_, err := f.matcher.Register(f.detect("YARD-IN", "CAR", "WHITE", "", 0.9))
	assert.ErrorIs(t, err, ErrNotGateCamera)
	assert.Empty(t, f.matcher.Pending())
}

func TestConcurrentRegistrationsMatchAtMostOnce(t *testing.T) {
	f := newFixture(t, 5*time.Second, 30*time.Second)

	const perSide = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		verified []gate.VerifiedGateEvent
	)
	for i := 0; i < perSide; i++ {
		for _, cam := range []string{"GATE1-ENTRY", "GATE1-EXIT"} {
			wg.Add(1)
			go func(cam string) {
				defer wg.Done()
				out, err := f.matcher.Register(f.detect(cam, "CAR", "WHITE", "", 0.9))
				if err != nil || out.Event == nil {
					return
				}
				mu.Lock()
				verified = append(verified, *out.Event)
				mu.Unlock()
			}(cam)
		}
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, ev := range verified {
		seen[ev.EntryDetectionID]++
		seen[ev.ExitDetectionID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "detection %s matched more than once", id)
	}
	assert.Equal(t, 2*perSide, 2*len(verified)+len(f.matcher.Pending()))
	assert.Empty(t, f.matcher.Pending(), "every entry has an exit counterpart")
}

// stallingRecorder logs every write in arrival order and holds the first
// insert until released.
type stallingRecorder struct {
	mu      sync.Mutex
	ops     []string
	stalled bool
	entered chan struct{}
	release chan struct{}
}

func (r *stallingRecorder) RecordDetection(d gate.PendingDetection) {
	r.mu.Lock()
	first := !r.stalled
	r.stalled = true
	r.mu.Unlock()
	if first {
		close(r.entered)
		<-r.release
	}
	r.append("insert:" + d.DetectionID)
}

func (r *stallingRecorder) RecordDetectionStatus(id string, status gate.DetectionStatus, _ string) {
	r.append("status:" + id + ":" + string(status))
}

func (r *stallingRecorder) RecordVerifiedEvent(ev gate.VerifiedGateEvent) {
	r.append("event:" + ev.EventID)
}

func (r *stallingRecorder) append(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func TestInsertRecordedBeforeVerifiedStatus(t *testing.T) {
	topo, err := topology.New([]topology.GatePair{
		{Name: "GATE1", EntryCameraID: "GATE1-ENTRY", ExitCameraID: "GATE1-EXIT", RequireVerification: true},
	}, nil)
	require.NoError(t, err)

	clock := timeutil.NewMockClock(start)
	rec := &stallingRecorder{entered: make(chan struct{}), release: make(chan struct{})}
	m := New(topo, zerolog.Nop(), WithClock(clock), WithRecorder(rec))

	ev := func(cam string) gate.DetectionEvent {
		return gate.DetectionEvent{CameraID: cam, Vehicle: gate.VehicleInfo{Type: "CAR", Color: "WHITE"}, Plate: "MH12AB1234", Confidence: 0.9, ObservedAt: clock.Now()}
	}

	entryDone := make(chan gate.MatchOutcome, 1)
	go func() {
		out, _ := m.Register(ev("GATE1-ENTRY"))
		entryDone <- out
	}()
	<-rec.entered

	exitDone := make(chan gate.MatchOutcome, 1)
	go func() {
		out, _ := m.Register(ev("GATE1-EXIT"))
		exitDone <- out
	}()
	time.Sleep(50 * time.Millisecond)
	close(rec.release)

	entry := <-entryDone
	exit := <-exitDone
	require.Equal(t, gate.MatchVerified, exit.Status)

	rec.mu.Lock()
	ops := append([]string(nil), rec.ops...)
	rec.mu.Unlock()

	index := func(op string) int {
		for i, o := range ops {
			if o == op {
				return i
			}
		}
		return -1
	}
	inserted := index("insert:" + entry.DetectionID)
	verified := index("status:" + entry.DetectionID + ":" + string(gate.DetectionVerified))
	require.NotEqual(t, -1, inserted)
	require.NotEqual(t, -1, verified)
	assert.Less(t, inserted, verified)
}

func TestMarkVerifiedTwicePanics(t *testing.T) {
	d := gate.PendingDetection{DetectionID: "DET-1"}
	markVerified(&d, "DET-2")
	assert.True(t, d.Verified)
	assert.Equal(t, "DET-2", d.MatchedDetectionID)

	assert.Panics(t, func() { markVerified(&d, "DET-3") })
}
