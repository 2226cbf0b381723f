package matcher

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/scoring"
)

// Criteria are the per-gate matching parameters.
type Criteria struct {
	Window   time.Duration
	MinScore int
}

// Match is the result of a registration attempt.
type Match struct {
	Found       bool
	Incoming    gate.PendingDetection
	Counterpart gate.PendingDetection
	Score       int
}

type entry struct {
	det gate.PendingDetection
	seq uint64
}

// Store holds detections awaiting a counterpart from the paired camera.
// Every method runs under one mutex; the map never leaves the type.
type Store struct {
	mu      sync.Mutex
	pending map[string]*entry
	seq     uint64
}

func NewStore() *Store {
	return &Store{pending: make(map[string]*entry)}
}

// RegisterAndMatch sweeps expired entries, inserts det, looks for the best
// counterpart and, if one qualifies, marks both verified and removes both.
// All of it happens in a single critical section, so two concurrent
// registrations can never claim the same counterpart.
func (s *Store) RegisterAndMatch(det gate.PendingDetection, now time.Time, maxAge time.Duration, c Criteria) (Match, []gate.PendingDetection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := s.sweepLocked(now, maxAge)

	s.seq++
	incoming := &entry{det: det, seq: s.seq}
	s.pending[det.DetectionID] = incoming

	best := s.bestCandidateLocked(incoming, c)
	if best == nil {
		return Match{Incoming: incoming.det}, expired
	}

	score := scoring.MatchScore(incoming.det.Event, best.det.Event, c.Window)
	markVerified(&incoming.det, best.det.DetectionID)
	markVerified(&best.det, incoming.det.DetectionID)
	delete(s.pending, incoming.det.DetectionID)
	delete(s.pending, best.det.DetectionID)

	return Match{
		Found:       true,
		Incoming:    incoming.det,
		Counterpart: best.det,
		Score:       score,
	}, expired
}

func (s *Store) bestCandidateLocked(incoming *entry, c Criteria) *entry {
	var (
		best      *entry
		bestScore int
	)
	for id, cand := range s.pending {
		if id == incoming.det.DetectionID {
			continue
		}
		if cand.det.Verified {
			continue
		}
		if cand.det.Event.GateName != incoming.det.Event.GateName {
			continue
		}
		if cand.det.Event.Role == incoming.det.Event.Role {
			continue
		}

		score := scoring.MatchScore(incoming.det.Event, cand.det.Event, c.Window)
		if score < c.MinScore {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && cand.seq < best.seq) {
			best, bestScore = cand, score
		}
	}
	return best
}

func markVerified(d *gate.PendingDetection, counterpartID string) {
	if d.Verified {
		panic(fmt.Sprintf("matcher: detection %s verified twice (matched %s, now %s)", d.DetectionID, d.MatchedDetectionID, counterpartID))
	}
	d.Verified = true
	d.MatchedDetectionID = counterpartID
}

// SweepExpired removes entries registered more than maxAge before now and
// returns them. Sweeping again without new registrations returns nothing.
func (s *Store) SweepExpired(now time.Time, maxAge time.Duration) []gate.PendingDetection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now, maxAge)
}

func (s *Store) sweepLocked(now time.Time, maxAge time.Duration) []gate.PendingDetection {
	var expired []*entry
	for id, e := range s.pending {
		if now.Sub(e.det.RegisteredAt) > maxAge {
			expired = append(expired, e)
			delete(s.pending, id)
		}
	}
	return sortedDetections(expired)
}

// Snapshot returns copies of the pending detections in registration order.
func (s *Store) Snapshot() []gate.PendingDetection {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*entry, 0, len(s.pending))
	for _, e := range s.pending {
		entries = append(entries, e)
	}
	return sortedDetections(entries)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func sortedDetections(entries []*entry) []gate.PendingDetection {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]gate.PendingDetection, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.det)
	}
	return out
}
