package gate

import "time"

type MatchStatus string

const (
	MatchPending  MatchStatus = "PENDING"
	MatchVerified MatchStatus = "VERIFIED"
)

// MatchOutcome is either Verified (Event set) or Pending (DetectionID and
// WaitingFor set).
type MatchOutcome struct {
	Status      MatchStatus
	DetectionID string
	WaitingFor  string
	Event       *VerifiedGateEvent
}

type SessionOutcomeKind string

const (
	OutcomeEntryCreated     SessionOutcomeKind = "ENTRY_CREATED"
	OutcomeExitCompleted    SessionOutcomeKind = "EXIT_COMPLETED"
	OutcomeDuplicateEntry   SessionOutcomeKind = "DUPLICATE_ENTRY"
	OutcomeExitWithoutEntry SessionOutcomeKind = "EXIT_WITHOUT_ENTRY"
)

type SessionOutcome struct {
	Kind      SessionOutcomeKind `json:"kind"`
	SessionID string             `json:"session_id,omitempty"`
	Status    SessionStatus      `json:"status,omitempty"`
	AlertIDs  []string           `json:"alert_ids,omitempty"`
	ReviewID  string             `json:"review_id,omitempty"`
}

// Crossing is one passage past a gate as seen by the session tracker. It is
// built either from a verified dual-camera event or from a standalone
// detection.
type Crossing struct {
	Direction  Direction
	CameraID   string
	GateName   string
	Vehicle    VehicleInfo
	Plate      string
	Confidence float64
	ImageRef   string
	ObservedAt time.Time
	Verified   bool
	EventID    string
}

func CrossingFromEvent(ev VerifiedGateEvent) Crossing {
	cameraID, imageRef := ev.EntryCameraID, ev.EntryImageRef
	if ev.EventType == DirectionExit {
		cameraID, imageRef = ev.ExitCameraID, ev.ExitImageRef
	}
	return Crossing{
		Direction:  ev.EventType,
		CameraID:   cameraID,
		GateName:   ev.GateName,
		Vehicle:    ev.Vehicle,
		Plate:      ev.Plate,
		Confidence: ev.Confidence,
		ImageRef:   imageRef,
		ObservedAt: ev.ObservedAt,
		Verified:   true,
		EventID:    ev.EventID,
	}
}

func CrossingFromDetection(d DetectionEvent) Crossing {
	return Crossing{
		Direction:  d.Role,
		CameraID:   d.CameraID,
		GateName:   d.GateName,
		Vehicle:    d.Vehicle,
		Plate:      d.Plate,
		Confidence: d.Confidence,
		ImageRef:   d.ImageRef,
		ObservedAt: d.ObservedAt,
	}
}

func (c Crossing) Snapshot() Snapshot {
	return Snapshot{
		CameraID:     c.CameraID,
		GateName:     c.GateName,
		Timestamp:    c.ObservedAt,
		Vehicle:      c.Vehicle,
		Plate:        c.Plate,
		Confidence:   c.Confidence,
		ImageRef:     c.ImageRef,
		PlateVisible: c.Plate != "",
		Verified:     c.Verified,
		EventID:      c.EventID,
	}
}
