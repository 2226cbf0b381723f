package gate

import (
	"time"
)

// Direction is the side of a gate a camera watches, and the direction of a
// verified crossing.
type Direction string

const (
	DirectionEntry Direction = "ENTRY"
	DirectionExit  Direction = "EXIT"
)

func (d Direction) Valid() bool {
	return d == DirectionEntry || d == DirectionExit
}

// Opposite returns the paired role at the same gate.
func (d Direction) Opposite() Direction {
	if d == DirectionEntry {
		return DirectionExit
	}
	return DirectionEntry
}

type VehicleInfo struct {
	Type  string `json:"type"`
	Color string `json:"color"`
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
}

// DetectionEvent is one accepted camera observation. An empty Plate means
// the plate was not legible from this viewpoint.
type DetectionEvent struct {
	CameraID    string      `json:"camera_id"`
	GateName    string      `json:"gate_name,omitempty"`
	Role        Direction   `json:"camera_role"`
	Vehicle     VehicleInfo `json:"vehicle"`
	Plate       string      `json:"plate,omitempty"`
	Confidence  float64     `json:"confidence"`
	ImageRef    string      `json:"image_ref,omitempty"`
	ImageDigest string      `json:"image_digest,omitempty"`
	ObservedAt  time.Time   `json:"observed_at"`
}

func (e DetectionEvent) HasPlate() bool {
	return e.Plate != ""
}

type DetectionStatus string

const (
	DetectionPending  DetectionStatus = "PENDING"
	DetectionVerified DetectionStatus = "VERIFIED"
	DetectionExpired  DetectionStatus = "EXPIRED"
)

type PendingDetection struct {
	DetectionID        string         `json:"detection_id"`
	Event              DetectionEvent `json:"event"`
	RegisteredAt       time.Time      `json:"registered_at"`
	Verified           bool           `json:"verified"`
	MatchedDetectionID string         `json:"matched_detection_id,omitempty"`
}

type VerifiedGateEvent struct {
	EventID           string      `json:"event_id"`
	GateName          string      `json:"gate_name"`
	EventType         Direction   `json:"event_type"`
	Vehicle           VehicleInfo `json:"vehicle"`
	Plate             string      `json:"plate,omitempty"`
	PlateConflict     bool        `json:"plate_conflict,omitempty"`
	AlternatePlate    string      `json:"alternate_plate,omitempty"`
	EntryDetectionID  string      `json:"entry_camera_detection_id"`
	ExitDetectionID   string      `json:"exit_camera_detection_id"`
	EntryCameraID     string      `json:"entry_camera_id"`
	ExitCameraID      string      `json:"exit_camera_id"`
	EntryImageRef     string      `json:"entry_image_ref,omitempty"`
	ExitImageRef      string      `json:"exit_image_ref,omitempty"`
	VerificationScore int         `json:"verification_score"`
	DwellTimeSeconds  int         `json:"dwell_time_seconds"`
	Confidence        float64     `json:"confidence"`
	ObservedAt        time.Time   `json:"observed_at"`
	CreatedAt         time.Time   `json:"created_at"`
}

type SessionStatus string

const (
	SessionInside    SessionStatus = "INSIDE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionAlerted   SessionStatus = "ALERTED"
)

// Snapshot captures one side of a session as it was observed.
type Snapshot struct {
	CameraID     string      `json:"camera_id"`
	GateName     string      `json:"gate_name,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Vehicle      VehicleInfo `json:"vehicle"`
	Plate        string      `json:"plate,omitempty"`
	Confidence   float64     `json:"confidence"`
	ImageRef     string      `json:"image_ref,omitempty"`
	PlateVisible bool        `json:"plate_visible"`
	Verified     bool        `json:"verified"`
	EventID      string      `json:"event_id,omitempty"`
}

type VehicleSession struct {
	SessionID            string        `json:"session_id"`
	Identity             string        `json:"identity"`
	Plate                string        `json:"plate,omitempty"`
	TempID               string        `json:"temp_id,omitempty"`
	Entry                Snapshot      `json:"entry"`
	Exit                 *Snapshot     `json:"exit,omitempty"`
	DwellMinutes         *float64      `json:"dwell_minutes,omitempty"`
	Status               SessionStatus `json:"status"`
	MetadataMatch        *bool         `json:"metadata_match,omitempty"`
	RequiresManualReview bool          `json:"requires_manual_review"`
	Alerts               []string      `json:"alerts"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

type AlertType string

const (
	AlertDuplicateEntry     AlertType = "DUPLICATE_ENTRY"
	AlertExitWithoutEntry   AlertType = "EXIT_WITHOUT_ENTRY"
	AlertVehicleMismatch    AlertType = "VEHICLE_MISMATCH"
	AlertPlateSwap          AlertType = "PLATE_SWAP"
	AlertPlateMissingOnExit AlertType = "PLATE_MISSING_ON_EXIT"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(s); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, true
	}
	return "", false
}

type SecurityAlert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Subject   string                 `json:"subject"`
	SessionID string                 `json:"session_id,omitempty"`
	Details   map[string]interface{} `json:"details"`
	Timestamp time.Time              `json:"timestamp"`
	Resolved  bool                   `json:"resolved"`
}

type ReviewDecision string

const (
	ReviewApproved  ReviewDecision = "APPROVED"
	ReviewRejected  ReviewDecision = "REJECTED"
	ReviewCorrected ReviewDecision = "CORRECTED"
)

type ManualReviewFlag struct {
	ID              string          `json:"id"`
	PlateOrIdentity string          `json:"plate_or_identifier"`
	SessionID       string          `json:"session_id,omitempty"`
	ImageRef        string          `json:"image_ref,omitempty"`
	Confidence      float64         `json:"confidence"`
	Reason          string          `json:"reason"`
	Timestamp       time.Time       `json:"timestamp"`
	Decision        *ReviewDecision `json:"decision,omitempty"`
	CorrectedPlate  string          `json:"corrected_plate,omitempty"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
}
