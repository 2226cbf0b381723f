package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"anpr-gate-service/internal/domain/gate"
)

type GateRepository struct {
	db *gorm.DB
}

func NewGateRepository(db *gorm.DB) *GateRepository {
	return &GateRepository{db: db}
}

type GateDetection struct {
	DetectionID        string    `gorm:"primaryKey"`
	CameraID           string    `gorm:"not null"`
	GateName           string    `gorm:"not null"`
	CameraRole         string    `gorm:"not null"`
	VehicleType        string    `gorm:"not null"`
	Color              *string   `gorm:"type:text"`
	Make               *string   `gorm:"type:text"`
	Model              *string   `gorm:"type:text"`
	Plate              *string   `gorm:"type:text"`
	Confidence         float64   `gorm:"not null;default:0"`
	ImageRef           *string   `gorm:"type:text"`
	ObservedAt         time.Time `gorm:"not null"`
	RegisteredAt       time.Time `gorm:"not null"`
	Status             string    `gorm:"not null"`
	Verified           bool      `gorm:"not null;default:false"`
	MatchedDetectionID *string   `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (GateDetection) TableName() string { return "gate_detections" }

type VerifiedGateEvent struct {
	EventID           string    `gorm:"primaryKey"`
	GateName          string    `gorm:"not null"`
	EventType         string    `gorm:"not null"`
	VehicleType       string    `gorm:"not null"`
	Color             *string   `gorm:"type:text"`
	Make              *string   `gorm:"type:text"`
	Model             *string   `gorm:"type:text"`
	Plate             *string   `gorm:"type:text"`
	PlateConflict     bool      `gorm:"not null;default:false"`
	AlternatePlate    *string   `gorm:"type:text"`
	EntryDetectionID  string    `gorm:"not null"`
	ExitDetectionID   string    `gorm:"not null"`
	EntryCameraID     string    `gorm:"not null"`
	ExitCameraID      string    `gorm:"not null"`
	EntryImageRef     *string   `gorm:"type:text"`
	ExitImageRef      *string   `gorm:"type:text"`
	VerificationScore int       `gorm:"not null;default:0"`
	DwellTimeSeconds  int       `gorm:"not null;default:0"`
	Confidence        float64   `gorm:"not null;default:0"`
	ObservedAt        time.Time `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (VerifiedGateEvent) TableName() string { return "verified_gate_events" }

type VehicleSession struct {
	SessionID            string                            `gorm:"primaryKey"`
	Identity             string                            `gorm:"not null"`
	Plate                *string                           `gorm:"type:text"`
	TempID               *string                           `gorm:"type:text"`
	Status               string                            `gorm:"not null"`
	Entry                datatypes.JSONType[gate.Snapshot] `gorm:"type:jsonb;not null"`
	Exit                 datatypes.JSON                    `gorm:"type:jsonb"`
	EntryTime            time.Time                         `gorm:"not null"`
	ExitTime             *time.Time                        `gorm:"type:timestamptz"`
	DwellMinutes         *float64                          `gorm:"type:numeric(10,2)"`
	MetadataMatch        *bool                             `gorm:"type:boolean"`
	RequiresManualReview bool                              `gorm:"not null;default:false"`
	Alerts               datatypes.JSONSlice[string]       `gorm:"type:jsonb"`
	CreatedAt            time.Time                         `gorm:"not null"`
	UpdatedAt            time.Time                         `gorm:"not null"`
}

func (VehicleSession) TableName() string { return "vehicle_sessions" }

type SecurityAlert struct {
	ID        string            `gorm:"primaryKey"`
	Type      string            `gorm:"not null"`
	Severity  string            `gorm:"not null"`
	Subject   string            `gorm:"not null"`
	SessionID *string           `gorm:"type:text"`
	Details   datatypes.JSONMap `gorm:"type:jsonb"`
	Timestamp time.Time         `gorm:"not null"`
	Resolved  bool              `gorm:"not null;default:false"`
}

func (SecurityAlert) TableName() string { return "security_alerts" }

type ManualReview struct {
	ID              string     `gorm:"primaryKey"`
	PlateOrIdentity string     `gorm:"not null"`
	SessionID       *string    `gorm:"type:text"`
	ImageRef        *string    `gorm:"type:text"`
	Confidence      float64    `gorm:"not null;default:0"`
	Reason          string     `gorm:"not null"`
	Timestamp       time.Time  `gorm:"not null"`
	Decision        *string    `gorm:"type:text"`
	CorrectedPlate  *string    `gorm:"type:text"`
	ReviewedAt      *time.Time `gorm:"type:timestamptz"`
}

func (ManualReview) TableName() string { return "manual_reviews" }

func (r *GateRepository) SaveDetection(ctx context.Context, d gate.PendingDetection) error {
	now := time.Now()
	row := GateDetection{
		DetectionID:  d.DetectionID,
		CameraID:     d.Event.CameraID,
		GateName:     d.Event.GateName,
		CameraRole:   string(d.Event.Role),
		VehicleType:  d.Event.Vehicle.Type,
		Color:        optional(d.Event.Vehicle.Color),
		Make:         optional(d.Event.Vehicle.Make),
		Model:        optional(d.Event.Vehicle.Model),
		Plate:        optional(d.Event.Plate),
		Confidence:   d.Event.Confidence,
		ImageRef:     optional(d.Event.ImageRef),
		ObservedAt:   d.Event.ObservedAt,
		RegisteredAt: d.RegisteredAt,
		Status:       string(gate.DetectionPending),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func (r *GateRepository) UpdateDetectionStatus(ctx context.Context, detectionID string, status gate.DetectionStatus, matchedDetectionID string) error {
	return r.db.WithContext(ctx).
		Model(&GateDetection{}).
		Where("detection_id = ?", detectionID).
		Updates(map[string]interface{}{
			"status":               string(status),
			"verified":             status == gate.DetectionVerified,
			"matched_detection_id": optional(matchedDetectionID),
			"updated_at":           time.Now(),
		}).Error
}

func (r *GateRepository) SaveVerifiedEvent(ctx context.Context, ev gate.VerifiedGateEvent) error {
	row := VerifiedGateEvent{
		EventID:           ev.EventID,
		GateName:          ev.GateName,
		EventType:         string(ev.EventType),
		VehicleType:       ev.Vehicle.Type,
		Color:             optional(ev.Vehicle.Color),
		Make:              optional(ev.Vehicle.Make),
		Model:             optional(ev.Vehicle.Model),
		Plate:             optional(ev.Plate),
		PlateConflict:     ev.PlateConflict,
		AlternatePlate:    optional(ev.AlternatePlate),
		EntryDetectionID:  ev.EntryDetectionID,
		ExitDetectionID:   ev.ExitDetectionID,
		EntryCameraID:     ev.EntryCameraID,
		ExitCameraID:      ev.ExitCameraID,
		EntryImageRef:     optional(ev.EntryImageRef),
		ExitImageRef:      optional(ev.ExitImageRef),
		VerificationScore: ev.VerificationScore,
		DwellTimeSeconds:  ev.DwellTimeSeconds,
		Confidence:        ev.Confidence,
		ObservedAt:        ev.ObservedAt,
		CreatedAt:         ev.CreatedAt,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// SaveSession upserts the whole session row; exits update it in place.
func (r *GateRepository) SaveSession(ctx context.Context, s gate.VehicleSession) error {
	row := VehicleSession{
		SessionID:            s.SessionID,
		Identity:             s.Identity,
		Plate:                optional(s.Plate),
		TempID:               optional(s.TempID),
		Status:               string(s.Status),
		Entry:                datatypes.NewJSONType(s.Entry),
		EntryTime:            s.Entry.Timestamp,
		DwellMinutes:         s.DwellMinutes,
		MetadataMatch:        s.MetadataMatch,
		RequiresManualReview: s.RequiresManualReview,
		Alerts:               datatypes.NewJSONSlice(s.Alerts),
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if s.Exit != nil {
		raw, err := json.Marshal(s.Exit)
		if err != nil {
			return fmt.Errorf("marshal exit snapshot: %w", err)
		}
		row.Exit = datatypes.JSON(raw)
		exitTime := s.Exit.Timestamp
		row.ExitTime = &exitTime
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (r *GateRepository) SaveAlert(ctx context.Context, a gate.SecurityAlert) error {
	row := SecurityAlert{
		ID:        a.ID,
		Type:      string(a.Type),
		Severity:  string(a.Severity),
		Subject:   a.Subject,
		SessionID: optional(a.SessionID),
		Details:   datatypes.JSONMap(a.Details),
		Timestamp: a.Timestamp,
		Resolved:  a.Resolved,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// SaveReview inserts a flag, or stores the reviewer decision on an existing
// one.
func (r *GateRepository) SaveReview(ctx context.Context, f gate.ManualReviewFlag) error {
	row := ManualReview{
		ID:              f.ID,
		PlateOrIdentity: f.PlateOrIdentity,
		SessionID:       optional(f.SessionID),
		ImageRef:        optional(f.ImageRef),
		Confidence:      f.Confidence,
		Reason:          f.Reason,
		Timestamp:       f.Timestamp,
		CorrectedPlate:  optional(f.CorrectedPlate),
		ReviewedAt:      f.ReviewedAt,
	}
	if f.Decision != nil {
		decision := string(*f.Decision)
		row.Decision = &decision
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"decision", "corrected_plate", "reviewed_at"}),
		}).
		Create(&row).Error
}

// PurgeDetections removes detection rows registered before the cutoff.
func (r *GateRepository) PurgeDetections(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("registered_at < ?", olderThan).
		Delete(&GateDetection{})
	return result.RowsAffected, result.Error
}

// ListActiveSessions returns sessions still INSIDE, oldest entry first.
func (r *GateRepository) ListActiveSessions(ctx context.Context) ([]gate.VehicleSession, error) {
	var rows []VehicleSession
	err := r.db.WithContext(ctx).
		Where("status = ?", string(gate.SessionInside)).
		Order("entry_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	sessions := make([]gate.VehicleSession, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", row.SessionID, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// FindSessions returns the sessions recorded for a plate, newest entry first.
func (r *GateRepository) FindSessions(ctx context.Context, plate string, limit int) ([]gate.VehicleSession, error) {
	query := r.db.WithContext(ctx).
		Where("plate = ?", plate).
		Order("entry_time DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []VehicleSession
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	sessions := make([]gate.VehicleSession, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", row.SessionID, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// FindSession loads one session. It returns nil without error when the id is
// unknown.
func (r *GateRepository) FindSession(ctx context.Context, sessionID string) (*gate.VehicleSession, error) {
	var row VehicleSession
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&row).Error

	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s, err := row.toDomain()
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", row.SessionID, err)
	}
	return &s, nil
}

func (row VehicleSession) toDomain() (gate.VehicleSession, error) {
	s := gate.VehicleSession{
		SessionID:            row.SessionID,
		Identity:             row.Identity,
		Plate:                deref(row.Plate),
		TempID:               deref(row.TempID),
		Entry:                row.Entry.Data(),
		DwellMinutes:         row.DwellMinutes,
		Status:               gate.SessionStatus(row.Status),
		MetadataMatch:        row.MetadataMatch,
		RequiresManualReview: row.RequiresManualReview,
		Alerts:               append([]string{}, row.Alerts...),
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
	if len(row.Exit) > 0 && string(row.Exit) != "null" {
		var exit gate.Snapshot
		if err := json.Unmarshal(row.Exit, &exit); err != nil {
			return gate.VehicleSession{}, fmt.Errorf("decode exit snapshot: %w", err)
		}
		s.Exit = &exit
	}
	return s, nil
}

// FindVerifiedEvents lists verified crossings, newest first. Limit is capped
// at 100.
func (r *GateRepository) FindVerifiedEvents(ctx context.Context, plate *string, from, to *time.Time, limit, offset int) ([]gate.VerifiedGateEvent, error) {
	query := r.db.WithContext(ctx).Model(&VerifiedGateEvent{})

	if plate != nil {
		query = query.Where("plate = ?", *plate)
	}
	if from != nil {
		query = query.Where("observed_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("observed_at <= ?", *to)
	}

	query = query.Order("observed_at DESC")

	if limit > 0 {
		if limit > 100 {
			limit = 100
		}
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var rows []VerifiedGateEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]gate.VerifiedGateEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toDomain())
	}
	return events, nil
}

func (row VerifiedGateEvent) toDomain() gate.VerifiedGateEvent {
	return gate.VerifiedGateEvent{
		EventID:           row.EventID,
		GateName:          row.GateName,
		EventType:         gate.Direction(row.EventType),
		Vehicle:           gate.VehicleInfo{Type: row.VehicleType, Color: deref(row.Color), Make: deref(row.Make), Model: deref(row.Model)},
		Plate:             deref(row.Plate),
		PlateConflict:     row.PlateConflict,
		AlternatePlate:    deref(row.AlternatePlate),
		EntryDetectionID:  row.EntryDetectionID,
		ExitDetectionID:   row.ExitDetectionID,
		EntryCameraID:     row.EntryCameraID,
		ExitCameraID:      row.ExitCameraID,
		EntryImageRef:     deref(row.EntryImageRef),
		ExitImageRef:      deref(row.ExitImageRef),
		VerificationScore: row.VerificationScore,
		DwellTimeSeconds:  row.DwellTimeSeconds,
		Confidence:        row.Confidence,
		ObservedAt:        row.ObservedAt,
		CreatedAt:         row.CreatedAt,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
