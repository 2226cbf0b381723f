package persistence

import (
	"context"
	"time"

	"anpr-gate-service/internal/domain/gate"
)

// NopStore discards every write. Used when no database is configured.
type NopStore struct{}

func (NopStore) SaveDetection(context.Context, gate.PendingDetection) error {
	return nil
}

func (NopStore) UpdateDetectionStatus(context.Context, string, gate.DetectionStatus, string) error {
	return nil
}

func (NopStore) SaveVerifiedEvent(context.Context, gate.VerifiedGateEvent) error {
	return nil
}

func (NopStore) SaveSession(context.Context, gate.VehicleSession) error {
	return nil
}

func (NopStore) SaveAlert(context.Context, gate.SecurityAlert) error {
	return nil
}

func (NopStore) SaveReview(context.Context, gate.ManualReviewFlag) error {
	return nil
}

func (NopStore) PurgeDetections(context.Context, time.Time) (int64, error) {
	return 0, nil
}

