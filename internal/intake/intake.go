// Package intake turns raw payloads from the vision pipeline into canonical
// detection events.
package intake

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/utils"
)

var ErrInvalidInput = errors.New("invalid input")

// UnknownAttribute is stored when the vision pipeline could not tell a color.
const UnknownAttribute = "UNKNOWN"

// Placeholder strings the OCR stage emits instead of null.
var noPlateValues = map[string]struct{}{
	"":        {},
	"UNKNOWN": {},
	"NONE":    {},
	"NULL":    {},
	"NA":      {},
}

type Payload struct {
	CameraID    string    `json:"camera_id"`
	VehicleType string    `json:"vehicle_type"`
	Color       string    `json:"color"`
	Make        string    `json:"make,omitempty"`
	Model       string    `json:"model,omitempty"`
	Plate       *string   `json:"plate"`
	Confidence  float64   `json:"confidence"`
	ImageRef    string    `json:"image_ref"`
	ImageDigest string    `json:"image_digest,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Normalize validates p and returns the event the rest of the pipeline works
// with. A missing observed_at is stamped with now.
func Normalize(p Payload, now time.Time) (gate.DetectionEvent, error) {
	cameraID := utils.NormalizeCameraID(p.CameraID)
	if cameraID == "" {
		return gate.DetectionEvent{}, fmt.Errorf("%w: camera_id is required", ErrInvalidInput)
	}

	vehicleType := utils.NormalizeAttribute(p.VehicleType)
	if vehicleType == "" {
		return gate.DetectionEvent{}, fmt.Errorf("%w: vehicle_type is required", ErrInvalidInput)
	}

	if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return gate.DetectionEvent{}, fmt.Errorf("%w: confidence must be between 0 and 1, got %v", ErrInvalidInput, p.Confidence)
	}

	color := utils.NormalizeAttribute(p.Color)
	if color == "" {
		color = UnknownAttribute
	}

	observedAt := p.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}

	return gate.DetectionEvent{
		CameraID: cameraID,
		Vehicle: gate.VehicleInfo{
			Type:  vehicleType,
			Color: color,
			Make:  utils.NormalizeAttribute(p.Make),
			Model: utils.NormalizeAttribute(p.Model),
		},
		Plate:       normalizePlate(p.Plate),
		Confidence:  p.Confidence,
		ImageRef:    strings.TrimSpace(p.ImageRef),
		ImageDigest: strings.TrimSpace(p.ImageDigest),
		ObservedAt:  observedAt.UTC(),
	}, nil
}

func normalizePlate(raw *string) string {
	if raw == nil {
		return ""
	}
	plate := utils.NormalizePlate(*raw)
	if _, placeholder := noPlateValues[plate]; placeholder {
		return ""
	}
	return plate
}
