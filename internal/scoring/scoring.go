// Package scoring holds the attribute comparison rules shared by the pair
// matcher and the session tracker.
package scoring

import (
	"time"

	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/utils"
)

const (
	TypeMatchPoints      = 40
	ColorExactPoints     = 30
	ColorSimilarPoints   = 15
	TimingInWindowPoints = 20
	TimingNearPoints     = 10
	PlateMatchPoints     = 10
	PlateConflictPenalty = 20

	// MinSessionMatchScore is the metadata+recency total required to pair a
	// plateless exit with an active session.
	MinSessionMatchScore = 5
)

var similarColors = map[string][]string{
	"WHITE":  {"SILVER", "GREY", "LIGHT GREY"},
	"BLACK":  {"DARK GREY", "GREY", "DARK"},
	"BLUE":   {"DARK BLUE", "NAVY", "LIGHT BLUE"},
	"RED":    {"MAROON", "DARK RED", "BURGUNDY"},
	"SILVER": {"WHITE", "GREY", "LIGHT GREY"},
	"GREY":   {"WHITE", "SILVER", "BLACK", "DARK GREY"},
}

var colorAdjacency = buildAdjacency(similarColors)

func buildAdjacency(table map[string][]string) map[[2]string]struct{} {
	adj := make(map[[2]string]struct{})
	for color, neighbours := range table {
		for _, n := range neighbours {
			adj[[2]string{color, n}] = struct{}{}
			adj[[2]string{n, color}] = struct{}{}
		}
	}
	return adj
}

// ColorsSimilar reports whether two different colors are adjacent in the
// similarity table. The relation is symmetric; identical colors are not
// "similar", they are exact.
func ColorsSimilar(a, b string) bool {
	a, b = utils.NormalizeAttribute(a), utils.NormalizeAttribute(b)
	if a == "" || b == "" || a == b {
		return false
	}
	_, ok := colorAdjacency[[2]string{a, b}]
	return ok
}

// MatchScore scores two detections from opposite cameras of one gate. A type
// mismatch or a gap beyond twice the window scores zero.
func MatchScore(a, b gate.DetectionEvent, window time.Duration) int {
	if utils.NormalizeAttribute(a.Vehicle.Type) != utils.NormalizeAttribute(b.Vehicle.Type) {
		return 0
	}
	score := TypeMatchPoints

	ca, cb := utils.NormalizeAttribute(a.Vehicle.Color), utils.NormalizeAttribute(b.Vehicle.Color)
	switch {
	case ca == cb:
		score += ColorExactPoints
	case ColorsSimilar(ca, cb):
		score += ColorSimilarPoints
	}

	dt := a.ObservedAt.Sub(b.ObservedAt)
	if dt < 0 {
		dt = -dt
	}
	switch {
	case dt <= window:
		score += TimingInWindowPoints
	case dt <= 2*window:
		score += TimingNearPoints
	default:
		return 0
	}

	if a.HasPlate() && b.HasPlate() {
		if a.Plate == b.Plate {
			score += PlateMatchPoints
		} else {
			score -= PlateConflictPenalty
		}
	}

	if score < 0 {
		return 0
	}
	return score
}

func fieldEqual(a, b string) bool {
	return utils.NormalizeAttribute(a) == utils.NormalizeAttribute(b)
}

// MetadataMatchScore counts agreeing fields among make, model, color and type.
func MetadataMatchScore(a, b gate.VehicleInfo) int {
	score := 0
	for _, ok := range []bool{
		fieldEqual(a.Make, b.Make),
		fieldEqual(a.Model, b.Model),
		fieldEqual(a.Color, b.Color),
		fieldEqual(a.Type, b.Type),
	} {
		if ok {
			score++
		}
	}
	return score
}

// RecencyBonus favours sessions that entered recently.
func RecencyBonus(sinceEntry time.Duration) int {
	switch {
	case sinceEntry < 30*time.Minute:
		return 2
	case sinceEntry < 60*time.Minute:
		return 1
	}
	return 0
}

// MetadataMatches is the exit check: make, model and color must all agree.
func MetadataMatches(entry, exit gate.VehicleInfo) bool {
	return fieldEqual(entry.Make, exit.Make) &&
		fieldEqual(entry.Model, exit.Model) &&
		fieldEqual(entry.Color, exit.Color)
}

// MismatchedFields lists the fields that differ between entry and exit.
func MismatchedFields(entry, exit gate.VehicleInfo) []string {
	var fields []string
	if !fieldEqual(entry.Make, exit.Make) {
		fields = append(fields, "make")
	}
	if !fieldEqual(entry.Model, exit.Model) {
		fields = append(fields, "model")
	}
	if !fieldEqual(entry.Color, exit.Color) {
		fields = append(fields, "color")
	}
	if !fieldEqual(entry.Type, exit.Type) {
		fields = append(fields, "type")
	}
	return fields
}

func MismatchSeverity(mismatches int) gate.Severity {
	switch {
	case mismatches >= 3:
		return gate.SeverityCritical
	case mismatches == 2:
		return gate.SeverityHigh
	case mismatches == 1:
		return gate.SeverityMedium
	}
	return gate.SeverityLow
}

type ConfidenceAction string

const (
	ConfidenceAccept ConfidenceAction = "ACCEPT"
	ConfidenceReview ConfidenceAction = "REVIEW"
	ConfidenceReject ConfidenceAction = "REJECT"
)

// ClassifyConfidence places a detection confidence into accept, review or
// reject bands.
func ClassifyConfidence(confidence, reviewBelow, rejectBelow float64) ConfidenceAction {
	switch {
	case confidence >= reviewBelow:
		return ConfidenceAccept
	case confidence >= rejectBelow:
		return ConfidenceReview
	}
	return ConfidenceReject
}
