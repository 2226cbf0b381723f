package utils

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DetectionIDPrefix = "DET"
	EventIDPrefix     = "EVT"
	SessionIDPrefix   = "SES"
	AlertIDPrefix     = "ALR"
	ReviewIDPrefix    = "REV"
)

// NewID builds a sortable, human-readable id such as DET-20260301-080000-1A2B3C4D.
func NewID(prefix string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return prefix + "-" + at.UTC().Format("20060102-150405") + "-" + suffix
}
