package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/utils"
)

const (
	DefaultPlateCooldown = 180 * time.Second
	DefaultImageCooldown = 30 * time.Second
)

// Fingerprinter derives a content fingerprint for the image behind a
// detection. An empty fingerprint means there is nothing to compare.
type Fingerprinter interface {
	Fingerprint(ev gate.DetectionEvent) (string, error)
}

// ContentFingerprinter hashes local image files and falls back to hashing the
// reference itself for remote storage.
type ContentFingerprinter struct {
	ReadFile func(name string) ([]byte, error)
}

func (f ContentFingerprinter) Fingerprint(ev gate.DetectionEvent) (string, error) {
	if ev.ImageDigest != "" {
		return strings.ToLower(ev.ImageDigest), nil
	}
	ref := strings.TrimSpace(ev.ImageRef)
	if ref == "" {
		return "", nil
	}

	if strings.Contains(ref, "://") && !strings.HasPrefix(ref, "file://") {
		sum := sha256.Sum256([]byte(ref))
		return hex.EncodeToString(sum[:]), nil
	}

	readFile := f.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	data, err := readFile(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Gate suppresses repeated observations before they reach correlation. Image
// and plate cooldowns are tracked independently; plate cooldowns are per
// camera so the paired camera of a gate is never suppressed by its partner.
type Gate struct {
	store         CooldownStore
	fingerprinter Fingerprinter
	plateCooldown time.Duration
	imageCooldown time.Duration
	log           zerolog.Logger
}

type Option func(*Gate)

func WithFingerprinter(f Fingerprinter) Option {
	return func(g *Gate) { g.fingerprinter = f }
}

func WithCooldowns(plate, image time.Duration) Option {
	return func(g *Gate) {
		if plate > 0 {
			g.plateCooldown = plate
		}
		if image > 0 {
			g.imageCooldown = image
		}
	}
}

func NewGate(store CooldownStore, log zerolog.Logger, opts ...Option) *Gate {
	g := &Gate{
		store:         store,
		fingerprinter: ContentFingerprinter{},
		plateCooldown: DefaultPlateCooldown,
		imageCooldown: DefaultImageCooldown,
		log:           log.With().Str("component", "dedup").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit reports whether a detection should be processed. Any failure to
// fingerprint or to reach the cooldown store admits the detection.
func (g *Gate) Admit(ctx context.Context, ev gate.DetectionEvent) bool {
	fp, err := g.fingerprinter.Fingerprint(ev)
	if err != nil {
		g.log.Warn().
			Err(err).
			Str("camera_id", ev.CameraID).
			Str("image_ref", ev.ImageRef).
			Msg("image fingerprint failed, admitting detection")
	} else if fp != "" {
		if !g.claim(ctx, "img:"+fp, g.imageCooldown, ev) {
			g.log.Info().
				Str("camera_id", ev.CameraID).
				Str("fingerprint", shortFingerprint(fp)).
				Msg("duplicate image suppressed")
			return false
		}
	}

	if ev.HasPlate() {
		key := "plate:" + utils.NormalizeCameraID(ev.CameraID) + ":" + ev.Plate
		if !g.claim(ctx, key, g.plateCooldown, ev) {
			g.log.Info().
				Str("camera_id", ev.CameraID).
				Str("plate", ev.Plate).
				Dur("cooldown", g.plateCooldown).
				Msg("plate seen again within cooldown, suppressed")
			return false
		}
	}

	return true
}

func (g *Gate) claim(ctx context.Context, key string, ttl time.Duration, ev gate.DetectionEvent) bool {
	ok, err := g.store.Claim(ctx, key, ttl)
	if err != nil {
		g.log.Warn().
			Err(err).
			Str("camera_id", ev.CameraID).
			Msg("cooldown store unavailable, admitting detection")
		return true
	}
	return ok
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
