package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/utils"
)

const (
	DefaultVerificationWindow = 5 * time.Second
	DefaultMinMatchScore      = 60
)

var ErrInvalidTopology = errors.New("invalid gate topology")

// GatePair is a gate instrumented with an entry and an exit camera.
type GatePair struct {
	Name                string
	EntryCameraID       string
	ExitCameraID        string
	VerificationWindow  time.Duration
	MinMatchScore       int
	RequireVerification bool
}

// Camera describes a standalone camera that is not part of a pair.
type Camera struct {
	ID        string
	GateName  string
	Direction gate.Direction
}

// Resolution is where a camera sits. Pair is nil for standalone cameras.
type Resolution struct {
	CameraID string
	GateName string
	Role     gate.Direction
	Pair     *GatePair
}

// Paired reports whether detections from this camera go through dual-camera
// verification.
func (r Resolution) Paired() bool {
	return r.Pair != nil && r.Pair.RequireVerification
}

type cameraRef struct {
	pair *GatePair
	role gate.Direction
}

type Topology struct {
	pairs      map[string]*GatePair
	cameras    map[string]cameraRef
	standalone map[string]Camera

	defaultDirection gate.Direction
}

type Option func(*Topology)

// WithDefaultDirection sets the role of standalone cameras whose direction is
// neither configured nor derivable from their id.
func WithDefaultDirection(d gate.Direction) Option {
	return func(t *Topology) { t.defaultDirection = d }
}

func New(pairs []GatePair, standalone []Camera, opts ...Option) (*Topology, error) {
	t := &Topology{
		pairs:      make(map[string]*GatePair, len(pairs)),
		cameras:    make(map[string]cameraRef, 2*len(pairs)),
		standalone: make(map[string]Camera, len(standalone)),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.defaultDirection != "" && !t.defaultDirection.Valid() {
		return nil, fmt.Errorf("%w: default direction %q", ErrInvalidTopology, t.defaultDirection)
	}

	for i := range pairs {
		p := pairs[i]
		p.Name = strings.ToUpper(strings.TrimSpace(p.Name))
		if p.Name == "" {
			return nil, fmt.Errorf("%w: gate name is required", ErrInvalidTopology)
		}
		if p.EntryCameraID == "" || p.ExitCameraID == "" {
			return nil, fmt.Errorf("%w: gate %s needs both entry_camera_id and exit_camera_id", ErrInvalidTopology, p.Name)
		}
		if utils.NormalizeCameraID(p.EntryCameraID) == utils.NormalizeCameraID(p.ExitCameraID) {
			return nil, fmt.Errorf("%w: gate %s uses the same camera for entry and exit", ErrInvalidTopology, p.Name)
		}
		if _, dup := t.pairs[p.Name]; dup {
			return nil, fmt.Errorf("%w: gate %s defined twice", ErrInvalidTopology, p.Name)
		}
		if p.VerificationWindow <= 0 {
			p.VerificationWindow = DefaultVerificationWindow
		}
		if p.MinMatchScore <= 0 {
			p.MinMatchScore = DefaultMinMatchScore
		}

		pair := &p
		t.pairs[p.Name] = pair
		for _, ref := range []struct {
			id   string
			role gate.Direction
		}{
			{p.EntryCameraID, gate.DirectionEntry},
			{p.ExitCameraID, gate.DirectionExit},
		} {
			key := utils.NormalizeCameraID(ref.id)
			if existing, dup := t.cameras[key]; dup {
				return nil, fmt.Errorf("%w: camera %s belongs to gates %s and %s", ErrInvalidTopology, ref.id, existing.pair.Name, p.Name)
			}
			t.cameras[key] = cameraRef{pair: pair, role: ref.role}
		}
	}

	for _, c := range standalone {
		key := utils.NormalizeCameraID(c.ID)
		if key == "" {
			return nil, fmt.Errorf("%w: standalone camera id is required", ErrInvalidTopology)
		}
		if _, paired := t.cameras[key]; paired {
			return nil, fmt.Errorf("%w: camera %s is both paired and standalone", ErrInvalidTopology, c.ID)
		}
		if c.Direction != "" && !c.Direction.Valid() {
			return nil, fmt.Errorf("%w: camera %s has direction %q", ErrInvalidTopology, c.ID, c.Direction)
		}
		if c.Direction == "" && directionFromName(key) == "" && t.defaultDirection == "" {
			return nil, fmt.Errorf("%w: camera %s needs a direction", ErrInvalidTopology, c.ID)
		}
		c.GateName = strings.ToUpper(c.GateName)
		t.standalone[key] = c
	}

	return t, nil
}

// Resolve places a camera in the topology. Cameras outside any pair are
// standalone; their direction comes from configuration, then the camera id
// naming convention, then the default direction. ok is false when none of
// those yields one.
func (t *Topology) Resolve(cameraID string) (Resolution, bool) {
	key := utils.NormalizeCameraID(cameraID)
	if ref, found := t.cameras[key]; found {
		return Resolution{
			CameraID: cameraID,
			GateName: ref.pair.Name,
			Role:     ref.role,
			Pair:     ref.pair,
		}, true
	}

	res := Resolution{CameraID: cameraID}
	if c, found := t.standalone[key]; found {
		res.GateName = c.GateName
		res.Role = c.Direction
	}
	if res.Role == "" {
		res.Role = directionFromName(key)
	}
	if res.Role == "" {
		res.Role = t.defaultDirection
	}
	return res, res.Role != ""
}

// PairedCamera returns the counterpart camera id for a paired camera.
func (t *Topology) PairedCamera(cameraID string) (string, bool) {
	ref, found := t.cameras[utils.NormalizeCameraID(cameraID)]
	if !found {
		return "", false
	}
	if ref.role == gate.DirectionEntry {
		return ref.pair.ExitCameraID, true
	}
	return ref.pair.EntryCameraID, true
}

func (t *Topology) Pairs() []GatePair {
	out := make([]GatePair, 0, len(t.pairs))
	for _, p := range t.pairs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func directionFromName(id string) gate.Direction {
	for _, part := range strings.FieldsFunc(id, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == ' ' || r == '/'
	}) {
		switch part {
		case "ENTRY", "IN", "ENTRANCE":
			return gate.DirectionEntry
		case "EXIT", "OUT":
			return gate.DirectionExit
		}
	}
	return ""
}
