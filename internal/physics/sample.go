package physics

import (
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

// ObjectState is the coarse simulation state of a rigid body.
type ObjectState uint8

const (
	Uninitialized ObjectState = iota
	Dynamic
	Kinematic
	Sleeping
)

func (s ObjectState) String() string {
	switch s {
	case Dynamic:
		return "DYNAMIC"
	case Kinematic:
		return "KINEMATIC"
	case Sleeping:
		return "SLEEPING"
	default:
		return "UNINITIALIZED"
	}
}

// Sample is the comparable state of one body at one frame. Samples are values;
// once recorded they are never mutated in place.
type Sample struct {
	State           ObjectState
	Position        mgl64.Vec3
	Rotation        mgl64.Quat
	LinearVelocity  mgl64.Vec3
	AngularVelocity mgl64.Vec3
}

// Tolerances are the per-component thresholds used by Compare. Rotation is
// the angular error in radians.
type Tolerances struct {
	Position        float32
	Rotation        float32
	LinearVelocity  float32
	AngularVelocity float32
}

// Mismatch is a bitmask of the components that exceeded their tolerance.
type Mismatch uint8

const (
	MismatchState Mismatch = 1 << iota
	MismatchPosition
	MismatchRotation
	MismatchLinearVelocity
	MismatchAngularVelocity
)

func (m Mismatch) Any() bool { return m != 0 }

func (m Mismatch) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	if m&MismatchState != 0 {
		parts = append(parts, "state")
	}
	if m&MismatchPosition != 0 {
		parts = append(parts, "pos")
	}
	if m&MismatchRotation != 0 {
		parts = append(parts, "rot")
	}
	if m&MismatchLinearVelocity != 0 {
		parts = append(parts, "linvel")
	}
	if m&MismatchAngularVelocity != 0 {
		parts = append(parts, "angvel")
	}
	return strings.Join(parts, "|")
}

// Compare reports which components of remote differ from local by strictly
// more than the configured tolerance. A differing object state always counts.
func (t Tolerances) Compare(local, remote Sample) Mismatch {
	var m Mismatch
	if local.State != remote.State {
		m |= MismatchState
	}
	if local.Position.Sub(remote.Position).Len() > float64(t.Position) {
		m |= MismatchPosition
	}
	if local.LinearVelocity.Sub(remote.LinearVelocity).Len() > float64(t.LinearVelocity) {
		m |= MismatchLinearVelocity
	}
	if local.AngularVelocity.Sub(remote.AngularVelocity).Len() > float64(t.AngularVelocity) {
		m |= MismatchAngularVelocity
	}
	if AngularError(local.Rotation, remote.Rotation) > float64(t.Rotation) {
		m |= MismatchRotation
	}
	return m
}

// AngularError returns the smallest rotation angle in radians taking a to b.
// q and -q describe the same orientation and yield zero.
func AngularError(a, b mgl64.Quat) float64 {
	a = normalizeQuat(a)
	b = normalizeQuat(b)
	d := math.Abs(a.Dot(b))
	if d >= 1 {
		return 0
	}
	return 2 * math.Acos(d)
}

// PositionError is the distance between the two samples' positions.
func PositionError(a, b Sample) float64 {
	return a.Position.Sub(b.Position).Len()
}

func normalizeQuat(q mgl64.Quat) mgl64.Quat {
	if q.Len() == 0 {
		return mgl64.QuatIdent()
	}
	return q.Normalize()
}
