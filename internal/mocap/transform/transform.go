// Package transform maps samples from the tracking server's coordinate
// convention into a consumer's convention.
//
// A Transform is derived once per settings load and applied to every sample.
// Positions are divided by the unit scale, rotated so the source up axis
// lands on the target up axis, then mirrored across the target's mirror axis
// when the two conventions differ in handedness.
package transform

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// Axis is a signed basis axis.
type Axis int

const (
	PosX Axis = iota
	NegX
	PosY
	NegY
	PosZ
	NegZ
)

// ParseAxis accepts "+Z", "-y", "z" and the server's "ZAxisUpwards" forms.
func ParseAxis(s string) (Axis, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	t = strings.TrimSuffix(t, "AXISUPWARDS")
	neg := false
	switch {
	case strings.HasPrefix(t, "+"):
		t = t[1:]
	case strings.HasPrefix(t, "-"):
		neg, t = true, t[1:]
	case strings.HasPrefix(t, "NEGATIVE"):
		neg, t = true, strings.TrimPrefix(t, "NEGATIVE")
	}
	var a Axis
	switch t {
	case "X":
		a = PosX
	case "Y":
		a = PosY
	case "Z":
		a = PosZ
	default:
		return 0, fmt.Errorf("invalid axis %q", s)
	}
	if neg {
		a++
	}
	return a, nil
}

// Index returns 0, 1 or 2 for X, Y or Z.
func (a Axis) Index() int { return int(a) / 2 }

// Negative reports whether the axis points down its basis vector.
func (a Axis) Negative() bool { return int(a)%2 == 1 }

// Vec returns the unit vector of the axis.
func (a Axis) Vec() r3.Vec {
	var v r3.Vec
	s := 1.0
	if a.Negative() {
		s = -1
	}
	switch a.Index() {
	case 0:
		v.X = s
	case 1:
		v.Y = s
	default:
		v.Z = s
	}
	return v
}

func (a Axis) String() string {
	sign := "+"
	if a.Negative() {
		sign = "-"
	}
	return sign + string("XYZ"[a.Index()])
}

// Handedness of a coordinate system.
type Handedness int

const (
	RightHanded Handedness = iota
	LeftHanded
)

// ParseHandedness accepts "right" or "left".
func ParseHandedness(s string) (Handedness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "right", "right-handed", "rh":
		return RightHanded, nil
	case "left", "left-handed", "lh":
		return LeftHanded, nil
	}
	return 0, fmt.Errorf("invalid handedness %q", s)
}

func (h Handedness) String() string {
	if h == LeftHanded {
		return "left"
	}
	return "right"
}

// Convention describes a coordinate system. Mirror is the axis negated when
// converting to a system of the other handedness; only its index is used.
type Convention struct {
	Up         Axis
	Handedness Handedness
	Mirror     Axis
}

// Source returns the tracking server's right-handed convention for an up axis.
func Source(up Axis) Convention {
	return Convention{Up: up, Handedness: RightHanded, Mirror: PosZ}
}

// UnityTarget is the left-handed, Y-up convention with Z mirrored.
func UnityTarget() Convention {
	return Convention{Up: PosY, Handedness: LeftHanded, Mirror: PosZ}
}

// Transform is an immutable mapping from one convention to another.
type Transform struct {
	rot    r3.Rotation
	inv    r3.Rotation
	mirror int // axis index to negate, or -1
	scale  float64
	source Convention
	target Convention
}

// MillimetresPerMetre is the default unit scale.
const MillimetresPerMetre = 1000

// New derives the transform from source to target. Positions are divided by
// unitsPerTarget; it must be positive.
func New(source, target Convention, unitsPerTarget float64) (Transform, error) {
	if !(unitsPerTarget > 0) || math.IsInf(unitsPerTarget, 0) {
		return Transform{}, fmt.Errorf("unit scale must be positive and finite, got %v", unitsPerTarget)
	}
	rot := shortestArc(source.Up.Vec(), target.Up.Vec())
	t := Transform{
		rot:    rot,
		inv:    r3.Rotation(quat.Conj(quat.Number(rot))),
		mirror: -1,
		scale:  unitsPerTarget,
		source: source,
		target: target,
	}
	if source.Handedness != target.Handedness {
		t.mirror = target.Mirror.Index()
	}
	return t, nil
}

// Identity returns a transform that leaves every sample unchanged.
func Identity(c Convention) Transform {
	t, _ := New(c, c, 1)
	return t
}

// shortestArc returns the rotation taking unit vector from onto unit vector to.
// Opposite vectors rotate half a turn about a perpendicular basis axis.
func shortestArc(from, to r3.Vec) r3.Rotation {
	d := r3.Dot(from, to)
	switch {
	case d > 1-1e-12:
		return r3.Rotation(quat.Number{Real: 1})
	case d < -1+1e-12:
		axis := r3.Cross(from, r3.Vec{X: 1})
		if r3.Norm(axis) < 1e-6 {
			axis = r3.Cross(from, r3.Vec{Y: 1})
		}
		return r3.NewRotation(math.Pi, r3.Unit(axis))
	}
	return r3.NewRotation(math.Acos(d), r3.Unit(r3.Cross(from, to)))
}

func (t Transform) reflect(v r3.Vec) r3.Vec {
	switch t.mirror {
	case 0:
		v.X = -v.X
	case 1:
		v.Y = -v.Y
	case 2:
		v.Z = -v.Z
	}
	return v
}

// reflectQuat conjugates a rotation by the mirror: the vector components
// off the mirror axis change sign.
func (t Transform) reflectQuat(q quat.Number) quat.Number {
	switch t.mirror {
	case 0:
		q.Jmag, q.Kmag = -q.Jmag, -q.Kmag
	case 1:
		q.Imag, q.Kmag = -q.Imag, -q.Kmag
	case 2:
		q.Imag, q.Jmag = -q.Imag, -q.Jmag
	}
	return q
}

// Position maps a source position into target units and axes.
func (t Transform) Position(p record.Vec3) record.Vec3 {
	v := r3.Scale(1/t.scale, toR3(p))
	return fromR3(t.reflect(t.rot.Rotate(v)))
}

// Direction maps a direction without rescaling it.
func (t Transform) Direction(d record.Vec3) record.Vec3 {
	return fromR3(t.reflect(t.rot.Rotate(toR3(d))))
}

// Rotation maps a source orientation into the target convention.
func (t Transform) Rotation(q record.Quat) record.Quat {
	return fromQuat(t.reflectQuat(quat.Mul(quat.Number(t.rot), toQuat(q))))
}

// InversePosition undoes Position.
func (t Transform) InversePosition(p record.Vec3) record.Vec3 {
	v := t.inv.Rotate(t.reflect(toR3(p)))
	return fromR3(r3.Scale(t.scale, v))
}

// InverseDirection undoes Direction.
func (t Transform) InverseDirection(d record.Vec3) record.Vec3 {
	return fromR3(t.inv.Rotate(t.reflect(toR3(d))))
}

// InverseRotation undoes Rotation.
func (t Transform) InverseRotation(q record.Quat) record.Quat {
	return fromQuat(quat.Mul(quat.Number(t.inv), t.reflectQuat(toQuat(q))))
}

// Source returns the convention samples are mapped from.
func (t Transform) Source() Convention { return t.source }

// Target returns the convention samples are mapped to.
func (t Transform) Target() Convention { return t.target }

// Scale returns the unit divisor.
func (t Transform) Scale() float64 { return t.scale }

func toR3(v record.Vec3) r3.Vec   { return r3.Vec{X: v.X, Y: v.Y, Z: v.Z} }
func fromR3(v r3.Vec) record.Vec3 { return record.Vec3{X: v.X, Y: v.Y, Z: v.Z} }

func toQuat(q record.Quat) quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromQuat(q quat.Number) record.Quat {
	return record.Quat{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real}
}
