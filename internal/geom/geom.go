// Package geom provides the vector, rotation and pose types shared by the
// planner, sensors and dataset writer.
//
// The frame is Y-up with +Z forward and +X right. Angles are degrees. A
// positive yaw turns clockwise seen from above, so yaw 90 faces +X.
package geom

import (
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vec3 is a point or direction in world space.
type Vec3 = r3.Vec

var (
	Forward = Vec3{Z: 1}
	Right   = Vec3{X: 1}
	Up      = Vec3{Y: 1}
	Down    = Vec3{Y: -1}
)

// Deg2Rad converts degrees to radians.
func Deg2Rad(deg float64) float64 { return deg * math.Pi / 180 }

// NormalizeDegrees maps deg into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d = 0
	}
	return d + 0 // drop negative zero
}

// RotateYaw rotates v about +Y by deg.
func RotateYaw(v Vec3, deg float64) Vec3 {
	return r3.NewRotation(Deg2Rad(deg), Up).Rotate(v)
}

// DirectionFromYaw is the horizontal unit vector a body with the given yaw
// faces.
func DirectionFromYaw(deg float64) Vec3 {
	return RotateYaw(Forward, deg)
}

// YawFromDirection returns the yaw in [0, 360) that faces the horizontal
// component of d.
func YawFromDirection(d Vec3) float64 {
	return NormalizeDegrees(math.Atan2(d.X, d.Z) * 180 / math.Pi)
}

// HorizontalDistance is the distance between a and b ignoring height.
func HorizontalDistance(a, b Vec3) float64 {
	return math.Hypot(a.X-b.X, a.Z-b.Z)
}

// Euler holds rotation angles in degrees about X (pitch), Y (yaw) and Z
// (roll), applied roll first, then pitch, then yaw.
type Euler struct {
	X, Y, Z float64
}

// Normalized returns e with every angle in [0, 360).
func (e Euler) Normalized() Euler {
	return Euler{NormalizeDegrees(e.X), NormalizeDegrees(e.Y), NormalizeDegrees(e.Z)}
}

// Rotate applies the rotation to v.
func (e Euler) Rotate(v Vec3) Vec3 {
	v = r3.NewRotation(Deg2Rad(e.Z), Forward).Rotate(v)
	v = r3.NewRotation(Deg2Rad(e.X), Right).Rotate(v)
	return r3.NewRotation(Deg2Rad(e.Y), Up).Rotate(v)
}

// Vec returns the angles as a vector for formatting.
func (e Euler) Vec() Vec3 { return Vec3{X: e.X, Y: e.Y, Z: e.Z} }

// Pose is a position plus orientation.
type Pose struct {
	Position Vec3
	Rotation Euler
}

// NewPose returns a pose at p with the given yaw and no pitch or roll.
func NewPose(p Vec3, yaw float64) Pose {
	return Pose{Position: p, Rotation: Euler{Y: NormalizeDegrees(yaw)}}
}

// Yaw returns the heading in [0, 360).
func (p Pose) Yaw() float64 { return NormalizeDegrees(p.Rotation.Y) }

// Forward returns the unit vector the pose faces.
func (p Pose) Forward() Vec3 { return p.Rotation.Rotate(Forward) }

// Compose places a pose given relative to p into p's parent frame.
func (p Pose) Compose(local Pose) Pose {
	return Pose{
		Position: r3.Add(p.Position, p.Rotation.Rotate(local.Position)),
		Rotation: Euler{
			X: local.Rotation.X + p.Rotation.X,
			Y: local.Rotation.Y + p.Rotation.Y,
			Z: local.Rotation.Z + p.Rotation.Z,
		}.Normalized(),
	}
}

// FormatVec renders v as "(x, y, z)" with prec decimal places.
func FormatVec(v Vec3, prec int) string {
	var b strings.Builder
	b.WriteByte('(')
	b.WriteString(formatFloat(v.X, prec))
	b.WriteString(", ")
	b.WriteString(formatFloat(v.Y, prec))
	b.WriteString(", ")
	b.WriteString(formatFloat(v.Z, prec))
	b.WriteByte(')')
	return b.String()
}

// F6 renders v with six decimal places, the precision of the dataset logs.
func F6(v Vec3) string { return FormatVec(v, 6) }

// TransformString renders a pose as six comma-separated values with fifteen
// decimals: position x, y, z then rotation x, y, z.
func TransformString(p Pose) string {
	r := p.Rotation.Normalized()
	vals := []float64{p.Position.X, p.Position.Y, p.Position.Z, r.X, r.Y, r.Z}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = formatFloat(v, 15)
	}
	return strings.Join(parts, ",")
}

func formatFloat(f float64, prec int) string {
	if f == 0 {
		f = 0 // drop negative zero
	}
	return strconv.FormatFloat(f, 'f', prec, 64)
}
