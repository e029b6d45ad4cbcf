// Package pose holds the timestamped motion sample exchanged between the
// replication layer and the external simulator or renderer.
package pose

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Snapshot is one pose/velocity sample of an object. Timestamp is on the
// local monotonic session clock.
type Snapshot struct {
	Timestamp       time.Duration
	Position        mgl64.Vec3
	Rotation        mgl64.Quat
	Velocity        mgl64.Vec3
	AngularVelocity mgl64.Vec3 // world-space, radians per second
}

// Pose is the renderable part of a Snapshot.
type Pose struct {
	Position mgl64.Vec3
	Rotation mgl64.Quat
}

func (s Snapshot) Pose() Pose {
	return Pose{Position: s.Position, Rotation: s.Rotation}
}

// Resting reports whether both linear and angular speed are below threshold.
func (s Snapshot) Resting(threshold float64) bool {
	return s.Velocity.Len() < threshold && s.AngularVelocity.Len() < threshold
}

// Interpolator blends two samples at fraction t in [0,1]. It is injected into
// history queries so callers can choose the blending policy.
type Interpolator func(from, to Snapshot, t float64) Snapshot

// Blend is the default policy: linear position/velocity and shortest-path
// spherical rotation.
func Blend(from, to Snapshot, t float64) Snapshot {
	return Snapshot{
		Timestamp:       from.Timestamp + time.Duration(float64(to.Timestamp-from.Timestamp)*t),
		Position:        Lerp(from.Position, to.Position, t),
		Rotation:        Slerp(from.Rotation, to.Rotation, t),
		Velocity:        Lerp(from.Velocity, to.Velocity, t),
		AngularVelocity: Lerp(from.AngularVelocity, to.AngularVelocity, t),
	}
}

// Step snaps to the older sample until the newer one is reached. Useful for
// objects whose motion must not be smoothed.
func Step(from, to Snapshot, t float64) Snapshot {
	if t >= 1 {
		return to
	}
	return from
}

func Lerp(a, b mgl64.Vec3, t float64) mgl64.Vec3 {
	return a.Add(b.Sub(a).Mul(t))
}

// Slerp interpolates along the shorter arc between a and b.
func Slerp(a, b mgl64.Quat, t float64) mgl64.Quat {
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}
	if a.Dot(b) < 0 {
		b = b.Scale(-1)
	}
	return mgl64.QuatSlerp(a, b, t).Normalize()
}

// Extrapolate projects s forward by dt using its linear and angular velocity.
func Extrapolate(s Snapshot, dt time.Duration) Snapshot {
	secs := dt.Seconds()
	out := s
	out.Timestamp = s.Timestamp + dt
	out.Position = s.Position.Add(s.Velocity.Mul(secs))

	speed := s.AngularVelocity.Len()
	if speed > 0 {
		axis := s.AngularVelocity.Mul(1 / speed)
		delta := mgl64.QuatRotate(speed*secs, axis)
		out.Rotation = delta.Mul(s.Rotation).Normalize()
	}
	return out
}

// AngleBetween returns the rotation angle in radians separating a and b.
func AngleBetween(a, b mgl64.Quat) float64 {
	dot := math.Abs(a.Normalize().Dot(b.Normalize()))
	if dot > 1 {
		dot = 1
	}
	return 2 * math.Acos(dot)
}
