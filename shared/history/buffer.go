package history

import (
	"time"

	"github.com/automoto/grabsync/shared/pose"
)

// Buffer is the per-object snapshot history.
type Buffer struct {
	*Ring[pose.Snapshot]
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{Ring: NewRing[pose.Snapshot](capacity)}
}

// Query configures RenderPose.
type Query struct {
	Interpolate pose.Interpolator
	// Horizon bounds forward extrapolation past the newest sample. Beyond it
	// the pose freezes at the newest sample.
	Horizon time.Duration
}

// DefaultQuery blends with pose.Blend and extrapolates up to horizon.
func DefaultQuery(horizon time.Duration) Query {
	return Query{Interpolate: pose.Blend, Horizon: horizon}
}

// Result reports how a pose was derived.
type Result int

const (
	NoPose Result = iota
	Exact
	Interpolated
	Extrapolated
	Frozen
	Clamped // target time older than every sample
)

// RenderPose evaluates samples at target. Samples are located by timestamp,
// not insertion order, so stale or duplicated entries never win over newer
// ones.
func RenderPose(samples []pose.Snapshot, target time.Duration, q Query) (pose.Snapshot, Result) {
	if len(samples) == 0 {
		return pose.Snapshot{}, NoPose
	}
	if q.Interpolate == nil {
		q.Interpolate = pose.Blend
	}

	oldest, newest := samples[0], samples[0]
	var older, newer *pose.Snapshot
	for i := range samples {
		s := &samples[i]
		if s.Timestamp < oldest.Timestamp {
			oldest = *s
		}
		// ties keep the later insertion so re-sent samples win
		if s.Timestamp >= newest.Timestamp {
			newest = *s
		}
		if s.Timestamp <= target && (older == nil || s.Timestamp >= older.Timestamp) {
			older = s
		}
		if s.Timestamp >= target && (newer == nil || s.Timestamp <= newer.Timestamp) {
			newer = s
		}
	}

	if len(samples) == 1 {
		return samples[0], Exact
	}
	if target < oldest.Timestamp {
		return oldest, Clamped
	}
	if target > newest.Timestamp {
		dt := target - newest.Timestamp
		if dt > q.Horizon {
			return newest, Frozen
		}
		return pose.Extrapolate(newest, dt), Extrapolated
	}

	if older.Timestamp == target {
		return *older, Exact
	}
	if newer.Timestamp == target {
		return *newer, Exact
	}
	span := newer.Timestamp - older.Timestamp
	t := float64(target-older.Timestamp) / float64(span)
	return q.Interpolate(*older, *newer, t), Interpolated
}

// RenderPose evaluates the buffer contents at target.
func (b *Buffer) RenderPose(target time.Duration, q Query) (pose.Snapshot, Result) {
	if b.Len() == 0 {
		return pose.Snapshot{}, NoPose
	}
	return RenderPose(b.Values(), target, q)
}

// Newest returns the sample with the greatest timestamp.
func (b *Buffer) Newest() (pose.Snapshot, bool) {
	if b.Len() == 0 {
		return pose.Snapshot{}, false
	}
	newest := b.Latest()
	b.Each(func(s pose.Snapshot) bool {
		if s.Timestamp > newest.Timestamp {
			newest = s
		}
		return true
	})
	return newest, true
}
