package replication

import (
	"sync/atomic"
	"time"

	"github.com/automoto/grabsync/shared/history"
	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/pose"
)

// Replica is the local copy of one replicated object. It is mutated only on
// the tick goroutine; readers use the published View.
type Replica struct {
	id                 netconfig.ObjectID
	history            *history.Buffer
	query              history.Query
	authoritative      bool
	local              pose.Snapshot
	hasLocal           bool
	localDirty         bool
	renderDelay        time.Duration
	atRest             bool
	rest               pose.Snapshot
	restFrom           sampleOrigin
	lastConfirmedOwner netconfig.ParticipantID

	published atomic.Pointer[View]
}

// View is an immutable copy of a replica's committed state.
type View struct {
	ID            netconfig.ObjectID
	Samples       []pose.Snapshot
	Authoritative bool
	Local         pose.Snapshot
	HasLocal      bool
	AtRest        bool
	Rest          pose.Snapshot
	State         netconfig.OwnershipState
	Owner         netconfig.ParticipantID
	query         history.Query
}

// sampleOrigin places a received sample on its sender's own clock.
type sampleOrigin struct {
	sender netconfig.ParticipantID
	sentAt uint32 // milliseconds
	known  bool
}

// NewReplica creates an empty replica. renderDelay is how far behind the
// session clock the renderer samples history.
func NewReplica(id netconfig.ObjectID, capacity int, query history.Query, renderDelay time.Duration) *Replica {
	r := &Replica{
		id:          id,
		history:     history.NewBuffer(capacity),
		query:       query,
		renderDelay: renderDelay,
	}
	r.publish(netconfig.Free, netconfig.NoParticipant)
	return r
}

func (r *Replica) ID() netconfig.ObjectID { return r.id }

func (r *Replica) LocallyAuthoritative() bool { return r.authoritative }

func (r *Replica) LastConfirmedOwner() netconfig.ParticipantID { return r.lastConfirmedOwner }

// OnReceive stores an inbound sample. Stale and duplicate samples are kept;
// RenderPose sorts them out by timestamp.
func (r *Replica) OnReceive(s pose.Snapshot) { r.receive(s, sampleOrigin{}) }

// OnRest stores a settled sample and serves it until newer motion arrives.
func (r *Replica) OnRest(s pose.Snapshot) { r.settle(s, sampleOrigin{}) }

func (r *Replica) receive(s pose.Snapshot, from sampleOrigin) {
	r.history.Add(s)
	if r.atRest && r.orderAgainstRest(s, from) > 0 {
		r.atRest = false
	}
}

func (r *Replica) settle(s pose.Snapshot, from sampleOrigin) {
	s.Velocity = [3]float64{}
	s.AngularVelocity = [3]float64{}
	r.history.Add(s)
	if !r.atRest || r.orderAgainstRest(s, from) >= 0 {
		r.rest = s
		r.restFrom = from
		r.atRest = true
	}
}

// orderAgainstRest compares a sample with the rest sample. Samples from the
// rest sample's sender are ordered on that sender's clock: a later drop in
// its clock offset can map a later send to an earlier local time. Anything
// else falls back to local timestamps.
func (r *Replica) orderAgainstRest(s pose.Snapshot, from sampleOrigin) int {
	if from.known && r.restFrom.known && from.sender == r.restFrom.sender {
		switch d := int32(from.sentAt - r.restFrom.sentAt); {
		case d > 0:
			return 1
		case d < 0:
			return -1
		}
		return 0
	}
	switch {
	case s.Timestamp > r.rest.Timestamp:
		return 1
	case s.Timestamp < r.rest.Timestamp:
		return -1
	}
	return 0
}

// AtRest reports whether the replica is serving a settled pose.
func (r *Replica) AtRest() bool { return r.atRest }

// Latest returns the newest known sample, preferring local state when
// authoritative.
func (r *Replica) Latest() (pose.Snapshot, bool) {
	if r.authoritative && r.hasLocal {
		return r.local, true
	}
	return r.history.Newest()
}

// CaptureLocal records the local simulator's output for an object we are
// authoritative for.
func (r *Replica) CaptureLocal(s pose.Snapshot) error {
	if !r.authoritative {
		return ErrNotAuthoritative
	}
	r.local = s
	r.hasLocal = true
	r.localDirty = true
	return nil
}

// takeLocal returns the captured snapshot if it changed since the last call.
func (r *Replica) takeLocal() (pose.Snapshot, bool) {
	if !r.localDirty {
		return pose.Snapshot{}, false
	}
	r.localDirty = false
	return r.local, true
}

// beginLocalAuthority starts optimistic local simulation from the pose the
// renderer is showing. History and rest state stay untouched while local
// state is layered on top.
func (r *Replica) beginLocalAuthority(now time.Duration) {
	start, ok := r.poseAt(now - r.renderDelay)
	if !ok {
		start = pose.Snapshot{}
	}
	start.Timestamp = now
	r.local = start
	r.hasLocal = true
	r.localDirty = false
	r.authoritative = true
}

// rollbackLocal discards local state. The authoritative history and rest
// state from before the grab, plus anything received since, are served again
// with their original timestamps.
func (r *Replica) rollbackLocal() {
	r.authoritative = false
	r.hasLocal = false
	r.localDirty = false
}

// handOff ends local authority keeping the last local pose as the new
// starting point for remote updates.
func (r *Replica) handOff(now time.Duration) {
	if !r.authoritative {
		return
	}
	last := r.local
	last.Timestamp = now
	hadLocal := r.hasLocal
	r.rollbackLocal()
	if hadLocal {
		r.history.Clear()
		r.history.Add(last)
		r.atRest = false
	}
}

func (r *Replica) setConfirmedOwner(p netconfig.ParticipantID) {
	r.lastConfirmedOwner = p
}

// poseAt evaluates the replica as a renderer would at t.
func (r *Replica) poseAt(t time.Duration) (pose.Snapshot, bool) {
	if r.authoritative && r.hasLocal {
		return r.local, true
	}
	if r.atRest {
		return r.rest, true
	}
	s, res := r.history.RenderPose(t, r.query)
	return s, res != history.NoPose
}

func (r *Replica) publish(state netconfig.OwnershipState, owner netconfig.ParticipantID) {
	r.published.Store(&View{
		ID:            r.id,
		Samples:       r.history.Values(),
		Authoritative: r.authoritative,
		Local:         r.local,
		HasLocal:      r.hasLocal,
		AtRest:        r.atRest,
		Rest:          r.rest,
		State:         state,
		Owner:         owner,
		query:         r.query,
	})
}

// View returns the last committed state. Safe from any goroutine.
func (r *Replica) View() *View {
	return r.published.Load()
}

// QueryPose evaluates the committed state at renderTime. Locally
// authoritative objects return their exact simulated pose.
func (v *View) QueryPose(renderTime time.Duration) (pose.Pose, bool) {
	if v.Authoritative && v.HasLocal {
		return v.Local.Pose(), true
	}
	if v.AtRest {
		return v.Rest.Pose(), true
	}
	s, res := history.RenderPose(v.Samples, renderTime, v.query)
	if res == history.NoPose {
		return pose.Pose{}, false
	}
	return s.Pose(), true
}
