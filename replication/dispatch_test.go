package replication

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/automoto/grabsync/shared/history"
	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/protocol"
)

type mapTargets map[netconfig.ObjectID]*ObjectData

func (m mapTargets) Lookup(id netconfig.ObjectID) (*Replica, *Arbiter, bool) {
	d, ok := m[id]
	if !ok {
		return nil, nil, false
	}
	return d.Replica, d.Arbiter, true
}

func newTestDispatcher(ids ...netconfig.ObjectID) (*Dispatcher, mapTargets, protocol.Codec) {
	c := protocol.NewCodec(512, 20)
	targets := mapTargets{}
	for _, id := range ids {
		replica := NewReplica(id, 16, history.DefaultQuery(250*time.Millisecond), 100*time.Millisecond)
		arbiter := NewArbiter(replica, &recordingOutbox{}, ArbiterConfig{Self: 1, GrabTimeout: time.Second, ReleaseTimeout: time.Second, Logger: quiet})
		targets[id] = &ObjectData{ID: id, Replica: replica, Arbiter: arbiter}
	}
	return NewDispatcher(c, NewClockSync(), targets, quiet), targets, c
}

func TestDispatchUnknownObjectSkipped(t *testing.T) {
	d, targets, c := newTestDispatcher(1)
	p := packet(t, c, 2, 100,
		protocol.PoseUpdate{Kind: protocol.TagPositionRotation, ObjectID: 99, Position: mgl64.Vec3{1, 1, 1}, Rotation: mgl64.QuatIdent()},
		protocol.PoseUpdate{Kind: protocol.TagPositionRotation, ObjectID: 1, Position: mgl64.Vec3{2, 2, 2}, Rotation: mgl64.QuatIdent()},
	)

	res := d.Dispatch(p, protocol.Unreliable, time.Second)
	if res.Applied != 1 || res.Skipped != 1 || res.Err != nil {
		t.Fatalf("result = %+v, want 1 applied 1 skipped", res)
	}
	if got := targets[1].Replica.history.Len(); got != 1 {
		t.Fatalf("object 1 has %d samples, want 1", got)
	}
}

func TestDispatchMalformedDropsRemainder(t *testing.T) {
	d, targets, c := newTestDispatcher(1)
	p := packet(t, c, 2, 100,
		protocol.PoseUpdate{Kind: protocol.TagPositionRotation, ObjectID: 1, Position: mgl64.Vec3{1, 0, 0}, Rotation: mgl64.QuatIdent()},
		protocol.PoseUpdate{Kind: protocol.TagPositionRotationVelocity, ObjectID: 1, Position: mgl64.Vec3{2, 0, 0}, Rotation: mgl64.QuatIdent()},
	)
	p = p[:len(p)-3]

	res := d.Dispatch(p, protocol.Unreliable, time.Second)
	if res.Applied != 1 {
		t.Fatalf("applied = %d, want 1", res.Applied)
	}
	if !IsMalformed(res.Err) {
		t.Fatalf("err = %v, want malformed", res.Err)
	}
	if got := targets[1].Replica.history.Len(); got != 1 {
		t.Fatalf("object has %d samples, want 1", got)
	}
}

func TestDispatchBadHeader(t *testing.T) {
	d, _, _ := newTestDispatcher(1)
	res := d.Dispatch([]byte{protocol.Version, 0, 0}, protocol.Reliable, 0)
	if !IsMalformed(res.Err) {
		t.Fatalf("err = %v, want malformed", res.Err)
	}
	res = d.Dispatch([]byte{protocol.Version + 1, 0, 0, 0, 0, 0, 0, 0, 0}, protocol.Reliable, 0)
	if !IsMalformed(res.Err) {
		t.Fatalf("err = %v, want version error", res.Err)
	}
}

func TestDispatchReliableTagOnUnreliableChannel(t *testing.T) {
	d, targets, c := newTestDispatcher(1)
	p := packet(t, c, 0, 100, protocol.GrabGrant{ObjectID: 1, Owner: 2})

	res := d.Dispatch(p, protocol.Unreliable, time.Second)
	if res.Applied != 0 || res.Skipped != 1 {
		t.Fatalf("result = %+v, want skipped", res)
	}
	if st := targets[1].Arbiter.State(); st != netconfig.Free {
		t.Fatalf("state = %s, want Free", st)
	}

	res = d.Dispatch(p, protocol.Reliable, time.Second)
	if res.Applied != 1 {
		t.Fatalf("result = %+v, want applied", res)
	}
	if st := targets[1].Arbiter.State(); st != netconfig.OwnedOther {
		t.Fatalf("state = %s, want OwnedOther", st)
	}
}

func TestDispatchPositionOnlyKeepsRotation(t *testing.T) {
	d, targets, c := newTestDispatcher(1)
	rot := mgl64.QuatRotate(0.7, mgl64.Vec3{0, 0, 1})
	d.Dispatch(packet(t, c, 2, 100,
		protocol.PoseUpdate{Kind: protocol.TagPositionRotation, ObjectID: 1, Rotation: rot},
	), protocol.Unreliable, time.Second)
	d.Dispatch(packet(t, c, 2, 150,
		protocol.PoseUpdate{Kind: protocol.TagPositionOnly, ObjectID: 1, Position: mgl64.Vec3{5, 0, 0}},
	), protocol.Unreliable, time.Second+50*time.Millisecond)

	newest, ok := targets[1].Replica.history.Newest()
	if !ok {
		t.Fatal("no samples")
	}
	if !nearVec(newest.Position, mgl64.Vec3{5, 0, 0}, 1e-9) {
		t.Fatalf("position = %v", newest.Position)
	}
	if !nearRotation(newest.Rotation, rot, 0.2) {
		t.Fatalf("rotation = %v, want carried forward %v", newest.Rotation, rot)
	}
}

func TestDispatchOutOfOrderAccepted(t *testing.T) {
	d, targets, c := newTestDispatcher(1)
	update := func(x float64) protocol.PoseUpdate {
		return protocol.PoseUpdate{Kind: protocol.TagPositionRotation, ObjectID: 1, Position: mgl64.Vec3{x, 0, 0}, Rotation: mgl64.QuatIdent()}
	}
	d.Dispatch(packet(t, c, 2, 200, update(2)), protocol.Unreliable, time.Second)
	d.Dispatch(packet(t, c, 2, 100, update(1)), protocol.Unreliable, time.Second+10*time.Millisecond)
	d.Dispatch(packet(t, c, 2, 200, update(2)), protocol.Unreliable, time.Second+20*time.Millisecond)

	r := targets[1].Replica
	if r.history.Len() != 3 {
		t.Fatalf("history holds %d samples, want 3", r.history.Len())
	}
	// sender time 150ms maps halfway between the two distinct samples
	got, ok := r.poseAt(time.Second - 50*time.Millisecond)
	if !ok || !nearVec(got.Position, mgl64.Vec3{1.5, 0, 0}, 1e-9) {
		t.Fatalf("pose = %v %v, want x=1.5", got.Position, ok)
	}
}

func TestClockSyncKeepsSmallestOffset(t *testing.T) {
	c := NewClockSync()
	if got := c.Observe(2, 1000, 1500*time.Millisecond); got != 1500*time.Millisecond {
		t.Fatalf("first observe = %s", got)
	}
	if got := c.Observe(2, 1100, 1550*time.Millisecond); got != 1550*time.Millisecond {
		t.Fatalf("faster packet = %s", got)
	}
	if got := c.Observe(2, 1200, 1800*time.Millisecond); got != 1650*time.Millisecond {
		t.Fatalf("delayed packet = %s, want 1650ms", got)
	}
}

func TestClockSyncPrunesSilentSenders(t *testing.T) {
	c := NewClockSync()
	c.Observe(2, 0, 100*time.Millisecond)
	c.Observe(3, 0, 5*time.Second)

	if n := c.Prune(time.Second); n != 1 || c.Len() != 1 {
		t.Fatalf("pruned %d, %d left; want 1 and 1", n, c.Len())
	}
	// a returning sender starts over with its current offset
	if got := c.Observe(2, 1000, 9*time.Second); got != 9*time.Second {
		t.Fatalf("relearned = %s, want 9s", got)
	}
}

func TestDispatchWakeFollowsSenderClock(t *testing.T) {
	d, targets, c := newTestDispatcher(1)
	update := func(kind protocol.Tag, id netconfig.ObjectID, x float64) protocol.PoseUpdate {
		return protocol.PoseUpdate{Kind: kind, ObjectID: id, Position: mgl64.Vec3{x, 0, 0}, Rotation: mgl64.QuatIdent()}
	}
	r := targets[1].Replica

	d.Dispatch(packet(t, c, 2, 1000, update(protocol.TagPositionRotationAtRest, 1, 1)), protocol.Reliable, 2*time.Second)
	// a quicker packet drops sender 2's offset from 1000ms to 600ms
	d.Dispatch(packet(t, c, 2, 1500, update(protocol.TagPositionRotation, 99, 0)), protocol.Unreliable, 2100*time.Millisecond)

	d.Dispatch(packet(t, c, 2, 990, update(protocol.TagPositionRotation, 1, 0)), protocol.Unreliable, 2200*time.Millisecond)
	if !r.AtRest() {
		t.Fatal("motion sent before the rest update woke the object")
	}
	// maps to 1610ms locally, before the rest sample, yet was sent after it
	d.Dispatch(packet(t, c, 2, 1010, update(protocol.TagPositionRotation, 1, 2)), protocol.Unreliable, 2300*time.Millisecond)
	if r.AtRest() {
		t.Fatal("motion sent after the rest update did not wake the object")
	}
}
