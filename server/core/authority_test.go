package core

import (
	"io"
	"log"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/protocol"
	"github.com/automoto/grabsync/shared/scene"
)

var quiet = log.New(io.Discard, "", 0)

func testObjects() []scene.Object {
	return []scene.Object{
		{ID: 7, Name: "mug", Position: mgl64.Vec3{1, 0, 0}, Rotation: mgl64.QuatIdent()},
		{ID: 9, Name: "plate", Position: mgl64.Vec3{0, 0, 1}, Rotation: mgl64.QuatIdent()},
	}
}

func newTestAuthority(participants ...netconfig.ParticipantID) *Authority {
	a := NewAuthority(testObjects(), NewMetrics(), quiet)
	for _, p := range participants {
		a.Join(p)
	}
	return a
}

func grab(a *Authority, from netconfig.ParticipantID, id netconfig.ObjectID) []Outgoing {
	return a.Handle(from, protocol.Reliable, protocol.Header{Sender: from}, protocol.Header{}, protocol.GrabRequest{ObjectID: id, Requester: from})
}

func release(a *Authority, from netconfig.ParticipantID, id netconfig.ObjectID) []Outgoing {
	return a.Handle(from, protocol.Reliable, protocol.Header{Sender: from}, protocol.Header{}, protocol.ReleaseRequest{ObjectID: id, Requester: from})
}

func TestAuthorityFirstGrabWins(t *testing.T) {
	a := newTestAuthority(1, 2)

	out := grab(a, 1, 7)
	if len(out) != 1 || out[0].To != netconfig.NoParticipant {
		t.Fatalf("grant should be broadcast: %+v", out)
	}
	if g, ok := out[0].Message.(protocol.GrabGrant); !ok || g.Owner != 1 {
		t.Fatalf("message = %#v, want grant to 1", out[0].Message)
	}

	out = grab(a, 2, 7)
	if len(out) != 1 || out[0].To != 2 {
		t.Fatalf("deny should go to the loser only: %+v", out)
	}
	if d, ok := out[0].Message.(protocol.GrabDeny); !ok || d.Owner != 1 {
		t.Fatalf("message = %#v, want deny naming 1", out[0].Message)
	}

	// repeated grab by the owner is answered, not re-broadcast
	out = grab(a, 1, 7)
	if len(out) != 1 || out[0].To != 1 {
		t.Fatalf("repeat grab: %+v", out)
	}

	if a.Owner(7) != 1 {
		t.Fatalf("owner = %d, want 1", a.Owner(7))
	}
	if got := testutil.ToFloat64(a.metrics.Grants); got != 1 {
		t.Fatalf("grants = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.metrics.Denies); got != 1 {
		t.Fatalf("denies = %v, want 1", got)
	}
}

func TestAuthorityRelease(t *testing.T) {
	a := newTestAuthority(1, 2)
	grab(a, 1, 7)

	out := release(a, 2, 7)
	if len(out) != 1 || out[0].To != 2 {
		t.Fatalf("release by non-owner: %+v", out)
	}
	if g, ok := out[0].Message.(protocol.GrabGrant); !ok || g.Owner != 1 {
		t.Fatalf("non-owner release should be told the owner: %#v", out[0].Message)
	}

	out = release(a, 1, 7)
	if len(out) != 1 || out[0].To != netconfig.NoParticipant {
		t.Fatalf("release should be broadcast: %+v", out)
	}
	if _, ok := out[0].Message.(protocol.ReleaseConfirm); !ok {
		t.Fatalf("message = %#v, want ReleaseConfirm", out[0].Message)
	}
	if a.Owner(7) != netconfig.NoParticipant {
		t.Fatal("object still owned")
	}

	// releasing a free object confirms to the sender
	out = release(a, 1, 7)
	if len(out) != 1 || out[0].To != 1 {
		t.Fatalf("release of free object: %+v", out)
	}
}

func TestAuthorityLeaveReleases(t *testing.T) {
	a := newTestAuthority(1, 2)
	grab(a, 1, 7)
	grab(a, 1, 9)

	out := a.Leave(1, protocol.Header{})
	if len(out) != 2 {
		t.Fatalf("leave produced %d messages, want 2", len(out))
	}
	for _, o := range out {
		if o.Except != 1 {
			t.Fatalf("release notice should skip the leaver: %+v", o)
		}
		if _, ok := o.Message.(protocol.ReleaseConfirm); !ok {
			t.Fatalf("message = %#v, want ReleaseConfirm", o.Message)
		}
	}
	if a.Owner(7) != netconfig.NoParticipant || a.Owner(9) != netconfig.NoParticipant {
		t.Fatal("objects still owned after leave")
	}
	if out := a.Leave(1, protocol.Header{}); out != nil {
		t.Fatalf("second leave: %+v", out)
	}
}

func TestAuthorityPoseOnlyFromOwner(t *testing.T) {
	a := newTestAuthority(1, 2)
	grab(a, 1, 7)

	update := protocol.PoseUpdate{Kind: protocol.TagPositionRotation, ObjectID: 7, Position: mgl64.Vec3{5, 0, 0}, Rotation: mgl64.QuatIdent()}

	if out := a.Handle(2, protocol.Unreliable, protocol.Header{Sender: 2}, protocol.Header{}, update); out != nil {
		t.Fatalf("non-owner update relayed: %+v", out)
	}
	if got := testutil.ToFloat64(a.metrics.Dropped.WithLabelValues("not_owner")); got != 1 {
		t.Fatalf("not_owner drops = %v, want 1", got)
	}

	hdr := protocol.Header{Version: protocol.Version, Sender: 1, SentAt: 1234}
	out := a.Handle(1, protocol.Unreliable, hdr, protocol.Header{}, update)
	if len(out) != 1 || out[0].Except != 1 || out[0].Channel != protocol.Unreliable || out[0].Origin != hdr {
		t.Fatalf("relay = %+v", out)
	}
	st, _ := a.state(7)
	if st.Position != update.Position || st.AtRest {
		t.Fatalf("state = %+v", st)
	}

	rest := update
	rest.Kind = protocol.TagPositionRotationAtRest
	out = a.Handle(1, protocol.Reliable, hdr, protocol.Header{}, rest)
	if len(out) != 1 || out[0].Channel != protocol.Reliable {
		t.Fatalf("rest relay = %+v", out)
	}
	if st, _ := a.state(7); !st.AtRest {
		t.Fatal("object not marked at rest")
	}

	objects := a.Objects()
	if len(objects) != 2 || objects[0].ID != 7 || objects[0].Owner != 1 || !objects[0].AtRest {
		t.Fatalf("objects = %+v", objects)
	}
}

func TestAuthorityDrops(t *testing.T) {
	a := newTestAuthority(1)

	if out := grab(a, 5, 7); out != nil {
		t.Fatal("request from unknown participant accepted")
	}
	if out := grab(a, 1, 99); out != nil {
		t.Fatal("request for unknown object accepted")
	}
	out := a.Handle(1, protocol.Unreliable, protocol.Header{}, protocol.Header{}, protocol.GrabRequest{ObjectID: 7, Requester: 1})
	if out != nil || a.Owner(7) != netconfig.NoParticipant {
		t.Fatal("grab over the unreliable channel accepted")
	}
	out = a.Handle(1, protocol.Reliable, protocol.Header{}, protocol.Header{}, protocol.GrabGrant{ObjectID: 7, Owner: 1})
	if out != nil || a.Owner(7) != netconfig.NoParticipant {
		t.Fatal("grant from a participant accepted")
	}
	for reason, want := range map[string]float64{
		"unknown_participant": 1,
		"unknown_object":      1,
		"wrong_channel":       1,
		"not_accepted":        1,
	} {
		if got := testutil.ToFloat64(a.metrics.Dropped.WithLabelValues(reason)); got != want {
			t.Errorf("%s drops = %v, want %v", reason, got, want)
		}
	}
}
