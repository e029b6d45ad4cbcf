package replication

import (
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/automoto/grabsync/config"
	"github.com/automoto/grabsync/shared/history"
	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/pose"
	"github.com/automoto/grabsync/shared/protocol"
)

var quiet = log.New(io.Discard, "", 0)

type recordingOutbox struct {
	msgs []protocol.Message
}

func (o *recordingOutbox) Reliable(m protocol.Message) { o.msgs = append(o.msgs, m) }

func newTestArbiter(self netconfig.ParticipantID) (*Arbiter, *Replica, *recordingOutbox) {
	replica := NewReplica(1, 16, history.DefaultQuery(250*time.Millisecond), 100*time.Millisecond)
	out := &recordingOutbox{}
	a := NewArbiter(replica, out, ArbiterConfig{
		Self:           self,
		GrabTimeout:    2 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		Logger:         quiet,
	})
	return a, replica, out
}

func snapAt(ts time.Duration, x, y, z float64) pose.Snapshot {
	return pose.Snapshot{Timestamp: ts, Position: mgl64.Vec3{x, y, z}, Rotation: mgl64.QuatIdent()}
}

func nearVec(a, b mgl64.Vec3, tol float64) bool {
	return a.Sub(b).Len() <= tol
}

func nearRotation(a, b mgl64.Quat, maxDeg float64) bool {
	return pose.AngleBetween(a, b)*180/math.Pi <= maxDeg
}

type captureTransport struct {
	reliable   [][]byte
	unreliable [][]byte
}

func (c *captureTransport) SendReliable(p []byte) error {
	c.reliable = append(c.reliable, p)
	return nil
}

func (c *captureTransport) SendUnreliable(p []byte) error {
	c.unreliable = append(c.unreliable, p)
	return nil
}

func (c *captureTransport) reset() {
	c.reliable, c.unreliable = nil, nil
}

func testConfig() config.Replication {
	cfg := config.DefaultReplication()
	cfg.QuantizePositions = false
	return cfg
}

func decodeAll(t *testing.T, c protocol.Codec, packets [][]byte) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, p := range packets {
		rd, err := c.NewReader(p)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		for rd.More() {
			m, err := rd.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			out = append(out, m)
		}
	}
	return out
}

func packet(t *testing.T, c protocol.Codec, sender netconfig.ParticipantID, sentAtMs uint32, msgs ...protocol.Message) []byte {
	t.Helper()
	packets := protocol.Pack(c, protocol.Header{Sender: sender, SentAt: sentAtMs}, 1200, msgs)
	if len(packets) != 1 {
		t.Fatalf("Pack produced %d packets, want 1", len(packets))
	}
	return packets[0]
}
