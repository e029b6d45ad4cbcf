package replication

import (
	"errors"
	"log"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/pose"
	"github.com/automoto/grabsync/shared/protocol"
)

// Targets resolves object ids to their replica and arbiter.
type Targets interface {
	Lookup(id netconfig.ObjectID) (*Replica, *Arbiter, bool)
}

// delivery is where and when a message's packet came in. Pose routes use the
// sample time mapped from the sender's clock; ownership routes use the local
// arrival time.
type delivery struct {
	from       sampleOrigin
	sampleTime time.Duration
	arrival    time.Duration
}

type route func(m protocol.Message, r *Replica, a *Arbiter, in delivery)

// Dispatcher reads tagged messages from inbound packets and routes each to
// the replica (pose updates) or arbiter (ownership messages) of its object.
type Dispatcher struct {
	codec   protocol.Codec
	clock   *ClockSync
	targets Targets
	logger  *log.Logger
	routes  map[protocol.Tag]route
}

// DispatchResult summarizes one packet.
type DispatchResult struct {
	Applied int
	Skipped int
	Err     error // set when the remainder of the packet was dropped
}

func NewDispatcher(c protocol.Codec, clock *ClockSync, targets Targets, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	d := &Dispatcher{codec: c, clock: clock, targets: targets, logger: logger}
	d.routes = map[protocol.Tag]route{
		protocol.TagPositionOnly:             d.applyPose,
		protocol.TagPositionRotation:         d.applyPose,
		protocol.TagPositionRotationVelocity: d.applyPose,
		protocol.TagPositionRotationAtRest:   d.applyRest,
		protocol.TagGrabGrant:                d.applyGrant,
		protocol.TagGrabDeny:                 d.applyDeny,
		protocol.TagReleaseConfirm:           d.applyReleaseConfirm,
	}
	return d
}

// Dispatch applies every message of packet. arrival is the local time the
// packet is applied at; ch is the channel it arrived on.
func (d *Dispatcher) Dispatch(packet []byte, ch protocol.Channel, arrival time.Duration) DispatchResult {
	var res DispatchResult
	rd, err := d.codec.NewReader(packet)
	if err != nil {
		d.logger.Printf("[dispatch] dropping %s packet: %v", ch, err)
		res.Err = err
		return res
	}
	hdr := rd.Header
	in := delivery{
		from:       sampleOrigin{sender: hdr.Sender, sentAt: hdr.SentAt, known: true},
		sampleTime: d.clock.Observe(hdr.Sender, hdr.SentAt, arrival),
		arrival:    arrival,
	}

	for rd.More() {
		msg, err := rd.Next()
		if err != nil {
			d.logger.Printf("[dispatch] malformed %s packet from %d, dropping remainder: %v", ch, hdr.Sender, err)
			res.Err = err
			return res
		}
		tag := msg.Tag()
		if tag.Channel() == protocol.Reliable && ch != protocol.Reliable {
			d.logger.Printf("[dispatch] %s for object %d arrived on %s channel, dropped", tag, msg.Object(), ch)
			res.Skipped++
			continue
		}
		handler, ok := d.routes[tag]
		if !ok {
			d.logger.Printf("[dispatch] no route for %s from %d", tag, hdr.Sender)
			res.Skipped++
			continue
		}
		replica, arbiter, ok := d.targets.Lookup(msg.Object())
		if !ok {
			d.logger.Printf("[dispatch] warning: %s for unknown object %d, dropped", tag, msg.Object())
			res.Skipped++
			continue
		}
		handler(msg, replica, arbiter, in)
		res.Applied++
	}
	return res
}

func (d *Dispatcher) snapshot(m protocol.PoseUpdate, r *Replica, at time.Duration) pose.Snapshot {
	s := pose.Snapshot{
		Timestamp:       at,
		Position:        m.Position,
		Rotation:        m.Rotation,
		Velocity:        m.Velocity,
		AngularVelocity: m.AngularVelocity,
	}
	if !m.HasRotation() {
		s.Rotation = mgl64.QuatIdent()
		if prev, ok := r.history.Newest(); ok {
			s.Rotation = prev.Rotation
		}
	}
	return s
}

func (d *Dispatcher) applyPose(m protocol.Message, r *Replica, _ *Arbiter, in delivery) {
	r.receive(d.snapshot(m.(protocol.PoseUpdate), r, in.sampleTime), in.from)
}

func (d *Dispatcher) applyRest(m protocol.Message, r *Replica, _ *Arbiter, in delivery) {
	r.settle(d.snapshot(m.(protocol.PoseUpdate), r, in.sampleTime), in.from)
}

func (d *Dispatcher) applyGrant(m protocol.Message, _ *Replica, a *Arbiter, in delivery) {
	a.HandleGrant(m.(protocol.GrabGrant).Owner, in.arrival)
}

func (d *Dispatcher) applyDeny(m protocol.Message, _ *Replica, a *Arbiter, in delivery) {
	a.HandleDeny(m.(protocol.GrabDeny).Owner, in.arrival)
}

func (d *Dispatcher) applyReleaseConfirm(m protocol.Message, _ *Replica, a *Arbiter, in delivery) {
	a.HandleReleaseConfirm(m.(protocol.ReleaseConfirm).Releaser, in.arrival)
}

// IsMalformed reports whether a dispatch error came from a bad payload.
func IsMalformed(err error) bool {
	return errors.Is(err, protocol.ErrTruncated) || errors.Is(err, protocol.ErrUnknownTag) || errors.Is(err, protocol.ErrVersion)
}
