package core

import (
	"log"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/yohamta/donburi"

	"github.com/automoto/grabsync/shared/messages"
	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/protocol"
	"github.com/automoto/grabsync/shared/scene"
)

// AuthorityID is the participant id the authority stamps on its own packets.
const AuthorityID = netconfig.NoParticipant

// ObjectStateData is the authority's record of one object.
type ObjectStateData struct {
	ID       netconfig.ObjectID
	Name     string
	Owner    netconfig.ParticipantID
	Position mgl64.Vec3
	Rotation mgl64.Quat
	AtRest   bool
}

var ObjectState = donburi.NewComponentType[ObjectStateData]()

// Outgoing is one message the server must deliver. To == NoParticipant means
// every participant except Except.
type Outgoing struct {
	To      netconfig.ParticipantID
	Except  netconfig.ParticipantID
	Channel protocol.Channel
	Origin  protocol.Header // header the message is packed under
	Message protocol.Message
}

// Authority serializes ownership decisions. Whichever grab request it
// processes first for a free object wins; every other request for that object
// is denied until the owner releases it. It is not safe for concurrent use;
// the server drives it from the game loop.
type Authority struct {
	world        donburi.World
	objects      map[netconfig.ObjectID]donburi.Entity
	participants map[netconfig.ParticipantID]bool
	held         int
	metrics      *Metrics
	logger       *log.Logger
}

func NewAuthority(objects []scene.Object, metrics *Metrics, logger *log.Logger) *Authority {
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	a := &Authority{
		world:        donburi.NewWorld(),
		objects:      make(map[netconfig.ObjectID]donburi.Entity),
		participants: make(map[netconfig.ParticipantID]bool),
		metrics:      metrics,
		logger:       logger,
	}
	for _, o := range objects {
		entity := a.world.Create(ObjectState)
		ObjectState.SetValue(a.world.Entry(entity), ObjectStateData{
			ID:       o.ID,
			Name:     o.Name,
			Position: o.Position,
			Rotation: o.Rotation,
			AtRest:   true,
		})
		a.objects[o.ID] = entity
	}
	return a
}

func (a *Authority) state(id netconfig.ObjectID) (*ObjectStateData, bool) {
	entity, ok := a.objects[id]
	if !ok || !a.world.Valid(entity) {
		return nil, false
	}
	return ObjectState.Get(a.world.Entry(entity)), true
}

// Owner returns the current holder of an object.
func (a *Authority) Owner(id netconfig.ObjectID) netconfig.ParticipantID {
	if st, ok := a.state(id); ok {
		return st.Owner
	}
	return netconfig.NoParticipant
}

func (a *Authority) Join(p netconfig.ParticipantID) {
	a.participants[p] = true
	a.metrics.Participants.Set(float64(len(a.participants)))
}

// Leave releases everything p held and tells the others.
func (a *Authority) Leave(p netconfig.ParticipantID, origin protocol.Header) []Outgoing {
	if !a.participants[p] {
		return nil
	}
	delete(a.participants, p)
	a.metrics.Participants.Set(float64(len(a.participants)))

	var out []Outgoing
	ObjectState.Each(a.world, func(entry *donburi.Entry) {
		st := ObjectState.Get(entry)
		if st.Owner != p {
			return
		}
		st.Owner = netconfig.NoParticipant
		a.setHeld(a.held - 1)
		a.metrics.Releases.Inc()
		a.logger.Printf("[authority] object %d released on disconnect of %d", st.ID, p)
		out = append(out, Outgoing{
			Except:  p,
			Channel: protocol.Reliable,
			Origin:  origin,
			Message: protocol.ReleaseConfirm{ObjectID: st.ID, Releaser: p},
		})
	})
	return out
}

// Handle applies one message from participant from. hdr is the header of the
// packet it arrived in; origin is the authority's own header for replies.
func (a *Authority) Handle(from netconfig.ParticipantID, ch protocol.Channel, hdr, origin protocol.Header, msg protocol.Message) []Outgoing {
	if !a.participants[from] {
		a.metrics.Dropped.WithLabelValues("unknown_participant").Inc()
		return nil
	}
	st, ok := a.state(msg.Object())
	if !ok {
		a.logger.Printf("[authority] warning: %s from %d for unknown object %d", msg.Tag(), from, msg.Object())
		a.metrics.Dropped.WithLabelValues("unknown_object").Inc()
		return nil
	}
	if msg.Tag().Channel() == protocol.Reliable && ch != protocol.Reliable {
		a.metrics.Dropped.WithLabelValues("wrong_channel").Inc()
		return nil
	}

	reply := func(m protocol.Message) []Outgoing {
		return []Outgoing{{To: from, Channel: protocol.Reliable, Origin: origin, Message: m}}
	}
	broadcast := func(m protocol.Message) []Outgoing {
		return []Outgoing{{Channel: protocol.Reliable, Origin: origin, Message: m}}
	}

	switch m := msg.(type) {
	case protocol.GrabRequest:
		switch st.Owner {
		case netconfig.NoParticipant:
			st.Owner = from
			st.AtRest = false
			a.setHeld(a.held + 1)
			a.metrics.Grants.Inc()
			a.logger.Printf("[authority] object %d granted to %d", st.ID, from)
			return broadcast(protocol.GrabGrant{ObjectID: st.ID, Owner: from})
		case from:
			return reply(protocol.GrabGrant{ObjectID: st.ID, Owner: from})
		default:
			a.metrics.Denies.Inc()
			a.logger.Printf("[authority] object %d denied to %d (held by %d)", st.ID, from, st.Owner)
			return reply(protocol.GrabDeny{ObjectID: st.ID, Owner: st.Owner})
		}

	case protocol.ReleaseRequest:
		switch st.Owner {
		case from:
			st.Owner = netconfig.NoParticipant
			a.setHeld(a.held - 1)
			a.metrics.Releases.Inc()
			a.logger.Printf("[authority] object %d released by %d", st.ID, from)
			return broadcast(protocol.ReleaseConfirm{ObjectID: st.ID, Releaser: from})
		case netconfig.NoParticipant:
			return reply(protocol.ReleaseConfirm{ObjectID: st.ID, Releaser: from})
		default:
			return reply(protocol.GrabGrant{ObjectID: st.ID, Owner: st.Owner})
		}

	case protocol.PoseUpdate:
		if st.Owner != from {
			a.metrics.Dropped.WithLabelValues("not_owner").Inc()
			return nil
		}
		st.Position = m.Position
		if m.HasRotation() {
			st.Rotation = m.Rotation
		}
		st.AtRest = m.Kind == protocol.TagPositionRotationAtRest
		channel := m.Kind.Channel()
		a.metrics.Relayed.WithLabelValues(channel.String()).Inc()
		return []Outgoing{{Except: from, Channel: channel, Origin: hdr, Message: m}}

	default:
		a.metrics.Dropped.WithLabelValues("not_accepted").Inc()
		return nil
	}
}

// Objects describes every object for a joining participant.
func (a *Authority) Objects() []messages.ObjectInfo {
	var out []messages.ObjectInfo
	ObjectState.Each(a.world, func(entry *donburi.Entry) {
		st := ObjectState.Get(entry)
		out = append(out, messages.NewObjectInfo(st.ID, st.Name, st.Position, st.Rotation, st.Owner, st.AtRest))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ObjectCount is the number of objects under arbitration.
func (a *Authority) ObjectCount() int { return len(a.objects) }

// HeldCount is the number of objects with an owner.
func (a *Authority) HeldCount() int { return a.held }

func (a *Authority) setHeld(n int) {
	a.held = n
	a.metrics.Held.Set(float64(n))
}
