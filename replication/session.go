package replication

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/yohamta/donburi"

	"github.com/automoto/grabsync/config"
	"github.com/automoto/grabsync/shared/history"
	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/pose"
	"github.com/automoto/grabsync/shared/protocol"
)

// Transport sends encoded packets. Implementations must be safe to call from
// the tick goroutine while their own receive loops run.
type Transport interface {
	SendReliable(packet []byte) error
	SendUnreliable(packet []byte) error
}

// InitialObject seeds one object at Init.
type InitialObject struct {
	ID     netconfig.ObjectID
	Name   string
	Pose   pose.Snapshot
	Owner  netconfig.ParticipantID
	AtRest bool
}

type inbound struct {
	packet  []byte
	channel protocol.Channel
}

// Session is the top-level handle of one participant's replicated state. It
// replaces any process-wide registry: everything the replication core needs
// hangs off it.
//
// Deliver, View, QueryPose, Ownership and RenderTime are safe from any
// goroutine. Everything else must be called from the goroutine that calls
// Tick.
type Session struct {
	cfg       config.Replication
	self      netconfig.ParticipantID
	codec     protocol.Codec
	transport Transport
	logger    *log.Logger

	world      donburi.World
	clock      *ClockSync
	dispatcher *Dispatcher

	mu       sync.RWMutex
	entities map[netconfig.ObjectID]donburi.Entity
	replicas map[netconfig.ObjectID]*Replica

	inboxMu sync.Mutex
	inbox   []inbound

	now         atomic.Int64 // time.Duration since session start
	reliableOut []protocol.Message
}

type Option func(*Session)

func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func NewSession(cfg config.Replication, self netconfig.ParticipantID, transport Transport, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	s := &Session{
		cfg:       cfg,
		self:      self,
		codec:     protocol.NewCodec(cfg.PositionRange, cfg.PositionBits),
		transport: transport,
		logger:    log.Default(),
		world:     donburi.NewWorld(),
		clock:     NewClockSync(),
		entities:  make(map[netconfig.ObjectID]donburi.Entity),
		replicas:  make(map[netconfig.ObjectID]*Replica),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = NewDispatcher(s.codec, s.clock, s, s.logger)
	return s, nil
}

func (s *Session) Self() netconfig.ParticipantID { return s.self }

// Init registers the objects known at join time.
func (s *Session) Init(objects []InitialObject) {
	for _, obj := range objects {
		s.register(obj)
	}
	s.logger.Printf("[session] participant %d tracking %d objects", s.self, len(objects))
}

func (s *Session) register(obj InitialObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[obj.ID]; exists {
		s.logger.Printf("[session] object %d already registered", obj.ID)
		return
	}

	replica := NewReplica(obj.ID, s.cfg.HistoryCapacity, history.DefaultQuery(s.cfg.ExtrapolationHorizon), s.cfg.InterpolationDelay)
	if obj.AtRest {
		replica.OnRest(obj.Pose)
	} else {
		replica.OnReceive(obj.Pose)
	}
	arbiter := NewArbiter(replica, s, ArbiterConfig{
		Self:           s.self,
		GrabTimeout:    s.cfg.GrabTimeout,
		ReleaseTimeout: s.cfg.ReleaseTimeout,
		Logger:         s.logger,
	})
	arbiter.Reset(obj.Owner)

	entity := s.world.Create(Object)
	Object.SetValue(s.world.Entry(entity), ObjectData{
		ID:      obj.ID,
		Name:    obj.Name,
		Replica: replica,
		Arbiter: arbiter,
	})
	s.entities[obj.ID] = entity
	s.replicas[obj.ID] = replica
	replica.publish(arbiter.State(), arbiter.Owner())
}

// Lookup implements Targets.
func (s *Session) Lookup(id netconfig.ObjectID) (*Replica, *Arbiter, bool) {
	data, ok := s.object(id)
	if !ok {
		return nil, nil, false
	}
	return data.Replica, data.Arbiter, true
}

func (s *Session) object(id netconfig.ObjectID) (*ObjectData, bool) {
	s.mu.RLock()
	entity, ok := s.entities[id]
	s.mu.RUnlock()
	if !ok || !s.world.Valid(entity) {
		return nil, false
	}
	return Object.Get(s.world.Entry(entity)), true
}

// Reliable implements Outbox.
func (s *Session) Reliable(m protocol.Message) {
	s.reliableOut = append(s.reliableOut, m)
}

// Deliver queues an inbound packet for the next Tick. Safe from I/O goroutines.
func (s *Session) Deliver(packet []byte, ch protocol.Channel) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, inbound{packet: packet, channel: ch})
	s.inboxMu.Unlock()
}

// Now is the session clock.
func (s *Session) Now() time.Duration {
	return time.Duration(s.now.Load())
}

// RenderTime is the session clock minus the interpolation delay.
func (s *Session) RenderTime() time.Duration {
	return s.Now() - s.cfg.InterpolationDelay
}

// Tick advances the session clock by dt and applies everything that happened
// since the last tick: inbound packets, ownership timeouts, then outbound
// updates. Views are published at the end.
func (s *Session) Tick(dt time.Duration) {
	now := s.Now() + dt
	s.now.Store(int64(now))

	s.inboxMu.Lock()
	pending := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()

	for _, in := range pending {
		s.dispatcher.Dispatch(in.packet, in.channel, now)
	}
	if n := s.clock.Prune(now - s.cfg.ClockIdle); n > 0 {
		s.logger.Printf("[session] dropped clock offsets of %d silent senders", n)
	}

	var unreliable []protocol.Message
	Object.Each(s.world, func(entry *donburi.Entry) {
		data := Object.Get(entry)
		data.Arbiter.Tick(now)
		if m, reliable, ok := s.outboundPose(data); ok {
			if reliable {
				s.reliableOut = append(s.reliableOut, m)
			} else {
				unreliable = append(unreliable, m)
			}
		}
	})

	s.flush(now, unreliable)

	Object.Each(s.world, func(entry *donburi.Entry) {
		data := Object.Get(entry)
		data.Replica.publish(data.Arbiter.State(), data.Arbiter.Owner())
	})
}

// outboundPose encodes the latest local capture of an owned object. Once an
// object has been still for RestTicks captures a single reliable at-rest
// update is sent and unreliable traffic stops until it moves again. While it
// settles velocity is dropped from the update, and so is rotation when it has
// not turned since the last update sent.
func (s *Session) outboundPose(data *ObjectData) (protocol.Message, bool, bool) {
	state := data.Arbiter.State()
	if state != netconfig.OwnedSelf && state != netconfig.PendingRelease {
		data.restTicks, data.restSent = 0, false
		data.hasSentRotation = false
		return nil, false, false
	}
	snap, ok := data.Replica.takeLocal()
	if !ok {
		return nil, false, false
	}

	update := protocol.PoseUpdate{
		Kind:            protocol.TagPositionRotationVelocity,
		ObjectID:        data.ID,
		Quantized:       s.cfg.QuantizePositions,
		Position:        snap.Position,
		Rotation:        snap.Rotation,
		Velocity:        snap.Velocity,
		AngularVelocity: snap.AngularVelocity,
	}

	if !snap.Resting(s.cfg.RestSpeed) {
		data.restTicks, data.restSent = 0, false
		data.sentRotation, data.hasSentRotation = snap.Rotation, true
		return update, false, true
	}
	data.restTicks++
	if data.restSent {
		return nil, false, false
	}
	update.Velocity, update.AngularVelocity = mgl64.Vec3{}, mgl64.Vec3{}
	if data.restTicks >= s.cfg.RestTicks {
		data.restSent = true
		update.Kind = protocol.TagPositionRotationAtRest
		data.sentRotation, data.hasSentRotation = snap.Rotation, true
		return update, true, true
	}
	if data.hasSentRotation && pose.AngleBetween(data.sentRotation, snap.Rotation) < unturned {
		update.Kind = protocol.TagPositionOnly
		update.Rotation = mgl64.Quat{}
		return update, false, true
	}
	update.Kind = protocol.TagPositionRotation
	data.sentRotation, data.hasSentRotation = snap.Rotation, true
	return update, false, true
}

// unturned is the angle in radians below which a settling object's rotation
// is not resent.
const unturned = 1e-4

func (s *Session) flush(now time.Duration, unreliable []protocol.Message) {
	hdr := protocol.Header{Sender: s.self, SentAt: uint32(now.Milliseconds())}

	if len(s.reliableOut) > 0 {
		for _, p := range protocol.Pack(s.codec, hdr, s.cfg.MaxPacketSize, s.reliableOut) {
			if err := s.transport.SendReliable(p); err != nil {
				s.logger.Printf("[session] reliable send failed: %v", err)
			}
		}
		s.reliableOut = s.reliableOut[:0]
	}
	for _, p := range protocol.Pack(s.codec, hdr, s.cfg.MaxPacketSize, unreliable) {
		if err := s.transport.SendUnreliable(p); err != nil {
			s.logger.Printf("[session] unreliable send failed: %v", err)
		}
	}
}

func (s *Session) withObject(id netconfig.ObjectID, fn func(*ObjectData) error) error {
	data, ok := s.object(id)
	if !ok {
		return fmt.Errorf("object %d: %w", id, ErrUnknownObject)
	}
	if err := fn(data); err != nil {
		return err
	}
	data.Replica.publish(data.Arbiter.State(), data.Arbiter.Owner())
	return nil
}

// RequestGrab starts a grab. The intent is sent on the next Tick.
func (s *Session) RequestGrab(id netconfig.ObjectID) error {
	return s.withObject(id, func(d *ObjectData) error { return d.Arbiter.RequestGrab(s.Now()) })
}

// RequestRelease releases an owned object.
func (s *Session) RequestRelease(id netconfig.ObjectID) error {
	return s.withObject(id, func(d *ObjectData) error { return d.Arbiter.RequestRelease(s.Now()) })
}

// AbandonGrab cancels interest in an object whose grab may still be pending.
func (s *Session) AbandonGrab(id netconfig.ObjectID) error {
	return s.withObject(id, func(d *ObjectData) error { return d.Arbiter.Abandon(s.Now()) })
}

// CaptureLocal records the simulator's pose for an object we hold.
func (s *Session) CaptureLocal(id netconfig.ObjectID, snap pose.Snapshot) error {
	return s.withObject(id, func(d *ObjectData) error {
		if snap.Timestamp == 0 {
			snap.Timestamp = s.Now()
		}
		return d.Replica.CaptureLocal(snap)
	})
}

// View returns the committed view of an object.
func (s *Session) View(id netconfig.ObjectID) (*View, bool) {
	s.mu.RLock()
	r, ok := s.replicas[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.View(), true
}

// QueryPose reads the committed pose of an object at renderTime.
func (s *Session) QueryPose(id netconfig.ObjectID, renderTime time.Duration) (pose.Pose, bool) {
	v, ok := s.View(id)
	if !ok {
		return pose.Pose{}, false
	}
	return v.QueryPose(renderTime)
}

// Ownership reads the committed ownership state of an object.
func (s *Session) Ownership(id netconfig.ObjectID) (netconfig.OwnershipState, netconfig.ParticipantID, bool) {
	v, ok := s.View(id)
	if !ok {
		return netconfig.Free, netconfig.NoParticipant, false
	}
	return v.State, v.Owner, true
}

// Objects lists registered object ids.
func (s *Session) Objects() []netconfig.ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]netconfig.ObjectID, 0, len(s.replicas))
	for id := range s.replicas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
