package protocol

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/automoto/grabsync/shared/netconfig"
)

// Message is one decoded tagged update.
type Message interface {
	Tag() Tag
	Object() netconfig.ObjectID
}

// PoseUpdate carries a transform. Fields not implied by Kind are zero.
type PoseUpdate struct {
	Kind            Tag
	ObjectID        netconfig.ObjectID
	Quantized       bool
	Position        mgl64.Vec3
	Rotation        mgl64.Quat
	Velocity        mgl64.Vec3
	AngularVelocity mgl64.Vec3
}

func (m PoseUpdate) Tag() Tag                   { return m.Kind }
func (m PoseUpdate) Object() netconfig.ObjectID { return m.ObjectID }

// HasRotation reports whether Rotation was transmitted.
func (m PoseUpdate) HasRotation() bool { return m.Kind != TagPositionOnly }

// GrabRequest asks the authority for exclusive control of an object.
type GrabRequest struct {
	ObjectID    netconfig.ObjectID
	Requester   netconfig.ParticipantID
	RequestTime uint32 // requester's session clock, milliseconds; informational only
}

func (m GrabRequest) Tag() Tag                   { return TagGrabRequest }
func (m GrabRequest) Object() netconfig.ObjectID { return m.ObjectID }

// GrabGrant announces the owner of an object. It is sent to the requester and
// broadcast to everyone else.
type GrabGrant struct {
	ObjectID netconfig.ObjectID
	Owner    netconfig.ParticipantID
}

func (m GrabGrant) Tag() Tag                   { return TagGrabGrant }
func (m GrabGrant) Object() netconfig.ObjectID { return m.ObjectID }

// GrabDeny rejects a grab. Owner is the current holder, or NoParticipant.
type GrabDeny struct {
	ObjectID netconfig.ObjectID
	Owner    netconfig.ParticipantID
}

func (m GrabDeny) Tag() Tag                   { return TagGrabDeny }
func (m GrabDeny) Object() netconfig.ObjectID { return m.ObjectID }

type ReleaseRequest struct {
	ObjectID  netconfig.ObjectID
	Requester netconfig.ParticipantID
}

func (m ReleaseRequest) Tag() Tag                   { return TagReleaseRequest }
func (m ReleaseRequest) Object() netconfig.ObjectID { return m.ObjectID }

// ReleaseConfirm announces that an object is free again. Releaser is the
// participant that held it.
type ReleaseConfirm struct {
	ObjectID netconfig.ObjectID
	Releaser netconfig.ParticipantID
}

func (m ReleaseConfirm) Tag() Tag                   { return TagReleaseConfirm }
func (m ReleaseConfirm) Object() netconfig.ObjectID { return m.ObjectID }
