package replication

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/yohamta/donburi"

	"github.com/automoto/grabsync/shared/netconfig"
)

// ObjectData binds one replicated object's parts together in the session world.
type ObjectData struct {
	ID      netconfig.ObjectID
	Name    string
	Replica *Replica
	Arbiter *Arbiter

	restTicks int
	restSent  bool

	sentRotation    mgl64.Quat
	hasSentRotation bool
}

var Object = donburi.NewComponentType[ObjectData]()
