// Package messages defines the control frames of the reliable stream's join
// handshake. They are msgpack-encoded; everything after the handshake is a
// protocol packet.
package messages

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/automoto/grabsync/shared/netconfig"
)

var ErrEmptyFrame = errors.New("messages: empty control frame")

// Hello is sent by a client right after connecting.
type Hello struct {
	Version        string
	DisplayName    string
	ReconnectToken string
}

// ObjectInfo describes one replicated object at join time.
type ObjectInfo struct {
	ID       uint32
	Name     string
	Position [3]float64
	Rotation [4]float64 // x, y, z, w
	Owner    uint32
	AtRest   bool
}

// Welcome is the authority's answer to an accepted Hello.
type Welcome struct {
	ParticipantID  uint32
	SessionName    string
	TickRate       int
	UDPPort        int
	ReconnectToken string
	Objects        []ObjectInfo
}

// Rejected is sent instead of Welcome when the join is refused.
type Rejected struct {
	Reason string
}

// Control is the envelope of every handshake frame; exactly one field is set.
type Control struct {
	Hello    *Hello    `codec:"hello,omitempty"`
	Welcome  *Welcome  `codec:"welcome,omitempty"`
	Rejected *Rejected `codec:"rejected,omitempty"`
}

var handle = &codec.MsgpackHandle{}

func Encode(c Control) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, handle).Encode(c); err != nil {
		return nil, fmt.Errorf("encode control: %w", err)
	}
	return out, nil
}

func Decode(data []byte) (Control, error) {
	var c Control
	if err := codec.NewDecoderBytes(data, handle).Decode(&c); err != nil {
		return Control{}, fmt.Errorf("decode control: %w", err)
	}
	if c.Hello == nil && c.Welcome == nil && c.Rejected == nil {
		return Control{}, ErrEmptyFrame
	}
	return c, nil
}

func NewObjectInfo(id netconfig.ObjectID, name string, pos mgl64.Vec3, rot mgl64.Quat, owner netconfig.ParticipantID, atRest bool) ObjectInfo {
	return ObjectInfo{
		ID:       uint32(id),
		Name:     name,
		Position: [3]float64(pos),
		Rotation: [4]float64{rot.V[0], rot.V[1], rot.V[2], rot.W},
		Owner:    uint32(owner),
		AtRest:   atRest,
	}
}

func (o ObjectInfo) Pose() (mgl64.Vec3, mgl64.Quat) {
	return mgl64.Vec3(o.Position), mgl64.Quat{W: o.Rotation[3], V: mgl64.Vec3{o.Rotation[0], o.Rotation[1], o.Rotation[2]}}
}
