// Package protocol defines the tagged binary update format exchanged between
// participants and the authority. A physical packet is a Header followed by
// any number of tagged messages, each byte-aligned.
package protocol

// Tag identifies the payload layout of one message. The wire byte carries the
// tag in its low 7 bits; bit 7 flags a quantized position.
type Tag uint8

const (
	TagPositionOnly Tag = iota + 1
	TagPositionRotation
	TagPositionRotationAtRest
	TagPositionRotationVelocity // position, rotation, linear and angular velocity
	TagGrabRequest
	TagGrabGrant
	TagGrabDeny
	TagReleaseRequest
	TagReleaseConfirm
)

const (
	tagMask       = 0x7F
	quantizedFlag = 0x80
)

// Channel is the delivery class a tag must travel on.
type Channel int

const (
	Unreliable Channel = iota // may drop, duplicate or reorder; latest wins
	Reliable                  // ordered, exactly once
)

func (c Channel) String() string {
	if c == Reliable {
		return "reliable"
	}
	return "unreliable"
}

type tagInfo struct {
	name    string
	channel Channel
	pose    bool
}

var tagTable = map[Tag]tagInfo{
	TagPositionOnly:             {"position-only", Unreliable, true},
	TagPositionRotation:         {"position-rotation", Unreliable, true},
	TagPositionRotationAtRest:   {"position-rotation-at-rest", Reliable, true},
	TagPositionRotationVelocity: {"position-rotation-velocity", Unreliable, true},
	TagGrabRequest:              {"grab-request", Reliable, false},
	TagGrabGrant:                {"grab-grant", Reliable, false},
	TagGrabDeny:                 {"grab-deny", Reliable, false},
	TagReleaseRequest:           {"release-request", Reliable, false},
	TagReleaseConfirm:           {"release-confirm", Reliable, false},
}

func (t Tag) Valid() bool {
	_, ok := tagTable[t]
	return ok
}

func (t Tag) String() string {
	if info, ok := tagTable[t]; ok {
		return info.name
	}
	return "unknown"
}

// Channel returns the delivery class of the tag. Unknown tags report Reliable.
func (t Tag) Channel() Channel {
	if info, ok := tagTable[t]; ok {
		return info.channel
	}
	return Reliable
}

// IsPose reports whether the tag carries a transform update.
func (t Tag) IsPose() bool {
	return tagTable[t].pose
}
