package protocol

import (
	"errors"
	"fmt"

	"github.com/automoto/grabsync/shared/codec"
	"github.com/automoto/grabsync/shared/netconfig"
)

const Version uint8 = 1

// HeaderSize is the encoded size of Header in bytes.
const HeaderSize = 9

var (
	ErrUnknownTag = errors.New("protocol: unknown tag")
	ErrTruncated  = errors.New("protocol: truncated payload")
	ErrVersion    = errors.New("protocol: unsupported version")
	ErrPacketFull = errors.New("protocol: packet full")
)

// Header opens every physical packet.
type Header struct {
	Version uint8
	Sender  netconfig.ParticipantID
	SentAt  uint32 // sender session clock, milliseconds
}

// Codec encodes and decodes messages with the configured transform codecs.
type Codec struct {
	Rotation codec.RotationCodec
	Position codec.PositionCodec
}

func NewCodec(positionRange float64, positionBits uint) Codec {
	return Codec{
		Rotation: codec.NewRotationCodec(),
		Position: codec.NewPositionCodec(positionRange, positionBits),
	}
}

func (c Codec) writeHeader(w *codec.BitWriter, h Header) {
	w.WriteUint8(h.Version)
	w.WriteUint32(uint32(h.Sender))
	w.WriteUint32(h.SentAt)
}

// WriteMessage appends one tagged, byte-aligned message.
func (c Codec) WriteMessage(w *codec.BitWriter, m Message) error {
	tag := m.Tag()
	if !tag.Valid() {
		return fmt.Errorf("write %d: %w", tag, ErrUnknownTag)
	}
	tagByte := uint8(tag)
	if pu, ok := m.(PoseUpdate); ok && pu.Quantized {
		tagByte |= quantizedFlag
	}
	w.WriteUint8(tagByte)
	w.WriteUint32(uint32(m.Object()))

	switch msg := m.(type) {
	case PoseUpdate:
		c.Position.Encode(w, msg.Position, msg.Quantized)
		if msg.Kind != TagPositionOnly {
			c.Rotation.Encode(w, msg.Rotation)
		}
		if msg.Kind == TagPositionRotationVelocity {
			w.Align()
			w.WriteVec3(msg.Velocity)
			w.WriteVec3(msg.AngularVelocity)
		}
	case GrabRequest:
		w.WriteUint32(uint32(msg.Requester))
		w.WriteUint32(msg.RequestTime)
	case GrabGrant:
		w.WriteUint32(uint32(msg.Owner))
	case GrabDeny:
		w.WriteUint32(uint32(msg.Owner))
	case ReleaseRequest:
		w.WriteUint32(uint32(msg.Requester))
	case ReleaseConfirm:
		w.WriteUint32(uint32(msg.Releaser))
	default:
		return fmt.Errorf("write %T: %w", m, ErrUnknownTag)
	}
	w.Align()
	return nil
}

// Reader walks the messages of one packet.
type Reader struct {
	Header Header
	codec  Codec
	r      *codec.BitReader
}

// NewReader decodes the packet header.
func (c Codec) NewReader(packet []byte) (*Reader, error) {
	r := codec.NewBitReader(packet)
	version, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("header: %w", ErrTruncated)
	}
	if version != Version {
		return nil, fmt.Errorf("header version %d: %w", version, ErrVersion)
	}
	sender, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("header: %w", ErrTruncated)
	}
	sentAt, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("header: %w", ErrTruncated)
	}
	return &Reader{
		Header: Header{Version: version, Sender: netconfig.ParticipantID(sender), SentAt: sentAt},
		codec:  c,
		r:      r,
	}, nil
}

// More reports whether unread bytes remain.
func (rd *Reader) More() bool {
	return rd.r.Remaining() > 0
}

// Next decodes the next message. After an error the rest of the packet
// cannot be trusted and must be dropped. The returned tag is valid whenever
// the tag byte itself could be read.
func (rd *Reader) Next() (Message, error) {
	tagByte, err := rd.r.ReadUint8()
	if err != nil {
		return nil, ErrTruncated
	}
	tag := Tag(tagByte & tagMask)
	if !tag.Valid() {
		return nil, fmt.Errorf("tag %d: %w", tagByte, ErrUnknownTag)
	}
	msg, err := rd.decode(tag, tagByte&quantizedFlag != 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tag, ErrTruncated)
	}
	rd.r.Align()
	return msg, nil
}

func (rd *Reader) decode(tag Tag, quantized bool) (Message, error) {
	r := rd.r
	rawID, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	id := netconfig.ObjectID(rawID)

	if tag.IsPose() {
		m := PoseUpdate{Kind: tag, ObjectID: id, Quantized: quantized}
		if m.Position, err = rd.codec.Position.Decode(r, quantized); err != nil {
			return nil, err
		}
		if tag != TagPositionOnly {
			if m.Rotation, err = rd.codec.Rotation.Decode(r); err != nil {
				return nil, err
			}
		}
		if tag == TagPositionRotationVelocity {
			r.Align()
			if m.Velocity, err = r.ReadVec3(); err != nil {
				return nil, err
			}
			if m.AngularVelocity, err = r.ReadVec3(); err != nil {
				return nil, err
			}
		}
		return m, nil
	}

	who, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	pid := netconfig.ParticipantID(who)

	switch tag {
	case TagGrabRequest:
		at, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		return GrabRequest{ObjectID: id, Requester: pid, RequestTime: at}, nil
	case TagGrabGrant:
		return GrabGrant{ObjectID: id, Owner: pid}, nil
	case TagGrabDeny:
		return GrabDeny{ObjectID: id, Owner: pid}, nil
	case TagReleaseRequest:
		return ReleaseRequest{ObjectID: id, Requester: pid}, nil
	default:
		return ReleaseConfirm{ObjectID: id, Releaser: pid}, nil
	}
}
