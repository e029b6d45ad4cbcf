package protocol

import (
	"github.com/automoto/grabsync/shared/codec"
)

// Packer packs tagged messages into packets no larger than MaxSize.
type Packer struct {
	codec   Codec
	maxSize int
	w       *codec.BitWriter
	count   int
}

func NewPacker(c Codec, maxSize int) *Packer {
	return &Packer{codec: c, maxSize: maxSize, w: codec.NewBitWriter(maxSize)}
}

// Begin discards any pending content and writes a new header.
func (p *Packer) Begin(h Header) {
	if h.Version == 0 {
		h.Version = Version
	}
	p.w.Reset()
	p.count = 0
	p.codec.writeHeader(p.w, h)
}

// Append adds m to the packet, or returns ErrPacketFull and leaves the packet
// unchanged if it would not fit.
func (p *Packer) Append(m Message) error {
	mark := p.w.Len()
	if err := p.codec.WriteMessage(p.w, m); err != nil {
		p.w.Truncate(mark)
		return err
	}
	if p.w.Len() > p.maxSize {
		p.w.Truncate(mark)
		return ErrPacketFull
	}
	p.count++
	return nil
}

// Count is the number of messages in the current packet.
func (p *Packer) Count() int { return p.count }

// Bytes returns a copy of the current packet.
func (p *Packer) Bytes() []byte {
	return append([]byte(nil), p.w.Bytes()...)
}

// Pack splits msgs across as many packets as needed. A message that cannot
// fit even in an empty packet is skipped.
func Pack(c Codec, h Header, maxSize int, msgs []Message) [][]byte {
	if len(msgs) == 0 {
		return nil
	}
	p := NewPacker(c, maxSize)
	p.Begin(h)
	var out [][]byte
	for _, m := range msgs {
		err := p.Append(m)
		if err == ErrPacketFull && p.Count() > 0 {
			out = append(out, p.Bytes())
			p.Begin(h)
			_ = p.Append(m)
		}
	}
	if p.Count() > 0 {
		out = append(out, p.Bytes())
	}
	return out
}
