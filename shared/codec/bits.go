package codec

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrShortBuffer is returned when a read runs past the end of the payload.
var ErrShortBuffer = errors.New("codec: short buffer")

// BitWriter packs values MSB-first into a byte slice.
type BitWriter struct {
	buf []byte
	acc uint64
	n   uint
}

func NewBitWriter(capacity int) *BitWriter {
	return &BitWriter{buf: make([]byte, 0, capacity)}
}

// WriteBits appends the low `bits` bits of v. bits must be <= 32.
func (w *BitWriter) WriteBits(v uint64, bits uint) {
	w.acc = w.acc<<bits | v&(1<<bits-1)
	w.n += bits
	for w.n >= 8 {
		w.n -= 8
		w.buf = append(w.buf, byte(w.acc>>w.n))
	}
	w.acc &= 1<<w.n - 1
}

func (w *BitWriter) WriteUint8(v uint8)   { w.WriteBits(uint64(v), 8) }
func (w *BitWriter) WriteUint32(v uint32) { w.WriteBits(uint64(v), 32) }

func (w *BitWriter) WriteFloat32(f float64) {
	w.WriteUint32(math.Float32bits(float32(f)))
}

func (w *BitWriter) WriteVec3(v mgl64.Vec3) {
	for i := 0; i < 3; i++ {
		w.WriteFloat32(v[i])
	}
}

// Align pads with zero bits up to the next byte boundary.
func (w *BitWriter) Align() {
	if w.n > 0 {
		w.WriteBits(0, 8-w.n)
	}
}

// Len is the number of whole bytes written so far.
func (w *BitWriter) Len() int { return len(w.buf) }

// Bytes aligns and returns the packed payload.
func (w *BitWriter) Bytes() []byte {
	w.Align()
	return w.buf
}

// Truncate drops everything after the first n bytes. The writer must be aligned.
func (w *BitWriter) Truncate(n int) {
	w.buf = w.buf[:n]
	w.acc, w.n = 0, 0
}

func (w *BitWriter) Reset() { w.Truncate(0) }

// BitReader reads values written by BitWriter.
type BitReader struct {
	data []byte
	pos  uint
}

func NewBitReader(data []byte) *BitReader {
	return &BitReader{data: data}
}

func (r *BitReader) ReadBits(bits uint) (uint64, error) {
	if r.pos+bits > uint(len(r.data))*8 {
		return 0, ErrShortBuffer
	}
	var v uint64
	for bits > 0 {
		off := r.pos % 8
		avail := 8 - off
		take := min(avail, bits)
		chunk := uint64(r.data[r.pos/8]>>(avail-take)) & (1<<take - 1)
		v = v<<take | chunk
		r.pos += take
		bits -= take
	}
	return v, nil
}

func (r *BitReader) ReadUint8() (uint8, error) {
	v, err := r.ReadBits(8)
	return uint8(v), err
}

func (r *BitReader) ReadUint32() (uint32, error) {
	v, err := r.ReadBits(32)
	return uint32(v), err
}

func (r *BitReader) ReadFloat32() (float64, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return float64(math.Float32frombits(v)), nil
}

func (r *BitReader) ReadVec3() (mgl64.Vec3, error) {
	var out mgl64.Vec3
	for i := 0; i < 3; i++ {
		f, err := r.ReadFloat32()
		if err != nil {
			return mgl64.Vec3{}, err
		}
		out[i] = f
	}
	return out, nil
}

// Align skips to the next byte boundary.
func (r *BitReader) Align() {
	r.pos = (r.pos + 7) / 8 * 8
}

// Remaining is the number of unread whole bytes.
func (r *BitReader) Remaining() int {
	return len(r.data) - int((r.pos+7)/8)
}
