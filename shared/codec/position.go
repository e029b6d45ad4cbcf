package codec

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// PositionCodec writes positions either at full float32 precision or as
// fixed-point values over [-Range, Range] with Bits per axis.
type PositionCodec struct {
	Range float64
	Bits  uint
}

func NewPositionCodec(valueRange float64, bits uint) PositionCodec {
	return PositionCodec{Range: valueRange, Bits: bits}
}

// Resolution is the quantization step of the fixed-point encoding.
func (c PositionCodec) Resolution() float64 {
	return 2 * c.Range / float64(uint64(1)<<c.Bits-1)
}

func (c PositionCodec) Encode(w *BitWriter, p mgl64.Vec3, quantized bool) {
	if !quantized {
		w.WriteVec3(p)
		return
	}
	maxQ := float64(uint64(1)<<c.Bits - 1)
	for i := 0; i < 3; i++ {
		v := clamp(p[i], -c.Range, c.Range)
		u := math.Round((v + c.Range) / (2 * c.Range) * maxQ)
		w.WriteBits(uint64(u), c.Bits)
	}
}

func (c PositionCodec) Decode(r *BitReader, quantized bool) (mgl64.Vec3, error) {
	if !quantized {
		return r.ReadVec3()
	}
	maxQ := float64(uint64(1)<<c.Bits - 1)
	var out mgl64.Vec3
	for i := 0; i < 3; i++ {
		u, err := r.ReadBits(c.Bits)
		if err != nil {
			return mgl64.Vec3{}, err
		}
		out[i] = float64(u)/maxQ*2*c.Range - c.Range
	}
	return out, nil
}
