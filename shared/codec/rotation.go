package codec

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// DefaultRotationBits gives a worst-case reconstruction error well under 0.2
// degrees.
const DefaultRotationBits = 15

var componentLimit = 1 / math.Sqrt2

// RotationCodec encodes unit quaternions with smallest-three compression: a
// 2-bit index of the dropped largest component followed by the remaining
// three components quantized to Bits each. The dropped component is always
// made positive before encoding, so its sign is implicit.
type RotationCodec struct {
	Bits uint
}

func NewRotationCodec() RotationCodec {
	return RotationCodec{Bits: DefaultRotationBits}
}

// Width is the encoded size in bits.
func (c RotationCodec) Width() uint { return 2 + 3*c.Bits }

func (c RotationCodec) Encode(w *BitWriter, q mgl64.Quat) {
	comps := toComponents(q)

	largest := 0
	for i := 1; i < 4; i++ {
		if math.Abs(comps[i]) > math.Abs(comps[largest]) {
			largest = i
		}
	}
	sign := 1.0
	if comps[largest] < 0 {
		sign = -1
	}

	w.WriteBits(uint64(largest), 2)
	maxQ := float64(uint64(1)<<c.Bits - 1)
	for i := 0; i < 4; i++ {
		if i == largest {
			continue
		}
		v := clamp(comps[i]*sign, -componentLimit, componentLimit)
		u := math.Round((v + componentLimit) / (2 * componentLimit) * maxQ)
		w.WriteBits(uint64(u), c.Bits)
	}
}

func (c RotationCodec) Decode(r *BitReader) (mgl64.Quat, error) {
	idx, err := r.ReadBits(2)
	if err != nil {
		return mgl64.QuatIdent(), err
	}
	maxQ := float64(uint64(1)<<c.Bits - 1)

	var comps [4]float64
	sum := 0.0
	for i := 0; i < 4; i++ {
		if i == int(idx) {
			continue
		}
		u, err := r.ReadBits(c.Bits)
		if err != nil {
			return mgl64.QuatIdent(), err
		}
		v := float64(u)/maxQ*2*componentLimit - componentLimit
		comps[i] = v
		sum += v * v
	}
	// rounding can push the sum slightly past one
	comps[idx] = math.Sqrt(math.Max(0, 1-sum))

	return fromComponents(comps).Normalize(), nil
}

// toComponents returns a normalized quaternion as x, y, z, w.
func toComponents(q mgl64.Quat) [4]float64 {
	if q.Len() == 0 {
		q = mgl64.QuatIdent()
	}
	q = q.Normalize()
	return [4]float64{q.V[0], q.V[1], q.V[2], q.W}
}

func fromComponents(c [4]float64) mgl64.Quat {
	return mgl64.Quat{W: c[3], V: mgl64.Vec3{c[0], c[1], c[2]}}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
