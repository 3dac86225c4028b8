package modbustcp

import (
	"math"
)

// Decode rebuilds the typed value of raw according to spec and multiplies it
// by the spec scale as given. Only a length mismatch fails.
func Decode(raw RawReading, spec ReadSpec) (DecodedValue, error) {
	want := int(spec.DataType.Words())
	if want == 0 || len(raw) != want {
		return DecodedValue{}, &DecodeError{DataType: spec.DataType, Want: want, Got: len(raw)}
	}

	var bits uint64
	for _, w := range msbFirst(raw, spec.WordOrder) {
		bits = bits<<16 | uint64(w)
	}

	var n float64
	switch spec.DataType {
	case U16, U32, U64:
		n = float64(bits)
	case S16:
		n = float64(int16(bits))
	case S32:
		n = float64(int32(bits))
	case S64:
		n = float64(int64(bits))
	case F32:
		n = float64(math.Float32frombits(uint32(bits)))
	case F64:
		n = math.Float64frombits(bits)
	}

	return DecodedValue{
		Raw:      raw,
		DataType: spec.DataType,
		Bits:     bits,
		Value:    n * spec.Scale,
	}, nil
}

// EncodeWords splits bits into the registers a device would serve for dataType.
func EncodeWords(bits uint64, dataType DataType, order WordOrder) RawReading {
	n := int(dataType.Words())
	out := make(RawReading, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = uint16(bits >> (16 * i))
	}
	return msbFirst(out, order)
}

// msbFirst returns words with the most significant register first. The
// permutation is its own inverse.
func msbFirst(words []uint16, order WordOrder) []uint16 {
	if order != LoHi || len(words) < 2 {
		return words
	}
	out := make([]uint16, len(words))
	for i, w := range words {
		out[len(words)-1-i] = w
	}
	return out
}
