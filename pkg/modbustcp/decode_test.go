package modbustcp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spec(dt DataType, order WordOrder, scale float64) ReadSpec {
	return NewReadSpec(Explicit(HoldingRegister, 0), dt, order, scale)
}

func TestDecode16(t *testing.T) {
	assert := assert.New(t)

	v, err := Decode(RawReading{0xfffe}, spec(U16, HiLo, 1))
	assert.NoError(err)
	assert.Equal(65534.0, v.Value)

	v, err = Decode(RawReading{0xfffe}, spec(S16, HiLo, 1))
	assert.NoError(err)
	assert.Equal(-2.0, v.Value)
	assert.Equal(int64(-2), v.Integer())

	v, err = Decode(RawReading{0x8000}, spec(S16, LoHi, 1))
	assert.NoError(err)
	assert.Equal(float64(math.MinInt16), v.Value)
}

func TestDecodeSOCScaled(t *testing.T) {
	v, err := Decode(RawReading{0x0032}, spec(U16, HiLo, 0.1))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, v.Value, 1e-9)
}

func TestDecode32WordOrder(t *testing.T) {
	assert := assert.New(t)

	v, err := Decode(RawReading{0x0001, 0x0000}, spec(U32, HiLo, 1))
	assert.NoError(err)
	assert.Equal(65536.0, v.Value)

	v, err = Decode(RawReading{0x0001, 0x0000}, spec(U32, LoHi, 1))
	assert.NoError(err)
	assert.Equal(1.0, v.Value)

	v, err = Decode(RawReading{0xffff, 0xfffe}, spec(S32, HiLo, 1))
	assert.NoError(err)
	assert.Equal(-2.0, v.Value)

	v, err = Decode(RawReading{0xfffe, 0xffff}, spec(S32, LoHi, 1))
	assert.NoError(err)
	assert.Equal(-2.0, v.Value)
}

func TestDecode32RoundTrip(t *testing.T) {
	assert := assert.New(t)

	for _, n := range []uint32{0, 1, 0xffff, 0x10000, 0x12345678, 0xdeadbeef, math.MaxUint32} {
		words := EncodeWords(uint64(n), U32, HiLo)
		v, err := Decode(words, spec(U32, HiLo, 1))
		assert.NoError(err)
		assert.Equal(uint64(n), v.Bits)

		swapped, err := Decode(words, spec(U32, LoHi, 1))
		assert.NoError(err)
		if uint16(n>>16) != uint16(n) {
			assert.NotEqual(v.Bits, swapped.Bits, "value 0x%08x", n)
		} else {
			assert.Equal(v.Bits, swapped.Bits)
		}

		lohi := EncodeWords(uint64(n), U32, LoHi)
		v, err = Decode(lohi, spec(U32, LoHi, 1))
		assert.NoError(err)
		assert.Equal(uint64(n), v.Bits)
	}
}

func TestDecodeSigned32RoundTrip(t *testing.T) {
	for _, n := range []int32{-1, -65536, math.MinInt32, math.MaxInt32, 12345} {
		words := EncodeWords(uint64(uint32(n)), S32, HiLo)
		v, err := Decode(words, spec(S32, HiLo, 1))
		require.NoError(t, err)
		assert.Equal(t, int64(n), v.Integer())
		assert.Equal(t, float64(n), v.Value)
	}
}

func TestDecodeWide(t *testing.T) {
	assert := assert.New(t)

	v, err := Decode(RawReading{0x0000, 0x0000, 0x0001, 0x0002}, spec(U64, HiLo, 1))
	assert.NoError(err)
	assert.Equal(uint64(0x10002), v.Bits)

	v, err = Decode(RawReading{0x0002, 0x0001, 0x0000, 0x0000}, spec(U64, LoHi, 1))
	assert.NoError(err)
	assert.Equal(uint64(0x10002), v.Bits)

	v, err = Decode(EncodeWords(uint64(0xffffffffffffff9c), S64, HiLo), spec(S64, HiLo, 1))
	assert.NoError(err)
	assert.Equal(int64(-100), v.Integer())

	v, err = Decode(EncodeWords(uint64(math.Float32bits(230.5)), F32, LoHi), spec(F32, LoHi, 1))
	assert.NoError(err)
	assert.Equal(230.5, v.Value)

	// 1.0 as a double is 0x3FF0000000000000
	v, err = Decode(RawReading{0x3ff0, 0x0000, 0x0000, 0x0000}, spec(F64, HiLo, 1))
	assert.NoError(err)
	assert.Equal(1.0, v.Value)

	v, err = Decode(EncodeWords(math.Float64bits(-48.125), F64, LoHi), spec(F64, LoHi, 0.5))
	assert.NoError(err)
	assert.Equal(-24.0625, v.Value)

	assert.Equal(uint16(4), F64.Words())
	dt, err := ParseDataType("double")
	assert.NoError(err)
	assert.Equal(F64, dt)
}

func TestDecodeScaleLinear(t *testing.T) {
	raws := []RawReading{{0x0000, 0x0000}, {0x0001, 0x0000}, {0xffff, 0xfffe}, {0x8000, 0x0001}}
	scales := []float64{0.1, 0.01, 10, -1, 0.001, 0}

	for _, dt := range []DataType{U32, S32} {
		for _, order := range []WordOrder{HiLo, LoHi} {
			for _, raw := range raws {
				base, err := Decode(raw, spec(dt, order, 1))
				require.NoError(t, err)
				for _, s := range scales {
					scaled, err := Decode(raw, spec(dt, order, s))
					require.NoError(t, err)
					assert.Equal(t, s*base.Value, scaled.Value)
					assert.Equal(t, base.Bits, scaled.Bits)
				}
			}
		}
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	_, err := Decode(RawReading{0x0001}, spec(U32, HiLo, 1))
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, 2, decErr.Want)
	assert.Equal(t, 1, decErr.Got)
}

func TestDecodedValueHex(t *testing.T) {
	v, err := Decode(RawReading{0x4832, 0x00af}, spec(U32, HiLo, 1))
	require.NoError(t, err)
	assert.Equal(t, "483200AF", v.Hex())
}

func TestReadSpecValidate(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(spec(U32, HiLo, 1).Validate())

	bad := spec(U32, HiLo, 1)
	bad.Count = 1
	var decErr *DecodeError
	assert.ErrorAs(bad.Validate(), &decErr)

	assert.Error(NewReadSpec(Explicit(Coil, 0), S32, HiLo, 1).Validate())
	assert.Error(NewReadSpec(Explicit(HoldingRegister, 65535), U32, HiLo, 1).Validate())
	assert.Error(NewReadSpec(RegisterRef{}, U16, HiLo, 1).Validate())
	assert.Error(spec(U16, HiLo, 0).Validate())
	assert.Error(spec(U16, HiLo, math.NaN()).Validate())
	assert.NoError(spec(U16, HiLo, -0.1).Validate())
}
