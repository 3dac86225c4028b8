package modbustcp

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
)

const (
	FC_READ_COILS             uint8 = 0x01
	FC_READ_DISCRETE_INPUTS   uint8 = 0x02
	FC_READ_HOLDING_REGISTERS uint8 = 0x03
	FC_READ_INPUT_REGISTERS   uint8 = 0x04

	DEFAULT_PORT = 502

	// per-request quantity limits of the read function codes
	MAX_READ_REGISTERS = 125
	MAX_READ_BITS      = 2000
)

type RegisterType uint8

const (
	Coil RegisterType = iota + 1
	DiscreteInput
	InputRegister
	HoldingRegister
)

func (t RegisterType) FunctionCode() uint8 {
	switch t {
	case Coil:
		return FC_READ_COILS
	case DiscreteInput:
		return FC_READ_DISCRETE_INPUTS
	case InputRegister:
		return FC_READ_INPUT_REGISTERS
	case HoldingRegister:
		return FC_READ_HOLDING_REGISTERS
	}
	return 0
}

// IsBit reports whether the type addresses single bits (coils, discrete inputs).
func (t RegisterType) IsBit() bool {
	return t == Coil || t == DiscreteInput
}

func (t RegisterType) Valid() bool {
	return t >= Coil && t <= HoldingRegister
}

func (t RegisterType) String() string {
	switch t {
	case Coil:
		return "coil"
	case DiscreteInput:
		return "discrete_input"
	case InputRegister:
		return "input_register"
	case HoldingRegister:
		return "holding_register"
	}
	return fmt.Sprintf("register_type(%d)", uint8(t))
}

func ParseRegisterType(s string) (RegisterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "coil", "coils":
		return Coil, nil
	case "di", "discrete", "discrete_input", "discrete_inputs":
		return DiscreteInput, nil
	case "ir", "input", "input_register", "input_registers":
		return InputRegister, nil
	case "hr", "holding", "holding_register", "holding_registers":
		return HoldingRegister, nil
	}
	return 0, fmt.Errorf("unknown register type %q (valid: coil, discrete, input, holding)", s)
}

type DataType uint8

const (
	U16 DataType = iota + 1
	S16
	U32
	S32
	U64
	S64
	F32
	F64
)

// Words returns the number of 16-bit registers the type spans.
func (d DataType) Words() uint16 {
	switch d {
	case U16, S16:
		return 1
	case U32, S32, F32:
		return 2
	case U64, S64, F64:
		return 4
	}
	return 0
}

func (d DataType) Signed() bool {
	return d == S16 || d == S32 || d == S64
}

func (d DataType) String() string {
	switch d {
	case U16:
		return "u16"
	case S16:
		return "s16"
	case U32:
		return "u32"
	case S32:
		return "s32"
	case U64:
		return "u64"
	case S64:
		return "s64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	}
	return fmt.Sprintf("data_type(%d)", uint8(d))
}

func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "u16", "uint16":
		return U16, nil
	case "s16", "int16", "i16":
		return S16, nil
	case "u32", "uint32":
		return U32, nil
	case "s32", "int32", "i32":
		return S32, nil
	case "u64", "uint64":
		return U64, nil
	case "s64", "int64", "i64":
		return S64, nil
	case "f32", "float32", "float":
		return F32, nil
	case "f64", "float64", "double":
		return F64, nil
	}
	return 0, fmt.Errorf("unknown data type %q (valid: u16, s16, u32, s32, u64, s64, f32, f64)", s)
}

// WordOrder selects which register of a multi-register value is the most
// significant one. Byte order inside a register is always big endian.
type WordOrder uint8

const (
	HiLo WordOrder = iota
	LoHi
)

func (o WordOrder) String() string {
	if o == LoHi {
		return "lohi"
	}
	return "hilo"
}

func ParseWordOrder(s string) (WordOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hilo", "hi-lo", "big", "msw":
		return HiLo, nil
	case "lohi", "lo-hi", "little", "lsw":
		return LoHi, nil
	}
	return HiLo, fmt.Errorf("unknown word order %q (valid: hilo, lohi)", s)
}

// DeviceAddress identifies one Modbus server (and unit behind it).
type DeviceAddress struct {
	Host   string
	Port   uint
	UnitId uint8
}

func (a DeviceAddress) Endpoint() string {
	port := a.Port
	if port == 0 {
		port = DEFAULT_PORT
	}
	return net.JoinHostPort(a.Host, strconv.FormatUint(uint64(port), 10))
}

func (a DeviceAddress) String() string {
	return fmt.Sprintf("%s/%d", a.Endpoint(), a.UnitId)
}

// RegisterRef is a resolved register location. Conventional is 0 for
// explicit (vendor zero-based) references.
type RegisterRef struct {
	Conventional int
	Type         RegisterType
	Address      uint16
	Explicit     bool
}

func (r RegisterRef) String() string {
	if r.Explicit {
		return fmt.Sprintf("%s@%d", r.Type, r.Address)
	}
	return fmt.Sprintf("%d (%s@%d)", r.Conventional, r.Type, r.Address)
}

// ReadSpec describes one telemetry point read.
type ReadSpec struct {
	Register  RegisterRef
	Count     uint16
	DataType  DataType
	WordOrder WordOrder
	Scale     float64
}

// NewReadSpec builds a spec whose count matches the data type width.
func NewReadSpec(ref RegisterRef, dataType DataType, order WordOrder, scale float64) ReadSpec {
	return ReadSpec{
		Register:  ref,
		Count:     dataType.Words(),
		DataType:  dataType,
		WordOrder: order,
		Scale:     scale,
	}
}

// Validate reports configuration errors in the read. It never does I/O.
func (s ReadSpec) Validate() error {
	if !s.Register.Type.Valid() {
		return fmt.Errorf("read spec %s: invalid register type", s.Register)
	}
	if s.Count < 1 {
		return fmt.Errorf("read spec %s: count must be >= 1", s.Register)
	}
	if s.DataType.Words() == 0 {
		return fmt.Errorf("read spec %s: invalid data type", s.Register)
	}
	if s.Count != s.DataType.Words() {
		return &DecodeError{DataType: s.DataType, Want: int(s.DataType.Words()), Got: int(s.Count)}
	}
	if s.Scale == 0 || math.IsNaN(s.Scale) || math.IsInf(s.Scale, 0) {
		return fmt.Errorf("read spec %s: scale must be a non-zero finite number, got %v", s.Register, s.Scale)
	}
	if s.Register.Type.IsBit() && s.DataType != U16 {
		return fmt.Errorf("read spec %s: bit registers only decode as u16", s.Register)
	}
	if uint32(s.Register.Address)+uint32(s.Count) > 0x10000 {
		return fmt.Errorf("read spec %s: address range exceeds 65535", s.Register)
	}
	return nil
}

// RawReading holds the words of one successful exchange, in wire order.
type RawReading []uint16

// DecodedValue is the final result of one point read.
type DecodedValue struct {
	Label    string
	Raw      RawReading
	DataType DataType
	// Bits is the reconstructed unsigned integer before sign/float interpretation.
	Bits  uint64
	Value float64
}

// Integer returns the unscaled integer, sign-extended for signed types.
func (v DecodedValue) Integer() int64 {
	switch v.DataType {
	case S16:
		return int64(int16(v.Bits))
	case S32:
		return int64(int32(v.Bits))
	case S64:
		return int64(v.Bits)
	}
	return int64(v.Bits)
}

// Hex renders the raw words as a contiguous upper-case hex string, the way
// vendor string registers (model, serial) are usually displayed.
func (v DecodedValue) Hex() string {
	var b strings.Builder
	for _, w := range v.Raw {
		fmt.Fprintf(&b, "%04X", w)
	}
	return b.String()
}

// Point is one labelled read of a device profile.
type Point struct {
	Label string
	Spec  ReadSpec
}
