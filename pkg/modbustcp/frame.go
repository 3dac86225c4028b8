package modbustcp

import (
	"encoding/binary"
)

// MBAP:
//
//	TID(2) PID(2=0) LEN(2) UID(1)
//
// PDU (read request):
//
//	FC(1) Address(2) Quantity(2)
const (
	MBAP_HEADER_LENGTH   = 7
	MBAP_PROTOCOL_ID     = 0
	MAX_PDU_LENGTH       = 253
	READ_REQUEST_PDU_LEN = 5
	exceptionBit         = 0x80
)

type mbapHeader struct {
	TransactionId uint16
	ProtocolId    uint16
	Length        uint16
	UnitId        uint8
}

func (h mbapHeader) encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], h.TransactionId)
	binary.BigEndian.PutUint16(dst[2:4], h.ProtocolId)
	binary.BigEndian.PutUint16(dst[4:6], h.Length)
	dst[6] = h.UnitId
}

func decodeMBAPHeader(b []byte) mbapHeader {
	return mbapHeader{
		TransactionId: binary.BigEndian.Uint16(b[0:2]),
		ProtocolId:    binary.BigEndian.Uint16(b[2:4]),
		Length:        binary.BigEndian.Uint16(b[4:6]),
		UnitId:        b[6],
	}
}

// readRequest is one outgoing read, kept to validate the matching response.
type readRequest struct {
	transactionId uint16
	unitId        uint8
	function      uint8
	address       uint16
	quantity      uint16
}

func (r readRequest) encode() []byte {
	adu := make([]byte, MBAP_HEADER_LENGTH+READ_REQUEST_PDU_LEN)
	mbapHeader{
		TransactionId: r.transactionId,
		ProtocolId:    MBAP_PROTOCOL_ID,
		// unit id + PDU
		Length: 1 + READ_REQUEST_PDU_LEN,
		UnitId: r.unitId,
	}.encode(adu)
	adu[7] = r.function
	binary.BigEndian.PutUint16(adu[8:10], r.address)
	binary.BigEndian.PutUint16(adu[10:12], r.quantity)
	return adu
}

func (r readRequest) isBitRead() bool {
	return r.function == FC_READ_COILS || r.function == FC_READ_DISCRETE_INPUTS
}

func (r readRequest) expectedByteCount() int {
	if r.isBitRead() {
		return (int(r.quantity) + 7) / 8
	}
	return int(r.quantity) * 2
}

// checkHeader validates a response header against the request before the
// PDU is read from the wire.
func (r readRequest) checkHeader(h mbapHeader) error {
	if h.ProtocolId != MBAP_PROTOCOL_ID {
		return protocolErrorf("protocol id mismatch: got=%d want=0", h.ProtocolId)
	}
	if h.Length < 3 || h.Length > MAX_PDU_LENGTH+1 {
		return protocolErrorf("invalid mbap length %d", h.Length)
	}
	if h.TransactionId != r.transactionId {
		return protocolErrorf("transaction id mismatch: got=%d want=%d", h.TransactionId, r.transactionId)
	}
	if h.UnitId != r.unitId {
		return protocolErrorf("unit id mismatch: got=%d want=%d", h.UnitId, r.unitId)
	}
	return nil
}

// parseResponse validates a response PDU and unpacks it into words. Bit
// reads yield one word (0 or 1) per requested bit.
func (r readRequest) parseResponse(pdu []byte) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, protocolErrorf("short pdu (%d bytes)", len(pdu))
	}
	fc := pdu[0]
	if fc == r.function|exceptionBit {
		return nil, &DeviceExceptionError{Function: r.function, Code: pdu[1]}
	}
	if fc != r.function {
		return nil, protocolErrorf("function mismatch: got=0x%02x want=0x%02x", fc, r.function)
	}
	byteCount := int(pdu[1])
	if byteCount != r.expectedByteCount() {
		return nil, protocolErrorf("byte count mismatch: got=%d want=%d", byteCount, r.expectedByteCount())
	}
	if len(pdu)-2 != byteCount {
		return nil, protocolErrorf("payload length %d does not match byte count %d", len(pdu)-2, byteCount)
	}
	data := pdu[2:]
	if r.isBitRead() {
		return unpackBits(data, int(r.quantity)), nil
	}
	return unpackRegisters(data), nil
}

func unpackBits(data []byte, count int) []uint16 {
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		if data[i/8]&(1<<(i%8)) != 0 {
			out[i] = 1
		}
	}
	return out
}

func unpackRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}
