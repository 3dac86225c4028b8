package modbustcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers raw 12-byte read requests with whatever the handler
// returns; a nil answer leaves the request unanswered.
type fakeServer struct {
	ln       net.Listener
	accepted atomic.Int32
	requests atomic.Int32
	handler  func(n int32, req []byte) []byte
}

func newFakeServer(t *testing.T, handler func(n int32, req []byte) []byte) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, handler: handler}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, MBAP_HEADER_LENGTH+READ_REQUEST_PDU_LEN)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		n := s.requests.Add(1)
		resp := s.handler(n, append([]byte(nil), buf...))
		if resp == nil {
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (s *fakeServer) addr() DeviceAddress {
	return DeviceAddress{Host: "127.0.0.1", Port: uint(s.ln.Addr().(*net.TCPAddr).Port), UnitId: 1}
}

func response(req []byte, pdu ...byte) []byte {
	adu := make([]byte, MBAP_HEADER_LENGTH, MBAP_HEADER_LENGTH+len(pdu))
	copy(adu[0:2], req[0:2])
	binary.BigEndian.PutUint16(adu[4:6], uint16(1+len(pdu)))
	adu[6] = req[6]
	return append(adu, pdu...)
}

func registerResponse(req []byte, words ...uint16) []byte {
	pdu := []byte{req[7], byte(2 * len(words))}
	for _, w := range words {
		pdu = binary.BigEndian.AppendUint16(pdu, w)
	}
	return response(req, pdu...)
}

func TestTCPTransportReadsRegisters(t *testing.T) {
	require := require.New(t)

	server := newFakeServer(t, func(n int32, req []byte) []byte {
		assert.Equal(t, FC_READ_INPUT_REGISTERS, req[7])
		assert.Equal(t, uint16(33139), binary.BigEndian.Uint16(req[8:10]))
		return registerResponse(req, 0x0001, 0x0000)
	})

	transport, err := Dial(context.Background(), server.addr(), TransportConfig{Timeout: time.Second})
	require.NoError(err)
	defer transport.Close()

	words, err := transport.Execute(context.Background(), FC_READ_INPUT_REGISTERS, 33139, 2)
	require.NoError(err)
	require.Equal([]uint16{1, 0}, words)

	words, err = transport.Execute(context.Background(), FC_READ_INPUT_REGISTERS, 33139, 2)
	require.NoError(err)
	require.Equal([]uint16{1, 0}, words)
	require.Equal(int32(1), server.accepted.Load())
}

func TestTCPTransportReadsCoils(t *testing.T) {
	require := require.New(t)

	server := newFakeServer(t, func(n int32, req []byte) []byte {
		return response(req, FC_READ_COILS, 1, 0b0000_0101)
	})
	transport, err := Dial(context.Background(), server.addr(), TransportConfig{Timeout: time.Second})
	require.NoError(err)
	defer transport.Close()

	words, err := transport.Execute(context.Background(), FC_READ_COILS, 0, 3)
	require.NoError(err)
	require.Equal([]uint16{1, 0, 1}, words)
}

func TestTCPTransportDeviceExceptionKeepsConnection(t *testing.T) {
	require := require.New(t)

	server := newFakeServer(t, func(n int32, req []byte) []byte {
		if n == 1 {
			return response(req, req[7]|0x80, EX_ILLEGAL_DATA_ADDRESS)
		}
		return registerResponse(req, 42)
	})
	transport, err := Dial(context.Background(), server.addr(), TransportConfig{Timeout: time.Second})
	require.NoError(err)
	defer transport.Close()

	_, err = transport.Execute(context.Background(), FC_READ_HOLDING_REGISTERS, 9999, 1)
	var devErr *DeviceExceptionError
	require.ErrorAs(err, &devErr)
	require.Equal(EX_ILLEGAL_DATA_ADDRESS, devErr.Code)

	words, err := transport.Execute(context.Background(), FC_READ_HOLDING_REGISTERS, 0, 1)
	require.NoError(err)
	require.Equal([]uint16{42}, words)
	require.Equal(int32(1), server.accepted.Load())
}

func TestTCPTransportTransactionMismatch(t *testing.T) {
	require := require.New(t)

	server := newFakeServer(t, func(n int32, req []byte) []byte {
		resp := registerResponse(req, 42)
		if n == 1 {
			resp[1]++
		}
		return resp
	})
	transport, err := Dial(context.Background(), server.addr(), TransportConfig{Timeout: time.Second})
	require.NoError(err)
	defer transport.Close()

	_, err = transport.Execute(context.Background(), FC_READ_HOLDING_REGISTERS, 0, 1)
	var pe *ProtocolError
	require.ErrorAs(err, &pe)
	require.False(IsRetryable(err))

	// the desynchronized connection is replaced
	words, err := transport.Execute(context.Background(), FC_READ_HOLDING_REGISTERS, 0, 1)
	require.NoError(err)
	require.Equal([]uint16{42}, words)
	require.Equal(int32(2), server.accepted.Load())
}

func TestTCPTransportTimeoutThenRedial(t *testing.T) {
	require := require.New(t)

	server := newFakeServer(t, func(n int32, req []byte) []byte {
		if n == 1 {
			return nil
		}
		return registerResponse(req, 7)
	})
	transport, err := Dial(context.Background(), server.addr(), TransportConfig{Timeout: 50 * time.Millisecond})
	require.NoError(err)
	defer transport.Close()

	_, err = transport.Execute(context.Background(), FC_READ_HOLDING_REGISTERS, 0, 1)
	var te *TimeoutError
	require.ErrorAs(err, &te)
	require.True(IsRetryable(err))

	words, err := transport.Execute(context.Background(), FC_READ_HOLDING_REGISTERS, 0, 1)
	require.NoError(err)
	require.Equal([]uint16{7}, words)
	require.Equal(int32(2), server.accepted.Load())
}

func TestTCPTransportContextForcesClose(t *testing.T) {
	require := require.New(t)

	server := newFakeServer(t, func(n int32, req []byte) []byte {
		return nil
	})
	transport, err := Dial(context.Background(), server.addr(), TransportConfig{Timeout: 10 * time.Second})
	require.NoError(err)
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err = transport.Execute(ctx, FC_READ_HOLDING_REGISTERS, 0, 1)
	require.Error(err)
	require.Less(time.Since(start), 5*time.Second)
}

func TestTCPTransportRetriedByExecutor(t *testing.T) {
	require := require.New(t)

	server := newFakeServer(t, func(n int32, req []byte) []byte {
		if n < 3 {
			return nil
		}
		return registerResponse(req, 0x0032)
	})
	dialer := NativeDialer{Config: TransportConfig{Timeout: 50 * time.Millisecond}}
	transport, err := dialer.Dial(context.Background(), server.addr())
	require.NoError(err)
	defer transport.Close()

	exec := NewExecutor(RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{time.Millisecond}}, nil)
	raw, err := exec.Read(context.Background(), transport, NewReadSpec(Explicit(HoldingRegister, 0), U16, HiLo, 1))
	require.NoError(err)
	require.Equal(RawReading{0x0032}, raw)
	require.Equal(int32(3), server.requests.Load())
}

func TestTCPTransportClose(t *testing.T) {
	assert := assert.New(t)

	server := newFakeServer(t, func(n int32, req []byte) []byte {
		return registerResponse(req, 1)
	})
	transport, err := Dial(context.Background(), server.addr(), TransportConfig{})
	assert.NoError(err)

	assert.NoError(transport.Close())
	assert.NoError(transport.Close())

	_, err = transport.Execute(context.Background(), FC_READ_HOLDING_REGISTERS, 0, 1)
	var connErr *ConnectionError
	assert.ErrorAs(err, &connErr)
	assert.ErrorIs(err, ErrClosed)
	assert.False(IsRetryable(err))
}

func TestTCPTransportQuantityLimits(t *testing.T) {
	assert := assert.New(t)

	server := newFakeServer(t, func(n int32, req []byte) []byte {
		return nil
	})
	transport, err := Dial(context.Background(), server.addr(), TransportConfig{})
	assert.NoError(err)
	defer transport.Close()

	var pe *ProtocolError
	_, err = transport.Execute(context.Background(), FC_READ_HOLDING_REGISTERS, 0, MAX_READ_REGISTERS+1)
	assert.ErrorAs(err, &pe)
	_, err = transport.Execute(context.Background(), FC_READ_COILS, 0, MAX_READ_BITS+1)
	assert.ErrorAs(err, &pe)
	_, err = transport.Execute(context.Background(), 0x06, 0, 1)
	assert.ErrorAs(err, &pe)
	assert.Equal(int32(0), server.requests.Load())
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = Dial(context.Background(), DeviceAddress{Host: "127.0.0.1", Port: uint(port)}, TransportConfig{Timeout: time.Second})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, IsRetryable(err))
}

func TestNewDialer(t *testing.T) {
	assert := assert.New(t)

	for _, name := range append(Drivers, "") {
		d, err := NewDialer(name, TransportConfig{})
		assert.NoError(err)
		assert.NotNil(d)
	}
	_, err := NewDialer("rtu", TransportConfig{})
	assert.Error(err)
}
