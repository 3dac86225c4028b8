package modbustcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DEFAULT_TIMEOUT = 5 * time.Second

// Transport executes single read requests against one device.
type Transport interface {
	Execute(ctx context.Context, function uint8, address uint16, quantity uint16) ([]uint16, error)
	// Close is idempotent and never fails.
	Close() error
}

// Dialer opens a Transport to a device.
type Dialer interface {
	Dial(ctx context.Context, addr DeviceAddress) (Transport, error)
}

type DialerFunc func(ctx context.Context, addr DeviceAddress) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, addr DeviceAddress) (Transport, error) {
	return f(ctx, addr)
}

type TransportConfig struct {
	// per-request timeout, also used for dialing
	Timeout    time.Duration
	Logger     *zap.Logger
	Instrument []Instrument
}

func (c TransportConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DEFAULT_TIMEOUT
	}
	return c.Timeout
}

func (c TransportConfig) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// TCPTransport is the native Modbus TCP transport. It owns one connection;
// after a transient failure the connection is dropped and re-dialed by the
// next Execute, so stale responses never reach a later request.
type TCPTransport struct {
	cfg    TransportConfig
	addr   DeviceAddress
	logger *zap.Logger

	// exchange serializes requests: no pipelining on one connection
	exchange sync.Mutex

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	tid    uint16
}

// NativeDialer dials TCPTransport connections.
type NativeDialer struct {
	Config TransportConfig
}

func (d NativeDialer) Dial(ctx context.Context, addr DeviceAddress) (Transport, error) {
	t, err := Dial(ctx, addr, d.Config)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Dial opens a native transport to addr.
func Dial(ctx context.Context, addr DeviceAddress, cfg TransportConfig) (*TCPTransport, error) {
	t := &TCPTransport{
		cfg:    cfg,
		addr:   addr,
		logger: cfg.logger().With(zap.String("device", addr.String())),
		// randomized starting transaction id
		tid: uint16(rand.Intn(0x10000)),
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return t, nil
}

func (t *TCPTransport) dial(ctx context.Context) (net.Conn, error) {
	defer RecordTimer("Dial", t.cfg.Instrument)()
	d := net.Dialer{Timeout: t.cfg.timeout()}
	conn, err := d.DialContext(ctx, "tcp", t.addr.Endpoint())
	if err != nil {
		return nil, &ConnectionError{Endpoint: t.addr.Endpoint(), Err: err}
	}
	t.logger.Debug("modbus@transport connected", zap.String("local", conn.LocalAddr().String()))
	return conn, nil
}

// Execute sends one read request and waits for its response.
func (t *TCPTransport) Execute(ctx context.Context, function uint8, address uint16, quantity uint16) ([]uint16, error) {
	defer RecordTimer(fmt.Sprintf("Execute(fc=%d)", function), t.cfg.Instrument)()

	if err := checkQuantity(function, quantity); err != nil {
		return nil, err
	}

	t.exchange.Lock()
	defer t.exchange.Unlock()

	conn, err := t.currentConn(ctx)
	if err != nil {
		return nil, err
	}

	// abandon in-flight I/O as soon as the caller gives up
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})

	deadline := time.Now().Add(t.cfg.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		stop()
		t.dropConn(conn)
		return nil, &ConnectionError{Endpoint: t.addr.Endpoint(), Err: err}
	}

	req := readRequest{
		transactionId: t.nextTID(),
		unitId:        t.addr.UnitId,
		function:      function,
		address:       address,
		quantity:      quantity,
	}
	words, err := t.roundTrip(conn, req)
	forced := !stop()

	if err != nil {
		var devErr *DeviceExceptionError
		// only a clean exception response leaves the stream in sync
		if forced || !errors.As(err, &devErr) {
			t.dropConn(conn)
		}
		t.logger.Debug("modbus@transport request failed", zap.Uint8("fc", function),
			zap.Uint16("address", address), zap.Uint16("quantity", quantity), zap.Error(err))
		return nil, err
	}
	if forced {
		t.dropConn(conn)
	}
	return words, nil
}

func (t *TCPTransport) roundTrip(conn net.Conn, req readRequest) ([]uint16, error) {
	if _, err := conn.Write(req.encode()); err != nil {
		return nil, t.ioError(err)
	}
	var hdr [MBAP_HEADER_LENGTH]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, t.ioError(err)
	}
	header := decodeMBAPHeader(hdr[:])
	if err := req.checkHeader(header); err != nil {
		return nil, err
	}
	pdu := make([]byte, header.Length-1)
	if _, err := io.ReadFull(conn, pdu); err != nil {
		return nil, t.ioError(err)
	}
	return req.parseResponse(pdu)
}

func (t *TCPTransport) currentConn(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &ConnectionError{Endpoint: t.addr.Endpoint(), Err: ErrClosed}
	}
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

func (t *TCPTransport) dropConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.logger.Debug("modbus@transport close after failure", zap.Error(err))
	}
}

func (t *TCPTransport) nextTID() uint16 {
	t.tid++
	return t.tid
}

func (t *TCPTransport) ioError(err error) error {
	return classifyIOError(t.addr.Endpoint(), err)
}

// Close releases the connection. Safe to call more than once and from any
// goroutine; an in-flight Execute fails with a ConnectionError.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.logger.Warn("modbus@transport close", zap.Error(err))
		}
		t.conn = nil
	}
	t.logger.Debug("modbus@transport closed")
	return nil
}

func checkQuantity(function uint8, quantity uint16) error {
	switch function {
	case FC_READ_COILS, FC_READ_DISCRETE_INPUTS:
		if quantity < 1 || quantity > MAX_READ_BITS {
			return protocolErrorf("bit quantity %d out of range 1-%d", quantity, MAX_READ_BITS)
		}
	case FC_READ_HOLDING_REGISTERS, FC_READ_INPUT_REGISTERS:
		if quantity < 1 || quantity > MAX_READ_REGISTERS {
			return protocolErrorf("register quantity %d out of range 1-%d", quantity, MAX_READ_REGISTERS)
		}
	default:
		return protocolErrorf("unsupported function code 0x%02x", function)
	}
	return nil
}

func classifyIOError(endpoint string, err error) error {
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Endpoint: endpoint, Err: err}
	}
	return &ConnectionError{Endpoint: endpoint, Err: err}
}
