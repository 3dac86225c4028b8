package modbustcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

type goburrowTransport struct {
	cfg    TransportConfig
	addr   DeviceAddress
	logger *zap.Logger

	// exchange serializes requests
	exchange sync.Mutex

	mu sync.Mutex
	// nil after a failure; the next Execute starts a new handler, which
	// connects on its first request
	handler *modbus.TCPClientHandler
	closed  bool
}

func dialGoburrow(ctx context.Context, addr DeviceAddress, cfg TransportConfig) (Transport, error) {
	endpoint := addr.Endpoint()
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	t := &goburrowTransport{
		cfg:    cfg,
		addr:   addr,
		logger: cfg.logger().With(zap.String("device", addr.String()), zap.String("driver", DRIVER_GOBURROW)),
	}
	handler := t.newHandler()
	_, _, err := awaitCall(ctx, endpoint, func() (struct{}, error) {
		return struct{}{}, handler.Connect()
	}, func(struct{}, error) {
		t.closeHandler(handler)
	})
	if err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			err = &ConnectionError{Endpoint: endpoint, Err: err}
		}
		return nil, err
	}
	t.handler = handler
	return t, nil
}

func (t *goburrowTransport) newHandler() *modbus.TCPClientHandler {
	handler := modbus.NewTCPClientHandler(t.addr.Endpoint())
	handler.Timeout = t.cfg.timeout()
	handler.SlaveId = t.addr.UnitId
	return handler
}

func (t *goburrowTransport) currentHandler() (*modbus.TCPClientHandler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &ConnectionError{Endpoint: t.addr.Endpoint(), Err: ErrClosed}
	}
	if t.handler == nil {
		t.handler = t.newHandler()
	}
	return t.handler, nil
}

func (t *goburrowTransport) Execute(ctx context.Context, function uint8, address uint16, quantity uint16) ([]uint16, error) {
	defer RecordTimer(fmt.Sprintf("Execute(fc=%d)", function), t.cfg.Instrument)()

	if err := checkQuantity(function, quantity); err != nil {
		return nil, err
	}

	t.exchange.Lock()
	defer t.exchange.Unlock()

	handler, err := t.currentHandler()
	if err != nil {
		return nil, err
	}
	endpoint := t.addr.Endpoint()
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}

	// no request of this handler is in flight, so its timeout can follow ctx
	timeout := t.cfg.timeout()
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, &ConnectionError{Endpoint: endpoint, Err: context.DeadlineExceeded}
		}
		timeout = min(timeout, left)
	}
	handler.Timeout = timeout
	client := modbus.NewClient(handler)

	words, abandoned, err := awaitCall(ctx, endpoint, func() ([]uint16, error) {
		return t.read(client, function, address, quantity)
	}, func([]uint16, error) {
		t.closeHandler(handler)
	})
	if abandoned {
		t.forget(handler)
		t.logger.Debug("modbus@goburrow request abandoned", zap.Uint8("fc", function),
			zap.Uint16("address", address), zap.Error(err))
		return nil, err
	}
	if err != nil {
		err = t.mapError(function, err)
		var devErr *DeviceExceptionError
		if !errors.As(err, &devErr) {
			t.forget(handler)
			t.closeHandler(handler)
		}
		return nil, err
	}
	return words, nil
}

func (t *goburrowTransport) read(client modbus.Client, function uint8, address uint16, quantity uint16) ([]uint16, error) {
	var data []byte
	var err error
	switch function {
	case FC_READ_COILS:
		data, err = client.ReadCoils(address, quantity)
	case FC_READ_DISCRETE_INPUTS:
		data, err = client.ReadDiscreteInputs(address, quantity)
	case FC_READ_HOLDING_REGISTERS:
		data, err = client.ReadHoldingRegisters(address, quantity)
	case FC_READ_INPUT_REGISTERS:
		data, err = client.ReadInputRegisters(address, quantity)
	default:
		return nil, protocolErrorf("unsupported function code 0x%02x", function)
	}
	if err != nil {
		return nil, err
	}
	if function == FC_READ_COILS || function == FC_READ_DISCRETE_INPUTS {
		return packedBitsToWords(data, quantity)
	}
	if len(data) != int(quantity)*2 {
		return nil, protocolErrorf("register payload of %d bytes for %d registers", len(data), quantity)
	}
	return unpackRegisters(data), nil
}

// forget drops handler so the next Execute starts a new one.
func (t *goburrowTransport) forget(handler *modbus.TCPClientHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == handler {
		t.handler = nil
	}
}

func (t *goburrowTransport) closeHandler(handler *modbus.TCPClientHandler) {
	if err := handler.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.logger.Debug("modbus@goburrow close", zap.Error(err))
	}
}

func (t *goburrowTransport) mapError(function uint8, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &DeviceExceptionError{Function: function, Code: mbErr.ExceptionCode}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return classifyIOError(t.addr.Endpoint(), err)
	}
	// response validation failures surface as plain errors
	return &ProtocolError{Reason: err.Error()}
}

// Close never waits for an abandoned or in-flight read; such a handler is
// closed as soon as its read returns.
func (t *goburrowTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	handler := t.handler
	t.handler = nil
	if handler == nil {
		return nil
	}
	if t.exchange.TryLock() {
		t.closeHandler(handler)
		t.exchange.Unlock()
	} else {
		go t.closeHandler(handler)
	}
	return nil
}
