package modbustcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

type simonvetterTransport struct {
	cfg    TransportConfig
	addr   DeviceAddress
	logger *zap.Logger

	// exchange serializes requests
	exchange sync.Mutex

	mu sync.Mutex
	// open client; nil after a failure until the next Execute reopens one
	client *modbus.ModbusClient
	closed bool
}

func dialSimonvetter(ctx context.Context, addr DeviceAddress, cfg TransportConfig) (Transport, error) {
	t := &simonvetterTransport{
		cfg:    cfg,
		addr:   addr,
		logger: cfg.logger().With(zap.String("device", addr.String()), zap.String("driver", DRIVER_SIMONVETTER)),
	}
	client, err := t.open(ctx)
	if err != nil {
		return nil, err
	}
	t.client = client
	return t, nil
}

// open creates and connects a fresh client; ctx can cut the dial short.
func (t *simonvetterTransport) open(ctx context.Context) (*modbus.ModbusClient, error) {
	endpoint := t.addr.Endpoint()
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     "tcp://" + endpoint,
		Timeout: t.cfg.timeout(),
	})
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	client.SetUnitId(t.addr.UnitId)

	_, _, err = awaitCall(ctx, endpoint, func() (struct{}, error) {
		return struct{}{}, client.Open()
	}, func(_ struct{}, err error) {
		if err == nil {
			t.closeClient(client)
		}
	})
	if err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			err = &ConnectionError{Endpoint: endpoint, Err: err}
		}
		return nil, err
	}
	return client, nil
}

func (t *simonvetterTransport) currentClient(ctx context.Context) (*modbus.ModbusClient, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &ConnectionError{Endpoint: t.addr.Endpoint(), Err: ErrClosed}
	}
	client := t.client
	t.mu.Unlock()
	if client != nil {
		return client, nil
	}

	client, err := t.open(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.closeClient(client)
		return nil, &ConnectionError{Endpoint: t.addr.Endpoint(), Err: ErrClosed}
	}
	t.client = client
	return client, nil
}

func (t *simonvetterTransport) Execute(ctx context.Context, function uint8, address uint16, quantity uint16) ([]uint16, error) {
	defer RecordTimer(fmt.Sprintf("Execute(fc=%d)", function), t.cfg.Instrument)()

	if err := checkQuantity(function, quantity); err != nil {
		return nil, err
	}

	t.exchange.Lock()
	defer t.exchange.Unlock()

	client, err := t.currentClient(ctx)
	if err != nil {
		return nil, err
	}

	words, abandoned, err := awaitCall(ctx, t.addr.Endpoint(), func() ([]uint16, error) {
		return t.read(client, function, address, quantity)
	}, func([]uint16, error) {
		t.closeClient(client)
	})
	if abandoned {
		t.forget(client)
		t.logger.Debug("modbus@simonvetter request abandoned", zap.Uint8("fc", function),
			zap.Uint16("address", address), zap.Error(err))
		return nil, err
	}
	if err != nil {
		err = t.mapError(function, err)
		var devErr *DeviceExceptionError
		if !errors.As(err, &devErr) {
			t.forget(client)
			t.closeClient(client)
		}
		return nil, err
	}
	return words, nil
}

func (t *simonvetterTransport) read(client *modbus.ModbusClient, function uint8, address uint16, quantity uint16) ([]uint16, error) {
	switch function {
	case FC_READ_COILS:
		bits, err := client.ReadCoils(address, quantity)
		if err != nil {
			return nil, err
		}
		return boolsToWords(bits, quantity)
	case FC_READ_DISCRETE_INPUTS:
		bits, err := client.ReadDiscreteInputs(address, quantity)
		if err != nil {
			return nil, err
		}
		return boolsToWords(bits, quantity)
	case FC_READ_HOLDING_REGISTERS:
		return client.ReadRegisters(address, quantity, modbus.HOLDING_REGISTER)
	case FC_READ_INPUT_REGISTERS:
		return client.ReadRegisters(address, quantity, modbus.INPUT_REGISTER)
	}
	return nil, protocolErrorf("unsupported function code 0x%02x", function)
}

// forget drops client so the next Execute opens a new one.
func (t *simonvetterTransport) forget(client *modbus.ModbusClient) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == client {
		t.client = nil
	}
}

func (t *simonvetterTransport) closeClient(client *modbus.ModbusClient) {
	if err := client.Close(); err != nil {
		t.logger.Debug("modbus@simonvetter close", zap.Error(err))
	}
}

func (t *simonvetterTransport) mapError(function uint8, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	endpoint := t.addr.Endpoint()
	switch {
	case errors.Is(err, modbus.ErrRequestTimedOut):
		return &TimeoutError{Endpoint: endpoint, Err: err}
	case errors.Is(err, modbus.ErrIllegalFunction):
		return &DeviceExceptionError{Function: function, Code: EX_ILLEGAL_FUNCTION}
	case errors.Is(err, modbus.ErrIllegalDataAddress):
		return &DeviceExceptionError{Function: function, Code: EX_ILLEGAL_DATA_ADDRESS}
	case errors.Is(err, modbus.ErrIllegalDataValue):
		return &DeviceExceptionError{Function: function, Code: EX_ILLEGAL_DATA_VALUE}
	case errors.Is(err, modbus.ErrServerDeviceFailure):
		return &DeviceExceptionError{Function: function, Code: EX_SERVER_DEVICE_FAILURE}
	case errors.Is(err, modbus.ErrAcknowledge):
		return &DeviceExceptionError{Function: function, Code: EX_ACKNOWLEDGE}
	case errors.Is(err, modbus.ErrServerDeviceBusy):
		return &DeviceExceptionError{Function: function, Code: EX_SERVER_DEVICE_BUSY}
	case errors.Is(err, modbus.ErrMemoryParityError):
		return &DeviceExceptionError{Function: function, Code: EX_MEMORY_PARITY_ERROR}
	case errors.Is(err, modbus.ErrGWPathUnavailable):
		return &DeviceExceptionError{Function: function, Code: EX_GW_PATH_UNAVAILABLE}
	case errors.Is(err, modbus.ErrGWTargetFailedToRespond):
		return &DeviceExceptionError{Function: function, Code: EX_GW_TARGET_FAILED_TO_RESPOND}
	case errors.Is(err, modbus.ErrProtocolError),
		errors.Is(err, modbus.ErrBadTransactionId),
		errors.Is(err, modbus.ErrBadUnitId),
		errors.Is(err, modbus.ErrUnknownProtocolId),
		errors.Is(err, modbus.ErrShortFrame),
		errors.Is(err, modbus.ErrUnexpectedParameters):
		return &ProtocolError{Reason: err.Error()}
	}
	return classifyIOError(endpoint, err)
}

// Close never waits for an abandoned or in-flight read; such a client is
// closed as soon as its read returns.
func (t *simonvetterTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	client := t.client
	t.client = nil
	if client == nil {
		return nil
	}
	if t.exchange.TryLock() {
		t.closeClient(client)
		t.exchange.Unlock()
	} else {
		go t.closeClient(client)
	}
	return nil
}
