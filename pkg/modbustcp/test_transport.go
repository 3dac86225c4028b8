package modbustcp

import (
	"context"
	"sync"
)

// TestTransport serves reads from an in-memory register table. Failures can
// be scripted per zero-based address; scripted errors are consumed in order
// and the last one repeats.
type TestTransport struct {
	mu        sync.Mutex
	Registers map[RegisterType]map[uint16]uint16
	Failures  map[uint16][]error
	calls     int
	closes    int
}

func NewTestTransport() *TestTransport {
	return &TestTransport{
		Registers: map[RegisterType]map[uint16]uint16{},
		Failures:  map[uint16][]error{},
	}
}

func (t *TestTransport) Set(regType RegisterType, address uint16, words ...uint16) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Registers[regType] == nil {
		t.Registers[regType] = map[uint16]uint16{}
	}
	for i, w := range words {
		t.Registers[regType][address+uint16(i)] = w
	}
	return t
}

func (t *TestTransport) Fail(address uint16, errs ...error) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Failures[address] = errs
	return t
}

func (t *TestTransport) Execute(ctx context.Context, function uint8, address uint16, quantity uint16) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if err := ctx.Err(); err != nil {
		return nil, &TimeoutError{Endpoint: "test", Err: err}
	}
	if errs := t.Failures[address]; len(errs) > 0 {
		err := errs[0]
		if len(errs) > 1 {
			t.Failures[address] = errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	regType := registerTypeOf(function)
	out := make([]uint16, quantity)
	for i := range out {
		w, ok := t.Registers[regType][address+uint16(i)]
		if !ok {
			return nil, &DeviceExceptionError{Function: function, Code: EX_ILLEGAL_DATA_ADDRESS}
		}
		out[i] = w
	}
	return out, nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *TestTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *TestTransport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Dialer hands out this transport, or fails with err when set.
func (t *TestTransport) Dialer(err error) Dialer {
	return DialerFunc(func(ctx context.Context, addr DeviceAddress) (Transport, error) {
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

func registerTypeOf(function uint8) RegisterType {
	switch function {
	case FC_READ_COILS:
		return Coil
	case FC_READ_DISCRETE_INPUTS:
		return DiscreteInput
	case FC_READ_INPUT_REGISTERS:
		return InputRegister
	case FC_READ_HOLDING_REGISTERS:
		return HoldingRegister
	}
	return 0
}
