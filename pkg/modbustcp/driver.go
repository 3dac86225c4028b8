package modbustcp

import (
	"context"
	"fmt"
	"strings"
)

const (
	DRIVER_NATIVE      = "native"
	DRIVER_SIMONVETTER = "simonvetter"
	DRIVER_GOBURROW    = "goburrow"
)

var Drivers = []string{DRIVER_NATIVE, DRIVER_SIMONVETTER, DRIVER_GOBURROW}

// NewDialer returns the Dialer of the named driver. The native transport is
// the default; the others wrap third-party clients behind the same error
// taxonomy.
func NewDialer(driver string, cfg TransportConfig) (Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DRIVER_NATIVE:
		return NativeDialer{Config: cfg}, nil
	case DRIVER_SIMONVETTER:
		return DialerFunc(func(ctx context.Context, addr DeviceAddress) (Transport, error) {
			return dialSimonvetter(ctx, addr, cfg)
		}), nil
	case DRIVER_GOBURROW:
		return DialerFunc(func(ctx context.Context, addr DeviceAddress) (Transport, error) {
			return dialGoburrow(ctx, addr, cfg)
		}), nil
	}
	return nil, fmt.Errorf("unknown modbus driver %q (valid: %s)", driver, strings.Join(Drivers, ", "))
}

// packedBitsToWords expands a packed bit response into one word per bit.
func packedBitsToWords(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) != (int(quantity)+7)/8 {
		return nil, protocolErrorf("bit payload of %d bytes for %d bits", len(data), quantity)
	}
	return unpackBits(data, int(quantity)), nil
}

func boolsToWords(bits []bool, quantity uint16) ([]uint16, error) {
	if len(bits) != int(quantity) {
		return nil, protocolErrorf("got %d bits, want %d", len(bits), quantity)
	}
	out := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			out[i] = 1
		}
	}
	return out, nil
}

type callResult[T any] struct {
	value T
	err   error
}

// awaitCall runs fn on its own goroutine and waits for it or for ctx. The
// third-party clients hold their lock for a whole request, so closing them
// cannot interrupt a read. When ctx ends first the call is abandoned: the
// caller gets a ConnectionError right away and release runs once fn returns.
func awaitCall[T any](ctx context.Context, endpoint string, fn func() (T, error), release func(T, error)) (T, bool, error) {
	done := make(chan callResult[T], 1)
	go func() {
		value, err := fn()
		done <- callResult[T]{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, false, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			release(r.value, r.err)
		}()
		var zero T
		return zero, true, &ConnectionError{Endpoint: endpoint, Err: ctx.Err()}
	}
}
