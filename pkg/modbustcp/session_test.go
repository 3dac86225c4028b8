package modbustcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threePoints() []Point {
	return []Point{
		{Label: "soc", Spec: NewReadSpec(Conventional(40001, 0), U16, HiLo, 0.1)},
		{Label: "power", Spec: NewReadSpec(Conventional(40002, 0), S32, HiLo, 1)},
		{Label: "energy", Spec: NewReadSpec(Conventional(40010, 0), U32, HiLo, 1)},
	}
}

func TestSessionPartialFailure(t *testing.T) {
	require := require.New(t)

	transport := NewTestTransport().
		Set(HoldingRegister, 0, 0x0032).
		Set(HoldingRegister, 9, 0x0001, 0x0000).
		Fail(1, &DeviceExceptionError{Function: FC_READ_HOLDING_REGISTERS, Code: EX_ILLEGAL_DATA_ADDRESS})

	var states []SessionState
	session := NewSession(transport.Dialer(nil), RetryPolicy{MaxAttempts: 3}, nil)
	session.OnStateChange = func(from, to SessionState) {
		states = append(states, to)
	}

	result, err := session.Run(context.Background(), DeviceAddress{Host: "127.0.0.1", UnitId: 1}, threePoints())
	require.NoError(err)
	require.Len(result.Entries, 3)

	require.True(result.Entries[0].OK())
	require.Equal("soc", result.Entries[0].Label)
	require.InDelta(5.0, result.Entries[0].Value.Value, 1e-9)

	require.False(result.Entries[1].OK())
	var readErr *ReadError
	require.ErrorAs(result.Entries[1].Err, &readErr)
	require.Equal(Rejected, readErr.Kind)

	require.True(result.Entries[2].OK())
	require.Equal(65536.0, result.Entries[2].Value.Value)

	require.Equal(1, result.Failed())
	require.False(result.OK())
	require.Equal(1, transport.Closes())
	require.Equal(Closed, session.State())
	require.Equal(Connecting, states[0])
	require.Equal(Closing, states[len(states)-2])
	require.Equal(Closed, states[len(states)-1])
}

func TestSessionConnectFailure(t *testing.T) {
	require := require.New(t)

	transport := NewTestTransport()
	var states []SessionState
	session := NewSession(transport.Dialer(errors.New("connection refused")), DefaultRetryPolicy(), nil)
	session.OnStateChange = func(from, to SessionState) {
		states = append(states, to)
	}

	_, err := session.Run(context.Background(), DeviceAddress{Host: "127.0.0.1"}, threePoints())
	var connErr *ConnectionError
	require.ErrorAs(err, &connErr)
	require.Equal([]SessionState{Connecting, Closed}, states)
	require.Equal(0, transport.Calls())
	require.Equal(0, transport.Closes())
}

func TestSessionConfigurationErrorBeforeDial(t *testing.T) {
	require := require.New(t)

	dialed := false
	dialer := DialerFunc(func(ctx context.Context, addr DeviceAddress) (Transport, error) {
		dialed = true
		return NewTestTransport(), nil
	})

	points := append(threePoints(), Point{Label: "bogus", Spec: NewReadSpec(Conventional(25000, 0), U16, HiLo, 1)})
	_, err := NewSession(dialer, DefaultRetryPolicy(), nil).Run(context.Background(), DeviceAddress{Host: "x"}, points)
	var rangeErr *AddressRangeError
	require.ErrorAs(err, &rangeErr)
	require.False(dialed)
	// the caller's points stay unresolved
	require.False(points[0].Spec.Register.Type.Valid())
}

func TestSessionSingleUse(t *testing.T) {
	transport := NewTestTransport().Set(HoldingRegister, 0, 1)
	session := NewSession(transport.Dialer(nil), DefaultRetryPolicy(), nil)
	points := threePoints()[:1]

	_, err := session.Run(context.Background(), DeviceAddress{Host: "x"}, points)
	assert.NoError(t, err)
	_, err = session.Run(context.Background(), DeviceAddress{Host: "x"}, points)
	assert.ErrorIs(t, err, ErrSessionUsed)
	assert.Equal(t, 1, transport.Closes())
}

type panickingTransport struct {
	*TestTransport
}

func (p panickingTransport) Execute(ctx context.Context, function uint8, address uint16, quantity uint16) ([]uint16, error) {
	if address == 1 {
		panic("boom")
	}
	return p.TestTransport.Execute(ctx, function, address, quantity)
}

func TestSessionSurvivesPanickingEntry(t *testing.T) {
	require := require.New(t)

	inner := NewTestTransport().Set(HoldingRegister, 0, 50).Set(HoldingRegister, 9, 0, 1)
	dialer := DialerFunc(func(ctx context.Context, addr DeviceAddress) (Transport, error) {
		return panickingTransport{inner}, nil
	})

	result, err := NewSession(dialer, DefaultRetryPolicy(), nil).Run(context.Background(), DeviceAddress{Host: "x"}, threePoints())
	require.NoError(err)
	require.True(result.Entries[0].OK())
	require.Error(result.Entries[1].Err)
	require.True(result.Entries[2].OK())
	require.Equal(1, inner.Closes())
}
