package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/berfenger/soc2mqtt/internal/profile"
	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSimulator(t *testing.T, unitId uint8) *Simulator {
	sim := New(nil)
	sim.UnitId = unitId
	require.NoError(t, sim.Start("127.0.0.1:0"))
	t.Cleanup(func() { sim.Stop() })
	return sim
}

func runSession(t *testing.T, driver string, addr mb.DeviceAddress, points []mb.Point, policy mb.RetryPolicy, timeout time.Duration) (*mb.Result, error) {
	dialer, err := mb.NewDialer(driver, mb.TransportConfig{Timeout: timeout})
	require.NoError(t, err)
	return mb.NewSession(dialer, policy, nil).Run(context.Background(), addr, points)
}

func TestEndToEndScaledSOC(t *testing.T) {
	sim := startSimulator(t, 1)
	sim.SetWords(mb.HoldingRegister, 0, 0x0032)

	points := []mb.Point{{Label: "soc", Spec: mb.NewReadSpec(mb.Conventional(40001, 0), mb.U16, mb.HiLo, 0.1)}}
	for _, driver := range mb.Drivers {
		t.Run(driver, func(t *testing.T) {
			result, err := runSession(t, driver, sim.Addr(), points, mb.DefaultRetryPolicy(), time.Second)
			require.NoError(t, err)
			require.True(t, result.OK())
			assert.InDelta(t, 5.0, result.Entries[0].Value.Value, 1e-9)
		})
	}
}

func TestEndToEndU32HiLo(t *testing.T) {
	sim := startSimulator(t, 1)
	sim.SetWords(mb.HoldingRegister, 100, 0x0001, 0x0000)
	sim.SetWords(mb.InputRegister, 100, 0x0001, 0x0000)

	points := []mb.Point{
		{Label: "holding", Spec: mb.NewReadSpec(mb.Conventional(40101, 0), mb.U32, mb.HiLo, 1)},
		{Label: "input", Spec: mb.NewReadSpec(mb.Conventional(30101, 0), mb.U32, mb.HiLo, 1)},
	}
	for _, driver := range mb.Drivers {
		t.Run(driver, func(t *testing.T) {
			result, err := runSession(t, driver, sim.Addr(), points, mb.DefaultRetryPolicy(), time.Second)
			require.NoError(t, err)
			for _, e := range result.Entries {
				require.True(t, e.OK(), e.Label)
				assert.Equal(t, uint64(65536), e.Value.Bits)
				assert.Equal(t, 65536.0, e.Value.Value)
			}
		})
	}
}

func TestEndToEndBits(t *testing.T) {
	sim := startSimulator(t, 0)
	sim.SetWords(mb.Coil, 4, 1)
	sim.SetWords(mb.DiscreteInput, 0, 0)

	points := []mb.Point{
		{Label: "relay", Spec: mb.NewReadSpec(mb.Conventional(5, 0), mb.U16, mb.HiLo, 1)},
		{Label: "alarm", Spec: mb.NewReadSpec(mb.Conventional(10001, 0), mb.U16, mb.HiLo, 1)},
	}
	for _, driver := range mb.Drivers {
		t.Run(driver, func(t *testing.T) {
			result, err := runSession(t, driver, sim.Addr(), points, mb.DefaultRetryPolicy(), time.Second)
			require.NoError(t, err)
			require.True(t, result.OK())
			assert.Equal(t, 1.0, result.Entries[0].Value.Value)
			assert.Equal(t, 0.0, result.Entries[1].Value.Value)
		})
	}
}

func TestEndToEndDeviceExceptionNotRetried(t *testing.T) {
	sim := startSimulator(t, 1)
	sim.SetWords(mb.HoldingRegister, 0, 10, 20, 30)
	sim.Fail(mb.HoldingRegister, 1, mb.EX_SERVER_DEVICE_BUSY)

	points := []mb.Point{
		{Label: "a", Spec: mb.NewReadSpec(mb.Conventional(40001, 0), mb.U16, mb.HiLo, 1)},
		{Label: "b", Spec: mb.NewReadSpec(mb.Conventional(40002, 0), mb.U16, mb.HiLo, 1)},
		{Label: "c", Spec: mb.NewReadSpec(mb.Conventional(40003, 0), mb.U16, mb.HiLo, 1)},
	}
	for _, driver := range mb.Drivers {
		t.Run(driver, func(t *testing.T) {
			before := sim.Requests()
			result, err := runSession(t, driver, sim.Addr(), points, mb.RetryPolicy{MaxAttempts: 3}, time.Second)
			require.NoError(t, err)
			assert.Equal(t, 3, sim.Requests()-before)

			assert.Equal(t, 10.0, result.Entries[0].Value.Value)
			assert.Equal(t, 30.0, result.Entries[2].Value.Value)

			var devErr *mb.DeviceExceptionError
			require.ErrorAs(t, result.Entries[1].Err, &devErr)
			assert.Equal(t, mb.EX_SERVER_DEVICE_BUSY, devErr.Code)
			var readErr *mb.ReadError
			require.ErrorAs(t, result.Entries[1].Err, &readErr)
			assert.Equal(t, mb.Rejected, readErr.Kind)
		})
	}
}

func TestEndToEndWrongUnit(t *testing.T) {
	sim := startSimulator(t, 100)
	sim.SetWords(mb.HoldingRegister, 843, 55)

	addr := sim.Addr()
	addr.UnitId = 1
	points := []mb.Point{{Label: "soc", Spec: mb.NewReadSpec(mb.Explicit(mb.HoldingRegister, 843), mb.U16, mb.HiLo, 1)}}

	result, err := runSession(t, mb.DRIVER_NATIVE, addr, points, mb.DefaultRetryPolicy(), time.Second)
	require.NoError(t, err)
	var devErr *mb.DeviceExceptionError
	require.ErrorAs(t, result.Entries[0].Err, &devErr)
	assert.Equal(t, mb.EX_GW_TARGET_FAILED_TO_RESPOND, devErr.Code)
}

func TestEndToEndTimeoutExhausted(t *testing.T) {
	sim := startSimulator(t, 1)
	sim.SetWords(mb.HoldingRegister, 0, 1)
	sim.SetDelay(300 * time.Millisecond)

	points := []mb.Point{{Label: "slow", Spec: mb.NewReadSpec(mb.Conventional(40001, 0), mb.U16, mb.HiLo, 1)}}
	result, err := runSession(t, mb.DRIVER_NATIVE, sim.Addr(), points,
		mb.RetryPolicy{MaxAttempts: 2, Backoff: []time.Duration{10 * time.Millisecond}}, 50*time.Millisecond)
	require.NoError(t, err)

	var readErr *mb.ReadError
	require.ErrorAs(t, result.Entries[0].Err, &readErr)
	assert.Equal(t, mb.Exhausted, readErr.Kind)
	assert.Equal(t, 2, readErr.Attempts)
	var te *mb.TimeoutError
	assert.ErrorAs(t, result.Entries[0].Err, &te)
}

func TestEndToEndDeadline(t *testing.T) {
	sim := startSimulator(t, 1)
	sim.SetWords(mb.HoldingRegister, 0, 1)
	sim.SetDelay(2 * time.Second)

	points := []mb.Point{{Label: "slow", Spec: mb.NewReadSpec(mb.Conventional(40001, 0), mb.U16, mb.HiLo, 1)}}
	for _, driver := range mb.Drivers {
		t.Run(driver, func(t *testing.T) {
			dialer, err := mb.NewDialer(driver, mb.TransportConfig{Timeout: 10 * time.Second})
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			start := time.Now()
			result, err := mb.NewSession(dialer, mb.RetryPolicy{MaxAttempts: 5}, nil).Run(ctx, sim.Addr(), points)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), time.Second)

			var readErr *mb.ReadError
			require.ErrorAs(t, result.Entries[0].Err, &readErr)
			assert.Equal(t, mb.Cancelled, readErr.Kind)
			assert.Equal(t, 1, readErr.Attempts)
		})
	}
}

func TestConnectionRefused(t *testing.T) {
	sim := startSimulator(t, 1)
	addr := sim.Addr()
	require.NoError(t, sim.Stop())

	points := []mb.Point{{Label: "soc", Spec: mb.NewReadSpec(mb.Conventional(40001, 0), mb.U16, mb.HiLo, 1)}}
	for _, driver := range mb.Drivers {
		t.Run(driver, func(t *testing.T) {
			_, err := runSession(t, driver, addr, points, mb.DefaultRetryPolicy(), time.Second)
			var connErr *mb.ConnectionError
			assert.ErrorAs(t, err, &connErr)
		})
	}
}

func TestSeedProfile(t *testing.T) {
	sim := startSimulator(t, 100)
	require.NoError(t, sim.Seed(profile.VictronGX, map[string]float64{
		"battery_voltage": 52.4,
		"battery_current": -12.5,
		"battery_power":   -655,
		"soc":             87,
		"battery_state":   2,
	}))
	assert.Error(t, sim.Seed(profile.VictronGX, map[string]float64{"nope": 1}))

	result, err := runSession(t, mb.DRIVER_NATIVE, sim.Addr(), profile.VictronGX.Plan(), mb.DefaultRetryPolicy(), time.Second)
	require.NoError(t, err)
	require.True(t, result.OK())

	values := map[string]float64{}
	for _, e := range result.Entries {
		values[e.Label] = e.Value.Value
	}
	assert.InDelta(t, 52.4, values["battery_voltage"], 1e-9)
	assert.InDelta(t, -12.5, values["battery_current"], 1e-9)
	assert.Equal(t, -655.0, values["battery_power"])
	assert.Equal(t, 87.0, values["soc"])
}

func TestSeedRejectsNegativeUnsigned(t *testing.T) {
	sim := New(nil)
	assert.Error(t, sim.Seed(profile.VictronGX, map[string]float64{"soc": -1}))
}

func TestSetValueRejectsZeroScale(t *testing.T) {
	sim := New(nil)
	spec := mb.NewReadSpec(mb.Conventional(40001, 0), mb.U16, mb.HiLo, 0)
	assert.Error(t, sim.SetValue(spec, 10))
}
