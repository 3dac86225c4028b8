package actor

import (
	"errors"
	"testing"
	"time"

	adactor "github.com/berfenger/soc2mqtt/internal/adapter/actor"
	"github.com/berfenger/soc2mqtt/internal/config"
	"github.com/berfenger/soc2mqtt/internal/core/domain"
	"github.com/berfenger/soc2mqtt/internal/profile"
	"github.com/berfenger/soc2mqtt/internal/util"
	"github.com/berfenger/soc2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMasterActor(t *testing.T) {

	cfg := util.LoadTestConfig()
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()
	context := as.Root

	sim := startSimulator(t, profile.FoxESS, map[string]float64{"soc": 55, "model": 1, "serial": 2})
	targets := []config.Target{testTarget("battery", profile.FoxESS, sim)}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(cfg, targets, NewDialerProvider(cfg.Modbus, logger), func() *adactor.MQTTActor {
			return adactor.NewTestMQTTActor(&cfg, nil, logger)
		}, logger)
	})
	pid, err := context.SpawnNamed(props, "master")
	require.NoError(t, err)
	defer context.Stop(pid)

	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 10*time.Second).Result()
	require.NoError(t, err)
	healthResp, ok := res.(domain.ActorHealthResponse)
	require.True(t, ok)
	assert.True(t, healthResp.Healthy, "healthy is true")

	// first poll lands in the master cache
	var readings []domain.DeviceReading
	require.Eventually(t, func() bool {
		res, err := context.RequestFuture(pid, domain.GetReadingsRequest{}, time.Second).Result()
		if err != nil {
			return false
		}
		readings = res.(domain.GetReadingsResponse).Readings
		return len(readings) == 1
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, "battery", readings[0].Device)
	assert.True(t, readings[0].OK())

	res, err = context.RequestFuture(pid, domain.GetReadingsRequest{Device: "battery"}, time.Second).Result()
	require.NoError(t, err)
	assert.Len(t, res.(domain.GetReadingsResponse).Readings, 1)

	res, err = context.RequestFuture(pid, domain.GetReadingsRequest{Device: "grid"}, time.Second).Result()
	require.NoError(t, err)
	assert.True(t, errors.Is(res.(domain.GetReadingsResponse).GetResponseError(), domain.ErrUnknownDevice))

	// on-demand poll goes through the master
	sim.Seed(profile.FoxESS, map[string]float64{"soc": 56})
	res, err = context.RequestFuture(pid, domain.PollNowRequest{Device: "battery"}, 5*time.Second).Result()
	require.NoError(t, err)
	pollResp := res.(domain.PollNowResponse)
	require.False(t, pollResp.HasResponseError())
	require.NotNil(t, pollResp.Reading.Entries[0].Value)
	assert.InDelta(t, 56.0, *pollResp.Reading.Entries[0].Value, 1e-9)

	res, err = context.RequestFuture(pid, domain.PollNowRequest{Device: "grid"}, time.Second).Result()
	require.NoError(t, err)
	assert.True(t, errors.Is(res.(domain.PollNowResponse).GetResponseError(), domain.ErrUnknownDevice))
}

func TestDiscoverySensors(t *testing.T) {
	targets := []config.Target{
		{Name: "battery", Profile: profile.FoxESS},
		{Name: "victron", Profile: profile.VictronGX},
	}
	sensors := DiscoverySensors("soc2mqtt", targets)

	expected := 1 + len(profile.FoxESS.Points) + 2 + len(profile.VictronGX.Points) + 2
	require.Len(t, sensors, expected)
	assert.Equal(t, domain.SENSOR_ID_BRIDGE_STATE, sensors[0].Id)

	bridge := sensors[0].Device
	first := sensors[1]
	assert.Equal(t, "battery_soc", first.Id)
	assert.Equal(t, bridge.Id, first.Device.ViaDevice)
	assert.Equal(t, "FoxESS hybrid inverter (H3 series)", first.Device.Model)
	// later sensors only reference the device
	assert.Empty(t, sensors[2].Device.Model)
	assert.Equal(t, first.Device.Id, sensors[2].Device.Id)
}
