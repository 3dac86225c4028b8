package actor

import (
	"testing"
	"time"

	"github.com/berfenger/soc2mqtt/internal/core/domain"
	"github.com/berfenger/soc2mqtt/internal/mqtt"
	"github.com/berfenger/soc2mqtt/internal/util"
	"github.com/berfenger/soc2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func receive(t *testing.T, sink <-chan any) any {
	t.Helper()
	select {
	case msg := <-sink:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published")
		return nil
	}
}

func TestMQTTActor(t *testing.T) {

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	context := as.Root

	sink := make(chan any, 8)

	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, sink, logger) })
	pid := context.Spawn(props)
	defer context.Stop(pid)

	msg := domain.ActorHealthRequest{}
	result, err := context.RequestFuture(pid, msg, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)
	assert.Equal(t, domain.ACTOR_ID_MQTT, resp.Id)

	context.Send(pid, domain.PublishSensorUpdateRequest{
		Event: domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "battery_soc"},
			Value:                  87.26,
			Decimals:               1,
		},
	})
	published, ok := receive(t, sink).(PublishedMessage)
	require.True(t, ok)
	assert.Equal(t, "soc2mqtt/sensor/battery_soc/state", published.Topic)
	assert.Equal(t, "87.3", published.Payload)
	assert.False(t, published.Retain)

	context.Send(pid, domain.PublishSensorUpdateRequest{
		Event: domain.BinarySensorUpdateEvent{
			SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "battery_online"},
			Value:                  true,
		},
	})
	published, ok = receive(t, sink).(PublishedMessage)
	require.True(t, ok)
	assert.Equal(t, "soc2mqtt/binary_sensor/battery_online/state", published.Topic)
	assert.Equal(t, mqtt.MQTT_PAYLOAD_ON, published.Payload)

	context.Send(pid, domain.PublishSensorUpdateRequest{
		Event: domain.TextSensorUpdateEvent{
			SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "battery_status"},
			Value:                  "0x0001",
		},
	})
	published, ok = receive(t, sink).(PublishedMessage)
	require.True(t, ok)
	assert.Equal(t, "0x0001", published.Payload)
	assert.True(t, published.Retain)

	context.Send(pid, domain.PublishReadingRequest{Reading: domain.DeviceReading{Device: "battery"}})
	reading, ok := receive(t, sink).(domain.PublishReadingRequest)
	require.True(t, ok)
	assert.Equal(t, "battery", reading.Reading.Device)
}

func TestMQTTActorForwardsCommands(t *testing.T) {
	cfg := util.LoadTestConfig()
	logger := zap.NewNop()

	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	commands := make(chan ParsedCommand, 1)
	parent := as.Root.Spawn(actor.PropsFromFunc(func(ctx actor.Context) {
		switch msg := ctx.Message().(type) {
		case *actor.Started:
			child := ctx.Spawn(actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, nil, logger) }))
			ctx.Send(child, ParsedCommand{Command: &mqtt.ParsedMQTTCommand{DeviceId: "battery", Command: mqtt.COMMAND_POLL}})
		case ParsedCommand:
			commands <- msg
		}
	}))
	defer as.Root.Stop(parent)

	select {
	case cmd := <-commands:
		assert.Equal(t, "battery", cmd.Command.DeviceId)
	case <-time.After(2 * time.Second):
		t.Fatal("command not forwarded")
	}
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "12", formatFloat(12.4, 0))
	assert.Equal(t, "12.40", formatFloat(12.4, 2))
	assert.Equal(t, mqtt.MQTT_PAYLOAD_OFF, bool2MQTTPayload(false))
}
