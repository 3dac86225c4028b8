package actorutil

import (
	"errors"
	"testing"
	"time"

	"github.com/berfenger/soc2mqtt/internal/core/domain"
	"github.com/berfenger/soc2mqtt/internal/mqtt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackgroundTaskPipeTo(t *testing.T) {
	as := NewActorSystemWithZapLogger(zap.NewNop())
	defer as.Shutdown()

	received := make(chan string, 4)
	pid := as.Root.Spawn(actor.PropsFromFunc(func(ctx actor.Context) {
		switch msg := ctx.Message().(type) {
		case string:
			received <- msg
		}
	}))

	run := func(input string) string {
		pidTask := as.Root.Spawn(actor.PropsFromFunc(func(ctx actor.Context) {
			switch ctx.Message().(type) {
			case *actor.Started:
				NewBackgroundTask(ctx, func() (*string, error) {
					switch input {
					case "panic":
						panic("boom")
					case "slow":
						time.Sleep(time.Second)
					case "fail":
						return nil, errors.New("failed")
					case "nil":
						return nil, nil
					}
					res := input + " done"
					return &res, nil
				}).WithTimeout(200 * time.Millisecond).Recover(func(err error) string {
					return "recovered"
				}).PipeTo(pid)
			}
		}))
		defer as.Root.Stop(pidTask)
		select {
		case msg := <-received:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatalf("no result for %s", input)
			return ""
		}
	}

	assert.Equal(t, "ok done", run("ok"))
	assert.Equal(t, "recovered", run("fail"))
	assert.Equal(t, "recovered", run("panic"))
	assert.Equal(t, "recovered", run("slow"))
	assert.Equal(t, "recovered", run("nil"))
}

func TestBackgroundTaskOnError(t *testing.T) {
	as := NewActorSystemWithZapLogger(zap.NewNop())
	defer as.Shutdown()

	errs := make(chan error, 1)
	as.Root.Spawn(actor.PropsFromFunc(func(ctx actor.Context) {
		if _, ok := ctx.Message().(*actor.Started); ok {
			NewBackgroundTask(ctx, func() (*int, error) {
				return nil, errors.New("failed")
			}).OnError(func(err error) {
				errs <- err
			}).PipeTo(ctx.Self())
		}
	}))

	select {
	case err := <-errs:
		assert.EqualError(t, err, "failed")
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
}

func TestParsedMQTTCommandToRequest(t *testing.T) {
	req, err := ParsedMQTTCommandToRequest(mqtt.ParsedMQTTCommand{DeviceId: "battery", Command: mqtt.COMMAND_POLL})
	require.NoError(t, err)
	poll, ok := req.(domain.PollNowRequest)
	require.True(t, ok)
	assert.Equal(t, "battery", poll.Device)

	_, err = ParsedMQTTCommandToRequest(mqtt.ParsedMQTTCommand{DeviceId: "battery", Command: "switch"})
	assert.Error(t, err)
}
