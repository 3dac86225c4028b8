package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/soc2mqtt/internal/config"
	"github.com/berfenger/soc2mqtt/internal/core/domain"
	"github.com/berfenger/soc2mqtt/internal/util/actorutil"
	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

const (
	POLL_STASH_LIMIT = 8
)

// DevicePollerActor polls one configured device on its schedule and
// publishes every reading through the MQTT actor.
type DevicePollerActor struct {
	behavior  actor.Behavior
	stash     *actorutil.Stash
	scheduler *scheduler.TimerScheduler
	cancelFn  scheduler.CancelFunc
	cron      *quartz.CronTrigger

	target      config.Target
	modbus      config.ModbusConfig
	dialer      mb.Dialer
	mqttActor   *actor.PID
	lastReading *domain.DeviceReading
	replyTo     []*actor.PID

	logger *zap.Logger
}

type pollTick struct {
}

type pollResult struct {
	Reading domain.DeviceReading
}

func NewDevicePollerActor(target config.Target, modbus config.ModbusConfig, dialer mb.Dialer, mqttActor *actor.PID, logger *zap.Logger) *DevicePollerActor {
	act := &DevicePollerActor{
		target:    target,
		modbus:    modbus,
		dialer:    dialer,
		mqttActor: mqttActor,
		behavior:  actor.NewBehavior(),
		stash:     &actorutil.Stash{Limit: POLL_STASH_LIMIT},
		logger:    actorutil.ActorLogger(fmt.Sprintf("%s/%s", domain.ACTOR_ID_DEVICE, target.Name), logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *DevicePollerActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *DevicePollerActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("device@starting started",
			zap.String("endpoint", state.target.Address.Endpoint()),
			zap.String("profile", state.target.Profile.Name))

		if state.target.Cron != "" {
			trigger, err := quartz.NewCronTrigger(state.target.Cron)
			if err != nil {
				panic(fmt.Errorf("device %s: %w", state.target.Name, err))
			}
			state.cron = trigger
		}
		state.scheduler = scheduler.NewTimerScheduler(ctx)

		// first poll right away, the schedule follows
		ctx.Send(ctx.Self(), pollTick{})
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
	default:
		state.logger.Debug("device@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *DevicePollerActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("device@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      state.actorId(),
			Healthy: true,
			State:   state.connectionState(),
		})
	case pollTick:
		state.logger.Debug("device@default tick")
		state.scheduleNext(ctx)
		state.startPoll(ctx)
	case domain.PollNowRequest:
		state.logger.Debug("device@default PollNowRequest")
		state.replyTo = append(state.replyTo, actorutil.ForRequest(msg).ReplyTo(ctx))
		state.startPoll(ctx)
	case domain.GetReadingsRequest:
		var readings []domain.DeviceReading
		if state.lastReading != nil {
			readings = append(readings, *state.lastReading)
		}
		actorutil.ForRequest(msg).Respond(ctx, domain.GetReadingsResponse{Readings: readings})
	case *actor.Stopping:
		state.stopSchedule()
	case *actor.Restarting:
		state.stopSchedule()
	default:
		state.logger.Debug("device@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// PollingReceive is active while a poll runs. Scheduled ticks are skipped
// so a slow device never has two sessions in flight.
func (state *DevicePollerActor) PollingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case pollResult:
		state.onReading(ctx, msg.Reading)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case pollTick:
		state.logger.Warn("device@polling: poll still running, skipping tick")
		state.scheduleNext(ctx)
	case domain.PollNowRequest:
		// answered by the running poll
		state.replyTo = append(state.replyTo, actorutil.ForRequest(msg).ReplyTo(ctx))
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      state.actorId(),
			Healthy: true,
			State:   "polling",
		})
	case *actor.Stopping:
		state.stopSchedule()
	case *actor.Restarting:
		state.stopSchedule()
	default:
		if state.stash.Stash(ctx, msg) {
			state.logger.Warn("device@polling: stash full, dropped oldest message")
		}
	}
}

func (state *DevicePollerActor) startPoll(ctx actor.Context) {
	target := state.target
	dialer := state.dialer
	policy := state.modbus.RetryPolicy()
	deadline := state.modbus.Deadline()
	logger := state.logger

	actorutil.NewBackgroundTask(ctx, func() (*pollResult, error) {
		pctx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()
		start := time.Now()
		result, err := mb.NewSession(dialer, policy, logger).Run(pctx, target.Address, target.Profile.Plan())
		reading := domain.NewDeviceReading(target.Name, target.Profile, target.Address, start, result, err)
		return &pollResult{Reading: reading}, nil
	}).WithTimeout(deadline + time.Second).Recover(func(err error) pollResult {
		return pollResult{
			Reading: domain.NewDeviceReading(target.Name, target.Profile, target.Address, time.Now(), nil, err),
		}
	}).PipeTo(ctx.Self())

	state.behavior.BecomeStacked(state.PollingReceive)
}

func (state *DevicePollerActor) onReading(ctx actor.Context, reading domain.DeviceReading) {
	state.lastReading = &reading

	switch {
	case !reading.Online():
		state.logger.Warn("device poll failed", zap.String("error", reading.Error))
	case !reading.OK():
		state.logger.Warn("device poll incomplete", zap.Int("failed", reading.Failed()), zap.Int("points", len(reading.Entries)))
	default:
		state.logger.Info("device polled", zap.Int64("duration_ms", reading.DurationMillis))
	}

	if state.mqttActor != nil {
		for _, ev := range domain.ReadingEvents(reading, state.target.Profile) {
			ctx.Send(state.mqttActor, domain.PublishSensorUpdateRequest{Event: ev})
		}
		ctx.Send(state.mqttActor, domain.PublishReadingRequest{Reading: reading})
	}
	if parent := ctx.Parent(); parent != nil {
		ctx.Send(parent, domain.DeviceReadingsUpdated{Reading: reading})
	}

	var err error
	if !reading.Online() {
		err = errors.New(reading.Error)
	}
	for _, pid := range state.replyTo {
		if pid != nil {
			ctx.Send(pid, domain.PollNowResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
				Reading:            reading,
			})
		}
	}
	state.replyTo = nil
}

func (state *DevicePollerActor) scheduleNext(ctx actor.Context) {
	delay, err := state.nextDelay(time.Now())
	if err != nil {
		state.logger.Error("device: no next fire time, polling stopped", zap.Error(err))
		return
	}
	state.cancelFn = state.scheduler.SendOnce(delay, ctx.Self(), pollTick{})
}

func (state *DevicePollerActor) nextDelay(now time.Time) (time.Duration, error) {
	if state.cron == nil {
		return state.target.Interval, nil
	}
	next, err := state.cron.NextFireTime(now.UnixNano())
	if err != nil {
		return 0, err
	}
	return time.Unix(0, next).Sub(now), nil
}

func (state *DevicePollerActor) stopSchedule() {
	if state.cancelFn != nil {
		state.cancelFn()
		state.cancelFn = nil
	}
}

func (state *DevicePollerActor) actorId() string {
	return fmt.Sprintf("%s/%s", domain.ACTOR_ID_DEVICE, state.target.Name)
}

func (state *DevicePollerActor) connectionState() string {
	switch {
	case state.lastReading == nil:
		return "pending"
	case state.lastReading.Online():
		return "online"
	default:
		return "offline"
	}
}
