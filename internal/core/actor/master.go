package actor

import (
	"fmt"
	"log"
	"time"

	adactor "github.com/berfenger/soc2mqtt/internal/adapter/actor"
	"github.com/berfenger/soc2mqtt/internal/config"
	"github.com/berfenger/soc2mqtt/internal/core/domain"
	. "github.com/berfenger/soc2mqtt/internal/util/actorutil"
	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

type MQTTActorProvider func() *adactor.MQTTActor

type DialerProvider func(target config.Target) (mb.Dialer, error)

type MasterOfPuppetsActor struct {
	config   config.Config
	targets  []config.Target
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck healthCheckResult
	mqttActor          *actor.PID
	pollers            map[string]*actor.PID
	readings           map[string]domain.DeviceReading
	mqttActorProvider  MQTTActorProvider
	dialerProvider     DialerProvider
	logger             *zap.Logger
}

type healthCheckResult struct {
	expected       int
	checksReceived int
	unhealthy      []string
	respondTo      *actor.PID
}

func NewMasterOfPuppetsActor(config config.Config, targets []config.Target, dialerProvider DialerProvider, mqttActorProvider MQTTActorProvider, logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		config:            config,
		targets:           targets,
		behavior:          actor.NewBehavior(),
		stash:             &Stash{},
		logger:            ActorLogger(domain.ACTOR_ID_MASTER, logger),
		pollers:           make(map[string]*actor.PID, len(targets)),
		readings:          make(map[string]domain.DeviceReading, len(targets)),
		mqttActorProvider: mqttActorProvider,
		dialerProvider:    dialerProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

// NewDialerProvider builds each device dialer from its configured driver.
func NewDialerProvider(modbus config.ModbusConfig, logger *zap.Logger) DialerProvider {
	return func(target config.Target) (mb.Dialer, error) {
		deviceLogger := logger.With(zap.String("device", target.Name))
		cfg := mb.TransportConfig{
			Timeout: modbus.Timeout(),
			Logger:  deviceLogger,
		}
		if trace := mb.TraceLoggerInstrumentation(deviceLogger); trace != nil {
			cfg.Instrument = append(cfg.Instrument, *trace)
		}
		return mb.NewDialer(target.Driver, cfg)
	}
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started", zap.Int("devices", len(state.targets)))

		// start MQTT child
		mqttActorPID, err := state.startMQTTActor(ctx)
		if err != nil {
			panic(err)
		}
		state.mqttActor = mqttActorPID

		// one poller per device
		for _, target := range state.targets {
			pid, err := state.startDevicePollerActor(ctx, target)
			if err != nil {
				panic(err)
			}
			state.pollers[target.Name] = pid
		}

		// start HA Discovery
		if state.config.MQTT.HADiscoveryEnable {
			_, err := state.startHADiscoveryActor(ctx)
			if err != nil {
				panic(err)
			}
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck.reset(1 + len(state.pollers))
		state.currentHealthCheck.respondTo = ctx.Sender()
		// MQTT Actor Request
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		// Device pollers
		for name, pid := range state.pollers {
			id := fmt.Sprintf("%s/%s", domain.ACTOR_ID_DEVICE, name)
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      id,
					Healthy: false,
				}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case domain.GetReadingsRequest:
		state.logger.Debug("master@default GetReadingsRequest", zap.String("device", msg.Device))
		ForRequest(msg).Respond(ctx, state.getReadings(msg.Device))
	case domain.PollNowRequest:
		state.logger.Debug("master@default PollNowRequest", zap.String("device", msg.Device))
		pid, ok := state.pollers[msg.Device]
		if !ok {
			ForRequest(msg).Respond(ctx, domain.PollNowResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: fmt.Errorf("%w: %s", domain.ErrUnknownDevice, msg.Device),
				},
			})
			return
		}
		// the poller answers the original sender
		ctx.Forward(pid)
	case adactor.ParsedCommand:
		// redirect parsedCommand to the device poller
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command != nil {
			req, err := ParsedMQTTCommandToRequest(*msg.Command)
			if err != nil {
				state.logger.Warn("master@default invalid command", zap.Error(err))
				return
			}
			switch preq := req.(type) {
			case domain.PollNowRequest:
				if pid, ok := state.pollers[preq.Device]; ok {
					ctx.Send(pid, preq)
				} else {
					state.logger.Warn("master@default poll command for unknown device", zap.String("device", preq.Device))
				}
			}
		}
	case domain.DeviceReadingsUpdated:
		state.readings[msg.Reading.Device] = msg.Reading
	case *actor.Terminated:
		state.logger.Error("master@default child terminated", zap.String("who", msg.Who.Id))
	default:
		state.logger.Debug("master@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		state.currentHealthCheck.timeout()
		state.currentHealthCheck.respond(ctx)
		ctx.CancelReceiveTimeout()
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		if !msg.Healthy {
			state.currentHealthCheck.unhealthy = append(state.currentHealthCheck.unhealthy, msg.Id)
		}
		if state.currentHealthCheck.allReceived() {

			state.currentHealthCheck.respond(ctx)

			ctx.CancelReceiveTimeout()
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		}
	case domain.DeviceReadingsUpdated:
		state.readings[msg.Reading.Device] = msg.Reading
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) getReadings(device string) domain.GetReadingsResponse {
	var readings []domain.DeviceReading
	if device != "" {
		if _, ok := state.pollers[device]; !ok {
			return domain.GetReadingsResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: fmt.Errorf("%w: %s", domain.ErrUnknownDevice, device),
				},
			}
		}
		if reading, ok := state.readings[device]; ok {
			readings = append(readings, reading)
		}
		return domain.GetReadingsResponse{Readings: readings}
	}
	// configuration order
	for _, target := range state.targets {
		if reading, ok := state.readings[target.Name]; ok {
			readings = append(readings, reading)
		}
	}
	return domain.GetReadingsResponse{Readings: readings}
}

func (state *MasterOfPuppetsActor) startDevicePollerActor(ctx actor.Context, target config.Target) (*actor.PID, error) {

	dialer, err := state.dialerProvider(target)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", target.Name, err)
	}

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(3, 10*time.Second, decider)

	pollerProps := actor.PropsFromProducer(func() actor.Actor {
		return NewDevicePollerActor(target, state.config.Modbus, dialer, state.mqttActor, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(pollerProps, fmt.Sprintf("%s/%s", domain.ACTOR_ID_DEVICE, target.Name))
}

func (state *MasterOfPuppetsActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	haDiscProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(&state.config, state.targets, state.mqttActor, state.logger)
	}, actor.WithSupervisor(supervisor))
	haDiscPID, err := ctx.SpawnNamed(haDiscProps, domain.ACTOR_ID_HA_DISCOVERY)
	if err != nil {
		return nil, err
	}

	return haDiscPID, nil
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider()
	}, actor.WithSupervisor(supervisor))
	mqttActorPID, err := ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
	if err != nil {
		return nil, err
	}

	return mqttActorPID, nil
}

func (state *healthCheckResult) reset(expected int) {
	state.expected = expected
	state.checksReceived = 0
	state.unhealthy = nil
	state.respondTo = nil
}

func (state *healthCheckResult) timeout() {
	if missing := state.expected - state.checksReceived; missing > 0 {
		state.unhealthy = append(state.unhealthy, fmt.Sprintf("%d unanswered", missing))
	}
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived >= state.expected
}

func (state *healthCheckResult) allHealthy() bool {
	return len(state.unhealthy) == 0
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
		State:   "ok",
	}
	if !resp.Healthy {
		resp.State = fmt.Sprintf("unhealthy: %v", state.unhealthy)
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
