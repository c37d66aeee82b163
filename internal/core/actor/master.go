package actor

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	adactor "github.com/berfenger/openevse-emulator/internal/adapter/actor"
	"github.com/berfenger/openevse-emulator/internal/config"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/service"
	"github.com/berfenger/openevse-emulator/internal/rapi"
	. "github.com/berfenger/openevse-emulator/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

type ModbusActorProvider func(*eventstream.EventStream) *adactor.ModbusActor

// MasterActor supervises the emulator actors and routes external commands
// to the simulation actor.
type MasterActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck  healthCheckResult
	emulator            *service.Emulator
	sink                rapi.Sink
	eventStream         *eventstream.EventStream
	simulationActor     *actor.PID
	notifierActor       *actor.PID
	mqttActor           *actor.PID
	modbusActor         *actor.PID
	mqttActorProvider   MQTTActorProvider
	modbusActorProvider ModbusActorProvider
	logger              *zap.Logger
}

type healthCheckResult struct {
	expected       []*actor.PID
	healthy        map[string]bool
	checksReceived int
	respondTo      *actor.PID
}

// NewMasterActor wires the emulator into the actor tree. sink receives the
// asynchronous RAPI notifications and may be nil. A nil provider disables
// the matching actor.
func NewMasterActor(config config.Config, emulator *service.Emulator, sink rapi.Sink, eventStream *eventstream.EventStream,
	mqttActorProvider MQTTActorProvider, modbusActorProvider ModbusActorProvider, logger *zap.Logger) *MasterActor {
	if eventStream == nil {
		eventStream = &eventstream.EventStream{}
	}
	act := &MasterActor{
		config:              config,
		behavior:            actor.NewBehavior(),
		stash:               &Stash{},
		emulator:            emulator,
		sink:                sink,
		eventStream:         eventStream,
		mqttActorProvider:   mqttActorProvider,
		modbusActorProvider: modbusActorProvider,
		logger:              ActorLogger(domain.ACTOR_ID_MASTER, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		var err error
		if state.simulationActor, err = state.startSimulationActor(ctx); err != nil {
			panic(err)
		}
		if state.notifierActor, err = state.startNotifierActor(ctx); err != nil {
			panic(err)
		}
		if state.mqttActorProvider != nil {
			if state.mqttActor, err = state.startMQTTActor(ctx); err != nil {
				panic(err)
			}
			if state.config.MQTT.HADiscoveryEnable {
				if _, err := state.startHADiscoveryActor(ctx); err != nil {
					panic(err)
				}
			}
		}
		if state.modbusActorProvider != nil {
			if state.modbusActor, err = state.startModbusActor(ctx); err != nil {
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

func (state *MasterActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck.reset(state.children())
		state.currentHealthCheck.respondTo = ctx.Sender()
		for _, pid := range state.currentHealthCheck.expected {
			id := childId(pid)
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      id,
					Healthy: false,
				}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case adactor.ParsedCommand:
		// redirect parsedCommand to the simulation
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command == nil {
			return
		}
		cmd, err := ParsedMQTTCommandToCommand(*msg.Command)
		if err != nil {
			state.logger.Warn("master@default invalid command", zap.Error(err))
			return
		}
		if cmd == nil {
			return
		}
		if rapiCmd, ok := cmd.(domain.RAPICommandRequest); ok {
			// replies go back out through MQTT
			rapiCmd.ReplyToRef = domain.RefOf(state.mqttActor)
			cmd = rapiCmd
		}
		ctx.Send(state.simulationActor, cmd)
	case domain.EmulatorRequest, domain.GetStatusRequest, domain.SimulationControlRequest:
		ctx.Forward(state.simulationActor)
	case *actor.Terminated:
		// without the simulation there is nothing left to emulate
		if msg.Who.Id == state.simulationActor.Id {
			state.logger.Error("master@default simulation terminated")
			panic(errors.New("simulation terminated"))
		}
		state.logger.Warn("master@default child terminated", zap.String("id", msg.Who.Id))
	default:
		state.logger.Debug("master@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MasterActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		ctx.SetReceiveTimeout(0)
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		state.currentHealthCheck.healthy[msg.Id] = msg.Healthy
		if state.currentHealthCheck.allReceived() {
			ctx.SetReceiveTimeout(0)
			state.currentHealthCheck.respond(ctx)

			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// children lists the actors taking part in health checks.
func (state *MasterActor) children() []*actor.PID {
	pids := []*actor.PID{state.simulationActor, state.notifierActor}
	if state.mqttActor != nil {
		pids = append(pids, state.mqttActor)
	}
	if state.modbusActor != nil {
		pids = append(pids, state.modbusActor)
	}
	return pids
}

func (state *MasterActor) startSimulationActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	simulationProps := actor.PropsFromProducer(func() actor.Actor {
		return NewSimulationActor(&state.config, state.emulator, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(simulationProps, domain.ACTOR_ID_SIMULATION)
}

func (state *MasterActor) startNotifierActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	notifierProps := actor.PropsFromProducer(func() actor.Actor {
		return NewNotifierActor(state.emulator, state.sink, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(notifierProps, domain.ACTOR_ID_NOTIFIER)
}

func (state *MasterActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	haDiscProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(&state.config, state.simulationActor, state.mqttActor, state.emulator.RAPI.MCUID(), state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(haDiscProps, domain.ACTOR_ID_HA_DISCOVERY)
}

func (state *MasterActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
}

func (state *MasterActor) startModbusActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	modbusProps := actor.PropsFromProducer(func() actor.Actor {
		return state.modbusActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(modbusProps, domain.ACTOR_ID_MODBUS)
}

// childId strips the parent prefix from a child PID, "master/mqtt" => "mqtt".
func childId(pid *actor.PID) string {
	return pid.Id[strings.LastIndex(pid.Id, "/")+1:]
}

func (state *healthCheckResult) reset(expected []*actor.PID) {
	state.expected = expected
	state.healthy = make(map[string]bool, len(expected))
	state.checksReceived = 0
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived >= len(state.expected)
}

func (state *healthCheckResult) allHealthy() bool {
	for _, pid := range state.expected {
		if !state.healthy[childId(pid)] {
			return false
		}
	}
	return true
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
