package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/openevse-emulator/internal/config"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/service"
	. "github.com/berfenger/openevse-emulator/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// SimulationActor owns the emulator. Every mutation of the EVSE or the EV
// outside the serial port goes through its mailbox, and the tick loop
// advances the simulation at the configured interval.
type SimulationActor struct {
	ActorWithStates
	scheduler   *scheduler.TimerScheduler
	stash       *Stash
	config      *config.Config
	emulator    *service.Emulator
	eventStream *eventstream.EventStream
	// generation invalidates ticks scheduled before a pause
	generation uint64
	lastTick   time.Time
	ticks      uint64

	logger *zap.Logger
}

type simulationTick struct {
	generation uint64
}

func NewSimulationActor(config *config.Config, emulator *service.Emulator, eventStream *eventstream.EventStream, logger *zap.Logger) *SimulationActor {
	act := &SimulationActor{
		config:      config,
		emulator:    emulator,
		eventStream: eventStream,
		stash:       &Stash{},
		logger:      ActorLogger(domain.ACTOR_ID_SIMULATION, logger),
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(SimStartingState{
		actor: act,
	})
	return act
}

func (state *SimulationActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

// Starting state

type SimStartingState struct {
	ActorState
	actor *SimulationActor
}

func (state SimStartingState) Name() string {
	return "starting"
}

func (state SimStartingState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.actor.logger.Debug("simulation@starting started", zap.Duration("interval", state.actor.config.Simulation.UpdateInterval()))
		state.actor.scheduler = scheduler.NewTimerScheduler(ctx)
		state.actor.publishStatus()
		state.actor.Become(SimRunningState{
			actor: state.actor,
		}.OnEnter(ctx))
		state.actor.stash.UnstashAll(ctx)
	case *actor.Restarting:
	default:
		state.actor.logger.Debug("simulation@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.actor.stash.Stash(ctx, msg)
	}
}

// Running state

type SimRunningState struct {
	ActorState
	actor *SimulationActor
}

func (state SimRunningState) Name() string {
	return "running"
}

func (state SimRunningState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case simulationTick:
		if msg.generation != state.actor.generation {
			return
		}
		now := time.Now()
		dt := now.Sub(state.actor.lastTick)
		state.actor.lastTick = now
		state.actor.emulator.Driver.Tick(dt)
		state.actor.ticks++
		state.actor.publishStatus()
		state.actor.scheduleTick(ctx)
	case domain.SimulationControlRequest:
		state.actor.logger.Debug("simulation@running: SimulationControlRequest", zap.Bool("run", msg.Run))
		if !msg.Run {
			state.actor.Become(SimPausedState{
				actor: state.actor,
			}.OnEnter(ctx))
		}
		ForRequest(msg).Respond(ctx, domain.SimulationControlResponse{Running: msg.Run})
	default:
		state.actor.receiveCommon(ctx, state.Name())
	}
}

func (state SimRunningState) OnEnter(ctx actor.Context) SimRunningState {
	state.actor.generation++
	state.actor.lastTick = time.Now()
	state.actor.scheduleTick(ctx)
	return state
}

// Paused state, commands are still served but time does not advance

type SimPausedState struct {
	ActorState
	actor *SimulationActor
}

func (state SimPausedState) Name() string {
	return "paused"
}

func (state SimPausedState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case simulationTick:
		// scheduled before the pause
	case domain.SimulationControlRequest:
		state.actor.logger.Debug("simulation@paused: SimulationControlRequest", zap.Bool("run", msg.Run))
		if msg.Run {
			state.actor.Become(SimRunningState{
				actor: state.actor,
			}.OnEnter(ctx))
		}
		ForRequest(msg).Respond(ctx, domain.SimulationControlResponse{Running: msg.Run})
	default:
		state.actor.receiveCommon(ctx, state.Name())
	}
}

func (state SimPausedState) OnEnter(ctx actor.Context) SimPausedState {
	state.actor.generation++
	return state
}

func (state *SimulationActor) receiveCommon(ctx actor.Context, stateName string) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("simulation@" + stateName + ": ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SIMULATION,
			Healthy: true,
			State:   stateName,
		})
	case domain.GetStatusRequest:
		ForRequest(msg).Respond(ctx, domain.GetStatusResponse{
			Status: state.emulator.Status(),
		})
	case domain.EmulatorRequest:
		state.logger.Debug("simulation@"+stateName+": EmulatorRequest", zap.String("type", fmt.Sprintf("%T", msg)))
		resp, err := state.emulator.Execute(msg)
		if err != nil {
			state.logger.Warn("emulator request failed", zap.String("type", fmt.Sprintf("%T", msg)), zap.Error(err))
			resp = errorResponse(msg, err, state.emulator.Status())
		}
		ForRequest(msg).Respond(ctx, resp)
		state.publishStatus()
	case *actor.Stopping:
		state.generation++
		state.logger.Debug("simulation@"+stateName+": stopping", zap.Uint64("ticks", state.ticks))
	default:
		state.logger.Debug("simulation@"+stateName+": recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *SimulationActor) scheduleTick(ctx actor.Context) {
	state.scheduler.RequestOnce(state.config.Simulation.UpdateInterval(), ctx.Self(), simulationTick{
		generation: state.generation,
	})
}

func (state *SimulationActor) publishStatus() {
	if state.eventStream == nil {
		return
	}
	state.eventStream.Publish(domain.StatusUpdateEvent{
		Status: state.emulator.Status(),
		Time:   time.Now(),
	})
}

func errorResponse(req domain.EmulatorRequest, err error, status domain.EmulatorStatus) any {
	mixIn := domain.ActorResponseMixIn{ResponseError: err}
	if _, ok := req.(domain.RAPICommandRequest); ok {
		return domain.RAPICommandResponse{ActorResponseMixIn: mixIn}
	}
	return domain.EmulatorResponse{ActorResponseMixIn: mixIn, Status: status}
}
