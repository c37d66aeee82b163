package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/openevse-emulator/internal/config"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const discoveryRetryDelay = 5 * time.Second

// HADiscoveryActor announces the emulator entities to Home Assistant. The
// announcement is repeated after every MQTT reconnection, since a broker
// without persistence loses the retained config messages.
type HADiscoveryActor struct {
	actorutil.ActorWithStates
	config          *config.Config
	simulationActor *actor.PID
	mqttActor       *actor.PID
	mcuID           string
	eventStream     *eventstream.EventStream
	eventStreamSub  *eventstream.Subscription
	scheduler       *scheduler.TimerScheduler
	entities        domain.EntitySet
	announcements   int

	logger *zap.Logger
}

type announceDiscovery struct{}

type discoveryStatus struct {
	status domain.GetStatusResponse
}

func NewHADiscoveryActor(config *config.Config, simulationActor *actor.PID, mqttActor *actor.PID, mcuID string,
	eventStream *eventstream.EventStream, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		ActorWithStates: actorutil.ActorWithStates{Behavior: actor.NewBehavior()},
		config:          config,
		simulationActor: simulationActor,
		mqttActor:       mqttActor,
		mcuID:           mcuID,
		eventStream:     eventStream,
		logger:          actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.Become(&discoveryResolvingState{act})
	return act
}

func (state *HADiscoveryActor) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_HA_DISCOVERY,
			Healthy: true,
			State:   state.StateName(),
		})
	case *actor.Stopping, *actor.Restarting:
		state.unsubscribe()
	default:
		state.Behavior.Receive(ctx)
	}
}

func (state *HADiscoveryActor) unsubscribe() {
	if state.eventStreamSub != nil {
		state.eventStream.Unsubscribe(state.eventStreamSub)
		state.eventStreamSub = nil
	}
}

func (state *HADiscoveryActor) requestStatus(ctx actor.Context) {
	future := ctx.RequestFuture(state.simulationActor, domain.GetStatusRequest{}, 2*time.Second)
	actorutil.PipeToSelfWithRecover(ctx, future, func(err error) any {
		return domain.GetStatusResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
		}
	})
}

func (state *HADiscoveryActor) announce(ctx actor.Context) {
	state.announcements++
	state.logger.Debug("hadiscovery announce",
		zap.Int("entities", state.entities.Len()), zap.Int("announcement", state.announcements))
	ctx.Request(state.mqttActor, domain.PublishDiscoveryRequest{Entities: state.entities})
}

// discoveryResolvingState waits for the first status snapshot, which
// carries the firmware version and the configured current.
type discoveryResolvingState struct {
	*HADiscoveryActor
}

func (s *discoveryResolvingState) Name() string { return "resolving" }

func (s *discoveryResolvingState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		s.scheduler = scheduler.NewTimerScheduler(ctx)
		if s.eventStream != nil && s.eventStreamSub == nil {
			system, self := ctx.ActorSystem(), ctx.Self()
			s.eventStreamSub = s.eventStream.Subscribe(func(evt any) {
				if _, ok := evt.(domain.MQTTConnectedEvent); ok {
					system.Root.Send(self, announceDiscovery{})
				}
			})
		}
		s.requestStatus(ctx)
	case domain.GetStatusResponse:
		if msg.HasResponseError() {
			s.logger.Warn("hadiscovery@resolving status not available, retrying", zap.Error(msg.GetResponseError()))
			s.scheduler.SendOnce(discoveryRetryDelay, ctx.Self(), discoveryStatus{})
			return
		}
		s.entities = domain.EmulatorEntities(s.config.MQTT.BaseTopic, s.mcuID,
			msg.Status.EVSE.FirmwareVersion, msg.Status.EVSE.CurrentCapacity)
		s.Become(&discoveryAnnouncedState{s.HADiscoveryActor})
		s.announce(ctx)
	case discoveryStatus:
		s.requestStatus(ctx)
	case announceDiscovery:
		// the first announcement follows the status
	default:
		s.logger.Debug("hadiscovery@resolving unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// discoveryAnnouncedState re-announces on reconnection and retries failed
// publications.
type discoveryAnnouncedState struct {
	*HADiscoveryActor
}

func (s *discoveryAnnouncedState) Name() string { return "announced" }

func (s *discoveryAnnouncedState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case announceDiscovery:
		s.announce(ctx)
	case domain.PublishDiscoveryResponse:
		if msg.HasResponseError() {
			s.logger.Error("hadiscovery@announced discovery not published, retrying",
				zap.Error(msg.GetResponseError()), zap.Duration("delay", discoveryRetryDelay))
			s.scheduler.SendOnce(discoveryRetryDelay, ctx.Self(), announceDiscovery{})
			return
		}
		s.logger.Info("home assistant discovery published", zap.Int("entities", s.entities.Len()))
	default:
		s.logger.Debug("hadiscovery@announced unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}
