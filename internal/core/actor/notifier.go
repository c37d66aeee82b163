package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"github.com/berfenger/openevse-emulator/internal/core/service"
	"github.com/berfenger/openevse-emulator/internal/rapi"
	. "github.com/berfenger/openevse-emulator/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

// NotifierActor turns EVSE state change callbacks into $AT messages on the
// serial sink and StateChangedEvents on the event stream. Callbacks only
// enqueue, so the EVSE never waits on a slow client.
type NotifierActor struct {
	behavior     actor.Behavior
	emulator     *service.Emulator
	sink         rapi.Sink
	eventStream  *eventstream.EventStream
	subscription evse.Subscription
	subscribed   bool
	lastState    evse.State
	sent         uint64
	logger       *zap.Logger
}

type evseStateChanged struct {
	state evse.State
	at    time.Time
}

func NewNotifierActor(emulator *service.Emulator, sink rapi.Sink, eventStream *eventstream.EventStream, logger *zap.Logger) *NotifierActor {
	act := &NotifierActor{
		behavior:    actor.NewBehavior(),
		emulator:    emulator,
		sink:        sink,
		eventStream: eventStream,
		logger:      ActorLogger(domain.ACTOR_ID_NOTIFIER, logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *NotifierActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *NotifierActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("notifier@default started")
		state.lastState = state.emulator.EVSE.State()
		system, self := ctx.ActorSystem(), ctx.Self()
		state.subscription = state.emulator.EVSE.AddStateChangeCallback(func(s evse.State) {
			system.Root.Send(self, evseStateChanged{state: s, at: time.Now()})
		})
		state.subscribed = true
		if state.sink != nil {
			if err := state.emulator.RAPI.SendBootNotification(state.sink); err != nil {
				state.logger.Debug("notifier@default boot notification dropped", zap.Error(err))
			}
		}
	case evseStateChanged:
		state.logger.Debug("notifier@default state changed", zap.Stringer("from", state.lastState), zap.Stringer("to", msg.state))
		if state.sink != nil {
			if err := state.emulator.RAPI.SendStateTransition(state.sink, msg.state); err != nil {
				state.logger.Debug("notifier@default state transition dropped", zap.Error(err))
			} else {
				state.sent++
			}
		}
		if state.eventStream != nil {
			state.eventStream.Publish(domain.StateChangedEvent{
				Previous: state.lastState,
				State:    msg.state,
				Time:     msg.at,
			})
		}
		state.lastState = msg.state
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_NOTIFIER,
			Healthy: state.subscribed,
			State:   fmt.Sprintf("sent %d", state.sent),
		})
	case *actor.Stopping, *actor.Restarting:
		state.unsubscribe()
	default:
		state.logger.Debug("notifier@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *NotifierActor) unsubscribe() {
	if state.subscribed {
		state.emulator.EVSE.RemoveStateChangeCallback(state.subscription)
		state.subscribed = false
	}
}
