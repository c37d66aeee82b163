package actor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/berfenger/openevse-emulator/internal/config"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/events"
	"github.com/berfenger/openevse-emulator/internal/mqtt"
	"github.com/berfenger/openevse-emulator/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTActor struct {
	config         *config.Config
	behavior       actor.Behavior
	stash          *actorutil.Stash
	client         *mqtt.MQTTClient
	eventStream    *eventstream.EventStream
	eventStreamSub *eventstream.Subscription
	// last payload per state topic, only changes are published
	published map[string]string
	publish   func(topic string, payload any, qos byte, retain bool, continuation func(error))
	system *actor.ActorSystem
	self   *actor.PID
	logger *zap.Logger
}

type MQTTConnected struct {
}

type MQTTSubscribed struct {
}

type MQTTConnectionLost struct {
	Error error
}

type OnEventStreamMessage struct {
	message any
}

type publishResult struct {
	ReplyTo *actor.PID
	Error   error
	respond func(error) any
}

type publishFailed struct {
	topic string
	err   error
}

type ParsedCommand struct {
	Command *mqtt.ParsedMQTTCommand
}

type rawMessage struct {
	topic   string
	message string
	retain  bool
}

func NewMQTTActor(config *config.Config, eventStream *eventstream.EventStream, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:      config,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		eventStream: eventStream,
		published:   map[string]string{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
	}
	act.publish = func(topic string, payload any, qos byte, retain bool, continuation func(error)) {
		act.client.Publish(topic, payload, qos, retain, continuation, 5*time.Second)
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MQTTActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MQTTActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("mqtt@starting started")
		state.system, state.self = ctx.ActorSystem(), ctx.Self()

		// create MQTT client
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), func(_ pahomqtt.Client) {
		}, func(_ pahomqtt.Client, err error) {
			ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
		})

		// connect to MQTT server
		state.client.Connect(func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTConnected{})
			}
		}, 10*time.Second)

	case MQTTConnected:
		state.logger.Debug("mqtt@starting connected")

		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)

		state.subscribeEventStream(ctx)

		// subscribe to MQTT command topic
		state.client.SubscribeToCommandTopic(func(c pahomqtt.Client, m pahomqtt.Message) {
			cmd, err := state.client.ParseMQTTCommand(m)
			if err == nil && cmd != nil {
				ctx.Send(ctx.Self(), ParsedCommand{Command: cmd})
			}
		}, func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTSubscribed{})
			}
		}, 1*time.Second)
	case MQTTSubscribed:
		// init completed, transition to default state
		state.logger.Debug("mqtt@starting subscribed")
		if state.eventStream != nil {
			state.eventStream.Publish(domain.MQTTConnectedEvent{Time: time.Now()})
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case OnEventStreamMessage:
		// status updates are periodic, the next one will do
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("mqtt@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@default ActorHealthRequest")
		// respond health check request
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case ParsedCommand:
		// route command to parent
		state.logger.Debug("mqtt@default parsedCommand", zap.Any("command", msg.Command))
		ctx.Send(ctx.Parent(), msg)
	case OnEventStreamMessage:
		state.onEventStreamMessage(msg.message)
	case domain.RAPICommandResponse:
		if msg.HasResponseError() {
			state.logger.Warn("mqtt@default rapi command failed", zap.Error(msg.ResponseError))
			return
		}
		topic := state.client.RAPIOutTopic()
		state.publish(topic, msg.Reply, 1, false, state.failureReporter(topic))
	case publishFailed:
		state.logger.Error("mqtt@default could not publish a message", zap.String("topic", msg.topic), zap.Error(msg.err))
		// force a republish on the next update
		delete(state.published, msg.topic)
	case domain.PublishMessageRequest:
		state.logger.Debug("mqtt@default PublishMessageRequest", zap.Any("message", msg))
		state.publishMessage(ctx, msg.Topic, msg.Payload, msg.Retain, actorutil.ForRequest(msg).ReplyTo(ctx))
	case domain.PublishSensorUpdateRequest:
		state.logger.Debug("mqtt@default PublishSensorUpdateRequest", zap.String("type", fmt.Sprintf("%T", msg.Event)))
		state.publishSensorValue(ctx, msg.Event, msg.Retain, actorutil.ForRequest(msg).ReplyTo(ctx))
	case domain.PublishDiscoveryRequest:
		state.logger.Debug("mqtt@default PublishHADiscovery")
		err := state.PublishHomeAssistantDiscovery(msg.Entities)
		if err != nil {
			state.logger.Error("mqtt@default PublishHADiscovery error", zap.Error(err))
		}
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishDiscoveryResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
		})
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@default connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MQTTActor) subscribeEventStream(ctx actor.Context) {
	if state.eventStream == nil || state.eventStreamSub != nil {
		return
	}
	system, self := state.system, state.self
	state.eventStreamSub = state.eventStream.Subscribe(func(value any) {
		system.Root.Send(self, OnEventStreamMessage{
			message: value,
		})
	})
}

func (state *MQTTActor) onEventStreamMessage(message any) {
	switch msg := message.(type) {
	case domain.StatusUpdateEvent:
		for _, ev := range events.StatusToUpdateEvents(msg.Status) {
			if raw := state.event2MQTTMessage(ev); raw != nil {
				state.publishIfChanged(raw)
			}
		}
	case domain.StateChangedEvent:
		state.logger.Info("mqtt@default evse state changed",
			zap.Stringer("from", msg.Previous), zap.Stringer("to", msg.State))
	}
}

func (state *MQTTActor) publishIfChanged(raw *rawMessage) {
	if last, ok := state.published[raw.topic]; ok && last == raw.message {
		return
	}
	state.published[raw.topic] = raw.message
	state.logger.Sugar().Debugf("mqtt@publish: state publish %s => %s", raw.topic, raw.message)
	state.publish(raw.topic, raw.message, 0, raw.retain, state.failureReporter(raw.topic))
}

func (state *MQTTActor) failureReporter(topic string) func(error) {
	// publish continuations run outside the actor, report back by message
	system, self := state.system, state.self
	return func(err error) {
		if err != nil && self != nil {
			system.Root.Send(self, publishFailed{topic: topic, err: err})
		}
	}
}

// event2MQTTMessage maps a sensor update to its state topic. Switch and
// number states are retained so Home Assistant restores them on restart.
func (state *MQTTActor) event2MQTTMessage(event any) *rawMessage {
	switch msg := event.(type) {
	case domain.FloatSensorUpdateEvent:
		return &rawMessage{topic: state.client.SensorStateTopic(msg.Id), message: formatDecimals(msg.Value, msg.Decimals)}
	case domain.TextSensorUpdateEvent:
		return &rawMessage{topic: state.client.SensorStateTopic(msg.Id), message: msg.Value}
	case domain.BinarySensorUpdateEvent:
		return &rawMessage{topic: state.client.BinarySensorStateTopic(msg.Id), message: bool2MQTTPayload(msg.Value)}
	case domain.SwitchSensorUpdateEvent:
		return &rawMessage{topic: state.client.SwitchStateTopic(msg.Id), message: bool2MQTTPayload(msg.Value), retain: true}
	case domain.InputNumberSensorUpdateEvent:
		return &rawMessage{topic: state.client.InputNumberStateTopic(msg.Id), message: formatDecimals(msg.Value, msg.Decimals), retain: true}
	case domain.BridgeStateUpdateEvent:
		payload := mqtt.MQTT_PAYLOAD_OFFLINE
		if msg.Value {
			payload = mqtt.MQTT_PAYLOAD_ONLINE
		}
		return &rawMessage{topic: state.client.BridgeStateTopic(), message: payload}
	}
	return nil
}

func (state *MQTTActor) publishSensorValue(ctx actor.Context, event domain.SensorUpdateEvent, retain bool, replyTo *actor.PID) {
	respond := func(err error) any {
		return domain.PublishSensorUpdateResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
	}
	msg := state.event2MQTTMessage(event)
	if msg == nil {
		if replyTo != nil {
			ctx.Send(replyTo, respond(fmt.Errorf("unsupported sensor event %T", event)))
		}
		return
	}
	state.published[msg.topic] = msg.message
	state.awaitPublish(ctx, msg.topic, msg.message, msg.retain || retain, replyTo, respond)
}

func (state *MQTTActor) publishMessage(ctx actor.Context, topic, payload string, retain bool, replyTo *actor.PID) {
	state.awaitPublish(ctx, topic, payload, retain, replyTo, func(err error) any {
		return domain.PublishMessageResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
	})
}

// awaitPublish publishes with QoS 1 and holds every other message until
// the broker acknowledged, so explicit requests are answered in order.
func (state *MQTTActor) awaitPublish(ctx actor.Context, topic, payload string, retain bool, replyTo *actor.PID, respond func(error) any) {
	state.logger.Sugar().Debugf("mqtt@publish: %s => %s", topic, payload)
	state.publish(topic, payload, 1, retain, func(err error) {
		ctx.Send(ctx.Self(), publishResult{ReplyTo: replyTo, Error: err, respond: respond})
	})
	state.behavior.BecomeStacked(state.PublishResultReceive)
}

func (state *MQTTActor) PublishResultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		if msg.Error != nil {
			state.logger.Error("mqtt@publishing publish failed", zap.Error(msg.Error))
		}
		if msg.ReplyTo != nil {
			ctx.Send(msg.ReplyTo, msg.respond(msg.Error))
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	default:
		state.logger.Debug("mqtt@publishing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) PublishHomeAssistantDiscovery(entities domain.EntitySet) error {
	for _, msg := range state.client.DiscoveryMessages(entities) {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return err
		}
		state.publish(msg.Topic, payload, 0, true, state.failureReporter(msg.Topic))
	}
	return nil
}

func (state *MQTTActor) stop() {
	state.logger.Debug("mqtt: disconnect")
	if state.eventStreamSub != nil {
		state.eventStream.Unsubscribe(state.eventStreamSub)
		state.eventStreamSub = nil
	}
	if state.client != nil {
		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.client.Disconnect(500 * time.Millisecond)
	}
}

func bool2MQTTPayload(value bool) string {
	if value {
		return mqtt.MQTT_PAYLOAD_ON
	}
	return mqtt.MQTT_PAYLOAD_OFF
}

func formatDecimals(value float64, decimals uint) string {
	return strconv.FormatFloat(value, 'f', int(decimals), 64)
}

// Dummy actor, records publications instead of talking to a broker
func NewTestMQTTActor(config *config.Config, eventStream *eventstream.EventStream, sink chan<- string, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:      config,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		eventStream: eventStream,
		published:   map[string]string{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
	}
	act.publish = func(topic string, payload any, qos byte, retain bool, continuation func(error)) {
		if sink != nil {
			select {
			case sink <- fmt.Sprintf("%s %s", topic, payload):
			default:
			}
		}
		continuation(nil)
	}
	act.behavior.Become(act.DummyReceive)
	return act
}

func (state *MQTTActor) DummyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.system, state.self = ctx.ActorSystem(), ctx.Self()
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), nil, nil)
		state.subscribeEventStream(ctx)
		state.behavior.Become(state.DefaultReceive)
	default:
		state.logger.Debug("mqtt@dummy unexpected message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}
