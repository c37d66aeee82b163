package actor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/berfenger/openevse-emulator/internal/config"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"github.com/berfenger/openevse-emulator/internal/util/actorutil"
	"github.com/berfenger/openevse-emulator/pkg/evse_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

// ModbusActor exposes the emulator status as a Modbus TCP register bank.
// Register writes are turned into emulator requests sent to the parent.
type ModbusActor struct {
	config         *config.Config
	behavior       actor.Behavior
	stash          *actorutil.Stash
	bank           *evse_modbus.RegisterBank
	server         *evse_modbus.Server
	eventStream    *eventstream.EventStream
	eventStreamSub *eventstream.Subscription
	logger         *zap.Logger
}

type modbusServerStarted struct {
	server *evse_modbus.Server
	err    error
}

func NewModbusActor(config *config.Config, eventStream *eventstream.EventStream, logger *zap.Logger) *ModbusActor {
	act := &ModbusActor{
		config:      config,
		eventStream: eventStream,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_MODBUS, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *ModbusActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *ModbusActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("modbus@starting started")
		controller := &actorController{
			system:  ctx.ActorSystem(),
			target:  ctx.Parent(),
			timeout: 2 * time.Second,
		}
		state.bank = evse_modbus.NewRegisterBank(controller, state.logger)

		// binding may block on a busy port, keep it out of the mailbox
		actorutil.NewBackgroundTask(ctx, func() (*modbusServerStarted, error) {
			server, err := evse_modbus.NewServer(state.config.Modbus.Host, state.config.Modbus.Port, state.bank, state.logger)
			if err != nil {
				return nil, err
			}
			if err := server.Start(); err != nil {
				return nil, err
			}
			return &modbusServerStarted{server: server}, nil
		}).Recover(func(err error) modbusServerStarted {
			return modbusServerStarted{err: err}
		}).WithTimeout(5 * time.Second).PipeTo(ctx.Self())
	case modbusServerStarted:
		if msg.err != nil {
			state.logger.Error("modbus@starting server failed", zap.Error(msg.err))
			panic(msg.err)
		}
		state.server = msg.server
		state.subscribeEventStream(ctx)
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case OnEventStreamMessage:
	case *actor.Restarting, *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("modbus@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *ModbusActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("modbus@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MODBUS,
			Healthy: state.server != nil,
			State:   "serving",
		})
	case OnEventStreamMessage:
		if update, ok := msg.message.(domain.StatusUpdateEvent); ok {
			state.bank.Update(StatusToSnapshot(update.Status))
		}
	case *actor.Restarting, *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("modbus@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *ModbusActor) subscribeEventStream(ctx actor.Context) {
	if state.eventStream == nil || state.eventStreamSub != nil {
		return
	}
	system, self := ctx.ActorSystem(), ctx.Self()
	state.eventStreamSub = state.eventStream.Subscribe(func(value any) {
		if _, ok := value.(domain.StatusUpdateEvent); ok {
			system.Root.Send(self, OnEventStreamMessage{message: value})
		}
	})
}

func (state *ModbusActor) stop() {
	if state.eventStreamSub != nil {
		state.eventStream.Unsubscribe(state.eventStreamSub)
		state.eventStreamSub = nil
	}
	if state.server != nil {
		if err := state.server.Stop(); err != nil {
			state.logger.Warn("modbus: stop server", zap.Error(err))
		}
		state.server = nil
	}
}

// StatusToSnapshot maps the emulator status to the register layout.
func StatusToSnapshot(status domain.EmulatorStatus) evse_modbus.EVSESnapshot {
	st := status.EVSE
	return evse_modbus.EVSESnapshot{
		State:            uint8(st.State),
		CurrentCapacity:  uint16(st.CurrentCapacity),
		ActualCurrent:    st.ActualCurrent,
		Voltage:          float64(st.VoltageMV) / 1000,
		TemperatureDS:    int16(st.TemperatureDS),
		TemperatureMCP:   int16(st.TemperatureMCP),
		SessionEnergyWh:  uint32(math.Round(st.SessionEnergyWh)),
		TotalEnergyWh:    uint32(math.Round(st.TotalEnergyWh)),
		SessionTimeSec:   uint32(st.SessionTime),
		ErrorFlags:       uint16(st.ErrorFlags),
		VFlags:           st.VFlags,
		Sleeping:         st.SleepMode,
		Charging:         st.State == evse.StateCharging,
		EVConnected:      status.EV.Connected,
		EVRequesting:     status.EV.RequestingCharge,
		EVSoC:            status.EV.SoC,
		EVChargeRateWatt: uint16(math.Round(status.EV.ActualChargeRateKW * 1000)),
	}
}

// actorController runs on the modbus server goroutines and blocks on the
// emulator reply.
type actorController struct {
	system  *actor.ActorSystem
	target  *actor.PID
	timeout time.Duration
}

func (c *actorController) request(req domain.EmulatorRequest) error {
	res, err := c.system.Root.RequestFuture(c.target, req, c.timeout).Result()
	if err != nil {
		return err
	}
	resp, ok := res.(domain.ActorResponse)
	if !ok {
		return errors.New("unexpected response")
	}
	return resp.GetResponseError()
}

func (c *actorController) SetCurrentCapacity(amps int) error {
	return c.request(domain.EVSESetCurrentRequest{Amps: amps})
}

func (c *actorController) SetEnabled(enabled bool) error {
	return c.request(domain.EVSEEnableRequest{Enable: enabled})
}

func (c *actorController) SetVehicleConnected(connected bool) error {
	return c.request(domain.EVConnectRequest{Connect: connected})
}

func (c *actorController) SetVehicleRequestingCharge(requesting bool) error {
	return c.request(domain.EVRequestChargeRequest{Enable: requesting})
}
