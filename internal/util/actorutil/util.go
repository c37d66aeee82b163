package actorutil

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/mqtt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

func PipeToSelfWithRecover(ctx actor.Context, future *actor.Future, mapFn func(error) any) {
	ctx.ReenterAfter(future, func(msg any, err error) {
		if err != nil {
			ctx.Send(ctx.Self(), mapFn(err))
			return
		}
		ctx.Send(ctx.Self(), msg)
	})
}

func NewActorSystemWithZapLogger(logger *zap.Logger) *actor.ActorSystem {
	stdOutLogger := zap.NewStdLog(logger)

	var slogLevel slog.Level = slog.LevelInfo

	switch logger.Level() {
	case zap.DebugLevel:
		slogLevel = slog.LevelDebug
	case zap.InfoLevel:
		slogLevel = slog.LevelInfo
	case zap.WarnLevel:
		slogLevel = slog.LevelWarn
	case zap.ErrorLevel, zap.PanicLevel, zap.FatalLevel:
		slogLevel = slog.LevelError
	}

	return actor.NewActorSystem(actor.WithLoggerFactory(func(system *actor.ActorSystem) *slog.Logger {
		return slog.New(tint.NewHandler(stdOutLogger.Writer(), &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.DateTime,
		}))
	}))
}

func ActorLogger(actorName string, logger *zap.Logger) *zap.Logger {
	return logger.With(zap.String("actor", actorName))
}

// ParsedMQTTCommandToCommand maps an MQTT command to the emulator request
// it stands for. Unknown entities yield a nil request and no error.
func ParsedMQTTCommandToCommand(cmd mqtt.ParsedMQTTCommand) (domain.EmulatorRequest, error) {
	if cmd.Command == mqtt.MQTT_COMMAND_RAPI {
		return domain.RAPICommandRequest{Line: cmd.Payload}, nil
	}
	on := cmd.Payload == mqtt.MQTT_PAYLOAD_ON
	switch cmd.DeviceId {
	case domain.SWITCH_ID_EVSE_ENABLED:
		return domain.EVSEEnableRequest{Enable: on}, nil
	case domain.SWITCH_ID_EV_CONNECTED:
		return domain.EVConnectRequest{Connect: on}, nil
	case domain.SWITCH_ID_EV_REQUEST_CHARGE:
		return domain.EVRequestChargeRequest{Enable: on}, nil
	case domain.INPUT_NUMBER_ID_EVSE_CHARGE_LIMIT:
		value, err := strconv.ParseFloat(cmd.Payload, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid charge current %q: %w", cmd.Payload, err)
		}
		return domain.EVSESetCurrentRequest{Amps: int(value)}, nil
	}
	return nil, nil
}
