package service

import (
	"errors"
	"fmt"

	"github.com/berfenger/openevse-emulator/internal/config"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/ev"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"github.com/berfenger/openevse-emulator/internal/core/port"
	"github.com/berfenger/openevse-emulator/internal/rapi"
	"go.uber.org/zap"
)

var (
	ErrEnableRefused   = errors.New("evse cannot be enabled while errors are active")
	ErrNotConnected    = errors.New("vehicle is not connected")
	ErrUnsupportedCall = errors.New("unsupported emulator request")
)

// Emulator owns the simulated station, the vehicle plugged into it and the
// RAPI handler speaking for both.
type Emulator struct {
	EVSE   *evse.EVSE
	EV     *ev.EV
	RAPI   *rapi.Handler
	Driver *SimulationDriver
	logger *zap.Logger
}

func NewEmulator(cfg config.Config, logger *zap.Logger, rapiOpts ...rapi.Option) *Emulator {
	station := evse.New(cfg.EVSE.FirmwareVersion, cfg.EVSE.ProtocolVersion, logger,
		evse.WithTemperatureSimulation(cfg.Simulation.TemperatureSimulation))
	station.SetServiceLevel(evse.ServiceLevel(cfg.EVSE.ServiceLevel))
	station.SetCurrentCapacity(cfg.EVSE.DefaultCurrent, false)
	station.SetGFCISelfTest(cfg.EVSE.GFCISelfTest)

	vehicle := ev.New(cfg.EV.BatteryCapacityKWh, cfg.EV.MaxChargeRateKW, logger,
		ev.WithChargeCurve(cfg.Simulation.RealisticChargeCurve))

	opts := append([]rapi.Option{
		rapi.WithStrictChecksum(cfg.Serial.StrictChecksum),
		rapi.WithMCUID(cfg.EVSE.MCUID),
	}, rapiOpts...)
	handler := rapi.NewHandler(station, vehicle, logger, opts...)

	return &Emulator{
		EVSE: station,
		EV:   vehicle,
		RAPI: handler,
		Driver: &SimulationDriver{
			Station:     station,
			Vehicle:     vehicle,
			Supervisors: []port.Supervisor{handler},
			Logger:      logger.With(zap.String("component", "driver")),
		},
		logger: logger,
	}
}

func (e *Emulator) Status() domain.EmulatorStatus {
	return domain.EmulatorStatus{
		EVSE: e.EVSE.Status(),
		EV:   e.EV.Status(),
	}
}

// Execute runs a control request and returns the message to reply with.
func (e *Emulator) Execute(req domain.EmulatorRequest) (any, error) {
	switch r := req.(type) {
	case domain.RAPICommandRequest:
		return domain.RAPICommandResponse{Reply: e.RAPI.Process(r.Line)}, nil
	case domain.EVSEEnableRequest:
		if !r.Enable {
			e.EVSE.Disable()
		} else if !e.EVSE.Enable() {
			return nil, ErrEnableRefused
		}
	case domain.EVSESetCurrentRequest:
		if r.Amps < evse.MinCapacityAmps || r.Amps > evse.MaxHWCapacityAmps {
			return nil, fmt.Errorf("current %dA out of range %d..%d", r.Amps, evse.MinCapacityAmps, evse.MaxHWCapacityAmps)
		}
		// above the configured ceiling the station clamps without complaint
		e.EVSE.SetCurrentCapacity(r.Amps, false)
	case domain.EVSEResetRequest:
		e.EVSE.Reset()
	case domain.EVSESetServiceLevelRequest:
		if !e.EVSE.SetServiceLevel(r.Level) {
			return nil, fmt.Errorf("invalid service level %q", r.Level)
		}
	case domain.EVSETriggerErrorRequest:
		if r.Flag == 0 {
			e.EVSE.ClearErrors()
		} else if !r.Flag.Valid() {
			return nil, fmt.Errorf("invalid error flags 0x%02x", uint16(r.Flag))
		} else {
			e.EVSE.TriggerError(r.Flag)
		}
	case domain.EVConnectRequest:
		e.EV.SetConnected(r.Connect)
	case domain.EVRequestChargeRequest:
		if e.EV.SetRequestingCharge(r.Enable) != r.Enable {
			return nil, ErrNotConnected
		}
	case domain.EVSetSoCRequest:
		if err := e.EV.SetSoC(r.SoC); err != nil {
			return nil, err
		}
	case domain.EVSetDirectModeRequest:
		if r.Enable {
			if err := e.EV.SetDirectCurrentAmps(r.Amps); err != nil {
				return nil, err
			}
		}
		e.EV.SetDirectMode(r.Enable)
	case domain.EVSetMaxRateRequest:
		if r.Amps < 0 {
			return nil, fmt.Errorf("max rate must be positive, got %gA", r.Amps)
		}
		if err := e.EV.SetMaxChargeRateKW(r.Amps * float64(e.EVSE.VoltageMV()) / 1e6); err != nil {
			return nil, err
		}
	case domain.EVSetVarianceRequest:
		e.EV.SetVarianceEnabled(r.Enable)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCall, req)
	}
	e.logger.Debug("emulator request executed", zap.String("request", fmt.Sprintf("%T", req)))
	return domain.EmulatorResponse{Status: e.Status()}, nil
}
