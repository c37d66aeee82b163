package evse_modbus

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// RegisterBank serves the latest EVSESnapshot over Modbus and hands
// writes to a Controller.
type RegisterBank struct {
	mu         sync.RWMutex
	snapshot   EVSESnapshot
	controller Controller
	logger     *zap.Logger
}

func NewRegisterBank(controller Controller, logger *zap.Logger) *RegisterBank {
	return &RegisterBank{
		controller: controller,
		logger:     logger,
	}
}

func (b *RegisterBank) Update(snapshot EVSESnapshot) {
	b.mu.Lock()
	b.snapshot = snapshot
	b.mu.Unlock()
}

func (b *RegisterBank) Snapshot() EVSESnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

func (b *RegisterBank) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	if uint32(req.Addr)+uint32(req.Quantity) > 2 {
		return nil, modbus.ErrIllegalDataAddress
	}
	if req.IsWrite {
		for i, value := range req.Args {
			var err error
			switch req.Addr + uint16(i) {
			case COIL_EV_CONNECTED:
				err = b.controller.SetVehicleConnected(value)
			case COIL_EV_REQUEST_CHARGE:
				err = b.controller.SetVehicleRequestingCharge(value)
			}
			if err != nil {
				b.logger.Warn("modbus coil write rejected", zap.Uint16("addr", req.Addr+uint16(i)), zap.Error(err))
				return nil, modbus.ErrIllegalDataValue
			}
		}
		return nil, nil
	}
	s := b.Snapshot()
	coils := []bool{s.EVConnected, s.EVRequesting}
	return coils[req.Addr : req.Addr+req.Quantity], nil
}

func (b *RegisterBank) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	if uint32(req.Addr)+uint32(req.Quantity) > 2 {
		return nil, modbus.ErrIllegalDataAddress
	}
	s := b.Snapshot()
	inputs := []bool{s.Sleeping, s.Charging}
	return inputs[req.Addr : req.Addr+req.Quantity], nil
}

func (b *RegisterBank) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.Addr < HOLDING_CURRENT_CAPACITY || uint32(req.Addr)+uint32(req.Quantity) > uint32(HOLDING_ENABLED)+1 {
		return nil, modbus.ErrIllegalDataAddress
	}
	if req.IsWrite {
		for i, value := range req.Args {
			var err error
			switch req.Addr + uint16(i) {
			case HOLDING_CURRENT_CAPACITY:
				err = b.controller.SetCurrentCapacity(int(value))
			case HOLDING_ENABLED:
				if value > 1 {
					return nil, modbus.ErrIllegalDataValue
				}
				err = b.controller.SetEnabled(value == 1)
			}
			if err != nil {
				b.logger.Warn("modbus register write rejected", zap.Uint16("addr", req.Addr+uint16(i)), zap.Error(err))
				return nil, modbus.ErrIllegalDataValue
			}
		}
		return nil, nil
	}
	s := b.Snapshot()
	holding := []uint16{s.CurrentCapacity, boolRegister(!s.Sleeping)}
	offset := req.Addr - HOLDING_CURRENT_CAPACITY
	return holding[offset : offset+req.Quantity], nil
}

func (b *RegisterBank) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	if uint32(req.Addr)+uint32(req.Quantity) > uint32(INPUT_REGISTER_COUNT) {
		return nil, modbus.ErrIllegalDataAddress
	}
	regs := EncodeInputRegisters(b.Snapshot())
	return regs[req.Addr : req.Addr+req.Quantity], nil
}

// EncodeInputRegisters lays a snapshot out as input registers, 32 bit
// values high word first.
func EncodeInputRegisters(s EVSESnapshot) []uint16 {
	regs := make([]uint16, INPUT_REGISTER_COUNT)
	regs[REG_STATE] = uint16(s.State)
	regs[REG_CURRENT_CAPACITY] = s.CurrentCapacity
	regs[REG_ACTUAL_CURRENT] = scaled(s.ActualCurrent, 10)
	regs[REG_VOLTAGE] = scaled(s.Voltage, 10)
	regs[REG_TEMPERATURE_DS] = uint16(s.TemperatureDS)
	regs[REG_TEMPERATURE_MCP] = uint16(s.TemperatureMCP)
	putUint32(regs[REG_SESSION_ENERGY:], s.SessionEnergyWh)
	putUint32(regs[REG_TOTAL_ENERGY:], s.TotalEnergyWh)
	putUint32(regs[REG_SESSION_TIME:], s.SessionTimeSec)
	regs[REG_ERROR_FLAGS] = s.ErrorFlags
	regs[REG_VFLAGS] = s.VFlags
	regs[REG_EV_SOC] = scaled(s.EVSoC, 10)
	regs[REG_EV_CHARGE_RATE] = s.EVChargeRateWatt
	return regs
}

func scaled(value float64, factor float64) uint16 {
	return uint16(math.Max(0, math.Min(math.Round(value*factor), math.MaxUint16)))
}

func putUint32(regs []uint16, value uint32) {
	regs[0] = uint16(value >> 16)
	regs[1] = uint16(value)
}

func boolRegister(value bool) uint16 {
	if value {
		return 1
	}
	return 0
}

type Server struct {
	server *modbus.ModbusServer
	url    string
	logger *zap.Logger
}

func NewServer(host string, port uint, bank *RegisterBank, logger *zap.Logger) (*Server, error) {
	url := fmt.Sprintf("tcp://%s:%d", host, port)
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        url,
		Timeout:    30 * time.Second,
		MaxClients: 5,
	}, bank)
	if err != nil {
		return nil, err
	}
	return &Server{
		server: server,
		url:    url,
		logger: logger,
	}, nil
}

func (s *Server) Start() error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("modbus server on %s: %w", s.url, err)
	}
	s.logger.Info("modbus server listening", zap.String("url", s.url))
	return nil
}

func (s *Server) Stop() error {
	return s.server.Stop()
}
