package evse_modbus

import (
	"fmt"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

type ModbusClient struct {
	client     *modbus.ModbusClient
	instrument []ModbusInstrument
}

type ModbusInstrument struct {
	RecordTime func(fnName string, readTime time.Duration)
}

func (reader ModbusClient) readRegisters(addr uint16, quantity uint16, regType modbus.RegType) ([]uint16, error) {
	defer RecordTimer("ReadRegisters", reader.instrument)()
	return reader.client.ReadRegisters(addr, quantity, regType)
}

func (reader ModbusClient) readCoils(addr uint16, quantity uint16) ([]bool, error) {
	defer RecordTimer("ReadCoils", reader.instrument)()
	return reader.client.ReadCoils(addr, quantity)
}

func (reader ModbusClient) readDiscreteInputs(addr uint16, quantity uint16) ([]bool, error) {
	defer RecordTimer("ReadDiscreteInputs", reader.instrument)()
	return reader.client.ReadDiscreteInputs(addr, quantity)
}

func (reader ModbusClient) writeRegister(addr uint16, value uint16) error {
	defer RecordTimer("WriteRegister", reader.instrument)()
	return reader.client.WriteRegister(addr, value)
}

func (reader ModbusClient) writeCoil(addr uint16, value bool) error {
	defer RecordTimer("WriteCoil", reader.instrument)()
	return reader.client.WriteCoil(addr, value)
}

func RecordTimer(name string, instrument []ModbusInstrument) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			instrument[i].RecordTime(name, duration)
		}
	}
}

func traceLoggerInstrumentation(logger *zap.Logger) *ModbusInstrument {
	if !logger.Core().Enabled(zap.DebugLevel) {
		return nil
	}
	return &ModbusInstrument{
		RecordTime: func(fnName string, readTime time.Duration) {
			logger.Sugar().Debugf("modbus [%s]: %d millis", fnName, readTime.Milliseconds())
		},
	}
}

// EVSEModbusClient reads the emulator register map from a remote server.
type EVSEModbusClient struct {
	ModbusClient
}

func CreateEVSEModbusReader(host string, port uint, timeout time.Duration, logger *zap.Logger,
	instrumentation *ModbusInstrument) (EVSEModbusReader, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", host, port),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	// instrumentation
	var inst []ModbusInstrument
	if logInst := traceLoggerInstrumentation(logger.With(zap.String("target", "evse"))); logInst != nil {
		inst = append(inst, *logInst)
	}
	if instrumentation != nil {
		inst = append(inst, *instrumentation)
	}
	return &EVSEModbusClient{
		ModbusClient: ModbusClient{
			client:     client,
			instrument: inst,
		},
	}, nil
}

func (reader *EVSEModbusClient) Open() error {
	return reader.client.Open()
}

func (reader *EVSEModbusClient) Close() error {
	return reader.client.Close()
}

func (reader *EVSEModbusClient) GetSnapshot() (*EVSESnapshot, error) {
	regs, err := reader.readRegisters(0, INPUT_REGISTER_COUNT, modbus.INPUT_REGISTER)
	if err != nil {
		return nil, err
	}
	holding, err := reader.readRegisters(HOLDING_CURRENT_CAPACITY, 2, modbus.HOLDING_REGISTER)
	if err != nil {
		return nil, err
	}
	coils, err := reader.readCoils(COIL_EV_CONNECTED, 2)
	if err != nil {
		return nil, err
	}
	inputs, err := reader.readDiscreteInputs(DISCRETE_SLEEP, 2)
	if err != nil {
		return nil, err
	}
	snapshot := DecodeInputRegisters(regs)
	snapshot.Sleeping = holding[1] == 0 || inputs[0]
	snapshot.Charging = inputs[1]
	snapshot.EVConnected = coils[0]
	snapshot.EVRequesting = coils[1]
	return &snapshot, nil
}

func (reader *EVSEModbusClient) SetCurrentCapacity(amps uint16) error {
	return reader.writeRegister(HOLDING_CURRENT_CAPACITY, amps)
}

func (reader *EVSEModbusClient) SetEnabled(enabled bool) error {
	return reader.writeRegister(HOLDING_ENABLED, boolRegister(enabled))
}

func (reader *EVSEModbusClient) SetVehicleConnected(connected bool) error {
	return reader.writeCoil(COIL_EV_CONNECTED, connected)
}

// DecodeInputRegisters is the inverse of EncodeInputRegisters for the
// register backed fields.
func DecodeInputRegisters(regs []uint16) EVSESnapshot {
	return EVSESnapshot{
		State:            uint8(regs[REG_STATE]),
		CurrentCapacity:  regs[REG_CURRENT_CAPACITY],
		ActualCurrent:    float64(regs[REG_ACTUAL_CURRENT]) / 10,
		Voltage:          float64(regs[REG_VOLTAGE]) / 10,
		TemperatureDS:    int16(regs[REG_TEMPERATURE_DS]),
		TemperatureMCP:   int16(regs[REG_TEMPERATURE_MCP]),
		SessionEnergyWh:  getUint32(regs[REG_SESSION_ENERGY:]),
		TotalEnergyWh:    getUint32(regs[REG_TOTAL_ENERGY:]),
		SessionTimeSec:   getUint32(regs[REG_SESSION_TIME:]),
		ErrorFlags:       regs[REG_ERROR_FLAGS],
		VFlags:           regs[REG_VFLAGS],
		EVSoC:            float64(regs[REG_EV_SOC]) / 10,
		EVChargeRateWatt: regs[REG_EV_CHARGE_RATE],
	}
}

func getUint32(regs []uint16) uint32 {
	return uint32(regs[0])<<16 | uint32(regs[1])
}
