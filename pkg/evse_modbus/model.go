package evse_modbus

// Register map served by the emulator.
//
// Input registers (read only):
//
//	0      EVSE state code
//	1      current capacity, A
//	2      actual current, 0.1 A
//	3      line voltage, 0.1 V
//	4      DS temperature, 0.1 C (signed)
//	5      MCP temperature, 0.1 C (signed)
//	6-7    session energy, Wh
//	8-9    total energy, Wh
//	10-11  session time, s
//	12     error flags
//	13     vflags
//	14     vehicle SoC, 0.1 %
//	15     vehicle charge rate, W
//
// Holding registers: 100 current capacity (A), 101 charging enabled (0/1).
// Coils: 0 vehicle connected, 1 vehicle requests charge.
// Discrete inputs: 0 sleep mode, 1 charging.
const (
	REG_STATE            uint16 = 0
	REG_CURRENT_CAPACITY uint16 = 1
	REG_ACTUAL_CURRENT   uint16 = 2
	REG_VOLTAGE          uint16 = 3
	REG_TEMPERATURE_DS   uint16 = 4
	REG_TEMPERATURE_MCP  uint16 = 5
	REG_SESSION_ENERGY   uint16 = 6
	REG_TOTAL_ENERGY     uint16 = 8
	REG_SESSION_TIME     uint16 = 10
	REG_ERROR_FLAGS      uint16 = 12
	REG_VFLAGS           uint16 = 13
	REG_EV_SOC           uint16 = 14
	REG_EV_CHARGE_RATE   uint16 = 15
	INPUT_REGISTER_COUNT uint16 = 16

	HOLDING_CURRENT_CAPACITY uint16 = 100
	HOLDING_ENABLED          uint16 = 101

	COIL_EV_CONNECTED      uint16 = 0
	COIL_EV_REQUEST_CHARGE uint16 = 1

	DISCRETE_SLEEP    uint16 = 0
	DISCRETE_CHARGING uint16 = 1
)

type EVSESnapshot struct {
	State           uint8
	CurrentCapacity uint16
	// Actual current in A
	ActualCurrent float64
	// Line voltage in V
	Voltage float64
	// Temperatures in tenths of a degree
	TemperatureDS   int16
	TemperatureMCP  int16
	SessionEnergyWh uint32
	TotalEnergyWh   uint32
	SessionTimeSec  uint32
	ErrorFlags      uint16
	VFlags          uint16
	Sleeping        bool
	Charging        bool
	EVConnected     bool
	EVRequesting    bool
	// Vehicle state of charge in %
	EVSoC float64
	// Vehicle charge rate in W
	EVChargeRateWatt uint16
}

// Controller applies register writes to the emulator.
type Controller interface {
	SetCurrentCapacity(amps int) error
	SetEnabled(enabled bool) error
	SetVehicleConnected(connected bool) error
	SetVehicleRequestingCharge(requesting bool) error
}

type EVSEModbusReader interface {
	Open() error
	Close() error
	GetSnapshot() (*EVSESnapshot, error)
	SetCurrentCapacity(amps uint16) error
	SetEnabled(enabled bool) error
	SetVehicleConnected(connected bool) error
}
