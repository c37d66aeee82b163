package evse

import (
	"fmt"
	"strings"
)

// State is the J1772 state reported by the EVSE. Sleep and Error are
// overlays computed from the sleep mode and the error flags.
type State uint8

const (
	StateNotConnected State = 0x01
	StateConnected    State = 0x02
	StateCharging     State = 0x03
	StateVentRequired State = 0x04
	StateSleep        State = 0xFD
	StateError        State = 0xFE
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "NOT_CONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateCharging:
		return "CHARGING"
	case StateVentRequired:
		return "VENT_REQUIRED"
	case StateSleep:
		return "SLEEP"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%#02x)", uint8(s))
	}
}

// Pilot is the control pilot level presented by the vehicle.
type Pilot byte

const (
	PilotA Pilot = 'A'
	PilotB Pilot = 'B'
	PilotC Pilot = 'C'
	PilotD Pilot = 'D'
)

// Code returns the numeric pilot state used on the wire (A=1 .. D=4).
func (p Pilot) Code() uint8 {
	switch p {
	case PilotA:
		return 1
	case PilotB:
		return 2
	case PilotC:
		return 3
	case PilotD:
		return 4
	}
	return 0
}

func (p Pilot) String() string {
	return string(rune(p))
}

// ParsePilot accepts "A".."D" in any case.
func ParsePilot(s string) (Pilot, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("invalid pilot state %q", s)
	}
	p := Pilot(strings.ToUpper(s)[0])
	if p.Code() == 0 {
		return 0, fmt.Errorf("invalid pilot state %q", s)
	}
	return p, nil
}

// ErrorFlags is the set of fault conditions currently active.
type ErrorFlags uint16

const (
	GFCITrip          ErrorFlags = 0x01
	StuckRelay        ErrorFlags = 0x02
	NoGround          ErrorFlags = 0x04
	DiodeCheckFailed  ErrorFlags = 0x08
	OverTemperature   ErrorFlags = 0x10
	GFISelfTestFailed ErrorFlags = 0x20

	allErrorFlags = GFCITrip | StuckRelay | NoGround | DiodeCheckFailed | OverTemperature | GFISelfTestFailed
)

var errorFlagNames = []struct {
	flag ErrorFlags
	name string
}{
	{GFCITrip, "gfci"},
	{StuckRelay, "stuck_relay"},
	{NoGround, "no_ground"},
	{DiodeCheckFailed, "diode_check"},
	{OverTemperature, "over_temp"},
	{GFISelfTestFailed, "gfi_self_test"},
}

func (f ErrorFlags) Has(flag ErrorFlags) bool {
	return f&flag != 0
}

func (f ErrorFlags) With(flag ErrorFlags) ErrorFlags {
	return f | flag
}

func (f ErrorFlags) Without(flag ErrorFlags) ErrorFlags {
	return f &^ flag
}

// Valid reports whether f is a non-empty combination of known flags.
func (f ErrorFlags) Valid() bool {
	return f != 0 && f&^allErrorFlags == 0
}

// Names lists the active flags using their short names.
func (f ErrorFlags) Names() []string {
	names := []string{}
	for _, n := range errorFlagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return names
}

// ParseErrorFlag maps a short name (gfci, stuck_relay, no_ground,
// diode_check, over_temp, gfi_self_test) to its flag.
func ParseErrorFlag(name string) (ErrorFlags, error) {
	for _, n := range errorFlagNames {
		if n.name == name {
			return n.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown error type %q", name)
}

// ServiceLevel selects the supply voltage profile.
type ServiceLevel string

const (
	ServiceLevelL1   ServiceLevel = "L1"
	ServiceLevelL2   ServiceLevel = "L2"
	ServiceLevelAuto ServiceLevel = "Auto"
)

func (l ServiceLevel) Valid() bool {
	return l == ServiceLevelL1 || l == ServiceLevelL2 || l == ServiceLevelAuto
}

// MaxCapacity is the one-time provisioned ceiling for the current capacity.
// It is either MaxCapacityUnset or MaxCapacityLocked; once locked it never
// changes again.
type MaxCapacity interface {
	isMaxCapacity()
}

type MaxCapacityUnset struct{}

type MaxCapacityLocked struct {
	Amps int
}

func (MaxCapacityUnset) isMaxCapacity()  {}
func (MaxCapacityLocked) isMaxCapacity() {}

// CapacityLimits groups the values reported by the GC command.
type CapacityLimits struct {
	Min           int  `json:"min"`
	MaxHW         int  `json:"max_hw"`
	Pilot         int  `json:"pilot"`
	MaxConfigured int  `json:"max_configured"`
	Locked        bool `json:"locked"`
}

// FaultCounters are lifetime counters that survive ClearErrors.
type FaultCounters struct {
	GFCI       int `json:"gfci"`
	NoGround   int `json:"no_ground"`
	StuckRelay int `json:"stuck_relay"`
}

// LCD is the content of the 2x16 character display.
type LCD struct {
	Row1      string `json:"row1"`
	Row2      string `json:"row2"`
	Backlight int    `json:"backlight_color"`
}

// Status is a point in time snapshot of the EVSE.
type Status struct {
	State           State         `json:"state"`
	StateName       string        `json:"state_name"`
	BaseState       State         `json:"base_state"`
	SleepMode       bool          `json:"sleep_mode"`
	CurrentCapacity int           `json:"current_capacity"`
	OfferedCurrent  int           `json:"offered_current"`
	ActualCurrent   float64       `json:"actual_current"`
	VoltageMV       int           `json:"voltage"`
	TemperatureDS   int           `json:"temperature_ds"`
	TemperatureMCP  int           `json:"temperature_mcp"`
	SessionEnergyWh float64       `json:"session_energy_wh"`
	TotalEnergyWh   float64       `json:"total_energy_wh"`
	SessionTime     int64         `json:"session_time"`
	ServiceLevel    ServiceLevel  `json:"service_level"`
	ErrorFlags      ErrorFlags    `json:"error_flags"`
	Errors          []string      `json:"errors"`
	Counters        FaultCounters `json:"error_counts"`
	VFlags          uint16        `json:"vflags"`
	EchoEnabled     bool          `json:"echo_enabled"`
	GFCISelfTest    bool          `json:"gfci_self_test"`
	TimeLimit       int           `json:"time_limit_minutes"`
	KWhLimit        int           `json:"kwh_limit"`
	FirmwareVersion string        `json:"firmware_version"`
	ProtocolVersion string        `json:"protocol_version"`
	LCD             LCD           `json:"lcd"`
}
