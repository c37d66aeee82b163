package domain

import (
	"fmt"

	"github.com/berfenger/openevse-emulator/internal/core/evse"
)

// EmulatorRequest is a control command executed against the EVSE or the EV
// by the simulation actor.
type EmulatorRequest interface {
	ActorRequest
	EmulatorCommand() string
}

type EmulatorRequestMixIn struct {
	ActorRequestMixIn
}

func (r EmulatorRequestMixIn) EmulatorCommand() string {
	return fmt.Sprintf("%T", r)
}

type EmulatorResponse struct {
	ActorResponseMixIn
	Status EmulatorStatus
}

type EVSEEnableRequest struct {
	EmulatorRequestMixIn
	Enable bool
}

type EVSESetCurrentRequest struct {
	EmulatorRequestMixIn
	Amps int
}

type EVSEResetRequest struct {
	EmulatorRequestMixIn
}

type EVSESetServiceLevelRequest struct {
	EmulatorRequestMixIn
	Level evse.ServiceLevel
}

// EVSETriggerErrorRequest raises a fault. An empty flag set clears all
// active faults instead.
type EVSETriggerErrorRequest struct {
	EmulatorRequestMixIn
	Flag evse.ErrorFlags
}

type EVConnectRequest struct {
	EmulatorRequestMixIn
	Connect bool
}

type EVRequestChargeRequest struct {
	EmulatorRequestMixIn
	Enable bool
}

type EVSetSoCRequest struct {
	EmulatorRequestMixIn
	SoC float64
}

// EVSetDirectModeRequest makes the vehicle draw a fixed current instead of
// emulating its battery. Amps is ignored when Enable is false.
type EVSetDirectModeRequest struct {
	EmulatorRequestMixIn
	Enable bool
	Amps   float64
}

// EVSetMaxRateRequest caps the vehicle charge rate, given in amps at the
// current supply voltage.
type EVSetMaxRateRequest struct {
	EmulatorRequestMixIn
	Amps float64
}

type EVSetVarianceRequest struct {
	EmulatorRequestMixIn
	Enable bool
}

// RAPICommandRequest carries a raw RAPI line received outside the serial
// port, e.g. from MQTT.
type RAPICommandRequest struct {
	EmulatorRequestMixIn
	Line string
}

type RAPICommandResponse struct {
	ActorResponseMixIn
	Reply string
}

// ensure interface compliance
var (
	_ EmulatorRequest = (*EVSEEnableRequest)(nil)
	_ EmulatorRequest = (*RAPICommandRequest)(nil)
)
