package port

import (
	"github.com/berfenger/openevse-emulator/internal/core/evse"
)

// ChargingStation is the EVSE side of the simulation loop.
type ChargingStation interface {
	UpdateState(pilot evse.Pilot)
	Status() evse.Status
	UpdateCharging(powerKW float64, dtSec float64)
}

// Vehicle is the EV side of the simulation loop.
type Vehicle interface {
	Pilot() evse.Pilot
	UpdateCharging(offeredAmps, volts, dtSec float64)
	ActualChargeRateKW() float64
}

// Supervisor is invoked once per tick after the EVSE and the EV were
// updated. The RAPI heartbeat uses it to enforce its current limit.
type Supervisor interface {
	Supervise()
}
