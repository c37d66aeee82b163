package service

import (
	"time"

	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/port"
	"go.uber.org/zap"
)

// SimulationDriver advances the EVSE and the EV together. Every tick runs
// in a fixed order: the EV pilot is read before the EVSE state update,
// the EVSE offer is read before the EV charges, and the EVSE integrates
// the rate the EV drew in the same tick.
type SimulationDriver struct {
	Station     port.ChargingStation
	Vehicle     port.Vehicle
	Supervisors []port.Supervisor
	Logger      *zap.Logger
}

func (d *SimulationDriver) Tick(dt time.Duration) domain.SimulationTickResult {
	dtSec := dt.Seconds()
	if dtSec < 0 {
		dtSec = 0
	}

	pilot := d.Vehicle.Pilot()
	d.Station.UpdateState(pilot)

	st := d.Station.Status()
	volts := float64(st.VoltageMV) / 1000
	d.Vehicle.UpdateCharging(float64(st.OfferedCurrent), volts, dtSec)

	rate := d.Vehicle.ActualChargeRateKW()
	d.Station.UpdateCharging(rate, dtSec)

	for _, s := range d.Supervisors {
		s.Supervise()
	}

	if d.Logger != nil {
		d.Logger.Debug("simulation tick",
			zap.String("pilot", pilot.String()),
			zap.Stringer("state", st.State),
			zap.Int("offered", st.OfferedCurrent),
			zap.Float64("rate_kw", rate))
	}

	return domain.SimulationTickResult{
		Pilot:          pilot,
		State:          st.State,
		OfferedCurrent: st.OfferedCurrent,
		ChargeRateKW:   rate,
		Elapsed:        dt,
	}
}
