package service

import (
	"testing"
	"time"

	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"github.com/berfenger/openevse-emulator/internal/core/port"
	"github.com/berfenger/openevse-emulator/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type callLog struct {
	calls []string
}

type fakeStation struct {
	log     *callLog
	offered int
	power   float64
}

func (s *fakeStation) UpdateState(pilot evse.Pilot) {
	s.log.calls = append(s.log.calls, "evse.UpdateState:"+pilot.String())
}

func (s *fakeStation) Status() evse.Status {
	s.log.calls = append(s.log.calls, "evse.Status")
	return evse.Status{State: evse.StateCharging, OfferedCurrent: s.offered, VoltageMV: 240000}
}

func (s *fakeStation) UpdateCharging(powerKW float64, dtSec float64) {
	s.log.calls = append(s.log.calls, "evse.UpdateCharging")
	s.power = powerKW
}

type fakeVehicle struct {
	log     *callLog
	offered float64
	volts   float64
}

func (v *fakeVehicle) Pilot() evse.Pilot {
	v.log.calls = append(v.log.calls, "ev.Pilot")
	return evse.PilotC
}

func (v *fakeVehicle) UpdateCharging(offeredAmps, volts, dtSec float64) {
	v.log.calls = append(v.log.calls, "ev.UpdateCharging")
	v.offered = offeredAmps
	v.volts = volts
}

func (v *fakeVehicle) ActualChargeRateKW() float64 {
	v.log.calls = append(v.log.calls, "ev.ActualChargeRateKW")
	return 3.5
}

type fakeSupervisor struct {
	log *callLog
}

func (s fakeSupervisor) Supervise() {
	s.log.calls = append(s.log.calls, "supervise")
}

func TestTickOrder(t *testing.T) {
	assert := assert.New(t)

	log := &callLog{}
	station := &fakeStation{log: log, offered: 16}
	vehicle := &fakeVehicle{log: log}
	driver := SimulationDriver{
		Station:     station,
		Vehicle:     vehicle,
		Supervisors: []port.Supervisor{fakeSupervisor{log: log}},
	}

	result := driver.Tick(time.Second)

	assert.Equal([]string{
		"ev.Pilot",
		"evse.UpdateState:C",
		"evse.Status",
		"ev.UpdateCharging",
		"ev.ActualChargeRateKW",
		"evse.UpdateCharging",
		"supervise",
	}, log.calls)
	assert.Equal(16.0, vehicle.offered)
	assert.Equal(240.0, vehicle.volts)
	assert.Equal(3.5, station.power)
	assert.Equal(domain.SimulationTickResult{
		Pilot:          evse.PilotC,
		State:          evse.StateCharging,
		OfferedCurrent: 16,
		ChargeRateKW:   3.5,
		Elapsed:        time.Second,
	}, result)
}

func newTestEmulator(t *testing.T) *Emulator {
	t.Helper()
	cfg := util.LoadTestConfig()
	cfg.Simulation.RealisticChargeCurve = false
	cfg.Simulation.TemperatureSimulation = false
	return NewEmulator(cfg, zap.NewNop())
}

func TestEmulatorChargingSession(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	emu := newTestEmulator(t)
	result := emu.Driver.Tick(time.Second)
	assert.Equal(evse.StateNotConnected, result.State)
	assert.Equal(0.0, result.ChargeRateKW)

	emu.EV.SetConnected(true)
	require.True(emu.EV.SetRequestingCharge(true))

	// the vehicle starts drawing in the tick it sees the offer and the
	// pilot follows one tick later
	result = emu.Driver.Tick(time.Second)
	assert.Equal(evse.StateConnected, result.State)
	assert.Equal(32, result.OfferedCurrent)
	assert.InDelta(7.2, result.ChargeRateKW, 1e-9)

	result = emu.Driver.Tick(time.Hour)
	assert.Equal(evse.StateCharging, result.State)
	assert.Equal(evse.PilotC, result.Pilot)

	st := emu.Status()
	assert.InDelta(7200, st.EVSE.SessionEnergyWh, 1e-6)
	assert.InDelta(30, st.EVSE.ActualCurrent, 1e-9)
}

func TestEmulatorExecute(t *testing.T) {
	assert := assert.New(t)

	emu := newTestEmulator(t)

	resp, err := emu.Execute(domain.RAPICommandRequest{Line: "$SC 16"})
	assert.NoError(err)
	assert.Equal("$OK 16^07\r", resp.(domain.RAPICommandResponse).Reply)

	_, err = emu.Execute(domain.EVRequestChargeRequest{Enable: true})
	assert.ErrorIs(err, ErrNotConnected)

	_, err = emu.Execute(domain.EVConnectRequest{Connect: true})
	assert.NoError(err)
	resp, err = emu.Execute(domain.EVRequestChargeRequest{Enable: true})
	assert.NoError(err)
	assert.True(resp.(domain.EmulatorResponse).Status.EV.RequestingCharge)

	_, err = emu.Execute(domain.EVSESetCurrentRequest{Amps: 16})
	assert.NoError(err)
	_, err = emu.Execute(domain.EVSESetCurrentRequest{Amps: 90})
	assert.Error(err)
	assert.Equal(16, emu.EVSE.CurrentCapacity())
	resp, err = emu.Execute(domain.EVSESetCurrentRequest{Amps: 40})
	assert.NoError(err)
	assert.Equal(32, resp.(domain.EmulatorResponse).Status.EVSE.CurrentCapacity)

	resp, err = emu.Execute(domain.EVSEEnableRequest{Enable: false})
	assert.NoError(err)
	assert.Equal(evse.StateSleep, resp.(domain.EmulatorResponse).Status.EVSE.State)

	emu.EVSE.TriggerError(evse.GFCITrip)
	_, err = emu.Execute(domain.EVSEEnableRequest{Enable: true})
	assert.ErrorIs(err, ErrEnableRefused)

	_, err = emu.Execute(domain.EVSetSoCRequest{SoC: 101})
	assert.Error(err)
}

func TestEmulatorFaultAndVehicleControls(t *testing.T) {
	assert := assert.New(t)

	emu := newTestEmulator(t)

	resp, err := emu.Execute(domain.EVSETriggerErrorRequest{Flag: evse.NoGround})
	assert.NoError(err)
	assert.Equal(evse.StateError, resp.(domain.EmulatorResponse).Status.EVSE.State)
	_, err = emu.Execute(domain.EVSETriggerErrorRequest{Flag: 0x80})
	assert.Error(err)
	resp, err = emu.Execute(domain.EVSETriggerErrorRequest{})
	assert.NoError(err)
	assert.Equal(evse.StateNotConnected, resp.(domain.EmulatorResponse).Status.EVSE.State)

	_, err = emu.Execute(domain.EVSESetServiceLevelRequest{Level: "L3"})
	assert.Error(err)
	_, err = emu.Execute(domain.EVSESetServiceLevelRequest{Level: evse.ServiceLevelL1})
	assert.NoError(err)
	assert.Equal(evse.VoltageL1MilliVolts, emu.EVSE.VoltageMV())

	_, err = emu.Execute(domain.EVSetDirectModeRequest{Enable: true, Amps: -1})
	assert.Error(err)
	assert.False(emu.EV.DirectMode())
	resp, err = emu.Execute(domain.EVSetDirectModeRequest{Enable: true, Amps: 12.5})
	assert.NoError(err)
	assert.True(resp.(domain.EmulatorResponse).Status.EV.DirectMode)
	assert.Equal(12.5, resp.(domain.EmulatorResponse).Status.EV.DirectCurrentAmps)

	resp, err = emu.Execute(domain.EVSetMaxRateRequest{Amps: 10})
	assert.NoError(err)
	assert.InDelta(1.2, resp.(domain.EmulatorResponse).Status.EV.MaxChargeRateKW, 1e-9)
	_, err = emu.Execute(domain.EVSetMaxRateRequest{Amps: -1})
	assert.Error(err)

	resp, err = emu.Execute(domain.EVSetVarianceRequest{Enable: true})
	assert.NoError(err)
	assert.True(resp.(domain.EmulatorResponse).Status.EV.VarianceEnabled)
}

func TestEmulatorAppliesConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	cfg.EVSE.DefaultCurrent = 20
	cfg.EVSE.ServiceLevel = "L1"
	cfg.EVSE.GFCISelfTest = false
	cfg.EVSE.MCUID = "0000ABCDABCD"
	emu := NewEmulator(cfg, zap.NewNop())

	assert.Equal(20, emu.EVSE.CurrentCapacity())
	assert.Equal(evse.ServiceLevelL1, emu.EVSE.ServiceLevel())
	assert.Equal(evse.VoltageL1MilliVolts, emu.EVSE.VoltageMV())
	assert.False(emu.EVSE.GFCISelfTest())
	assert.Equal("0000ABCDABCD", emu.RAPI.MCUID())
}
