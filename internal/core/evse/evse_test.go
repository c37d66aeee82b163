package evse

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEVSE() *EVSE {
	return New("8.2.1", "5.0.1", zap.NewNop())
}

func TestDefaults(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	st := e.Status()

	assert.Equal(StateNotConnected, st.State)
	assert.Equal(32, st.CurrentCapacity)
	assert.Equal(240000, st.VoltageMV)
	assert.Equal(ServiceLevelL2, st.ServiceLevel)
	assert.Equal(250, st.TemperatureDS)
	assert.Equal(250, st.TemperatureMCP)
	assert.True(st.GFCISelfTest)
	assert.Equal("OpenEVSE        ", st.LCD.Row1)
	assert.Equal("Ready           ", st.LCD.Row2)
	assert.Equal(BacklightGreen, st.LCD.Backlight)
	assert.Equal("8.2.1", e.FirmwareVersion())
	assert.Equal("5.0.1", e.ProtocolVersion())
	assert.IsType(MaxCapacityUnset{}, e.MaxCapacity())
}

func TestSetCurrentCapacityClamps(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	for amps := -10; amps <= 100; amps++ {
		ok, set := e.SetCurrentCapacity(amps, false)
		assert.GreaterOrEqual(set, MinCapacityAmps)
		assert.LessOrEqual(set, DefaultCapacityAmps)
		assert.Equal(set == amps, ok, "amps=%d", amps)
		assert.Equal(set, e.CurrentCapacity())
	}
}

func TestSetMaxCapacityLocksOnce(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	ok, value := e.SetMaxCapacity(48)
	assert.True(ok)
	assert.Equal(48, value)
	assert.Equal(MaxCapacityLocked{Amps: 48}, e.MaxCapacity())

	for _, amps := range []int{10, 48, 80, 200} {
		ok, value = e.SetMaxCapacity(amps)
		assert.False(ok)
		assert.Equal(48, value)
	}

	ok, set := e.SetCurrentCapacity(60, true)
	assert.False(ok)
	assert.Equal(48, set)
	assert.True(e.CapacityLimits().Locked)
}

func TestSetMaxCapacityLowersCurrent(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	ok, value := e.SetMaxCapacity(2)
	assert.True(ok)
	assert.Equal(MinCapacityAmps, value)
	assert.Equal(MinCapacityAmps, e.CurrentCapacity())

	e2 := newTestEVSE()
	_, value = e2.SetMaxCapacity(500)
	assert.Equal(MaxHWCapacityAmps, value)
	assert.Equal(32, e2.CurrentCapacity())
}

func TestErrorOverlay(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	e.UpdateState(PilotB)
	e.TriggerError(NoGround)
	assert.Equal(StateError, e.State())
	assert.Equal(StateConnected, e.BaseState())

	e.Disable()
	assert.Equal(StateError, e.State(), "errors take precedence over sleep")
	assert.False(e.Enable(), "enable is blocked by errors")

	e.ClearErrors()
	assert.Equal(StateSleep, e.State())
	assert.True(e.Enable())
	assert.Equal(StateConnected, e.State())
}

func TestClearErrorsKeepsCounters(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	e.TriggerError(GFCITrip)
	e.TriggerError(StuckRelay)
	e.TriggerError(OverTemperature)
	e.ClearErrors()

	assert.Equal(ErrorFlags(0), e.ErrorFlags())
	assert.Equal(FaultCounters{GFCI: 1, StuckRelay: 1}, e.FaultCounters())
}

func TestChargingEnergyScenario(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	e.UpdateState(PilotB)
	e.UpdateState(PilotC)
	assert.Equal(32.0, e.ActualCurrent(), "current snaps to capacity on entering C")

	e.UpdateCharging(7.2, 3600)
	st := e.Status()
	assert.InDelta(7200, st.SessionEnergyWh, 0.001)
	assert.InDelta(30.0, e.ActualCurrent(), 0.001)
	assert.Equal(OverTemperatureThreshold, st.TemperatureDS)
	assert.Equal(ErrorFlags(0), st.ErrorFlags)
}

func TestSessionFoldsIntoTotalOnDisconnect(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := New("8.2.1", "5.0.1", zap.NewNop(), WithClock(func() time.Time { return now }))
	e.UpdateState(PilotC)
	now = now.Add(90 * time.Second)
	assert.Equal(90*time.Second, e.SessionTime())

	e.UpdateCharging(3.6, 10)
	e.UpdateState(PilotA)
	st := e.Status()
	assert.InDelta(0, st.SessionEnergyWh, 0.001)
	assert.InDelta(10, st.TotalEnergyWh, 0.001)
	assert.Equal(int64(0), st.SessionTime)
	assert.Equal(0.0, st.ActualCurrent)
}

func TestPilotDTriggersDiodeCheck(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	var got []State
	e.AddStateChangeCallback(func(s State) { got = append(got, s) })

	e.UpdateState(PilotD)
	assert.True(e.ErrorFlags().Has(DiodeCheckFailed))
	assert.Equal(StateVentRequired, e.BaseState())
	assert.Equal([]State{StateError}, got)

	e.UpdateState(PilotA)
	assert.Equal(ErrorFlags(0), e.ErrorFlags(), "disconnect clears errors")
	assert.Equal([]State{StateError, StateNotConnected}, got)
}

func TestUpdateStateNotifiesOnlyOnChange(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	count := 0
	e.AddStateChangeCallback(func(State) { count++ })

	e.UpdateState(PilotA)
	assert.Equal(0, count)
	e.UpdateState(PilotB)
	e.UpdateState(PilotB)
	assert.Equal(1, count)
	e.UpdateState(PilotC)
	e.UpdateState(PilotC)
	assert.Equal(2, count)
}

func TestUpdateStateIgnoredWhileSleeping(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	e.Disable()
	e.UpdateState(PilotC)
	assert.Equal(StateNotConnected, e.BaseState())
	assert.Equal(StateSleep, e.State())
}

func TestResetKeepsErrors(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	e.UpdateState(PilotC)
	e.UpdateCharging(7.2, 60)
	e.TriggerError(GFCITrip)
	e.Reset()

	st := e.Status()
	assert.Equal(0.0, st.SessionEnergyWh)
	assert.Equal(int64(0), st.SessionTime)
	assert.True(st.ErrorFlags.Has(GFCITrip))
	assert.Equal(1, st.Counters.GFCI)
}

func TestTemperatureModel(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	e.UpdateCharging(0, 10)
	ds, mcp := e.Temperatures()
	assert.Equal(230, ds)
	assert.Equal(230, mcp)

	e.UpdateCharging(0, 1000)
	ds, _ = e.Temperatures()
	assert.Equal(AmbientTemperature, ds)

	e.UpdateState(PilotC)
	e.UpdateCharging(7.2, 100)
	ds, _ = e.Temperatures()
	assert.Equal(AmbientTemperature+50, ds)

	e.UpdateCharging(7.2, 2000)
	ds, _ = e.Temperatures()
	assert.Equal(OverTemperatureThreshold, ds)
	assert.False(e.ErrorFlags().Has(OverTemperature))

	e.UpdateCharging(7.2, 10)
	assert.True(e.ErrorFlags().Has(OverTemperature))
	assert.Equal(StateError, e.State())
}

func TestTemperatureModelShortTicks(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	for range 20 {
		e.UpdateCharging(0, 0.1)
	}
	ds, mcp := e.Temperatures()
	assert.Equal(246, ds)
	assert.Equal(246, mcp)

	e.UpdateState(PilotC)
	for range 6000 {
		e.UpdateCharging(7.2, 0.1)
	}
	ds, mcp = e.Temperatures()
	assert.Equal(546, ds)
	assert.Equal(546, mcp)
	assert.Equal(546, e.Status().TemperatureDS)

	for range 2200 {
		e.UpdateCharging(7.2, 0.1)
	}
	ds, _ = e.Temperatures()
	assert.Equal(OverTemperatureThreshold, ds)
	assert.True(e.ErrorFlags().Has(OverTemperature))
}

func TestTemperatureSimulationDisabled(t *testing.T) {
	e := New("8.2.1", "5.0.1", zap.NewNop(), WithTemperatureSimulation(false))
	e.UpdateState(PilotC)
	e.UpdateCharging(7.2, 10000)
	ds, mcp := e.Temperatures()
	assert.Equal(t, 250, ds)
	assert.Equal(t, 250, mcp)
}

func TestVFlags(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	assert.Equal(uint16(0), e.VFlags())
	e.UpdateState(PilotB)
	assert.Equal(uint16(0x0100), e.VFlags())
	e.UpdateState(PilotC)
	assert.Equal(uint16(0x0140), e.VFlags())
	e.TriggerError(GFCITrip)
	assert.Equal(uint16(0x0141), e.VFlags())
}

func TestServiceLevel(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	assert.True(e.SetServiceLevel(ServiceLevelL1))
	assert.Equal(120000, e.VoltageMV())
	assert.True(e.SetServiceLevel(ServiceLevelAuto))
	assert.Equal(120000, e.VoltageMV())
	assert.True(e.SetServiceLevel(ServiceLevelL2))
	assert.Equal(240000, e.VoltageMV())
	assert.False(e.SetServiceLevel("L3"))
	assert.Equal(ServiceLevelL2, e.ServiceLevel())
}

func TestLCD(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	assert.True(e.SetLCDTextAt(0, 1, "Charging\xfe12A"))
	assert.Equal("Charging 12A    ", e.LCD().Row2)

	assert.True(e.SetLCDTextAt(12, 0, "ABCDEFGH"))
	assert.Equal("OpenEVSE    ABCD", e.LCD().Row1)

	assert.False(e.SetLCDTextAt(16, 0, "x"))
	assert.False(e.SetLCDTextAt(0, 2, "x"))

	e.SetLCDText("a very long first row", "b")
	assert.Equal("a very long firs", e.LCD().Row1)
	assert.Equal("b               ", e.LCD().Row2)

	assert.True(e.SetLCDBacklight(BacklightTeal))
	assert.False(e.SetLCDBacklight(8))
	assert.Equal(BacklightTeal, e.LCD().Backlight)
}

func TestCallbacksCanReenter(t *testing.T) {
	e := newTestEVSE()
	var seen Status
	e.AddStateChangeCallback(func(State) { seen = e.Status() })

	done := make(chan struct{})
	go func() {
		e.TriggerError(GFCITrip)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback deadlocked")
	}
	assert.Equal(t, StateError, seen.State)
}

func TestPanickingCallbackDoesNotStopOthers(t *testing.T) {
	assert := assert.New(t)

	e := newTestEVSE()
	called := 0
	e.AddStateChangeCallback(func(State) { panic("boom") })
	e.AddStateChangeCallback(func(State) { called++ })

	e.TriggerError(NoGround)
	assert.Equal(1, called)
	assert.Equal(1, e.FaultCounters().NoGround)
}

func TestRemoveStateChangeCallback(t *testing.T) {
	require := require.New(t)

	e := newTestEVSE()
	count := 0
	sub := e.AddStateChangeCallback(func(State) { count++ })
	e.TriggerError(GFCITrip)
	require.True(e.RemoveStateChangeCallback(sub))
	require.False(e.RemoveStateChangeCallback(sub))
	e.ClearErrors()
	require.Equal(1, count)
}

func TestConcurrentAccess(t *testing.T) {
	e := newTestEVSE()
	e.AddStateChangeCallback(func(State) { _ = e.VFlags() })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				e.SetCurrentCapacity(6+j%40, false)
				e.UpdateState([]Pilot{PilotA, PilotB, PilotC}[(i+j)%3])
				e.UpdateCharging(3.3, 0.1)
				_ = e.Status()
			}
		}(i)
	}
	wg.Wait()

	c := e.CurrentCapacity()
	assert.GreaterOrEqual(t, c, MinCapacityAmps)
	assert.LessOrEqual(t, c, DefaultCapacityAmps)
}

func TestParseHelpers(t *testing.T) {
	assert := assert.New(t)

	p, err := ParsePilot("c")
	assert.NoError(err)
	assert.Equal(PilotC, p)
	assert.Equal(uint8(3), p.Code())
	_, err = ParsePilot("E")
	assert.Error(err)

	f, err := ParseErrorFlag("over_temp")
	assert.NoError(err)
	assert.Equal(OverTemperature, f)
	_, err = ParseErrorFlag("meltdown")
	assert.Error(err)

	assert.Equal([]string{"gfci", "no_ground"}, (GFCITrip | NoGround).Names())
	assert.True((GFCITrip | GFISelfTestFailed).Valid())
	assert.False(ErrorFlags(0x40).Valid())
}
