package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/ev"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func testStatus() domain.EmulatorStatus {
	return domain.EmulatorStatus{
		EVSE: evse.Status{
			State:           evse.StateCharging,
			CurrentCapacity: 16,
			ActualCurrent:   15.5,
			VoltageMV:       240000,
			TemperatureDS:   255,
			TemperatureMCP:  301,
			SessionEnergyWh: 1200,
			TotalEnergyWh:   5400,
		},
		EV: ev.Status{
			Connected:          true,
			SoC:                42.5,
			ActualChargeRateKW: 3.72,
		},
	}
}

func TestObserveStatus(t *testing.T) {
	assert := assert.New(t)

	m := New()
	m.ObserveStatus(testStatus())

	assert.Equal(float64(evse.StateCharging), testutil.ToFloat64(m.evseState))
	assert.Equal(16.0, testutil.ToFloat64(m.currentCapacity))
	assert.Equal(15.5, testutil.ToFloat64(m.actualCurrent))
	assert.Equal(240.0, testutil.ToFloat64(m.voltage))
	assert.InDelta(30.1, testutil.ToFloat64(m.temperature.WithLabelValues("mcp")), 1e-9)
	assert.Equal(1.0, testutil.ToFloat64(m.evConnected))
	assert.Equal(42.5, testutil.ToFloat64(m.evStateOfCharge))
	assert.Equal(2, testutil.CollectAndCount(m.temperature))
}

func TestObserveRAPICommand(t *testing.T) {
	assert := assert.New(t)

	m := New()
	m.ObserveRAPICommand("GS", true)
	m.ObserveRAPICommand("GS", true)
	m.ObserveRAPICommand("SC", false)
	m.ObserveRAPICommand("", false)

	assert.Equal(2.0, testutil.ToFloat64(m.rapiCommands.WithLabelValues("GS", "ok")))
	assert.Equal(1.0, testutil.ToFloat64(m.rapiCommands.WithLabelValues("SC", "nk")))
	assert.Equal(1.0, testutil.ToFloat64(m.rapiCommands.WithLabelValues("invalid", "nk")))
}

func TestSubscribe(t *testing.T) {
	assert := assert.New(t)

	m := New()
	es := eventstream.NewEventStream()
	sub := m.Subscribe(es)

	es.Publish(domain.StatusUpdateEvent{Status: testStatus(), Time: time.Now()})
	es.Publish(domain.StateChangedEvent{Previous: evse.StateConnected, State: evse.StateCharging})
	es.Unsubscribe(sub)
	es.Publish(domain.StateChangedEvent{Previous: evse.StateCharging, State: evse.StateCharging})

	assert.Equal(3.72, testutil.ToFloat64(m.evChargeRate))
	assert.Equal(1.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("charging")))

	expected := `
# HELP openevse_evse_current_capacity_amps Configured current capacity.
# TYPE openevse_evse_current_capacity_amps gauge
openevse_evse_current_capacity_amps 16
`
	assert.NoError(testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "openevse_evse_current_capacity_amps"))
}
