package metrics

import (
	"strings"

	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "openevse"

// Metrics holds the emulator gauges and counters. Every instance owns its
// registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	evseState        prometheus.Gauge
	currentCapacity  prometheus.Gauge
	actualCurrent    prometheus.Gauge
	voltage          prometheus.Gauge
	temperature      *prometheus.GaugeVec
	sessionEnergy    prometheus.Gauge
	totalEnergy      prometheus.Gauge
	errorFlags       prometheus.Gauge
	evConnected      prometheus.Gauge
	evStateOfCharge  prometheus.Gauge
	evChargeRate     prometheus.Gauge
	rapiCommands     *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evseState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evse_state",
			Help:      "Observed EVSE state code.",
		}),
		currentCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evse_current_capacity_amps",
			Help:      "Configured current capacity.",
		}),
		actualCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evse_actual_current_amps",
			Help:      "Current delivered to the vehicle.",
		}),
		voltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evse_voltage_volts",
			Help:      "Supply voltage.",
		}),
		temperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "evse_temperature_celsius",
				Help:      "Temperature sensor readings.",
			},
			[]string{
				"sensor",
			},
		),
		sessionEnergy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evse_session_energy_wh",
			Help:      "Energy delivered in the current session.",
		}),
		totalEnergy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evse_total_energy_wh",
			Help:      "Energy delivered since start.",
		}),
		errorFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evse_error_flags",
			Help:      "Bitset of active faults.",
		}),
		evConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ev_connected",
			Help:      "1 when the vehicle is plugged in.",
		}),
		evStateOfCharge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ev_state_of_charge_percent",
			Help:      "Vehicle battery state of charge.",
		}),
		evChargeRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ev_charge_rate_kw",
			Help:      "Power drawn by the vehicle.",
		}),
		rapiCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rapi_commands_total",
				Help:      "Processed RAPI commands.",
			},
			[]string{
				"command",
				"result",
			},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evse_state_transitions_total",
				Help:      "EVSE state transitions by target state.",
			},
			[]string{
				"state",
			},
		),
	}
	m.registry.MustRegister(
		m.evseState,
		m.currentCapacity,
		m.actualCurrent,
		m.voltage,
		m.temperature,
		m.sessionEnergy,
		m.totalEnergy,
		m.errorFlags,
		m.evConnected,
		m.evStateOfCharge,
		m.evChargeRate,
		m.rapiCommands,
		m.stateTransitions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveStatus(st domain.EmulatorStatus) {
	m.evseState.Set(float64(st.EVSE.State))
	m.currentCapacity.Set(float64(st.EVSE.CurrentCapacity))
	m.actualCurrent.Set(st.EVSE.ActualCurrent)
	m.voltage.Set(float64(st.EVSE.VoltageMV) / 1000)
	m.temperature.WithLabelValues("ds").Set(float64(st.EVSE.TemperatureDS) / 10)
	m.temperature.WithLabelValues("mcp").Set(float64(st.EVSE.TemperatureMCP) / 10)
	m.sessionEnergy.Set(st.EVSE.SessionEnergyWh)
	m.totalEnergy.Set(st.EVSE.TotalEnergyWh)
	m.errorFlags.Set(float64(st.EVSE.ErrorFlags))
	m.evConnected.Set(boolToFloat(st.EV.Connected))
	m.evStateOfCharge.Set(st.EV.SoC)
	m.evChargeRate.Set(st.EV.ActualChargeRateKW)
}

// ObserveRAPICommand has the shape of rapi.Observer.
func (m *Metrics) ObserveRAPICommand(code string, accepted bool) {
	if code == "" {
		code = "invalid"
	}
	result := "nk"
	if accepted {
		result = "ok"
	}
	m.rapiCommands.WithLabelValues(code, result).Inc()
}

func (m *Metrics) ObserveStateChange(evt domain.StateChangedEvent) {
	m.stateTransitions.WithLabelValues(strings.ToLower(evt.State.String())).Inc()
}

// Subscribe feeds the gauges from the emulator event stream until the
// returned subscription is removed.
func (m *Metrics) Subscribe(es *eventstream.EventStream) *eventstream.Subscription {
	return es.Subscribe(func(evt any) {
		switch e := evt.(type) {
		case domain.StatusUpdateEvent:
			m.ObserveStatus(e.Status)
		case domain.StateChangedEvent:
			m.ObserveStateChange(e)
		}
	})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
