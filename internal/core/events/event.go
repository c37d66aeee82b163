package events

import (
	"math"
	"strings"

	. "github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/ev"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
)

func EVSEStatusToUpdateEvents(st evse.Status) []any {
	var events []any

	// EVSE state
	events = append(events, TextSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_STATE,
		},
		Value: strings.ToLower(st.StateName),
	})
	// Current capacity
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_CURRENT_CAPACITY,
		},
		Value: float64(st.CurrentCapacity),
	})
	// Actual current
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_ACTUAL_CURRENT,
		},
		Value:    st.ActualCurrent,
		Decimals: 2,
	})
	// Voltage
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_VOLTAGE,
		},
		Value:    float64(st.VoltageMV) / 1000,
		Decimals: 1,
	})
	// Power
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_POWER,
		},
		Value:    st.ActualCurrent * float64(st.VoltageMV) / 1e6,
		Decimals: 3,
	})
	// Temperature, the hotter of both sensors
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_TEMPERATURE,
		},
		Value:    float64(max(st.TemperatureDS, st.TemperatureMCP)) / 10,
		Decimals: 1,
	})
	// Energy
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_SESSION_ENERGY,
		},
		Value:    st.SessionEnergyWh / 1000,
		Decimals: 3,
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_TOTAL_ENERGY,
		},
		Value:    st.TotalEnergyWh / 1000,
		Decimals: 3,
	})
	// Session time
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_SESSION_TIME,
		},
		Value: float64(st.SessionTime),
	})
	// Errors
	errorText := "none"
	if len(st.Errors) > 0 {
		errorText = strings.Join(st.Errors, ",")
	}
	events = append(events, TextSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EVSE_ERRORS,
		},
		Value: errorText,
	})
	// Enabled switch
	events = append(events, SwitchSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SWITCH_ID_EVSE_ENABLED,
		},
		Value: !st.SleepMode,
	})
	// Charge current input
	events = append(events, InputNumberSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: INPUT_NUMBER_ID_EVSE_CHARGE_LIMIT,
		},
		Value: float64(st.CurrentCapacity),
	})

	return events
}

func EVStatusToUpdateEvents(st ev.Status) []any {
	var events []any

	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EV_SOC,
		},
		Value:    math.Round(st.SoC*10) / 10,
		Decimals: 1,
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EV_CHARGE_RATE,
		},
		Value:    st.ActualChargeRateKW,
		Decimals: 2,
	})
	events = append(events, BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_EV_CONNECTED,
		},
		Value: st.Connected,
	})
	events = append(events, SwitchSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SWITCH_ID_EV_CONNECTED,
		},
		Value: st.Connected,
	})
	events = append(events, SwitchSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SWITCH_ID_EV_REQUEST_CHARGE,
		},
		Value: st.RequestingCharge,
	})

	return events
}

func StatusToUpdateEvents(st EmulatorStatus) []any {
	return append(EVSEStatusToUpdateEvents(st.EVSE), EVStatusToUpdateEvents(st.EV)...)
}
