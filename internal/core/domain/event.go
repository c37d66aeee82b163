package domain

import (
	"fmt"
	"time"

	"github.com/berfenger/openevse-emulator/internal/core/ev"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
)

type SensorUpdateEventMixIn struct {
	Id string
}

type SensorUpdateEvent interface {
	SensorUpdateEvent() string
	SensorId() string
}

func (e SensorUpdateEventMixIn) SensorUpdateEvent() string {
	return fmt.Sprintf("%T", e)
}

func (e SensorUpdateEventMixIn) SensorId() string {
	return e.Id
}

type FloatSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value    float64
	Decimals uint
}

type BinarySensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value bool
}

type SwitchSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value bool
}

type TextSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value string
}

type BridgeStateUpdateEvent struct {
	SensorUpdateEventMixIn
	Value bool
}

type InputNumberSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value    float64
	Decimals uint
}

// EmulatorStatus is the combined snapshot served by the REST API and
// pushed to websocket clients.
type EmulatorStatus struct {
	EVSE evse.Status `json:"evse"`
	EV   ev.Status   `json:"ev"`
}

// StateChangedEvent is published on the event stream after every EVSE
// state transition.
type StateChangedEvent struct {
	Previous evse.State
	State    evse.State
	Time     time.Time
}

// StatusUpdateEvent is published on the event stream after every
// simulation tick and after every control command.
type StatusUpdateEvent struct {
	Status EmulatorStatus
	Time   time.Time
}

// SimulationTickResult describes what a single simulation step did.
type SimulationTickResult struct {
	Pilot          evse.Pilot
	State          evse.State
	OfferedCurrent int
	ChargeRateKW   float64
	Elapsed        time.Duration
}

// MQTTConnectedEvent is published once the MQTT actor is connected and
// subscribed, on the first connection and after every reconnection.
type MQTTConnectedEvent struct {
	Time time.Time
}
