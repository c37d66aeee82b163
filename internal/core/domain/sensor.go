package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE            = "bridge"
	SENSOR_ID_EVSE_STATE              = "evse_state"
	SENSOR_ID_EVSE_CURRENT_CAPACITY   = "evse_current_capacity"
	SENSOR_ID_EVSE_ACTUAL_CURRENT     = "evse_actual_current"
	SENSOR_ID_EVSE_VOLTAGE            = "evse_voltage"
	SENSOR_ID_EVSE_POWER              = "evse_power"
	SENSOR_ID_EVSE_TEMPERATURE        = "evse_temperature"
	SENSOR_ID_EVSE_SESSION_ENERGY     = "evse_session_energy"
	SENSOR_ID_EVSE_TOTAL_ENERGY       = "evse_total_energy"
	SENSOR_ID_EVSE_SESSION_TIME       = "evse_session_time"
	SENSOR_ID_EVSE_ERRORS             = "evse_errors"
	SENSOR_ID_EV_SOC                  = "ev_soc"
	SENSOR_ID_EV_CHARGE_RATE          = "ev_charge_rate"
	SENSOR_ID_EV_CONNECTED            = "ev_plugged"
	SWITCH_ID_EVSE_ENABLED            = "evse_enabled"
	SWITCH_ID_EV_CONNECTED            = "ev_connected"
	SWITCH_ID_EV_REQUEST_CHARGE       = "ev_request_charge"
	INPUT_NUMBER_ID_EVSE_CHARGE_LIMIT = "evse_charge_current"
	STATE_CLASS_MEASUREMENT           = "measurement"
	STATE_CLASS_TOTAL_INCREASING      = "total_increasing"
	DEVICE_CLASS_BATTERY              = "battery"
	DEVICE_CLASS_CURRENT              = "current"
	DEVICE_CLASS_DURATION             = "duration"
	DEVICE_CLASS_ENERGY               = "energy"
	DEVICE_CLASS_POWER                = "power"
	DEVICE_CLASS_TEMPERATURE          = "temperature"
	DEVICE_CLASS_VOLTAGE              = "voltage"
	DEVICE_CLASS_CONNECTIVITY         = "connectivity"
	DEVICE_CLASS_PLUG                 = "plug"
	ENTITY_CLASS_DIAGNOSTIC           = "diagnostic"
	ENTITY_CLASS_CONFIG               = "config"
	SENSOR_TYPE_SENSOR                = "sensor"
	SENSOR_TYPE_BINARY                = "binary_sensor"
	INPUT_NUMBER_MODE_BOX             = "box"
	INPUT_NUMBER_MODE_SLIDER          = "slider"
	EVSE_MANUFACTURER                 = "OpenEVSE"
	EVSE_MODEL                        = "OpenEVSE Emulator"
)

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("openevse_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: EVSE_MANUFACTURER,
		Model:        "RAPI bridge",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("OpenEVSE bridge %s", md5HashShort(baseTopic)),
	}
}

// EVSEDevice identifies the emulated station. The MCU id keeps the device
// stable across restarts.
func EVSEDevice(mcuID, firmwareVersion string) Device {
	return Device{
		Id:           fmt.Sprintf("openevse_%s", md5HashShort(mcuID)),
		Version:      firmwareVersion,
		Manufacturer: EVSE_MANUFACTURER,
		Model:        EVSE_MODEL,
		Name:         fmt.Sprintf("OpenEVSE %s", md5HashShort(mcuID)),
	}
}

func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {
	return []GenericSensor{{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Bridge state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	}}
}

func EVSESensors(device Device) []GenericSensor {

	var sensors []GenericSensor

	sensors = append(sensors, GenericSensor{
		Device:     device,
		Id:         SENSOR_ID_EVSE_STATE,
		SensorType: SENSOR_TYPE_SENSOR,
		Name:       "State",
		UniqueId:   uniqueId(device.Id, SENSOR_ID_EVSE_STATE),
		Icon:       "mdi:ev-station",
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EVSE_CURRENT_CAPACITY,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Current capacity",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_CURRENT,
		UnitOfMeasurement: "A",
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EVSE_CURRENT_CAPACITY),
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EVSE_ACTUAL_CURRENT,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Charging current",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_CURRENT,
		UnitOfMeasurement: "A",
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EVSE_ACTUAL_CURRENT),
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EVSE_VOLTAGE,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Voltage",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_VOLTAGE,
		UnitOfMeasurement: "V",
		EntityCategory:    ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EVSE_VOLTAGE),
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EVSE_POWER,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Charging power",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: "kW",
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EVSE_POWER),
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EVSE_TEMPERATURE,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Temperature",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_TEMPERATURE,
		UnitOfMeasurement: "°C",
		EntityCategory:    ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EVSE_TEMPERATURE),
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EVSE_SESSION_ENERGY,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Session energy",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_ENERGY,
		UnitOfMeasurement: "kWh",
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EVSE_SESSION_ENERGY),
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EVSE_TOTAL_ENERGY,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Total energy",
		StateClass:        STATE_CLASS_TOTAL_INCREASING,
		DeviceClass:       DEVICE_CLASS_ENERGY,
		UnitOfMeasurement: "kWh",
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EVSE_TOTAL_ENERGY),
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EVSE_SESSION_TIME,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Session time",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_DURATION,
		UnitOfMeasurement: "s",
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EVSE_SESSION_TIME),
	})
	sensors = append(sensors, GenericSensor{
		Device:         device,
		Id:             SENSOR_ID_EVSE_ERRORS,
		SensorType:     SENSOR_TYPE_SENSOR,
		Name:           "Errors",
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(device.Id, SENSOR_ID_EVSE_ERRORS),
		Icon:           "mdi:alert-circle-outline",
	})

	return sensors
}

func EVSensors(device Device) []GenericSensor {

	var sensors []GenericSensor

	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EV_SOC,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Vehicle SoC",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_BATTERY,
		UnitOfMeasurement: "%",
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EV_SOC),
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_EV_CHARGE_RATE,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Vehicle charge rate",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: "kW",
		UniqueId:          uniqueId(device.Id, SENSOR_ID_EV_CHARGE_RATE),
	})
	sensors = append(sensors, GenericSensor{
		Device:      device,
		Id:          SENSOR_ID_EV_CONNECTED,
		SensorType:  SENSOR_TYPE_BINARY,
		Name:        "Vehicle plugged",
		DeviceClass: DEVICE_CLASS_PLUG,
		UniqueId:    uniqueId(device.Id, SENSOR_ID_EV_CONNECTED),
	})

	return sensors
}

func EmulatorSwitches(device Device) []GenericSwitch {

	var switches []GenericSwitch

	switches = append(switches, GenericSwitch{
		Device:   device,
		Id:       SWITCH_ID_EVSE_ENABLED,
		Name:     "Charging enabled",
		UniqueId: uniqueId(device.Id, SWITCH_ID_EVSE_ENABLED),
		Icon:     "mdi:ev-station",
	})
	switches = append(switches, GenericSwitch{
		Device:   device,
		Id:       SWITCH_ID_EV_CONNECTED,
		Name:     "Vehicle connected",
		UniqueId: uniqueId(device.Id, SWITCH_ID_EV_CONNECTED),
		Icon:     "mdi:ev-plug-type2",
	})
	switches = append(switches, GenericSwitch{
		Device:   device,
		Id:       SWITCH_ID_EV_REQUEST_CHARGE,
		Name:     "Vehicle requests charge",
		UniqueId: uniqueId(device.Id, SWITCH_ID_EV_REQUEST_CHARGE),
		Icon:     "mdi:battery-charging",
	})

	return switches
}

func EmulatorInputNumbers(device Device, initialCurrent int) []GenericInputNumber {
	return []GenericInputNumber{{
		Device:       device,
		Id:           INPUT_NUMBER_ID_EVSE_CHARGE_LIMIT,
		Name:         "Charge current",
		UniqueId:     uniqueId(device.Id, INPUT_NUMBER_ID_EVSE_CHARGE_LIMIT),
		Icon:         "mdi:current-ac",
		Max:          80,
		Min:          6,
		Step:         1,
		Mode:         INPUT_NUMBER_MODE_SLIDER,
		InitialValue: float64(initialCurrent),
	}}
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	hash := md5Hash(text)
	return hash[0:8]
}
