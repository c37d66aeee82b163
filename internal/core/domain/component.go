package domain

type Device struct {
	Id           string
	Name         string
	Version      string
	Model        string
	Manufacturer string
	ViaDevice    string
}

type GenericSensor struct {
	Device            Device
	Id                string
	SensorType        string
	Name              string
	UniqueId          string
	UnitOfMeasurement string
	StateClass        string // measurement, total_increasing
	DeviceClass       string // voltage, current, power, energy, duration
	EntityCategory    string // diagnostic, config, nil
	EnabledByDefault  *bool
	Icon              string
}

type GenericSwitch struct {
	Device   Device
	Id       string
	Name     string
	UniqueId string
	Icon     string
}

type GenericInputNumber struct {
	Device       Device
	Id           string
	Name         string
	UniqueId     string
	Icon         string
	Max          float64
	Min          float64
	Step         float64
	Mode         string
	InitialValue float64
}

// EntitySet is everything announced to Home Assistant for one emulator.
type EntitySet struct {
	Sensors      []GenericSensor
	Switches     []GenericSwitch
	InputNumbers []GenericInputNumber
}

func (s EntitySet) Len() int {
	return len(s.Sensors) + len(s.Switches) + len(s.InputNumbers)
}

// EmulatorEntities builds the bridge device and the EVSE device with the
// vehicle entities attached to it. The EVSE is announced via the bridge.
func EmulatorEntities(baseTopic, mcuID, firmwareVersion string, currentCapacity int) EntitySet {
	bridgeDevice := BridgeDevice(baseTopic)
	evseDevice := EVSEDevice(mcuID, firmwareVersion)
	evseDevice.ViaDevice = bridgeDevice.Id
	ref := IdDevice(evseDevice)

	sensors := BridgeSensors(bridgeDevice)
	for i, sensor := range EVSESensors(evseDevice) {
		// the full device description only travels once
		if i > 0 {
			sensor.Device = ref
		}
		sensors = append(sensors, sensor)
	}
	sensors = append(sensors, EVSensors(ref)...)

	return EntitySet{
		Sensors:      sensors,
		Switches:     EmulatorSwitches(ref),
		InputNumbers: EmulatorInputNumbers(ref, currentCapacity),
	}
}
