package mqtt

import (
	"fmt"

	"github.com/berfenger/openevse-emulator/internal/core/domain"

	"github.com/carlmjohnson/versioninfo"
)

const (
	HA_COMPONENT_SWITCH = "switch"
	HA_COMPONENT_NUMBER = "number"
	HA_PLATFORM         = "mqtt"
)

// DiscoveryMessage is a retained Home Assistant config message.
type DiscoveryMessage struct {
	Topic   string
	Payload HADiscoveryConfig
}

type HADiscoveryConfig struct {
	Device            HADiscoveryDevice  `json:"device"`
	Origin            *HADiscoveryOrigin `json:"origin,omitempty"`
	StateTopic        string             `json:"state_topic"`
	CommandTopic      string             `json:"command_topic,omitempty"`
	AvTopic           string             `json:"availability_topic,omitempty"`
	AvPayloadOn       string             `json:"payload_available,omitempty"`
	AvPayloadOff      string             `json:"payload_not_available,omitempty"`
	StateClass        string             `json:"state_class,omitempty"`
	DeviceClass       string             `json:"device_class,omitempty"`
	UnitOfMeasurement string             `json:"unit_of_measurement,omitempty"`
	EntityCategory    string             `json:"entity_category,omitempty"`
	Name              string             `json:"name"`
	UniqueId          string             `json:"unique_id"`
	Platform          string             `json:"platform"`
	EnabledByDefault  *bool              `json:"enabled_by_default,omitempty"`
	PayloadOn         string             `json:"payload_on,omitempty"`
	PayloadOff        string             `json:"payload_off,omitempty"`
	Icon              string             `json:"icon,omitempty"`
	Min               *float64           `json:"min,omitempty"`
	Max               *float64           `json:"max,omitempty"`
	Step              float64            `json:"step,omitempty"`
	Mode              string             `json:"mode,omitempty"`
	InitialValue      *float64           `json:"initial,omitempty"`
}

type HADiscoveryDevice struct {
	Id           []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Version      string   `json:"sw_version,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

type HADiscoveryOrigin struct {
	Name    string `json:"name"`
	Version string `json:"sw_version,omitempty"`
}

// DiscoveryMessages builds the config messages of every entity, sensors
// first so Home Assistant creates the devices before their controls.
func (c *MQTTClient) DiscoveryMessages(entities domain.EntitySet) []DiscoveryMessage {
	messages := make([]DiscoveryMessage, 0, entities.Len())
	for _, sensor := range entities.Sensors {
		messages = append(messages, DiscoveryMessage{
			Topic:   c.discoveryTopic(sensor.SensorType, sensor.Device.Id, sensor.Id),
			Payload: c.sensorConfig(sensor),
		})
	}
	for _, sw := range entities.Switches {
		messages = append(messages, DiscoveryMessage{
			Topic:   c.discoveryTopic(HA_COMPONENT_SWITCH, sw.Device.Id, sw.Id),
			Payload: c.switchConfig(sw),
		})
	}
	for _, number := range entities.InputNumbers {
		messages = append(messages, DiscoveryMessage{
			Topic:   c.discoveryTopic(HA_COMPONENT_NUMBER, number.Device.Id, number.Id),
			Payload: c.numberConfig(number),
		})
	}
	return messages
}

func (c *MQTTClient) discoveryTopic(component, deviceId, objectId string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", c.DiscoveryPrefix(), component, deviceId, objectId)
}

// entityConfig fills what every entity shares: device, availability
// through the bridge topic and origin.
func (c *MQTTClient) entityConfig(dev domain.Device, name, uniqueId, icon, stateTopic string) HADiscoveryConfig {
	return HADiscoveryConfig{
		Device: HADiscoveryDevice{
			Id:           []string{dev.Id},
			Manufacturer: dev.Manufacturer,
			Version:      dev.Version,
			Model:        dev.Model,
			Name:         dev.Name,
			ViaDevice:    dev.ViaDevice,
		},
		Origin: &HADiscoveryOrigin{
			Name:    domain.EVSE_MODEL,
			Version: versioninfo.Short(),
		},
		StateTopic:   stateTopic,
		AvTopic:      c.BridgeStateTopic(),
		AvPayloadOn:  MQTT_PAYLOAD_ONLINE,
		AvPayloadOff: MQTT_PAYLOAD_OFFLINE,
		Name:         name,
		UniqueId:     uniqueId,
		Icon:         icon,
		Platform:     HA_PLATFORM,
	}
}

func (c *MQTTClient) sensorConfig(sensor domain.GenericSensor) HADiscoveryConfig {
	var stateTopic string
	switch {
	case sensor.Id == domain.SENSOR_ID_BRIDGE_STATE:
		stateTopic = c.BridgeStateTopic()
	case sensor.SensorType == domain.SENSOR_TYPE_BINARY:
		stateTopic = c.BinarySensorStateTopic(sensor.Id)
	default:
		stateTopic = c.SensorStateTopic(sensor.Id)
	}

	cfg := c.entityConfig(sensor.Device, sensor.Name, sensor.UniqueId, sensor.Icon, stateTopic)
	cfg.StateClass = sensor.StateClass
	cfg.DeviceClass = sensor.DeviceClass
	cfg.UnitOfMeasurement = sensor.UnitOfMeasurement
	cfg.EntityCategory = sensor.EntityCategory
	cfg.EnabledByDefault = sensor.EnabledByDefault

	switch {
	case sensor.Id == domain.SENSOR_ID_BRIDGE_STATE:
		// the bridge reports its own availability
		cfg.AvTopic, cfg.AvPayloadOn, cfg.AvPayloadOff = "", "", ""
		cfg.PayloadOn = MQTT_PAYLOAD_ONLINE
		cfg.PayloadOff = MQTT_PAYLOAD_OFFLINE
	case sensor.SensorType == domain.SENSOR_TYPE_BINARY:
		cfg.PayloadOn = MQTT_PAYLOAD_ON
		cfg.PayloadOff = MQTT_PAYLOAD_OFF
	}
	return cfg
}

func (c *MQTTClient) switchConfig(sw domain.GenericSwitch) HADiscoveryConfig {
	cfg := c.entityConfig(sw.Device, sw.Name, sw.UniqueId, sw.Icon, c.SwitchStateTopic(sw.Id))
	cfg.CommandTopic = c.SwitchCommandTopic(sw.Id)
	cfg.PayloadOn = MQTT_PAYLOAD_ON
	cfg.PayloadOff = MQTT_PAYLOAD_OFF
	return cfg
}

func (c *MQTTClient) numberConfig(number domain.GenericInputNumber) HADiscoveryConfig {
	cfg := c.entityConfig(number.Device, number.Name, number.UniqueId, number.Icon, c.InputNumberStateTopic(number.Id))
	cfg.CommandTopic = c.InputNumberCommandTopic(number.Id)
	cfg.EntityCategory = domain.ENTITY_CLASS_CONFIG
	cfg.Min = &number.Min
	cfg.Max = &number.Max
	cfg.Step = number.Step
	cfg.Mode = number.Mode
	cfg.InitialValue = &number.InitialValue
	return cfg
}
