package mqtt

import (
	"testing"

	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/util"

	"github.com/stretchr/testify/assert"
)

func TestSwitchCommandParse(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/switch/my_device/command"
	r := switchCommandExtractor(baseTopic)
	matches := r.FindAllStringSubmatch(topic, 1)

	assert.Equal(matches[0][1], "my_device", "device extract")
}

func TestSwitchCommandParseFail(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/switch/my_device/state"
	r := switchCommandExtractor(baseTopic)
	matches := r.FindAllStringSubmatch(topic, 1)

	assert.Equal(len(matches), 0, "no matches")
}

func TestInputNumberCommandParse(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/number/number_name/set"
	r := inputNumberCommandExtractor(baseTopic)
	matches := r.FindAllStringSubmatch(topic, 1)

	assert.Equal(matches[0][1], "number_name", "number_id extract")
}

func TestInputNumberCommandParseFail(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/switch/number_name/command"
	r := inputNumberCommandExtractor(baseTopic)
	matches := r.FindAllStringSubmatch(topic, 1)

	assert.Equal(len(matches), 0, "no matches")
}

func testClient() *MQTTClient {
	cfg := util.LoadTestConfig()
	return CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)
}

func TestParseRAPICommand(t *testing.T) {
	assert := assert.New(t)
	client := testClient()

	cmd, err := client.ParseCommand("openevse/rapi/in", []byte(" $SC 16\r\n"))
	assert.NoError(err)
	assert.Equal(MQTT_COMMAND_RAPI, cmd.Command)
	assert.Equal("$SC 16", cmd.Payload)

	_, err = client.ParseCommand("openevse/rapi/in", []byte("  "))
	assert.Error(err)

	_, err = client.ParseCommand("openevse/rapi/out", []byte("$OK"))
	assert.ErrorIs(err, ErrNotACommand)
}

func TestParseSwitchAndNumberCommands(t *testing.T) {
	assert := assert.New(t)
	client := testClient()

	cmd, err := client.ParseCommand("openevse/switch/ev_connected/command", []byte("ON"))
	assert.NoError(err)
	assert.Equal(&ParsedMQTTCommand{DeviceId: "ev_connected", Command: MQTT_COMMAND_SWITCH, Payload: "on"}, cmd)

	cmd, err = client.ParseCommand("openevse/number/evse_charge_current/set", []byte("16"))
	assert.NoError(err)
	assert.Equal(MQTT_COMMAND_NUMBER, cmd.Command)
	assert.Equal("16", cmd.Payload)

	_, err = client.ParseCommand("openevse/number/evse_charge_current/set", []byte("sixteen"))
	assert.Error(err)
}

func TestTopics(t *testing.T) {
	assert := assert.New(t)
	client := testClient()

	assert.Equal("openevse/bridge/state", client.BridgeStateTopic())
	assert.Equal("openevse/rapi/out", client.RAPIOutTopic())
	assert.Equal("homeassistant", client.DiscoveryPrefix())

	device := domain.EVSEDevice("0000E5E5E5E5", "8.2.1")
	msgs := client.DiscoveryMessages(domain.EntitySet{
		Sensors:  domain.EVSESensors(device)[:1],
		Switches: domain.EmulatorSwitches(device)[:1],
	})
	assert.Len(msgs, 2)
	assert.Regexp(`^homeassistant/sensor/openevse_[0-9a-f]+/evse_state/config$`, msgs[0].Topic)
	assert.Regexp(`^homeassistant/switch/openevse_[0-9a-f]+/evse_enabled/config$`, msgs[1].Topic)
	assert.Equal(client.SwitchCommandTopic(domain.SWITCH_ID_EVSE_ENABLED), msgs[1].Payload.CommandTopic)
}

func TestBinarySensorDiscoveryPayloads(t *testing.T) {
	assert := assert.New(t)
	client := testClient()

	for _, sensor := range domain.EVSensors(domain.EVSEDevice("0000E5E5E5E5", "8.2.1")) {
		cfg := client.sensorConfig(sensor)
		assert.Equal(client.BridgeStateTopic(), cfg.AvTopic, sensor.Id)
		if sensor.SensorType == domain.SENSOR_TYPE_BINARY {
			assert.Equal(MQTT_PAYLOAD_ON, cfg.PayloadOn, sensor.Id)
			assert.Equal(client.BinarySensorStateTopic(sensor.Id), cfg.StateTopic)
		} else {
			assert.Empty(cfg.PayloadOn, sensor.Id)
		}
	}
}

func TestBridgeAndNumberDiscoveryPayloads(t *testing.T) {
	assert := assert.New(t)
	client := testClient()

	bridge := client.sensorConfig(domain.BridgeSensors(domain.BridgeDevice("openevse"))[0])
	assert.Equal(client.BridgeStateTopic(), bridge.StateTopic)
	assert.Empty(bridge.AvTopic)
	assert.Equal(MQTT_PAYLOAD_ONLINE, bridge.PayloadOn)

	number := client.numberConfig(domain.EmulatorInputNumbers(domain.EVSEDevice("0000E5E5E5E5", "8.2.1"), 32)[0])
	assert.Equal(6.0, *number.Min)
	assert.Equal(80.0, *number.Max)
	assert.Equal(32.0, *number.InitialValue)
	assert.Equal(client.InputNumberCommandTopic(domain.INPUT_NUMBER_ID_EVSE_CHARGE_LIMIT), number.CommandTopic)
	assert.Equal(domain.EVSE_MODEL, number.Origin.Name)
}

func TestEmulatorEntitiesDiscovery(t *testing.T) {
	assert := assert.New(t)
	client := testClient()

	entities := domain.EmulatorEntities("openevse", "0000E5E5E5E5", "8.2.1", 16)
	msgs := client.DiscoveryMessages(entities)
	assert.Len(msgs, entities.Len())

	// bridge first, then the full EVSE device description exactly once
	assert.Regexp(`^homeassistant/binary_sensor/openevse_bridge_[0-9a-f]+/bridge/config$`, msgs[0].Topic)
	evse := msgs[1].Payload.Device
	assert.Equal(domain.EVSE_MODEL, evse.Model)
	assert.Equal("8.2.1", evse.Version)
	assert.Equal(msgs[0].Payload.Device.Id[0], evse.ViaDevice)
	for _, msg := range msgs[2:] {
		assert.Empty(msg.Payload.Device.Model, msg.Topic)
		assert.Equal(evse.Id, msg.Payload.Device.Id, msg.Topic)
	}
	assert.Equal(16.0, *msgs[len(msgs)-1].Payload.InitialValue)
}
