package mqtt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/berfenger/openevse-emulator/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	MQTT_PAYLOAD_ONLINE  = "online"
	MQTT_PAYLOAD_OFFLINE = "offline"
	MQTT_PAYLOAD_ON      = "on"
	MQTT_PAYLOAD_OFF     = "off"
	MQTT_COMMAND_SWITCH  = "switch"
	MQTT_COMMAND_NUMBER  = "number"
	MQTT_COMMAND_RAPI    = "rapi"
)

var ErrNotACommand = errors.New("not a command topic")

func OptsFromConfig(cfg *config.Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
	opts.SetClientID(fmt.Sprintf("openevse_%d", rand.IntN(1000)))
	if cfg.MQTT.Username != "" && cfg.MQTT.Password != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.WillEnabled = true
	opts.WillPayload = []byte(MQTT_PAYLOAD_OFFLINE)
	opts.WillRetained = true
	opts.WillTopic = bridgeStateTopic(cfg.MQTT.BaseTopic)
	opts.WillQos = 0

	return opts
}

func CreateMQTTClient(cfg *config.Config, opts *mqtt.ClientOptions, onConnectHandler func(client mqtt.Client),
	onConnectionLostHandler func(mqtt.Client, error)) *MQTTClient {
	if onConnectHandler != nil {
		opts.OnConnect = onConnectHandler
	}
	if onConnectionLostHandler != nil {
		opts.OnConnectionLost = onConnectionLostHandler
	}
	return &MQTTClient{
		client:                   mqtt.NewClient(opts),
		cfg:                      cfg.MQTT,
		switchCommandRegexp:      switchCommandExtractor(cfg.MQTT.BaseTopic),
		inputNumberCommandRegexp: inputNumberCommandExtractor(cfg.MQTT.BaseTopic),
	}
}

type MQTTClient struct {
	client                   mqtt.Client
	cfg                      config.MQTTConfig
	switchCommandRegexp      *regexp.Regexp
	inputNumberCommandRegexp *regexp.Regexp
}

type ParsedMQTTCommand struct {
	DeviceId string
	Command  string
	Param    string
	Payload  string
}

func (c *MQTTClient) baseTopic() string {
	return c.cfg.BaseTopic
}

// entityTopic builds <base>/<component>/<id>/<leaf>.
func (c *MQTTClient) entityTopic(component, id, leaf string) string {
	return strings.Join([]string{c.baseTopic(), component, id, leaf}, "/")
}

func (c *MQTTClient) BridgeStateTopic() string {
	return bridgeStateTopic(c.baseTopic())
}

func (c *MQTTClient) SensorStateTopic(sensorId string) string {
	return c.entityTopic("sensor", sensorId, "state")
}

func (c *MQTTClient) BinarySensorStateTopic(sensorId string) string {
	return c.entityTopic("binary_sensor", sensorId, "state")
}

func (c *MQTTClient) SwitchStateTopic(switchId string) string {
	return c.entityTopic("switch", switchId, "state")
}

func (c *MQTTClient) SwitchCommandTopic(switchId string) string {
	return c.entityTopic("switch", switchId, "command")
}

func (c *MQTTClient) InputNumberStateTopic(id string) string {
	return c.entityTopic("number", id, "state")
}

func (c *MQTTClient) InputNumberCommandTopic(id string) string {
	return c.entityTopic("number", id, "set")
}

// RAPIInTopic receives raw RAPI command lines.
func (c *MQTTClient) RAPIInTopic() string {
	return fmt.Sprintf("%s/rapi/in", c.baseTopic())
}

// RAPIOutTopic carries the replies to RAPIInTopic commands.
func (c *MQTTClient) RAPIOutTopic() string {
	return fmt.Sprintf("%s/rapi/out", c.baseTopic())
}

func (c *MQTTClient) DiscoveryPrefix() string {
	if c.cfg.HADiscoveryTopic == "" {
		return "homeassistant"
	}
	return c.cfg.HADiscoveryTopic
}

func (c *MQTTClient) ParseMQTTCommand(msg mqtt.Message) (*ParsedMQTTCommand, error) {
	return c.ParseCommand(msg.Topic(), msg.Payload())
}

func (c *MQTTClient) ParseCommand(topic string, payload []byte) (*ParsedMQTTCommand, error) {
	if topic == c.RAPIInTopic() {
		line := strings.TrimSpace(string(payload))
		if line == "" {
			return nil, errors.New("empty rapi command")
		}
		return &ParsedMQTTCommand{
			Command: MQTT_COMMAND_RAPI,
			Payload: line,
		}, nil
	}
	if matches := c.switchCommandRegexp.FindStringSubmatch(topic); len(matches) == 2 {
		return &ParsedMQTTCommand{
			DeviceId: matches[1],
			Command:  MQTT_COMMAND_SWITCH,
			Payload:  strings.ToLower(string(payload)),
		}, nil
	}
	if matches := c.inputNumberCommandRegexp.FindStringSubmatch(topic); len(matches) == 2 {
		// try to parse a valid number
		if _, err := strconv.ParseFloat(string(payload), 64); err != nil {
			return nil, fmt.Errorf("invalid number payload: %w", err)
		}
		return &ParsedMQTTCommand{
			DeviceId: matches[1],
			Command:  MQTT_COMMAND_NUMBER,
			Payload:  string(payload),
		}, nil
	}
	return nil, ErrNotACommand
}

func (c *MQTTClient) Publish(topic string, payload any, qos byte, retain bool, continuation func(error), timeout time.Duration) {
	awaitToken(c.client.Publish(topic, qos, retain, payload), "publish", continuation, timeout)
}

func (c *MQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	awaitToken(c.client.Subscribe(topic, qos, handler), "subscribe", continuation, timeout)
}

// SubscribeToCommandTopic subscribes to the whole base topic tree. Entity
// commands and RAPI lines are told apart by ParseCommand.
func (c *MQTTClient) SubscribeToCommandTopic(handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	c.Subscribe(c.commandTopic(), 1, handler, continuation, timeout)
}

func (c *MQTTClient) Connect(continuation func(error), timeout time.Duration) {
	awaitToken(c.client.Connect(), "connect", continuation, timeout)
}

// awaitToken waits for the token off the caller goroutine and reports the
// outcome through continuation, which may be nil.
func awaitToken(token mqtt.Token, op string, continuation func(error), timeout time.Duration) {
	go func() {
		var err error
		if !token.WaitTimeout(timeout) {
			err = fmt.Errorf("MQTT %s timed out after %s", op, timeout)
		} else {
			err = token.Error()
		}
		if continuation != nil {
			continuation(err)
		}
	}()
}

func (c *MQTTClient) Disconnect(timeout time.Duration) {
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

func (c *MQTTClient) commandTopic() string {
	return fmt.Sprintf("%s/#", c.baseTopic())
}

func switchCommandExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/switch/([a-zA-Z0-9_]+)/command$", regexp.QuoteMeta(baseTopic)))
}

func inputNumberCommandExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/number/([a-zA-Z0-9_]+)/set$", regexp.QuoteMeta(baseTopic)))
}

func bridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}
