package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	SerialModePTY = "pty"
	SerialModeTCP = "tcp"
)

type Config struct {
	LogLevel   zapcore.Level
	Serial     SerialConfig     `mapstructure:"serial"`
	EVSE       EVSEConfig       `mapstructure:"evse"`
	EV         EVConfig         `mapstructure:"ev"`
	Web        WebConfig        `mapstructure:"web"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Modbus     ModbusConfig     `mapstructure:"modbus"`
}

type SerialConfig struct {
	Mode                string
	TCPPort             int    `mapstructure:"tcp_port"`
	Baudrate            int    `mapstructure:"baudrate"`
	PTYPath             string `mapstructure:"pty_path"`
	ReconnectTimeoutSec int    `mapstructure:"reconnect_timeout_sec"`
	ReconnectBackoffMs  int    `mapstructure:"reconnect_backoff_ms"`
	StrictChecksum      bool   `mapstructure:"strict_checksum"`
}

type EVSEConfig struct {
	FirmwareVersion string `mapstructure:"firmware_version"`
	ProtocolVersion string `mapstructure:"protocol_version"`
	DefaultCurrent  int    `mapstructure:"default_current"`
	ServiceLevel    string `mapstructure:"service_level"`
	GFCISelfTest    bool   `mapstructure:"gfci_self_test"`
	MCUID           string `mapstructure:"mcu_id"`
}

type EVConfig struct {
	BatteryCapacityKWh float64 `mapstructure:"battery_capacity_kwh"`
	MaxChargeRateKW    float64 `mapstructure:"max_charge_rate_kw"`
}

type WebConfig struct {
	Host    string
	Port    uint
	HttpLog bool `mapstructure:"http_log"`
}

type SimulationConfig struct {
	UpdateIntervalMs      uint32 `mapstructure:"update_interval_ms"`
	TemperatureSimulation bool   `mapstructure:"temperature_simulation"`
	RealisticChargeCurve  bool   `mapstructure:"realistic_charge_curve"`
}

type MQTTConfig struct {
	Enable            bool
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

type ModbusConfig struct {
	Enable bool
	Host   string
	Port   uint
}

func (c SerialConfig) ReconnectTimeout() time.Duration {
	return time.Duration(c.ReconnectTimeoutSec) * time.Second
}

func (c SerialConfig) ReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoffMs) * time.Millisecond
}

func (c SimulationConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

// Validate checks bounds and normalizes MQTT topics in place.
func (c *Config) Validate() error {
	var errs []error

	switch c.Serial.Mode {
	case SerialModePTY, SerialModeTCP:
	default:
		errs = append(errs, fmt.Errorf("config param serial.mode must be pty or tcp, got %q", c.Serial.Mode))
	}
	if c.Serial.ReconnectTimeoutSec < 0 {
		errs = append(errs, errors.New("config param serial.reconnect_timeout_sec must be >= 0"))
	}
	if c.Serial.ReconnectBackoffMs < 0 {
		errs = append(errs, errors.New("config param serial.reconnect_backoff_ms must be >= 0"))
	}
	if c.Simulation.UpdateIntervalMs < 10 {
		errs = append(errs, errors.New("config param simulation.update_interval_ms should be >= 10"))
	}
	if c.EVSE.DefaultCurrent < 6 || c.EVSE.DefaultCurrent > 80 {
		errs = append(errs, errors.New("config param evse.default_current must be between 6 and 80"))
	}
	switch c.EVSE.ServiceLevel {
	case "L1", "L2", "Auto":
	default:
		errs = append(errs, fmt.Errorf("config param evse.service_level must be L1, L2 or Auto, got %q", c.EVSE.ServiceLevel))
	}
	if c.EV.BatteryCapacityKWh <= 0 {
		errs = append(errs, errors.New("config param ev.battery_capacity_kwh must be > 0"))
	}
	if c.EV.MaxChargeRateKW <= 0 {
		errs = append(errs, errors.New("config param ev.max_charge_rate_kw must be > 0"))
	}

	if c.MQTT.Enable {
		baseTopic, err := CheckMQTTTopic(c.MQTT.BaseTopic)
		if err != nil {
			errs = append(errs, errors.New("invalid base topic. can only contain letters, numbers and underscores"))
		}
		c.MQTT.BaseTopic = baseTopic

		hadTopic, err := CheckMQTTTopic(c.MQTT.HADiscoveryTopic)
		if err != nil {
			errs = append(errs, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores"))
		}
		c.MQTT.HADiscoveryTopic = hadTopic
	}

	return errors.Join(errs...)
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
