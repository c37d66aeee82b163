package util

import (
	"github.com/berfenger/openevse-emulator/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Serial: config.SerialConfig{
			Mode:               config.SerialModeTCP,
			TCPPort:            0,
			Baudrate:           115200,
			ReconnectBackoffMs: 10,
		},
		EVSE: config.EVSEConfig{
			FirmwareVersion: "8.2.1",
			ProtocolVersion: "5.0.1",
			DefaultCurrent:  32,
			ServiceLevel:    "L2",
			GFCISelfTest:    true,
		},
		EV: config.EVConfig{
			BatteryCapacityKWh: 75,
			MaxChargeRateKW:    7.2,
		},
		Web: config.WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Simulation: config.SimulationConfig{
			UpdateIntervalMs:      50,
			TemperatureSimulation: true,
			RealisticChargeCurve:  true,
		},
		MQTT: config.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			BaseTopic:        "openevse",
			HADiscoveryTopic: "homeassistant",
		},
		Modbus: config.ModbusConfig{
			Host: "127.0.0.1",
			Port: 5502,
		},
	}
}
