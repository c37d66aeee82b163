package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	adactor "github.com/berfenger/openevse-emulator/internal/adapter/actor"
	"github.com/berfenger/openevse-emulator/internal/config"
	"github.com/berfenger/openevse-emulator/internal/core/actor"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/service"
	"github.com/berfenger/openevse-emulator/internal/metrics"
	"github.com/berfenger/openevse-emulator/internal/rapi"
	"github.com/berfenger/openevse-emulator/internal/server"
	"github.com/berfenger/openevse-emulator/internal/transport"
	"github.com/berfenger/openevse-emulator/internal/util/actorutil"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// plain env names accepted besides the OPENEVSE_ prefixed ones
var envAliases = map[string]string{
	"SERIAL_MODE":              "serial.mode",
	"SERIAL_TCP_PORT":          "serial.tcp_port",
	"SERIAL_PTY_PATH":          "serial.pty_path",
	"SERIAL_RECONNECT_TIMEOUT": "serial.reconnect_timeout_sec",
	"SERIAL_RECONNECT_BACKOFF": "serial.reconnect_backoff_ms",
	"WEB_HOST":                 "web.host",
	"WEB_PORT":                 "web.port",
}

func gracefulShutdown(apiServer *http.Server, transportDone <-chan struct{}, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal or for the serial port giving up.
	select {
	case <-ctx.Done():
		log.Println("shutting down gracefully, press Ctrl+C again to force")
	case <-transportDone:
		log.Println("virtual serial port closed, shutting down")
	}

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(1)
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	logger.Info("starting openevse emulator",
		zap.String("version", versioninfo.Short()),
		zap.String("firmware", cfg.EVSE.FirmwareVersion),
		zap.String("protocol", cfg.EVSE.ProtocolVersion))

	m := metrics.New()
	emulator := service.NewEmulator(*cfg, logger, rapi.WithObserver(m.ObserveRAPICommand))

	// virtual serial port
	port, err := newTransport(cfg, logger)
	if err != nil {
		logger.Fatal("cannot create virtual serial port", zap.Error(err))
	}
	if err := port.Start(emulator.RAPI.Process); err != nil {
		logger.Fatal("cannot start virtual serial port", zap.Error(err))
	}
	logger.Info("virtual serial port ready", zap.String("port", port.Info()))

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	eventStream := eventstream.NewEventStream()
	metricsSub := m.Subscribe(eventStream)

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterActor(*cfg, emulator, port, eventStream,
			mqttActorProvider(cfg, logger), modbusActorProvider(cfg, logger), logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		logger.Fatal("cannot spawn master actor", zap.Error(err))
	}

	server := server.NewServer(*cfg, server.Backend{
		RootContext:   ctx,
		MasterActor:   pid,
		EventStream:   eventStream,
		Metrics:       m,
		TransportInfo: port.Info(),
	}, logger)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, transportDone(port), done)

	logger.Info("web server listening", zap.String("address", server.Addr))
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done

	if err := ctx.StopFuture(pid).Wait(); err != nil {
		logger.Warn("master actor did not stop cleanly", zap.Error(err))
	}
	eventStream.Unsubscribe(metricsSub)
	if err := port.Stop(); err != nil {
		logger.Warn("virtual serial port did not stop cleanly", zap.Error(err))
	}
	as.Shutdown()
	log.Println("Graceful shutdown complete.")
}

func newTransport(cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Serial.Mode {
	case config.SerialModePTY:
		return transport.NewPTY(cfg.Serial.PTYPath, logger), nil
	case config.SerialModeTCP:
		return transport.NewTCP(transport.TCPConfig{
			Port:             cfg.Serial.TCPPort,
			ReconnectTimeout: cfg.Serial.ReconnectTimeout(),
			ReconnectBackoff: cfg.Serial.ReconnectBackoff(),
		}, logger)
	}
	return nil, fmt.Errorf("unknown serial mode %q", cfg.Serial.Mode)
}

// transportDone is closed when a TCP port gave up waiting for a client. A
// PTY never closes on its own.
func transportDone(t transport.Transport) <-chan struct{} {
	if tcp, ok := t.(*transport.TCPTransport); ok {
		return tcp.Done()
	}
	return nil
}

func initConfig() (*config.Config, error) {

	flags := pflag.NewFlagSet("openevse-emulator", pflag.ExitOnError)
	configFile := flags.String("config", "", "config file (json or yaml), overrides CONFIG_FILE")
	flags.String("log-level", "info", "trace, debug, info, warn, error or fatal")
	flags.String("serial-mode", config.SerialModePTY, "virtual serial port type: pty or tcp")
	flags.Int("tcp-port", 8023, "TCP port in tcp mode")
	flags.String("pty-path", "", "stable symlink to the PTY device")
	flags.Uint("web-port", 8080, "REST API port")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	for alias, key := range envAliases {
		if value := os.Getenv(alias); value != "" {
			os.Setenv(envKey(key), value)
		}
	}

	setConfigDefaults()

	viper.SetEnvPrefix("openevse")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, flag := range map[string]string{
		"log_level":       "log-level",
		"serial.mode":     "serial-mode",
		"serial.tcp_port": "tcp-port",
		"serial.pty_path": "pty-path",
		"web.port":        "web-port",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := viper.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	// if defined, try to load config from json or yaml file
	cfgFile := os.Getenv("CONFIG_FILE")
	if *configFile != "" {
		cfgFile = *configFile
	}
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		} else {
			return nil, fmt.Errorf("config file %s: %w", cfgFile, err)
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Modbus.Enable && cfg.Modbus.Port == 0 {
		return nil, errors.New("config param modbus.port is required when modbus is enabled")
	}

	return &cfg, nil
}

func envKey(key string) string {
	return "OPENEVSE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func modbusActorProvider(cfg *config.Config, logger *zap.Logger) actor.ModbusActorProvider {
	if !cfg.Modbus.Enable {
		return nil
	}
	return func(eventStream *eventstream.EventStream) *adactor.ModbusActor {
		return adactor.NewModbusActor(cfg, eventStream, logger)
	}
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	if !cfg.MQTT.Enable {
		return nil
	}
	return func(eventStream *eventstream.EventStream) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, eventStream, logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("serial.mode", config.SerialModePTY)
	viper.SetDefault("serial.tcp_port", 8023)
	viper.SetDefault("serial.baudrate", 115200)
	viper.SetDefault("serial.pty_path", "")
	viper.SetDefault("serial.reconnect_timeout_sec", 0)
	viper.SetDefault("serial.reconnect_backoff_ms", 1000)
	viper.SetDefault("serial.strict_checksum", false)
	viper.SetDefault("evse.firmware_version", "8.2.1")
	viper.SetDefault("evse.protocol_version", "5.0.1")
	viper.SetDefault("evse.default_current", 32)
	viper.SetDefault("evse.service_level", "L2")
	viper.SetDefault("evse.gfci_self_test", true)
	viper.SetDefault("evse.mcu_id", "")
	viper.SetDefault("ev.battery_capacity_kwh", 75.0)
	viper.SetDefault("ev.max_charge_rate_kw", 7.2)
	viper.SetDefault("web.host", "0.0.0.0")
	viper.SetDefault("web.port", 8080)
	viper.SetDefault("web.http_log", false)
	viper.SetDefault("simulation.update_interval_ms", 100)
	viper.SetDefault("simulation.temperature_simulation", true)
	viper.SetDefault("simulation.realistic_charge_curve", true)
	viper.SetDefault("mqtt.enable", false)
	viper.SetDefault("mqtt.host", "localhost")
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.base_topic", "openevse")
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	viper.SetDefault("modbus.enable", false)
	viper.SetDefault("modbus.host", "0.0.0.0")
	viper.SetDefault("modbus.port", 5502)
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
