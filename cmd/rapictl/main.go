package main

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/berfenger/openevse-emulator/pkg/evse_modbus"

	"github.com/spf13/pflag"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

func main() {
	flags := pflag.NewFlagSet("rapictl", pflag.ExitOnError)
	device := flags.String("device", "", "serial device, e.g. the emulator PTY symlink")
	baud := flags.Int("baud", 115200, "serial baud rate")
	tcpAddr := flags.String("tcp", "", "emulator TCP address, e.g. localhost:8023")
	modbusAddr := flags.String("modbus", "", "read the Modbus register map from host:port instead")
	checksum := flags.Bool("checksum", true, "append ^HH checksums")
	timeout := flags.Duration("timeout", 2*time.Second, "reply timeout")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: rapictl (--device DEV | --tcp ADDR) COMMAND...\n       rapictl --modbus ADDR\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if *verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger := zap.Must(logCfg.Build())
	defer logger.Sync()

	if *modbusAddr != "" {
		if err := printModbusSnapshot(*modbusAddr, *timeout, logger); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	conn, err := open(*device, *baud, *tcpAddr, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer conn.Close()

	client := newRAPIClient(conn, *timeout, *checksum)
	failed := false
	for _, command := range flags.Args() {
		reply, err := client.Send(command)
		for _, async := range client.Async() {
			fmt.Println(async)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
			failed = true
			continue
		}
		logger.Debug("rapi", zap.String("command", command), zap.String("reply", reply))
		fmt.Println(reply)
	}
	if failed {
		os.Exit(1)
	}
}

func open(device string, baud int, tcpAddr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	switch {
	case device != "" && tcpAddr != "":
		return nil, fmt.Errorf("--device and --tcp are mutually exclusive")
	case device != "":
		return serial.OpenPort(&serial.Config{
			Name:        device,
			Baud:        baud,
			ReadTimeout: 100 * time.Millisecond,
		})
	case tcpAddr != "":
		return net.DialTimeout("tcp", tcpAddr, timeout)
	}
	return nil, fmt.Errorf("one of --device or --tcp is required")
}

func printModbusSnapshot(addr string, timeout time.Duration, logger *zap.Logger) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid modbus port %q", portStr)
	}
	if ap, err := netip.ParseAddr(host); err == nil && ap.IsUnspecified() {
		host = "127.0.0.1"
	}

	reader, err := evse_modbus.CreateEVSEModbusReader(host, uint(port), timeout, logger, nil)
	if err != nil {
		return err
	}
	if err := reader.Open(); err != nil {
		return err
	}
	defer reader.Close()

	snap, err := reader.GetSnapshot()
	if err != nil {
		return err
	}
	fmt.Printf("state:            0x%02X\n", snap.State)
	fmt.Printf("current capacity: %d A\n", snap.CurrentCapacity)
	fmt.Printf("actual current:   %.1f A\n", snap.ActualCurrent)
	fmt.Printf("voltage:          %.1f V\n", snap.Voltage)
	fmt.Printf("temperature:      %.1f / %.1f °C\n", float64(snap.TemperatureDS)/10, float64(snap.TemperatureMCP)/10)
	fmt.Printf("session energy:   %d Wh\n", snap.SessionEnergyWh)
	fmt.Printf("total energy:     %d Wh\n", snap.TotalEnergyWh)
	fmt.Printf("session time:     %d s\n", snap.SessionTimeSec)
	fmt.Printf("error flags:      0x%04X\n", snap.ErrorFlags)
	fmt.Printf("sleeping:         %t\n", snap.Sleeping)
	fmt.Printf("charging:         %t\n", snap.Charging)
	fmt.Printf("ev connected:     %t\n", snap.EVConnected)
	fmt.Printf("ev requesting:    %t\n", snap.EVRequesting)
	fmt.Printf("ev soc:           %.1f %%\n", snap.EVSoC)
	fmt.Printf("ev charge rate:   %d W\n", snap.EVChargeRateWatt)
	return nil
}
