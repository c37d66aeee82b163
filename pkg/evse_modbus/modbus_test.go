package evse_modbus

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingController struct {
	current    int
	enabled    *bool
	connected  *bool
	requesting *bool
}

func (c *recordingController) SetCurrentCapacity(amps int) error {
	if amps < 6 || amps > 80 {
		return errors.New("out of range")
	}
	c.current = amps
	return nil
}

func (c *recordingController) SetEnabled(enabled bool) error {
	c.enabled = &enabled
	return nil
}

func (c *recordingController) SetVehicleConnected(connected bool) error {
	c.connected = &connected
	return nil
}

func (c *recordingController) SetVehicleRequestingCharge(requesting bool) error {
	c.requesting = &requesting
	return nil
}

func testSnapshot() EVSESnapshot {
	return EVSESnapshot{
		State:            3,
		CurrentCapacity:  32,
		ActualCurrent:    29.96,
		Voltage:          240,
		TemperatureDS:    -52,
		TemperatureMCP:   251,
		SessionEnergyWh:  123456,
		TotalEnergyWh:    70000,
		SessionTimeSec:   3600,
		VFlags:           0x0100,
		Charging:         true,
		EVConnected:      true,
		EVRequesting:     true,
		EVSoC:            55.5,
		EVChargeRateWatt: 7190,
	}
}

func TestEncodeDecodeInputRegisters(t *testing.T) {
	assert := assert.New(t)

	regs := EncodeInputRegisters(testSnapshot())
	assert.Len(regs, int(INPUT_REGISTER_COUNT))
	assert.Equal(uint16(300), regs[REG_ACTUAL_CURRENT])
	assert.Equal(uint16(2400), regs[REG_VOLTAGE])
	assert.Equal(uint16(0x0001), regs[REG_SESSION_ENERGY])
	assert.Equal(uint16(0xE240), regs[REG_SESSION_ENERGY+1])
	assert.Equal(uint16(555), regs[REG_EV_SOC])

	decoded := DecodeInputRegisters(regs)
	assert.Equal(int16(-52), decoded.TemperatureDS)
	assert.Equal(uint32(123456), decoded.SessionEnergyWh)
	assert.Equal(30.0, decoded.ActualCurrent)
	assert.Equal(uint8(3), decoded.State)
}

func freePort(t *testing.T) uint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint(l.Addr().(*net.TCPAddr).Port)
}

func TestServerRoundTrip(t *testing.T) {
	assert := assert.New(t)

	controller := &recordingController{}
	bank := NewRegisterBank(controller, zap.NewNop())
	bank.Update(testSnapshot())

	port := freePort(t)
	server, err := NewServer("127.0.0.1", port, bank, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, server.Start())
	defer server.Stop()

	reader, err := CreateEVSEModbusReader("127.0.0.1", port, time.Second, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, reader.Open())
	defer reader.Close()

	snapshot, err := reader.GetSnapshot()
	require.NoError(t, err)
	assert.Equal(uint16(32), snapshot.CurrentCapacity)
	assert.Equal(uint16(7190), snapshot.EVChargeRateWatt)
	assert.True(snapshot.Charging)
	assert.False(snapshot.Sleeping)
	assert.True(snapshot.EVConnected)

	assert.NoError(reader.SetCurrentCapacity(16))
	assert.Equal(16, controller.current)
	assert.Error(reader.SetCurrentCapacity(90), "controller refusal maps to an exception")

	assert.NoError(reader.SetEnabled(false))
	require.NotNil(t, controller.enabled)
	assert.False(*controller.enabled)

	assert.NoError(reader.SetVehicleConnected(false))
	require.NotNil(t, controller.connected)
	assert.False(*controller.connected)
}

func TestRecordTimer(t *testing.T) {
	var names []string
	inst := []ModbusInstrument{{RecordTime: func(name string, _ time.Duration) { names = append(names, name) }}}
	RecordTimer("ReadRegisters", inst)()
	RecordTimer("ignored", nil)()
	assert.Equal(t, []string{"ReadRegisters"}, names)
}
