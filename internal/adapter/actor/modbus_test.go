package actor

import (
	"net"
	"testing"
	"time"

	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/ev"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"github.com/berfenger/openevse-emulator/internal/util"
	"github.com/berfenger/openevse-emulator/internal/util/actorutil"
	"github.com/berfenger/openevse-emulator/pkg/evse_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freePort(t *testing.T) uint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint(l.Addr().(*net.TCPAddr).Port)
}

func TestStatusToSnapshot(t *testing.T) {
	assert := assert.New(t)

	snapshot := StatusToSnapshot(domain.EmulatorStatus{
		EVSE: evse.Status{
			State:           evse.StateCharging,
			CurrentCapacity: 32,
			ActualCurrent:   29.9,
			VoltageMV:       240000,
			SessionEnergyWh: 1234.6,
			SessionTime:     61,
		},
		EV: ev.Status{Connected: true, SoC: 62.5, ActualChargeRateKW: 7.176},
	})
	assert.True(snapshot.Charging)
	assert.Equal(240.0, snapshot.Voltage)
	assert.Equal(uint32(1235), snapshot.SessionEnergyWh)
	assert.Equal(uint16(7176), snapshot.EVChargeRateWatt)
	assert.True(snapshot.EVConnected)
}

func TestModbusActor(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	cfg.Modbus.Port = freePort(t)
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	es := &eventstream.EventStream{}
	requests := make(chan domain.EmulatorRequest, 4)
	modbusPID := make(chan *actor.PID, 1)

	// stands in for the master, which routes register writes to the simulation
	parent := actor.PropsFromFunc(func(c actor.Context) {
		switch msg := c.Message().(type) {
		case *actor.Started:
			modbusPID <- c.Spawn(actor.PropsFromProducer(func() actor.Actor { return NewModbusActor(&cfg, es, logger) }))
		case domain.EmulatorRequest:
			requests <- msg
			c.Respond(domain.EmulatorResponse{})
		}
	})
	parentPID := as.Root.Spawn(parent)
	defer as.Root.Stop(parentPID)
	pid := <-modbusPID

	res, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, 6*time.Second).Result()
	require.NoError(t, err)
	assert.True(res.(domain.ActorHealthResponse).Healthy)

	es.Publish(domain.StatusUpdateEvent{Status: domain.EmulatorStatus{
		EVSE: evse.Status{State: evse.StateConnected, CurrentCapacity: 24, VoltageMV: 240000},
		EV:   ev.Status{Connected: true, SoC: 50},
	}})

	reader, err := evse_modbus.CreateEVSEModbusReader("127.0.0.1", cfg.Modbus.Port, time.Second, logger, nil)
	require.NoError(t, err)
	require.NoError(t, reader.Open())
	defer reader.Close()

	require.Eventually(t, func() bool {
		snapshot, err := reader.GetSnapshot()
		return err == nil && snapshot.CurrentCapacity == 24
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, reader.SetCurrentCapacity(16))
	select {
	case req := <-requests:
		assert.Equal(domain.EVSESetCurrentRequest{Amps: 16}, req)
	case <-time.After(time.Second):
		t.Fatal("register write did not reach the parent")
	}
}
