package actor

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"github.com/berfenger/openevse-emulator/internal/core/service"
	"github.com/berfenger/openevse-emulator/internal/util"
	"github.com/berfenger/openevse-emulator/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(data))
	return nil
}

func (s *recordingSink) hasPrefix(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.lines {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func request[T any](t *testing.T, as *actor.ActorSystem, pid *actor.PID, msg any) T {
	t.Helper()
	res, err := as.Root.RequestFuture(pid, msg, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(T)
	require.True(t, ok, "unexpected response %T", res)
	return resp
}

func TestSimulationActor(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	es := &eventstream.EventStream{}
	var updates sync.WaitGroup
	updates.Add(3)
	var seen int
	var mu sync.Mutex
	es.Subscribe(func(evt any) {
		if _, ok := evt.(domain.StatusUpdateEvent); ok {
			mu.Lock()
			defer mu.Unlock()
			if seen++; seen <= 3 {
				updates.Done()
			}
		}
	})

	emulator := service.NewEmulator(cfg, logger)
	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewSimulationActor(&cfg, emulator, es, logger)
	}))
	defer as.Root.Stop(pid)

	health := request[domain.ActorHealthResponse](t, as, pid, domain.ActorHealthRequest{})
	assert.True(health.Healthy)
	assert.Equal("running", health.State)
	require.NoError(t, util.AwaitTimeout(waitChan(&updates), 2*time.Second), "ticks publish status updates")

	resp := request[domain.EmulatorResponse](t, as, pid, domain.EVRequestChargeRequest{Enable: true})
	assert.ErrorIs(resp.ResponseError, service.ErrNotConnected)

	resp = request[domain.EmulatorResponse](t, as, pid, domain.EVConnectRequest{Connect: true})
	assert.NoError(resp.ResponseError)
	assert.True(resp.Status.EV.Connected)

	require.Eventually(t, func() bool {
		st := request[domain.GetStatusResponse](t, as, pid, domain.GetStatusRequest{})
		return st.Status.EVSE.State == evse.StateConnected
	}, 2*time.Second, 20*time.Millisecond)

	rapiResp := request[domain.RAPICommandResponse](t, as, pid, domain.RAPICommandRequest{Line: "$GS"})
	assert.True(strings.HasPrefix(rapiResp.Reply, "$OK 02"), rapiResp.Reply)

	control := request[domain.SimulationControlResponse](t, as, pid, domain.SimulationControlRequest{Run: false})
	assert.False(control.Running)
	assert.Equal("paused", request[domain.ActorHealthResponse](t, as, pid, domain.ActorHealthRequest{}).State)

	// time stands still while paused
	resp = request[domain.EmulatorResponse](t, as, pid, domain.EVRequestChargeRequest{Enable: true})
	require.NoError(t, resp.ResponseError)
	time.Sleep(4 * cfg.Simulation.UpdateInterval())
	st := request[domain.GetStatusResponse](t, as, pid, domain.GetStatusRequest{})
	assert.Equal(evse.StateConnected, st.Status.EVSE.State)

	request[domain.SimulationControlResponse](t, as, pid, domain.SimulationControlRequest{Run: true})
	require.Eventually(t, func() bool {
		st := request[domain.GetStatusResponse](t, as, pid, domain.GetStatusRequest{})
		return st.Status.EVSE.State == evse.StateCharging
	}, 2*time.Second, 20*time.Millisecond)
}

func waitChan(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func TestNotifierActor(t *testing.T) {
	cfg := util.LoadTestConfig()
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	es := &eventstream.EventStream{}
	changes := make(chan domain.StateChangedEvent, 8)
	es.Subscribe(func(evt any) {
		if ev, ok := evt.(domain.StateChangedEvent); ok {
			changes <- ev
		}
	})

	emulator := service.NewEmulator(cfg, logger)
	sink := &recordingSink{}
	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewNotifierActor(emulator, sink, es, logger)
	}))

	health := request[domain.ActorHealthResponse](t, as, pid, domain.ActorHealthRequest{})
	assert.True(t, health.Healthy)
	assert.True(t, sink.hasPrefix("$AB 00 8.2.1"))

	emulator.EVSE.UpdateState(evse.PilotB)
	select {
	case ev := <-changes:
		assert.Equal(t, evse.StateNotConnected, ev.Previous)
		assert.Equal(t, evse.StateConnected, ev.State)
	case <-time.After(time.Second):
		t.Fatal("no state change event")
	}
	require.Eventually(t, func() bool { return sink.hasPrefix("$AT 02 ") }, time.Second, 10*time.Millisecond)

	// no more notifications once stopped
	require.NoError(t, as.Root.StopFuture(pid).Wait())
	emulator.EVSE.UpdateState(evse.PilotA)
	select {
	case ev := <-changes:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
