package actorutil

import (
	"errors"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type namedState struct {
	name string
}

func (s namedState) Name() string            { return s.name }
func (s namedState) Receive(_ actor.Context) {}

func TestActorWithStatesTracksName(t *testing.T) {
	assert := assert.New(t)

	s := ActorWithStates{Behavior: actor.NewBehavior()}
	assert.Equal("", s.StateName())
	s.Become(namedState{"idle"})
	assert.Equal("idle", s.StateName())
	s.BecomeStacked(namedState{"busy"})
	assert.Equal("busy", s.StateName())
	s.UnbecomeStacked()
	assert.Equal("idle", s.StateName())
	s.UnbecomeStacked()
	assert.Equal("idle", s.StateName())
}

func TestParsedMQTTCommandToCommand(t *testing.T) {
	assert := assert.New(t)

	cmd, err := ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: domain.SWITCH_ID_EVSE_ENABLED, Command: "switch", Payload: "off"})
	assert.NoError(err)
	assert.Equal(domain.EVSEEnableRequest{Enable: false}, cmd)

	cmd, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: domain.SWITCH_ID_EV_CONNECTED, Command: "switch", Payload: "on"})
	assert.NoError(err)
	assert.Equal(domain.EVConnectRequest{Connect: true}, cmd)

	cmd, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: domain.SWITCH_ID_EV_REQUEST_CHARGE, Command: "switch", Payload: "on"})
	assert.NoError(err)
	assert.Equal(domain.EVRequestChargeRequest{Enable: true}, cmd)

	cmd, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: domain.INPUT_NUMBER_ID_EVSE_CHARGE_LIMIT, Command: "number", Payload: "16.0"})
	assert.NoError(err)
	assert.Equal(domain.EVSESetCurrentRequest{Amps: 16}, cmd)

	_, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: domain.INPUT_NUMBER_ID_EVSE_CHARGE_LIMIT, Command: "number", Payload: "x"})
	assert.Error(err)

	cmd, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{Command: mqtt.MQTT_COMMAND_RAPI, Payload: "$GS"})
	assert.NoError(err)
	assert.Equal(domain.RAPICommandRequest{Line: "$GS"}, cmd)

	cmd, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: "unknown", Command: "switch", Payload: "on"})
	assert.NoError(err)
	assert.Nil(cmd)
}

type taskResult struct {
	value int
	err   error
}

type taskProbe struct {
	results chan taskResult
	fn      func() (*taskResult, error)
}

func (p *taskProbe) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		NewBackgroundTask(ctx, p.fn).
			WithTimeout(100 * time.Millisecond).
			Recover(func(err error) taskResult { return taskResult{err: err} }).
			PipeTo(ctx.Self())
	case taskResult:
		p.results <- msg
	}
}

func runTask(t *testing.T, fn func() (*taskResult, error)) taskResult {
	t.Helper()
	as := NewActorSystemWithZapLogger(zap.NewNop())
	defer as.Shutdown()

	probe := &taskProbe{results: make(chan taskResult, 1), fn: fn}
	as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return probe }))
	select {
	case r := <-probe.results:
		return r
	case <-time.After(2 * time.Second):
		require.FailNow(t, "background task result not received")
	}
	return taskResult{}
}

func TestBackgroundTaskPipesValue(t *testing.T) {
	r := runTask(t, func() (*taskResult, error) { return &taskResult{value: 7}, nil })
	assert.Equal(t, 7, r.value)
	assert.NoError(t, r.err)
}

func TestBackgroundTaskRecoversErrors(t *testing.T) {
	r := runTask(t, func() (*taskResult, error) { return nil, errors.New("boom") })
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "boom")

	r = runTask(t, func() (*taskResult, error) {
		time.Sleep(time.Second)
		return &taskResult{value: 1}, nil
	})
	assert.Error(t, r.err)
}
