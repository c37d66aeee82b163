package evse

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	MinCapacityAmps   = 6
	MaxHWCapacityAmps = 80

	DefaultCapacityAmps = 32

	VoltageL1MilliVolts = 120000
	VoltageL2MilliVolts = 240000

	// temperatures are expressed in tenths of a degree Celsius
	OverTemperatureThreshold = 650
	AmbientTemperature       = 200
	defaultTemperature       = 250

	heatingRate = 0.5
	coolingRate = 2.0

	vflagConnected = 0x0100
	vflagCharging  = 0x0040
)

type Option func(*EVSE)

// WithClock overrides the time source used for session timing.
func WithClock(now func() time.Time) Option {
	return func(e *EVSE) {
		e.now = now
	}
}

// WithTemperatureSimulation enables or disables the sensor heat model.
func WithTemperatureSimulation(enabled bool) Option {
	return func(e *EVSE) {
		e.temperatureSimulation = enabled
	}
}

// EVSE is the charging station state machine. All methods are safe for
// concurrent use. State change callbacks run after the internal lock has
// been released, so they may call back into the EVSE.
type EVSE struct {
	mu sync.Mutex

	firmwareVersion string
	protocolVersion string

	baseState  State
	sleepMode  bool
	errorFlags ErrorFlags
	counters   FaultCounters

	currentCapacity int
	pilotCapacity   int
	maxCapacity     MaxCapacity
	actualCurrent   float64
	voltageMV       int
	serviceLevel    ServiceLevel

	temperatureDS         float64
	temperatureMCP        float64
	temperatureSimulation bool

	sessionStart    time.Time
	sessionEnergyWh float64
	totalEnergyWh   float64

	echoEnabled  bool
	gfciSelfTest bool
	timeLimit    int
	kwhLimit     int

	lcd LCD

	subscribers *subscribers
	now         func() time.Time
	logger      *zap.Logger
}

func New(firmwareVersion, protocolVersion string, logger *zap.Logger, opts ...Option) *EVSE {
	e := &EVSE{
		firmwareVersion:       firmwareVersion,
		protocolVersion:       protocolVersion,
		baseState:             StateNotConnected,
		currentCapacity:       DefaultCapacityAmps,
		pilotCapacity:         DefaultCapacityAmps,
		maxCapacity:           MaxCapacityUnset{},
		voltageMV:             VoltageL2MilliVolts,
		serviceLevel:          ServiceLevelL2,
		temperatureDS:         defaultTemperature,
		temperatureMCP:        defaultTemperature,
		temperatureSimulation: true,
		gfciSelfTest:          true,
		lcd: LCD{
			Row1:      padRow("OpenEVSE"),
			Row2:      padRow("Ready"),
			Backlight: BacklightGreen,
		},
		now:    time.Now,
		logger: logger.With(zap.String("component", "evse")),
	}
	e.subscribers = newSubscribers(e.logger)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *EVSE) FirmwareVersion() string {
	return e.firmwareVersion
}

func (e *EVSE) ProtocolVersion() string {
	return e.protocolVersion
}

// observedState must be called with the lock held.
func (e *EVSE) observedState() State {
	if e.errorFlags != 0 {
		return StateError
	}
	if e.sleepMode {
		return StateSleep
	}
	return e.baseState
}

func (e *EVSE) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observedState()
}

func (e *EVSE) BaseState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseState
}

func (e *EVSE) SleepMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sleepMode
}

func (e *EVSE) ErrorFlags() ErrorFlags {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errorFlags
}

func (e *EVSE) FaultCounters() FaultCounters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// Enable leaves sleep mode. It fails while any error flag is set.
func (e *EVSE) Enable() bool {
	e.mu.Lock()
	if e.errorFlags != 0 {
		e.mu.Unlock()
		return false
	}
	changed := e.sleepMode
	e.sleepMode = false
	e.unlockAndNotify(changed)
	return true
}

// Disable enters sleep mode. Session data and errors are kept.
func (e *EVSE) Disable() {
	e.mu.Lock()
	before := e.observedState()
	e.sleepMode = true
	e.actualCurrent = 0
	e.unlockAndNotify(before != e.observedState())
}

// Reset clears the session counters and the measured current. Error flags
// and fault counters are kept.
func (e *EVSE) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionStart = time.Time{}
	e.sessionEnergyWh = 0
	e.actualCurrent = 0
}

func (e *EVSE) maxConfigured() int {
	if locked, ok := e.maxCapacity.(MaxCapacityLocked); ok {
		return locked.Amps
	}
	return DefaultCapacityAmps
}

func (e *EVSE) capacityCeiling() int {
	return min(e.maxConfigured(), MaxHWCapacityAmps)
}

// SetCurrentCapacity clamps amps into the allowed range and stores it. ok is
// false when the value had to be clamped. volatile has no effect since there
// is no persistent storage.
func (e *EVSE) SetCurrentCapacity(amps int, volatile bool) (ok bool, set int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set = clamp(amps, MinCapacityAmps, e.capacityCeiling())
	e.currentCapacity = set
	e.logger.Debug("current capacity set", zap.Int("requested", amps), zap.Int("set", set), zap.Bool("volatile", volatile))
	return set == amps, set
}

func (e *EVSE) CurrentCapacity() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentCapacity
}

// SetMaxCapacity provisions the capacity ceiling. Only the first call has
// any effect; later calls return false and the locked value.
func (e *EVSE) SetMaxCapacity(amps int) (bool, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if locked, ok := e.maxCapacity.(MaxCapacityLocked); ok {
		return false, locked.Amps
	}
	value := clamp(amps, MinCapacityAmps, MaxHWCapacityAmps)
	e.maxCapacity = MaxCapacityLocked{Amps: value}
	if e.currentCapacity > value {
		e.currentCapacity = value
	}
	e.logger.Info("max capacity locked", zap.Int("amps", value))
	return true, value
}

func (e *EVSE) MaxCapacity() MaxCapacity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxCapacity
}

func (e *EVSE) CapacityLimits() CapacityLimits {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, locked := e.maxCapacity.(MaxCapacityLocked)
	return CapacityLimits{
		Min:           MinCapacityAmps,
		MaxHW:         MaxHWCapacityAmps,
		Pilot:         e.pilotCapacity,
		MaxConfigured: e.maxConfigured(),
		Locked:        locked,
	}
}

func (e *EVSE) ActualCurrent() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actualCurrent
}

func (e *EVSE) VoltageMV() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.voltageMV
}

func (e *EVSE) ServiceLevel() ServiceLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serviceLevel
}

// SetServiceLevel changes the service level. L1 and L2 also change the
// supply voltage; Auto keeps the current one.
func (e *EVSE) SetServiceLevel(level ServiceLevel) bool {
	if !level.Valid() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serviceLevel = level
	switch level {
	case ServiceLevelL1:
		e.voltageMV = VoltageL1MilliVolts
	case ServiceLevelL2:
		e.voltageMV = VoltageL2MilliVolts
	}
	return true
}

// Temperatures returns both sensor readings in tenths of a degree.
func (e *EVSE) Temperatures() (ds int, mcp int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return deciDegrees(e.temperatureDS), deciDegrees(e.temperatureMCP)
}

func deciDegrees(t float64) int {
	return int(math.Round(t))
}

func (e *EVSE) EchoEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.echoEnabled
}

func (e *EVSE) SetEchoEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.echoEnabled = enabled
}

func (e *EVSE) GFCISelfTest() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gfciSelfTest
}

func (e *EVSE) SetGFCISelfTest(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gfciSelfTest = enabled
}

// TimeLimit is the charge time limit in minutes, 0 when unset.
func (e *EVSE) TimeLimit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeLimit
}

func (e *EVSE) SetTimeLimit(minutes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeLimit = max(minutes, 0)
}

// KWhLimit is the session energy limit in kWh, 0 when unset.
func (e *EVSE) KWhLimit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kwhLimit
}

func (e *EVSE) SetKWhLimit(kwh int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kwhLimit = max(kwh, 0)
}

// TriggerError raises a fault. The EVSE stops delivering current and
// subscribers are notified with StateError.
func (e *EVSE) TriggerError(flag ErrorFlags) {
	e.mu.Lock()
	e.triggerErrorLocked(flag)
	e.unlockAndNotify(true)
}

func (e *EVSE) triggerErrorLocked(flag ErrorFlags) {
	e.errorFlags = e.errorFlags.With(flag)
	if flag.Has(GFCITrip) {
		e.counters.GFCI++
	}
	if flag.Has(NoGround) {
		e.counters.NoGround++
	}
	if flag.Has(StuckRelay) {
		e.counters.StuckRelay++
	}
	e.actualCurrent = 0
	e.logger.Warn("error triggered", zap.Strings("flags", flag.Names()))
}

// ClearErrors resets every error flag. Fault counters are kept.
func (e *EVSE) ClearErrors() {
	e.mu.Lock()
	wasError := e.errorFlags != 0
	e.errorFlags = 0
	e.unlockAndNotify(wasError)
}

// UpdateState applies the pilot level read from the vehicle. It does nothing
// while the EVSE sleeps. Subscribers are notified only when the base state
// or the error flags changed.
func (e *EVSE) UpdateState(pilot Pilot) {
	e.mu.Lock()
	if e.sleepMode {
		e.mu.Unlock()
		return
	}
	oldState := e.baseState
	oldFlags := e.errorFlags

	switch pilot {
	case PilotA:
		e.errorFlags = 0
		e.baseState = StateNotConnected
		e.actualCurrent = 0
		if !e.sessionStart.IsZero() {
			e.totalEnergyWh += e.sessionEnergyWh
			e.sessionStart = time.Time{}
			e.sessionEnergyWh = 0
		}
	case PilotB:
		e.baseState = StateConnected
		e.actualCurrent = 0
	case PilotC:
		if oldState != StateCharging {
			e.actualCurrent = float64(e.currentCapacity)
		}
		e.baseState = StateCharging
		if e.sessionStart.IsZero() {
			e.sessionStart = e.now()
		}
	case PilotD:
		e.baseState = StateVentRequired
		e.actualCurrent = 0
		e.triggerErrorLocked(DiodeCheckFailed)
	default:
		e.mu.Unlock()
		e.logger.Warn("ignoring unknown pilot state", zap.Stringer("pilot", pilot))
		return
	}

	e.unlockAndNotify(oldState != e.baseState || oldFlags != e.errorFlags)
}

// UpdateCharging integrates delivered power over dtSec seconds. Energy and
// current are only accounted while charging; otherwise the sensors cool
// down towards ambient.
func (e *EVSE) UpdateCharging(powerKW float64, dtSec float64) {
	e.mu.Lock()
	if e.baseState != StateCharging {
		if e.temperatureSimulation {
			cool := dtSec * coolingRate
			e.temperatureDS = max(AmbientTemperature, e.temperatureDS-cool)
			e.temperatureMCP = max(AmbientTemperature, e.temperatureMCP-cool)
		}
		e.mu.Unlock()
		return
	}

	if e.voltageMV > 0 {
		e.actualCurrent = powerKW * 1000 * 1000 / float64(e.voltageMV)
	}
	e.sessionEnergyWh += powerKW * dtSec * 1000 / 3600

	overheated := false
	if e.temperatureSimulation {
		heat := dtSec * heatingRate
		// a sensor already sitting at the threshold that keeps heating trips the fault
		overheated = heat > 0 && (e.temperatureDS >= OverTemperatureThreshold || e.temperatureMCP >= OverTemperatureThreshold)
		e.temperatureDS = min(OverTemperatureThreshold, e.temperatureDS+heat)
		e.temperatureMCP = min(OverTemperatureThreshold, e.temperatureMCP+heat)
	}
	if overheated && !e.errorFlags.Has(OverTemperature) {
		e.triggerErrorLocked(OverTemperature)
		e.unlockAndNotify(true)
		return
	}
	e.mu.Unlock()
}

// VFlags combines the error flags with the connected and charging bits.
func (e *EVSE) VFlags() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vflags()
}

func (e *EVSE) vflags() uint16 {
	flags := uint16(e.errorFlags)
	if e.baseState == StateConnected || e.baseState == StateCharging {
		flags |= vflagConnected
	}
	if e.baseState == StateCharging {
		flags |= vflagCharging
	}
	return flags
}

// SessionTime is the elapsed time of the active session, zero if none.
func (e *EVSE) SessionTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionTime()
}

func (e *EVSE) sessionTime() time.Duration {
	if e.sessionStart.IsZero() {
		return 0
	}
	return e.now().Sub(e.sessionStart)
}

func (e *EVSE) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.observedState()
	offered := e.currentCapacity
	if state == StateSleep || state == StateError {
		offered = 0
	}
	return Status{
		State:           state,
		StateName:       state.String(),
		BaseState:       e.baseState,
		SleepMode:       e.sleepMode,
		CurrentCapacity: e.currentCapacity,
		OfferedCurrent:  offered,
		ActualCurrent:   math.Round(e.actualCurrent*10) / 10,
		VoltageMV:       e.voltageMV,
		TemperatureDS:   deciDegrees(e.temperatureDS),
		TemperatureMCP:  deciDegrees(e.temperatureMCP),
		SessionEnergyWh: e.sessionEnergyWh,
		TotalEnergyWh:   e.totalEnergyWh,
		SessionTime:     int64(e.sessionTime() / time.Second),
		ServiceLevel:    e.serviceLevel,
		ErrorFlags:      e.errorFlags,
		Errors:          e.errorFlags.Names(),
		Counters:        e.counters,
		VFlags:          e.vflags(),
		EchoEnabled:     e.echoEnabled,
		GFCISelfTest:    e.gfciSelfTest,
		TimeLimit:       e.timeLimit,
		KWhLimit:        e.kwhLimit,
		FirmwareVersion: e.firmwareVersion,
		ProtocolVersion: e.protocolVersion,
		LCD:             e.lcd,
	}
}

// unlockAndNotify releases the lock and, if notify is set, calls every
// subscriber with the state observed at release time.
func (e *EVSE) unlockAndNotify(notify bool) {
	if !notify {
		e.mu.Unlock()
		return
	}
	state := e.observedState()
	callbacks := e.subscribers.snapshot()
	e.mu.Unlock()
	e.subscribers.invoke(callbacks, state)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
