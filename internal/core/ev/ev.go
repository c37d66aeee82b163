package ev

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"go.uber.org/zap"
)

const (
	DefaultBatteryCapacityKWh = 75.0
	DefaultMaxChargeRateKW    = 7.2
	DefaultSoC                = 50.0

	taperStartSoC   = 80.0
	taperRange      = 20.0
	maxTaperFactor  = 0.5
	fullSoC         = 100.0
	varianceSeconds = 1.0

	directVarianceRange  = 0.01
	batteryVarianceRange = 0.01
)

var (
	ErrInvalidSoC     = errors.New("soc must be between 0 and 100")
	ErrInvalidCurrent = errors.New("current must be >= 0")
	ErrInvalidRate    = errors.New("charge rate must be > 0")
)

type Option func(*EV)

// WithRand sets the random source used by the variance model.
func WithRand(r *rand.Rand) Option {
	return func(v *EV) {
		v.rand = r
	}
}

// WithChargeCurve enables or disables power taper above 80% SoC.
func WithChargeCurve(enabled bool) Option {
	return func(v *EV) {
		v.chargeCurve = enabled
	}
}

// Status is a point in time snapshot of the vehicle.
type Status struct {
	Connected          bool    `json:"connected"`
	RequestingCharge   bool    `json:"requesting_charge"`
	SoC                float64 `json:"soc"`
	BatteryCapacityKWh float64 `json:"battery_capacity_kwh"`
	MaxChargeRateKW    float64 `json:"max_charge_rate_kw"`
	ActualChargeRateKW float64 `json:"actual_charge_rate_kw"`
	DiodeCheckFailed   bool    `json:"diode_check_failed"`
	DirectMode         bool    `json:"direct_mode"`
	DirectCurrentAmps  float64 `json:"direct_current_amps"`
	VarianceEnabled    bool    `json:"current_variance_enabled"`
	Pilot              string  `json:"pilot"`
}

// EV simulates the vehicle side of the charging session. It is safe for
// concurrent use.
type EV struct {
	mu sync.Mutex

	batteryCapacityKWh float64
	maxChargeRateKW    float64

	soc              float64
	connected        bool
	requestingCharge bool
	actualRateKW     float64
	diodeCheckFailed bool

	directMode    bool
	directCurrent float64

	varianceEnabled    bool
	varianceMultiplier float64
	varianceDrawn      bool
	// simulated seconds since the multiplier was last drawn
	varianceAge float64

	chargeCurve bool
	rand        *rand.Rand
	logger      *zap.Logger
}

func New(batteryCapacityKWh, maxChargeRateKW float64, logger *zap.Logger, opts ...Option) *EV {
	v := &EV{
		batteryCapacityKWh: batteryCapacityKWh,
		maxChargeRateKW:    maxChargeRateKW,
		soc:                DefaultSoC,
		varianceMultiplier: 1,
		chargeCurve:        true,
		rand:               rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger:             logger.With(zap.String("component", "ev")),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *EV) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// SetConnected plugs or unplugs the vehicle. Unplugging also stops any
// charge request.
func (v *EV) SetConnected(connected bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = connected
	if !connected {
		v.requestingCharge = false
		v.actualRateKW = 0
	}
	v.logger.Debug("connection changed", zap.Bool("connected", connected))
}

func (v *EV) RequestingCharge() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.requestingCharge
}

// SetRequestingCharge starts or stops a charge request. A request is only
// accepted while connected; the resulting value is returned.
func (v *EV) SetRequestingCharge(requesting bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requestingCharge = requesting && v.connected
	if !v.requestingCharge {
		v.actualRateKW = 0
	}
	return v.requestingCharge
}

func (v *EV) SoC() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.soc
}

func (v *EV) SetSoC(soc float64) error {
	if math.IsNaN(soc) || soc < 0 || soc > fullSoC {
		return ErrInvalidSoC
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.soc = soc
	return nil
}

func (v *EV) BatteryCapacityKWh() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.batteryCapacityKWh
}

func (v *EV) MaxChargeRateKW() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.maxChargeRateKW
}

func (v *EV) SetMaxChargeRateKW(kw float64) error {
	if math.IsNaN(kw) || kw <= 0 {
		return ErrInvalidRate
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxChargeRateKW = kw
	return nil
}

func (v *EV) ActualChargeRateKW() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.actualRateKW
}

func (v *EV) DiodeCheckFailed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.diodeCheckFailed
}

func (v *EV) SetDiodeCheckFailed(failed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.diodeCheckFailed = failed
}

func (v *EV) DirectMode() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.directMode
}

// SetDirectMode switches between battery emulation and a fixed current draw.
func (v *EV) SetDirectMode(direct bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.directMode = direct
	v.resetVariance()
}

func (v *EV) DirectCurrentAmps() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.directCurrent
}

func (v *EV) SetDirectCurrentAmps(amps float64) error {
	if math.IsNaN(amps) || amps < 0 {
		return ErrInvalidCurrent
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.directCurrent = amps
	return nil
}

func (v *EV) VarianceEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.varianceEnabled
}

func (v *EV) SetVarianceEnabled(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.varianceEnabled = enabled
	v.resetVariance()
}

func (v *EV) VarianceMultiplier() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.varianceMultiplier
}

func (v *EV) resetVariance() {
	v.varianceMultiplier = 1
	v.varianceDrawn = false
	v.varianceAge = 0
}

// Pilot returns the pilot level the vehicle presents to the EVSE.
func (v *EV) Pilot() evse.Pilot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pilot()
}

func (v *EV) pilot() evse.Pilot {
	switch {
	case !v.connected:
		return evse.PilotA
	case v.diodeCheckFailed:
		return evse.PilotD
	case v.requestingCharge && v.actualRateKW > 0:
		return evse.PilotC
	default:
		return evse.PilotB
	}
}

// UpdateCharging advances the vehicle by dtSec seconds given the current
// offered by the EVSE and the supply voltage in volts.
func (v *EV) UpdateCharging(offeredAmps, volts, dtSec float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected || !v.requestingCharge {
		v.actualRateKW = 0
		return
	}
	v.varianceAge += dtSec

	if v.directMode {
		amps := v.directCurrent
		if v.varianceEnabled {
			v.updateVariance(directVarianceRange, true)
			amps *= v.varianceMultiplier
		}
		v.actualRateKW = amps * volts / 1000
		return
	}

	if v.soc >= fullSoC {
		v.actualRateKW = 0
		return
	}

	power := min(offeredAmps*volts/1000, v.maxChargeRateKW)
	if v.chargeCurve && v.soc > taperStartSoC {
		power *= 1 - ((v.soc-taperStartSoC)/taperRange)*maxTaperFactor
	}
	if v.varianceEnabled {
		v.updateVariance(batteryVarianceRange, false)
		power *= v.varianceMultiplier
	}
	power = max(power, 0)
	v.actualRateKW = power

	v.soc = min(fullSoC, v.soc+(power*dtSec/3600)/v.batteryCapacityKWh*100)
	if v.soc >= fullSoC {
		v.requestingCharge = false
		v.actualRateKW = 0
		v.logger.Info("battery full, charge request cleared")
	}
}

// updateVariance draws a new multiplier at most once per simulated second.
// Symmetric variance is 1±r, otherwise 1-[0,r).
func (v *EV) updateVariance(r float64, symmetric bool) {
	if v.varianceDrawn && v.varianceAge < varianceSeconds {
		return
	}
	v.varianceDrawn = true
	v.varianceAge = 0
	if symmetric {
		v.varianceMultiplier = 1 + (v.rand.Float64()*2-1)*r
	} else {
		v.varianceMultiplier = 1 - v.rand.Float64()*r
	}
}

func (v *EV) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Status{
		Connected:          v.connected,
		RequestingCharge:   v.requestingCharge,
		SoC:                math.Round(v.soc*10) / 10,
		BatteryCapacityKWh: v.batteryCapacityKWh,
		MaxChargeRateKW:    v.maxChargeRateKW,
		ActualChargeRateKW: math.Round(v.actualRateKW*100) / 100,
		DiodeCheckFailed:   v.diodeCheckFailed,
		DirectMode:         v.directMode,
		DirectCurrentAmps:  math.Round(v.directCurrent*10) / 10,
		VarianceEnabled:    v.varianceEnabled,
		Pilot:              v.pilot().String(),
	}
}
