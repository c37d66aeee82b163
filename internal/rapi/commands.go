package rapi

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/berfenger/openevse-emulator/internal/core/evse"
)

// settings flags reported by GE
const (
	settingL2                  = 0x0001
	settingAutoServiceDisabled = 0x0020
	settingGFITestDisabled     = 0x0200
)

func (h *Handler) commandTable() map[string]command {
	return map[string]command{
		"GS": h.getState,
		"GG": h.getChargingCurrentVoltage,
		"GP": h.getTemperatures,
		"GV": h.getVersion,
		"GU": h.getEnergyUsage,
		"GC": h.getCurrentCapacityRange,
		"GE": h.getSettings,
		"GF": h.getFaultCounters,
		"GA": h.getAmmeterSettings,
		"GI": h.getMCUID,
		"GT": h.getTimeLimit,
		"GH": h.getKWhLimit,

		"SC": h.setCurrentCapacity,
		"SL": h.setServiceLevel,
		"SE": h.setEcho,
		"ST": h.setTimeLimit,
		"SH": h.setKWhLimit,
		"SA": h.setAmmeterSettings,
		"SY": h.heartbeatCommand,

		"FE": h.enable,
		"FD": h.disable,
		"FS": h.sleep,
		"FR": h.reset,
		"F1": h.setGFCISelfTest(true),
		"F0": h.setGFCISelfTest(false),
		"FP": h.printLCD,
		"FB": h.setBacklight,
	}
}

func intParam(params []string, i int) (int, error) {
	if i >= len(params) {
		return 0, fmt.Errorf("%w: missing parameter %d", ErrBadParam, i+1)
	}
	v, err := strconv.Atoi(params[i])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadParam, params[i])
	}
	return v, nil
}

func (h *Handler) getState(_ []string) (reply, error) {
	st := h.evse.Status()
	return ok(
		fmt.Sprintf("%02X", uint8(st.State)),
		st.SessionTime,
		fmt.Sprintf("%02X", h.pilot.Pilot().Code()),
		fmt.Sprintf("%04X", st.VFlags),
	), nil
}

func (h *Handler) getChargingCurrentVoltage(_ []string) (reply, error) {
	st := h.evse.Status()
	milliamps := int(math.Round(st.ActualCurrent * 1000))
	return ok(milliamps, st.VoltageMV, uint8(st.State), uint16(st.ErrorFlags)), nil
}

func (h *Handler) getTemperatures(_ []string) (reply, error) {
	ds, mcp := h.evse.Temperatures()
	return ok(ds, mcp, 0, 0), nil
}

func (h *Handler) getVersion(_ []string) (reply, error) {
	return ok(h.evse.FirmwareVersion(), h.evse.ProtocolVersion()), nil
}

func (h *Handler) getEnergyUsage(_ []string) (reply, error) {
	wh := int(math.Round(h.evse.Status().SessionEnergyWh))
	return ok(wh, wh*3600), nil
}

func (h *Handler) getCurrentCapacityRange(_ []string) (reply, error) {
	l := h.evse.CapacityLimits()
	return ok(l.Min, l.MaxHW, l.Pilot, l.MaxConfigured), nil
}

func (h *Handler) getSettings(_ []string) (reply, error) {
	st := h.evse.Status()
	var flags uint16
	switch st.ServiceLevel {
	case evse.ServiceLevelL2:
		flags |= settingL2 | settingAutoServiceDisabled
	case evse.ServiceLevelL1:
		flags |= settingAutoServiceDisabled
	}
	if !st.GFCISelfTest {
		flags |= settingGFITestDisabled
	}
	return ok(st.CurrentCapacity, fmt.Sprintf("%04X", flags)), nil
}

func (h *Handler) getFaultCounters(_ []string) (reply, error) {
	c := h.evse.FaultCounters()
	return ok(
		strconv.FormatInt(int64(c.GFCI), 16),
		strconv.FormatInt(int64(c.NoGround), 16),
		strconv.FormatInt(int64(c.StuckRelay), 16),
	), nil
}

func (h *Handler) getAmmeterSettings(_ []string) (reply, error) {
	scale, offset := h.Ammeter()
	return ok(scale, offset), nil
}

func (h *Handler) getMCUID(_ []string) (reply, error) {
	return ok(h.MCUID()), nil
}

func (h *Handler) getTimeLimit(_ []string) (reply, error) {
	return ok(h.evse.TimeLimit()), nil
}

func (h *Handler) getKWhLimit(_ []string) (reply, error) {
	return ok(h.evse.KWhLimit()), nil
}

// setCurrentCapacity handles "SC amps [V|M]".
func (h *Handler) setCurrentCapacity(params []string) (reply, error) {
	amps, err := intParam(params, 0)
	if err != nil {
		return reply{}, err
	}
	if amps < evse.MinCapacityAmps || amps > evse.MaxHWCapacityAmps {
		return reply{}, fmt.Errorf("%w: current %d out of range", ErrBadParam, amps)
	}
	var modifier string
	if len(params) > 1 {
		modifier = strings.ToUpper(params[1])
	}
	switch modifier {
	case "M":
		locked, value := h.evse.SetMaxCapacity(amps)
		if !locked {
			return nk(value), nil
		}
		return ok(value), nil
	case "", "V":
		// the reply carries the clamped value; only the range check above is a refusal
		_, set := h.evse.SetCurrentCapacity(amps, modifier == "V")
		return ok(set), nil
	default:
		return reply{}, fmt.Errorf("%w: modifier %q", ErrBadParam, params[1])
	}
}

func (h *Handler) setServiceLevel(params []string) (reply, error) {
	if len(params) == 0 {
		return reply{}, fmt.Errorf("%w: missing service level", ErrBadParam)
	}
	var level evse.ServiceLevel
	switch strings.ToUpper(params[0]) {
	case "1":
		level = evse.ServiceLevelL1
	case "2":
		level = evse.ServiceLevelL2
	case "A":
		level = evse.ServiceLevelAuto
	default:
		return reply{}, fmt.Errorf("%w: service level %q", ErrBadParam, params[0])
	}
	if !h.evse.SetServiceLevel(level) {
		return nk(), nil
	}
	return ok(), nil
}

func (h *Handler) setEcho(params []string) (reply, error) {
	v, err := intParam(params, 0)
	if err != nil {
		return reply{}, err
	}
	h.evse.SetEchoEnabled(v != 0)
	return ok(), nil
}

func (h *Handler) setTimeLimit(params []string) (reply, error) {
	minutes, err := intParam(params, 0)
	if err != nil {
		return reply{}, err
	}
	if minutes < 0 {
		return reply{}, fmt.Errorf("%w: negative time limit", ErrBadParam)
	}
	h.evse.SetTimeLimit(minutes)
	return ok(), nil
}

func (h *Handler) setKWhLimit(params []string) (reply, error) {
	kwh, err := intParam(params, 0)
	if err != nil {
		return reply{}, err
	}
	if kwh < 0 {
		return reply{}, fmt.Errorf("%w: negative energy limit", ErrBadParam)
	}
	h.evse.SetKWhLimit(kwh)
	return ok(), nil
}

func (h *Handler) setAmmeterSettings(params []string) (reply, error) {
	scale, err := intParam(params, 0)
	if err != nil {
		return reply{}, err
	}
	offset, err := intParam(params, 1)
	if err != nil {
		return reply{}, err
	}
	h.mu.Lock()
	h.ammeterScale = scale
	h.ammeterOff = offset
	h.mu.Unlock()
	return ok(), nil
}

// heartbeatCommand handles SY. Without parameters it is a pulse, "SY 165"
// acknowledges a missed pulse and "SY interval limit" configures supervision.
func (h *Handler) heartbeatCommand(params []string) (reply, error) {
	now := h.now()
	var st HeartbeatStatus
	switch len(params) {
	case 0:
		st = h.heartbeat.Pulse(now)
	case 1:
		magic, err := intParam(params, 0)
		if err != nil {
			return reply{}, err
		}
		if magic != heartbeatAckMagic {
			return reply{}, fmt.Errorf("%w: bad acknowledge %d", ErrBadParam, magic)
		}
		if !h.heartbeat.Acknowledge(now) {
			return nk(), nil
		}
		st = h.heartbeat.Status()
	default:
		interval, err := intParam(params, 0)
		if err != nil {
			return reply{}, err
		}
		limit, err := intParam(params, 1)
		if err != nil {
			return reply{}, err
		}
		if interval < 0 || limit < 0 {
			return reply{}, fmt.Errorf("%w: negative heartbeat setting", ErrBadParam)
		}
		st = h.heartbeat.Configure(now, interval, limit)
	}
	return ok(st.IntervalSec, st.CurrentLimit, st.code()), nil
}

func (h *Handler) enable(_ []string) (reply, error) {
	if !h.evse.Enable() {
		return nk(), nil
	}
	return ok(), nil
}

func (h *Handler) disable(_ []string) (reply, error) {
	h.evse.Disable()
	return ok(), nil
}

func (h *Handler) sleep(_ []string) (reply, error) {
	h.evse.Disable()
	return ok(), nil
}

func (h *Handler) reset(_ []string) (reply, error) {
	h.evse.Reset()
	return ok(), nil
}

func (h *Handler) setGFCISelfTest(enabled bool) command {
	return func(_ []string) (reply, error) {
		h.evse.SetGFCISelfTest(enabled)
		return ok(), nil
	}
}

// printLCD handles "FP x y text".
func (h *Handler) printLCD(params []string) (reply, error) {
	x, err := intParam(params, 0)
	if err != nil {
		return reply{}, err
	}
	y, err := intParam(params, 1)
	if err != nil {
		return reply{}, err
	}
	if !h.evse.SetLCDTextAt(x, y, strings.Join(params[2:], " ")) {
		return nk(), nil
	}
	return ok(), nil
}

func (h *Handler) setBacklight(params []string) (reply, error) {
	color, err := intParam(params, 0)
	if err != nil {
		return reply{}, err
	}
	if !h.evse.SetLCDBacklight(color) {
		return nk(), nil
	}
	return ok(), nil
}
