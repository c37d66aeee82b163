package rapi

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"go.uber.org/zap"
)

var (
	ErrChecksum       = errors.New("rapi: checksum mismatch")
	ErrUnknownCommand = errors.New("rapi: unknown command")
	ErrBadParam       = errors.New("rapi: bad parameter")
	errMalformed      = errors.New("rapi: malformed command")
)

const (
	DefaultAmmeterScale = 220
	DefaultMCUID        = "0000E5E5E5E5"
)

// PilotSource provides the pilot level seen by the EVSE.
type PilotSource interface {
	Pilot() evse.Pilot
}

type reply struct {
	ok   bool
	args []string
}

func ok(args ...any) reply {
	return reply{ok: true, args: stringify(args)}
}

func nk(args ...any) reply {
	return reply{ok: false, args: stringify(args)}
}

func stringify(args []any) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, fmt.Sprint(a))
	}
	return out
}

func (r reply) String() string {
	var b strings.Builder
	if r.ok {
		b.WriteString("$OK")
	} else {
		b.WriteString("$NK")
	}
	for _, a := range r.args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	return b.String()
}

type command func(params []string) (reply, error)

type Option func(*Handler)

// WithStrictChecksum rejects commands carrying a wrong checksum. By default
// they are logged and processed.
func WithStrictChecksum(strict bool) Option {
	return func(h *Handler) {
		h.strict = strict
	}
}

func WithMCUID(id string) Option {
	return func(h *Handler) {
		if id != "" {
			h.mcuID = id
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// Observer is told about every processed command. code is empty when the
// line could not be parsed.
type Observer func(code string, accepted bool)

func WithObserver(fn Observer) Option {
	return func(h *Handler) {
		h.observer = fn
	}
}

// Handler parses RAPI command lines and runs them against an EVSE.
type Handler struct {
	evse     *evse.EVSE
	pilot    PilotSource
	strict   bool
	now      func() time.Time
	observer Observer
	logger   *zap.Logger

	mu           sync.Mutex
	ammeterScale int
	ammeterOff   int
	mcuID        string

	heartbeat Heartbeat
	commands  map[string]command
}

func NewHandler(e *evse.EVSE, pilot PilotSource, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		evse:         e,
		pilot:        pilot,
		now:          time.Now,
		logger:       logger.With(zap.String("component", "rapi")),
		ammeterScale: DefaultAmmeterScale,
		mcuID:        DefaultMCUID,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.commands = h.commandTable()
	return h
}

// Process handles one command line and returns the complete response,
// including the echo when enabled. It never fails: any error is reported
// as $NK.
func (h *Handler) Process(line string) string {
	resp, echo, code, err := h.process(line)
	if err != nil {
		h.logger.Debug("rapi command rejected", zap.String("line", line), zap.Error(err))
	}
	if h.observer != nil {
		h.observer(code, resp.ok)
	}
	out := AppendChecksum(resp.String()) + "\r"
	if echo != "" {
		out = AppendChecksum(echo) + "\r" + out
	}
	h.logger.Debug(fmt.Sprintf("rapi: %s -> %s", strings.TrimSpace(line), strings.TrimSpace(out)))
	return out
}

func (h *Handler) process(line string) (resp reply, echo string, code string, err error) {
	line = strings.Trim(line, " \t\r\n")
	if !strings.HasPrefix(line, "$") || len(line) < 2 {
		return nk(), "", "", errMalformed
	}
	if !VerifyChecksum(line) {
		if h.strict {
			return nk(), "", "", ErrChecksum
		}
		h.logger.Warn("rapi checksum mismatch", zap.String("line", line))
	}
	body, _, _ := splitChecksum(line)
	fields := strings.Fields(body[1:])
	if len(fields) == 0 {
		return nk(), "", "", errMalformed
	}
	code = strings.ToUpper(fields[0])
	params := fields[1:]

	if h.evse.EchoEnabled() {
		echo = strings.Join(append([]string{"$" + code}, params...), " ")
	}

	cmd, found := h.commands[code]
	if !found {
		return nk(), echo, code, fmt.Errorf("%w: %s", ErrUnknownCommand, code)
	}
	resp, err = h.dispatch(code, cmd, params)
	if err != nil {
		return nk(), echo, code, err
	}
	return resp, echo, code, nil
}

func (h *Handler) dispatch(code string, cmd command, params []string) (resp reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("rapi handler panic", zap.String("command", code), zap.Any("panic", r))
			err = fmt.Errorf("rapi: %s panicked: %v", code, r)
		}
	}()
	return cmd(params)
}

// Supervise enforces the heartbeat contract. It is meant to be called on
// every simulation tick.
func (h *Handler) Supervise() {
	expired, limit := h.heartbeat.Expired(h.now())
	if !expired {
		return
	}
	h.logger.Warn("heartbeat pulse missed, limiting current", zap.Int("limit", limit))
	if limit <= 0 {
		h.evse.Disable()
		return
	}
	h.evse.SetCurrentCapacity(limit, true)
}

func (h *Handler) Heartbeat() HeartbeatStatus {
	return h.heartbeat.Status()
}

// Ammeter returns the scale and offset configured with SA.
func (h *Handler) Ammeter() (scale int, offset int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ammeterScale, h.ammeterOff
}

func (h *Handler) MCUID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mcuID
}
