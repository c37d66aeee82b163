package rapi

import (
	"sync"
	"time"
)

const (
	heartbeatAckMagic = 0xA5

	HeartbeatOK     = 0
	HeartbeatMissed = 2
)

// Heartbeat is the SY keep-alive contract. When an interval is configured
// and no pulse arrives in time the pulse is marked missed until a client
// acknowledges it.
type Heartbeat struct {
	mu sync.Mutex

	interval     time.Duration
	currentLimit int
	missed       bool
	lastPulse    time.Time
	// set when the missed pulse has been applied to the EVSE
	enforced bool
}

type HeartbeatStatus struct {
	IntervalSec  int  `json:"interval_sec"`
	CurrentLimit int  `json:"current_limit"`
	Missed       bool `json:"missed"`
}

func (h *Heartbeat) Pulse(now time.Time) HeartbeatStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPulse = now
	return h.status()
}

func (h *Heartbeat) Configure(now time.Time, intervalSec, currentLimit int) HeartbeatStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interval = time.Duration(intervalSec) * time.Second
	h.currentLimit = currentLimit
	h.lastPulse = now
	return h.status()
}

// Acknowledge clears a missed pulse. It reports false if nothing was missed.
func (h *Heartbeat) Acknowledge(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.missed {
		return false
	}
	h.missed = false
	h.enforced = false
	h.lastPulse = now
	return true
}

// Expired marks the pulse as missed when the interval elapsed. It returns
// true exactly once per missed pulse, with the limit to enforce.
func (h *Heartbeat) Expired(now time.Time) (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.interval <= 0 || h.lastPulse.IsZero() {
		return false, 0
	}
	if now.Sub(h.lastPulse) > h.interval {
		h.missed = true
	}
	if h.missed && !h.enforced {
		h.enforced = true
		return true, h.currentLimit
	}
	return false, 0
}

func (h *Heartbeat) Status() HeartbeatStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status()
}

func (h *Heartbeat) status() HeartbeatStatus {
	return HeartbeatStatus{
		IntervalSec:  int(h.interval / time.Second),
		CurrentLimit: h.currentLimit,
		Missed:       h.missed,
	}
}

func (s HeartbeatStatus) code() int {
	if s.Missed {
		return HeartbeatMissed
	}
	return HeartbeatOK
}
