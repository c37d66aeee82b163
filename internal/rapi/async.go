package rapi

import (
	"fmt"

	"github.com/berfenger/openevse-emulator/internal/core/evse"
)

// Sink receives unsolicited messages, usually a transport.
type Sink interface {
	Write(data []byte) error
}

// FormatBootNotification builds the $AB message sent once at startup.
func FormatBootNotification(firmware string) string {
	return AppendChecksum("$AB 00 "+firmware) + "\r"
}

// FormatStateTransition builds the $AT message sent on every state change.
func FormatStateTransition(state evse.State, pilot evse.Pilot, capacity int, vflags uint16) string {
	body := fmt.Sprintf("$AT %02X %02X %d %04X", uint8(state), pilot.Code(), capacity, vflags)
	return AppendChecksum(body) + "\r"
}

func (h *Handler) SendBootNotification(sink Sink) error {
	msg := FormatBootNotification(h.evse.FirmwareVersion())
	if err := sink.Write([]byte(msg)); err != nil {
		return fmt.Errorf("send boot notification: %w", err)
	}
	return nil
}

// SendStateTransition reports state, which is the state the EVSE notified
// with, together with the current pilot and capacity.
func (h *Handler) SendStateTransition(sink Sink, state evse.State) error {
	msg := FormatStateTransition(state, h.pilot.Pilot(), h.evse.CurrentCapacity(), h.evse.VFlags())
	if err := sink.Write([]byte(msg)); err != nil {
		return fmt.Errorf("send state transition: %w", err)
	}
	return nil
}
