package evse

import (
	"fmt"

	"go.uber.org/zap"
)

// StateChangeFunc receives the observed state after a transition.
type StateChangeFunc func(State)

// Subscription identifies a registered state change callback.
type Subscription uint64

type subscriber struct {
	id Subscription
	fn StateChangeFunc
}

// subscribers is guarded by the owning EVSE lock.
type subscribers struct {
	next   Subscription
	list   []subscriber
	logger *zap.Logger
}

func newSubscribers(logger *zap.Logger) *subscribers {
	return &subscribers{logger: logger}
}

func (s *subscribers) add(fn StateChangeFunc) Subscription {
	s.next++
	s.list = append(s.list, subscriber{id: s.next, fn: fn})
	return s.next
}

func (s *subscribers) remove(id Subscription) bool {
	for i := range s.list {
		if s.list[i].id == id {
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			return true
		}
	}
	return false
}

func (s *subscribers) snapshot() []StateChangeFunc {
	if len(s.list) == 0 {
		return nil
	}
	fns := make([]StateChangeFunc, len(s.list))
	for i := range s.list {
		fns[i] = s.list[i].fn
	}
	return fns
}

// invoke runs every callback. A panicking callback is logged and does not
// prevent the remaining ones from running.
func (s *subscribers) invoke(fns []StateChangeFunc, state State) {
	for _, fn := range fns {
		s.safeCall(fn, state)
	}
}

func (s *subscribers) safeCall(fn StateChangeFunc, state State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state change callback failed", zap.Stringer("state", state), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(state)
}

// AddStateChangeCallback registers fn and returns a handle to remove it.
func (e *EVSE) AddStateChangeCallback(fn StateChangeFunc) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribers.add(fn)
}

// RemoveStateChangeCallback unregisters a callback. It reports whether the
// handle was registered.
func (e *EVSE) RemoveStateChangeCallback(id Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribers.remove(id)
}
