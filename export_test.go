package redismux

import "time"

var (
	ValidTransition = validTransition
	RedirectAddr    = redirectAddr
)

func (sm *SlotMap) WithSlot(slot int, node *Endpoint) *SlotMap {
	return sm.withSlot(slot, node)
}

func (opt *Options) Init() { opt.init() }

// InteractiveState returns the state of the interactive connection to addr.
func (m *Multiplexer) InteractiveState(addr string) ConnState {
	e := m.lookupEndpoint(addr)
	if e == nil {
		return StateClosed
	}
	return e.interactive.state.Load()
}

func (m *Multiplexer) SubscriptionState(addr string) ConnState {
	e := m.lookupEndpoint(addr)
	if e == nil {
		return StateClosed
	}
	return e.subscription.state.Load()
}

func (m *Multiplexer) Primary() string {
	if e := m.primary.Load(); e != nil {
		return e.addr
	}
	return ""
}

func (m *Multiplexer) ApplyMoved(slot int, addr string) { m.applyMoved(slot, addr) }

// StateMachine exposes a detached state machine for transition tests.
type StateMachine struct{ sm stateMachine }

func (s *StateMachine) Transition(to ConnState) bool { return s.sm.transition(to) }
func (s *StateMachine) Load() ConnState              { return s.sm.Load() }

func Interval(from, to time.Time) time.Duration { return interval(from, to) }
