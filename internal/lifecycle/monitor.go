// Package lifecycle turns negotiation session states into the stable
// caller-visible connection state.
package lifecycle

import (
	"sync"

	"github.com/1ureka/cosmicchat/internal/negotiation"
	"github.com/1ureka/cosmicchat/internal/util"
)

// State is what the UI sees.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
	StateFailed
)

var stateNames = [...]string{"idle", "negotiating", "connected", "closed", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// Event is one delivered transition. Err is set for failures the driver
// could attribute to a cause.
type Event struct {
	Session string
	State   State
	Err     error
}

type subscriber struct {
	id int
	fn func(Event)
}

// Monitor tracks one session at a time. Each Track starts a new epoch;
// observations for any other session id are ignored.
type Monitor struct {
	mu         sync.Mutex
	session    string
	state      State
	err        error
	subs       []subscriber
	nextID     int
	queue      []Event
	delivering bool
}

// New returns a monitor with no tracked session.
func New() *Monitor {
	return &Monitor{}
}

// Subscribe registers fn for every future event. Subscribers are called in
// registration order, one event at a time, and may call back into the
// monitor. The returned function unsubscribes.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Track starts a new epoch for sessionID in state Idle.
func (m *Monitor) Track(sessionID string) {
	m.mu.Lock()
	m.session = sessionID
	m.state = StateIdle
	m.err = nil
	m.queue = append(m.queue, Event{Session: sessionID, State: StateIdle})
	m.mu.Unlock()
	m.deliver()
}

// Observe feeds a session state. At most one event is delivered per actual
// transition.
func (m *Monitor) Observe(sessionID string, s negotiation.State) {
	m.transition(sessionID, fromSession(s), nil)
}

// Fail moves the session to Failed with err as the cause.
func (m *Monitor) Fail(sessionID string, err error) {
	m.transition(sessionID, StateFailed, err)
}

// State returns the current state of the tracked session.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the cause recorded with Failed, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Session returns the tracked session id.
func (m *Monitor) Session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// fromSession maps negotiation states. Disconnected is not a caller state:
// before Connected it is still negotiating, after Connected it is ignored
// until the library settles on connected, failed or closed.
func fromSession(s negotiation.State) State {
	switch s {
	case negotiation.StateConnected:
		return StateConnected
	case negotiation.StateFailed:
		return StateFailed
	case negotiation.StateClosed:
		return StateClosed
	case negotiation.StateNegotiating, negotiation.StateDisconnected:
		return StateNegotiating
	default:
		return StateIdle
	}
}

func allowed(from, to State) bool {
	switch {
	case from == to, from.Terminal(), to == StateIdle:
		return false
	case from == StateConnected:
		return to.Terminal()
	}
	return true
}

func (m *Monitor) transition(sessionID string, next State, err error) {
	m.mu.Lock()
	if sessionID == "" || sessionID != m.session || !allowed(m.state, next) {
		m.mu.Unlock()
		return
	}
	util.LogDebug("connection state", "session", sessionID, "from", m.state, "to", next)
	m.state = next
	if next == StateFailed {
		m.err = err
	}
	m.queue = append(m.queue, Event{Session: sessionID, State: next, Err: err})
	m.mu.Unlock()
	m.deliver()
}

// deliver drains the queue unless another call is already draining it, which
// keeps events ordered when a subscriber triggers a new transition.
func (m *Monitor) deliver() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		ev := m.queue[0]
		m.queue = m.queue[1:]
		subs := append([]subscriber(nil), m.subs...)
		m.mu.Unlock()
		for _, s := range subs {
			s.fn(ev)
		}
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}
