package lifecycle

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/1ureka/cosmicchat/internal/negotiation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) states() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]State, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.State
	}
	return out
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMonitorTransitions(t *testing.T) {
	N := negotiation.StateNew
	G := negotiation.StateNegotiating
	C := negotiation.StateConnected
	D := negotiation.StateDisconnected
	F := negotiation.StateFailed
	X := negotiation.StateClosed

	tests := []struct {
		name  string
		input []negotiation.State
		want  []State
	}{
		{"happy path", []negotiation.State{N, G, C, X}, []State{StateIdle, StateNegotiating, StateConnected, StateClosed}},
		{"duplicates collapse", []negotiation.State{G, G, G, C, C}, []State{StateIdle, StateNegotiating, StateConnected}},
		{"transient disconnect hidden", []negotiation.State{G, C, D, C, D, X}, []State{StateIdle, StateNegotiating, StateConnected, StateClosed}},
		{"disconnect before connect is negotiating", []negotiation.State{D, C}, []State{StateIdle, StateNegotiating, StateConnected}},
		{"failed is absorbing", []negotiation.State{G, F, G, C, X}, []State{StateIdle, StateNegotiating, StateFailed}},
		{"closed is absorbing", []negotiation.State{G, X, C, F}, []State{StateIdle, StateNegotiating, StateClosed}},
		{"connected ignores negotiating", []negotiation.State{C, G, N}, []State{StateIdle, StateConnected}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			var c collector
			m.Subscribe(c.add)
			m.Track("s1")
			for _, s := range tt.input {
				m.Observe("s1", s)
			}
			if got := c.states(); !equalStates(got, tt.want) {
				t.Fatalf("events = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitorIgnoresStaleSessions(t *testing.T) {
	m := New()
	var c collector
	m.Subscribe(c.add)

	m.Observe("untracked", negotiation.StateConnected)
	m.Track("old")
	m.Observe("old", negotiation.StateNegotiating)
	m.Track("new")
	m.Observe("old", negotiation.StateConnected)
	m.Fail("old", errors.New("late"))

	want := []State{StateIdle, StateNegotiating, StateIdle}
	if got := c.states(); !equalStates(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if m.Session() != "new" || m.State() != StateIdle {
		t.Fatalf("tracked %q in %s", m.Session(), m.State())
	}
}

func TestMonitorFailCarriesError(t *testing.T) {
	m := New()
	var c collector
	m.Subscribe(c.add)
	m.Track("s")
	cause := errors.New("timed out")
	m.Fail("s", cause)
	m.Fail("s", errors.New("second"))

	if len(c.events) != 2 {
		t.Fatalf("got %d events", len(c.events))
	}
	last := c.events[1]
	if last.State != StateFailed || !errors.Is(last.Err, cause) {
		t.Fatalf("last event = %+v", last)
	}
	if !errors.Is(m.Err(), cause) {
		t.Fatalf("Err() = %v", m.Err())
	}
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := New()
	var a, b collector
	unsubA := m.Subscribe(a.add)
	m.Subscribe(b.add)
	m.Track("s")
	unsubA()
	unsubA()
	m.Observe("s", negotiation.StateNegotiating)

	if len(a.events) != 1 || len(b.events) != 2 {
		t.Fatalf("a=%d b=%d events", len(a.events), len(b.events))
	}
}

func TestMonitorReentrantSubscriber(t *testing.T) {
	m := New()
	var c collector
	m.Subscribe(func(ev Event) {
		if ev.State == StateConnected {
			m.Observe(ev.Session, negotiation.StateClosed)
		}
	})
	m.Subscribe(c.add)
	m.Track("s")
	m.Observe("s", negotiation.StateConnected)

	want := []State{StateIdle, StateConnected, StateClosed}
	if got := c.states(); !equalStates(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestMonitorConcurrentObservers(t *testing.T) {
	m := New()
	var c collector
	m.Subscribe(c.add)
	m.Track("s")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Observe("s", negotiation.StateNegotiating)
			m.Observe("s", negotiation.StateConnected)
		}()
	}
	wg.Wait()

	want := []State{StateIdle, StateNegotiating, StateConnected}
	if got := c.states(); !equalStates(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}
