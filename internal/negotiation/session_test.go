package negotiation

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/1ureka/cosmicchat/internal/config"
	"github.com/1ureka/cosmicchat/internal/protocol"
	"github.com/1ureka/cosmicchat/internal/transport"
	"github.com/1ureka/cosmicchat/internal/transport/transporttest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type recorder struct {
	states   chan State
	messages chan string
}

func newRecorder() *recorder {
	return &recorder{states: make(chan State, 32), messages: make(chan string, 32)}
}

func (r *recorder) options() Options {
	return Options{
		OnState:   func(s State) { r.states <- s },
		OnMessage: func(m string) { r.messages <- m },
	}
}

func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s not reached", want)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newSession(t *testing.T, role config.Role, factory transport.Factory, opts Options) *Session {
	t.Helper()
	s, err := New(role, factory, opts)
	if err != nil {
		t.Fatalf("New(%s): %v", role, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// negotiate runs the full exchange between two sessions by hand.
func negotiate(t *testing.T, initiator, responder *Session) {
	t.Helper()
	offer, err := initiator.CreateAsInitiator()
	if err != nil {
		t.Fatalf("CreateAsInitiator: %v", err)
	}
	if err := responder.CreateAsResponder(); err != nil {
		t.Fatalf("CreateAsResponder: %v", err)
	}
	answer, err := responder.AcceptRemote(offer)
	if err != nil {
		t.Fatalf("responder AcceptRemote: %v", err)
	}
	if answer.Kind != protocol.KindAnswer {
		t.Fatalf("answer kind = %q", answer.Kind)
	}
	if _, err := initiator.AcceptRemote(answer); err != nil {
		t.Fatalf("initiator AcceptRemote: %v", err)
	}

	eventually(t, "initiator candidates", func() bool { return initiator.Candidates().Complete })
	eventually(t, "responder candidates", func() bool { return responder.Candidates().Complete })

	if _, err := responder.AddRemoteCandidates(initiator.Candidates()); err != nil {
		t.Fatalf("responder AddRemoteCandidates: %v", err)
	}
	if _, err := initiator.AddRemoteCandidates(responder.Candidates()); err != nil {
		t.Fatalf("initiator AddRemoteCandidates: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSessionConnectsAndExchangesMessages(t *testing.T) {
	net := transporttest.NewNetwork()
	ir, rr := newRecorder(), newRecorder()
	initiator := newSession(t, config.RoleInitiator, net.Factory(), ir.options())
	responder := newSession(t, config.RoleResponder, net.Factory(), rr.options())

	negotiate(t, initiator, responder)

	ir.waitState(t, StateConnected)
	rr.waitState(t, StateConnected)

	if err := initiator.Send("hi"); err != nil {
		t.Fatalf("initiator Send: %v", err)
	}
	if err := responder.Send("hello back"); err != nil {
		t.Fatalf("responder Send: %v", err)
	}

	for _, tc := range []struct {
		r    *recorder
		want string
	}{{rr, "hi"}, {ir, "hello back"}} {
		select {
		case got := <-tc.r.messages:
			if got != tc.want {
				t.Errorf("message = %q, want %q", got, tc.want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q not delivered", tc.want)
		}
	}
}

func TestCreateAsInitiatorOffer(t *testing.T) {
	net := transporttest.NewNetwork()
	s := newSession(t, config.RoleInitiator, net.Factory(), Options{})

	desc, err := s.CreateAsInitiator()
	if err != nil {
		t.Fatalf("CreateAsInitiator: %v", err)
	}
	if desc.Kind != protocol.KindOffer || desc.SDP == "" {
		t.Fatalf("offer = %+v", desc)
	}
	if local, ok := s.Local(); !ok || local != desc {
		t.Fatalf("Local() = %+v, %v", local, ok)
	}
	if got := s.State(); got != StateNegotiating {
		t.Fatalf("State() = %s, want negotiating", got)
	}
	if ch := net.Peers()[0].Channel(); ch == nil || ch.Label() != ChannelLabel {
		t.Fatalf("chat channel not created")
	}

	if _, err := s.CreateAsInitiator(); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("second CreateAsInitiator err = %v, want ErrNegotiation", err)
	}
}

func TestRoleGuards(t *testing.T) {
	net := transporttest.NewNetwork()
	responder := newSession(t, config.RoleResponder, net.Factory(), Options{})
	if _, err := responder.CreateAsInitiator(); !errors.Is(err, ErrNegotiation) {
		t.Errorf("responder CreateAsInitiator err = %v", err)
	}
	initiator := newSession(t, config.RoleInitiator, net.Factory(), Options{})
	if err := initiator.CreateAsResponder(); !errors.Is(err, ErrNegotiation) {
		t.Errorf("initiator CreateAsResponder err = %v", err)
	}
}

func TestAcceptRemoteRejectsWrongKind(t *testing.T) {
	tests := []struct {
		name string
		role config.Role
		kind protocol.Kind
	}{
		{"initiator given offer", config.RoleInitiator, protocol.KindOffer},
		{"responder given answer", config.RoleResponder, protocol.KindAnswer},
		{"unknown kind", config.RoleResponder, protocol.Kind("pranswer")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := transporttest.NewNetwork()
			s := newSession(t, tt.role, net.Factory(), Options{})
			_, err := s.AcceptRemote(protocol.Description{Kind: tt.kind, SDP: "x"})
			if !errors.Is(err, ErrNegotiation) {
				t.Fatalf("err = %v, want ErrNegotiation", err)
			}
			if got := s.State(); got != StateFailed {
				t.Fatalf("State() = %s, want failed", got)
			}
		})
	}
}

func TestAcceptRemoteLibraryRejection(t *testing.T) {
	net := transporttest.NewNetwork()
	offerer := newSession(t, config.RoleInitiator, net.Factory(), Options{})
	offer, err := offerer.CreateAsInitiator()
	if err != nil {
		t.Fatal(err)
	}

	net.Reject = true
	s := newSession(t, config.RoleResponder, net.Factory(), Options{})
	_, err = s.AcceptRemote(offer)
	if !errors.Is(err, ErrNegotiation) || !errors.Is(err, transporttest.ErrRejected) {
		t.Fatalf("err = %v, want ErrNegotiation wrapping ErrRejected", err)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	net := transporttest.NewNetwork()
	initiator := newSession(t, config.RoleInitiator, net.Factory(), Options{})
	responder := newSession(t, config.RoleResponder, net.Factory(), Options{})

	offer, err := initiator.CreateAsInitiator()
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "initiator candidates", func() bool { return initiator.Candidates().Complete })

	n, err := responder.AddRemoteCandidates(initiator.Candidates())
	if err != nil || n != 2 {
		t.Fatalf("AddRemoteCandidates = %d, %v", n, err)
	}
	if got := responder.Pending(); got != 2 {
		t.Fatalf("Pending() = %d, want 2", got)
	}
	peer := net.Peers()[1]
	if got := len(peer.RemoteCandidates()); got != 0 {
		t.Fatalf("library saw %d candidates before the remote description", got)
	}

	if _, err := responder.AcceptRemote(offer); err != nil {
		t.Fatalf("AcceptRemote: %v", err)
	}
	if got := responder.Pending(); got != 0 {
		t.Fatalf("Pending() after accept = %d", got)
	}
	if got := peer.RemoteCandidates(); len(got) != 2 || got[0] != initiator.Candidates().Candidates[0] {
		t.Fatalf("replayed candidates = %v", got)
	}
}

func TestAddRemoteCandidatesAppliesOnlyNewSuffix(t *testing.T) {
	net := transporttest.NewNetwork()
	offerer := newSession(t, config.RoleInitiator, net.Factory(), Options{})
	offer, err := offerer.CreateAsInitiator()
	if err != nil {
		t.Fatal(err)
	}
	s := newSession(t, config.RoleResponder, net.Factory(), Options{})
	if _, err := s.AcceptRemote(offer); err != nil {
		t.Fatal(err)
	}
	peer := net.Peers()[1]

	a := protocol.Candidate("candidate:x:0")
	b := protocol.Candidate("candidate:x:1")
	c := protocol.Candidate("candidate:x:2")

	steps := []struct {
		batch   []protocol.Candidate
		added   int
		applied int
		wantErr bool
	}{
		{[]protocol.Candidate{a}, 1, 1, false},
		{[]protocol.Candidate{a, b}, 1, 2, false},
		{[]protocol.Candidate{a}, 0, 2, false}, // stale read
		{[]protocol.Candidate{a, b, c}, 1, 3, false},
		{[]protocol.Candidate{b, a, c, c}, 0, 3, true}, // diverged
	}
	for i, st := range steps {
		n, err := s.AddRemoteCandidates(protocol.CandidateBatch{Candidates: st.batch})
		if (err != nil) != st.wantErr {
			t.Fatalf("step %d: err = %v", i, err)
		}
		if st.wantErr && !errors.Is(err, ErrNegotiation) {
			t.Fatalf("step %d: err = %v, want ErrNegotiation", i, err)
		}
		if n != st.added {
			t.Errorf("step %d: added = %d, want %d", i, n, st.added)
		}
		if got := len(peer.RemoteCandidates()); got != st.applied {
			t.Errorf("step %d: applied = %d, want %d", i, got, st.applied)
		}
	}
}

func TestPublishReadyThreshold(t *testing.T) {
	net := transporttest.NewNetwork()
	net.Candidates = 7
	s := newSession(t, config.RoleInitiator, net.Factory(), Options{BatchThreshold: 3})

	if _, err := s.CreateAsInitiator(); err != nil {
		t.Fatal(err)
	}

	// Every signal observes a batch that extends the previous one.
	var prev protocol.CandidateBatch
	for !prev.Complete {
		select {
		case <-s.PublishReady():
		case <-time.After(2 * time.Second):
			t.Fatalf("no publish-ready signal; last batch %+v", prev)
		}
		cur := s.Candidates()
		if !cur.Extends(prev) {
			t.Fatalf("batch %v does not extend %v", cur, prev)
		}
		if !cur.Complete && cur.Len() < 3 {
			t.Fatalf("signalled before threshold with %d candidates", cur.Len())
		}
		prev = cur
	}
	if prev.Len() != 7 {
		t.Fatalf("final batch has %d candidates, want 7", prev.Len())
	}
}

func TestSendBeforeConnected(t *testing.T) {
	net := transporttest.NewNetwork()
	s := newSession(t, config.RoleInitiator, net.Factory(), Options{})
	if err := s.Send("early"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before create err = %v", err)
	}
	if _, err := s.CreateAsInitiator(); err != nil {
		t.Fatal(err)
	}
	if err := s.Send("early"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send while negotiating err = %v", err)
	}
	if got := net.Peers()[0].Channel().Sends(); got != 0 {
		t.Fatalf("library Send called %d times", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	net := transporttest.NewNetwork()
	r := newRecorder()
	s := newSession(t, config.RoleResponder, net.Factory(), r.options())

	if _, err := s.AddRemoteCandidates(protocol.CandidateBatch{Candidates: []protocol.Candidate{"candidate:x:0"}}); err != nil {
		t.Fatal(err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	r.waitState(t, StateClosed)
	select {
	case extra := <-r.states:
		t.Fatalf("unexpected state after close: %s", extra)
	case <-time.After(20 * time.Millisecond):
	}

	if got := s.State(); got != StateClosed {
		t.Fatalf("State() = %s", got)
	}
	if got := s.Pending(); got != 0 {
		t.Fatalf("Pending() = %d, buffer not discarded", got)
	}
	if !net.Peers()[0].Closed() {
		t.Fatal("library instance not released")
	}
	if err := s.Send("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close err = %v", err)
	}
	if _, err := s.AcceptRemote(protocol.Description{Kind: protocol.KindOffer, SDP: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AcceptRemote after close err = %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestRemoteCloseReportsClosed(t *testing.T) {
	net := transporttest.NewNetwork()
	ir, rr := newRecorder(), newRecorder()
	initiator := newSession(t, config.RoleInitiator, net.Factory(), ir.options())
	responder := newSession(t, config.RoleResponder, net.Factory(), rr.options())

	negotiate(t, initiator, responder)
	rr.waitState(t, StateConnected)

	initiator.Close()
	rr.waitState(t, StateClosed)
	if err := responder.Send("anyone?"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after remote close err = %v", err)
	}
}

func TestFactoryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(config.RoleInitiator, func(config.Role) (transport.Peer, error) { return nil, boom }, Options{})
	if !errors.Is(err, ErrNegotiation) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
