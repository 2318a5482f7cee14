// Package negotiation wraps one negotiation-library instance per attempt and
// mediates between it and the signaling driver.
package negotiation

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/cosmicchat/internal/config"
	"github.com/1ureka/cosmicchat/internal/protocol"
	"github.com/1ureka/cosmicchat/internal/transport"
	"github.com/1ureka/cosmicchat/internal/util"
)

var (
	// ErrNegotiation marks a role-mismatched or rejected description or
	// candidate. It is fatal for the attempt.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrNotConnected is returned by Send before the channel is usable.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("session closed")
)

// ChannelLabel names the data channel carrying chat messages.
const ChannelLabel = "chat"

// DefaultBatchThreshold is how many new candidates trigger a publish-ready
// signal before end-of-candidates.
const DefaultBatchThreshold = 5

// State is the coalesced session state.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{"new", "negotiating", "connected", "disconnected", "failed", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Options configures a Session. Callbacks run in order on the session's
// dispatch goroutine; they may call any Session method, including Close.
type Options struct {
	BatchThreshold int
	OnState        func(State)
	OnMessage      func(string)
}

// Session is single-use: one role, one library instance.
type Session struct {
	id        string
	role      config.Role
	peer      transport.Peer
	threshold int
	opts      Options

	// libMu serializes calls into the library so accepted descriptions and
	// replayed candidates are applied in order. Library callbacks never
	// take it.
	libMu sync.Mutex

	mu            sync.Mutex
	state         State
	libState      transport.State
	failed        bool
	closed        bool
	channel       transport.Channel
	channelOpen   bool
	channelClosed bool
	local         *protocol.Description
	remote        *protocol.Description
	batch         protocol.CandidateBatch
	unflushed     int
	remoteSeen    []protocol.Candidate
	pending       []protocol.Candidate
	queue         []func()

	ready     chan struct{}
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a session for role using a fresh library instance from factory.
func New(role config.Role, factory transport.Factory, opts Options) (*Session, error) {
	peer, err := factory(role)
	if err != nil {
		return nil, fmt.Errorf("%w: create peer: %w", ErrNegotiation, err)
	}

	threshold := opts.BatchThreshold
	if threshold <= 0 {
		threshold = DefaultBatchThreshold
	}
	s := &Session{
		id:        uuid.NewString(),
		role:      role,
		peer:      peer,
		threshold: threshold,
		opts:      opts,
		ready:     make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	peer.OnCandidate(s.handleCandidate)
	peer.OnEndOfCandidates(s.handleEndOfCandidates)
	peer.OnStateChange(s.handleLibraryState)

	go s.dispatch()
	return s, nil
}

// ID is a unique identifier for logs and lifecycle tracking.
func (s *Session) ID() string { return s.id }

// Done is closed once Close has been called.
func (s *Session) Done() <-chan struct{} { return s.done }

// CreateAsInitiator opens the chat channel and produces the offer. Candidate
// discovery starts immediately afterwards.
func (s *Session) CreateAsInitiator() (protocol.Description, error) {
	if s.role != config.RoleInitiator {
		return protocol.Description{}, fmt.Errorf("%w: %s session cannot create an offer", ErrNegotiation, s.role)
	}

	s.libMu.Lock()
	defer s.libMu.Unlock()

	if err := s.checkFresh(); err != nil {
		return protocol.Description{}, err
	}

	ch, err := s.peer.CreateDataChannel(ChannelLabel)
	if err != nil {
		return protocol.Description{}, s.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
	}
	s.attachChannel(ch)

	desc, err := s.peer.CreateDescription()
	if err != nil {
		return protocol.Description{}, s.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
	}
	s.update(func() { s.local = &desc })
	return desc, nil
}

// CreateAsResponder arms the incoming channel callback. The answer is
// produced by AcceptRemote.
func (s *Session) CreateAsResponder() error {
	if s.role != config.RoleResponder {
		return fmt.Errorf("%w: %s session cannot respond", ErrNegotiation, s.role)
	}
	if err := s.checkFresh(); err != nil {
		return err
	}
	s.peer.OnDataChannel(func(ch transport.Channel) {
		if ch.Label() != ChannelLabel {
			util.LogWarning("ignoring unexpected data channel", "session", s.id, "label", ch.Label())
			return
		}
		s.attachChannel(ch)
	})
	return nil
}

func (s *Session) checkFresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.local != nil || s.remote != nil {
		return fmt.Errorf("%w: session already started", ErrNegotiation)
	}
	return nil
}

// AcceptRemote applies the peer's description. A responder then produces and
// returns its answer; an initiator returns a zero Description. Candidates
// buffered before this call are replayed afterwards.
func (s *Session) AcceptRemote(desc protocol.Description) (protocol.Description, error) {
	want := protocol.KindOffer
	if s.role == config.RoleInitiator {
		want = protocol.KindAnswer
	}

	s.libMu.Lock()
	defer s.libMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return protocol.Description{}, ErrClosed
	case s.remote != nil:
		s.mu.Unlock()
		return protocol.Description{}, fmt.Errorf("%w: remote description already accepted", ErrNegotiation)
	}
	s.mu.Unlock()

	if desc.Kind != want {
		return protocol.Description{}, s.fail(fmt.Errorf("%w: %s expects %s, got %q", ErrNegotiation, s.role, want, desc.Kind))
	}
	if err := s.peer.AcceptRemoteDescription(desc); err != nil {
		return protocol.Description{}, s.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
	}

	var pending []protocol.Candidate
	s.update(func() {
		s.remote = &desc
		pending, s.pending = s.pending, nil
	})

	var answer protocol.Description
	if s.role == config.RoleResponder {
		local, err := s.peer.CreateDescription()
		if err != nil {
			return protocol.Description{}, s.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
		}
		s.update(func() { s.local = &local })
		answer = local
	}

	if len(pending) > 0 {
		util.LogDebug("replaying buffered candidates", "session", s.id, "count", len(pending))
		if err := s.applyCandidates(pending); err != nil {
			util.LogWarning("buffered candidate rejected", "session", s.id, "error", err)
		}
	}
	return answer, nil
}

// AddRemoteCandidates applies the part of batch not seen before, in order.
// Batches are cumulative, so a stale (shorter) read is a no-op. Candidates
// arriving before AcceptRemote are buffered. Returns how many were new.
func (s *Session) AddRemoteCandidates(batch protocol.CandidateBatch) (int, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	seen := len(s.remoteSeen)
	if len(batch.Candidates) <= seen {
		s.mu.Unlock()
		return 0, nil
	}
	if !slices.Equal(batch.Candidates[:seen], s.remoteSeen) {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: remote candidates diverged from earlier batch", ErrNegotiation)
	}
	fresh := slices.Clone(batch.Candidates[seen:])
	s.remoteSeen = append(s.remoteSeen, fresh...)
	if s.remote == nil {
		s.pending = append(s.pending, fresh...)
		s.mu.Unlock()
		return len(fresh), nil
	}
	s.mu.Unlock()

	return len(fresh), s.applyCandidates(fresh)
}

// applyCandidates must be called with libMu held. One rejected candidate does
// not stop the rest.
func (s *Session) applyCandidates(cands []protocol.Candidate) error {
	var errs []error
	for _, c := range cands {
		if err := s.peer.AddRemoteCandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrNegotiation, errors.Join(errs...))
	}
	return nil
}

// Pending returns how many remote candidates are buffered awaiting the remote
// description.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Local returns the local description once produced.
func (s *Session) Local() (protocol.Description, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return protocol.Description{}, false
	}
	return *s.local, true
}

// Candidates returns a snapshot of the local batch.
func (s *Session) Candidates() protocol.CandidateBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch.Clone()
}

// PublishReady receives a value whenever the local batch crossed the
// threshold or completed since the last receive. Signals coalesce.
func (s *Session) PublishReady() <-chan struct{} { return s.ready }

// State returns the current coalesced state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send transmits text over the chat channel. It never reaches the library
// unless the session is Connected.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateConnected || s.channel == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	ch := s.channel
	s.mu.Unlock()

	if err := ch.Send([]byte(text)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	util.Stats.AddSent(len(text))
	return nil
}

// Close releases the library instance and reports Closed. Calling it again
// has no further effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.transitionLocked()
		s.mu.Unlock()

		close(s.done)
		s.closeErr = s.peer.Close()
		util.LogDebug("negotiation session closed", "session", s.id, "role", s.role)
	})
	return s.closeErr
}

// ---------------------------------------------------------------------------
// Library callbacks
// ---------------------------------------------------------------------------

func (s *Session) handleCandidate(c protocol.Candidate) {
	s.mu.Lock()
	if s.closed || s.batch.Complete {
		s.mu.Unlock()
		return
	}
	s.batch.Candidates = append(s.batch.Candidates, c)
	s.unflushed++
	signal := s.unflushed >= s.threshold
	if signal {
		s.unflushed = 0
	}
	s.mu.Unlock()

	if signal {
		s.signalReady()
	}
}

func (s *Session) handleEndOfCandidates() {
	s.mu.Lock()
	if s.closed || s.batch.Complete {
		s.mu.Unlock()
		return
	}
	s.batch.Complete = true
	s.unflushed = 0
	n := len(s.batch.Candidates)
	s.mu.Unlock()

	util.LogDebug("candidate gathering complete", "session", s.id, "count", n)
	s.signalReady()
}

func (s *Session) signalReady() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Session) handleLibraryState(ls transport.State) {
	s.update(func() { s.libState = ls })
}

func (s *Session) attachChannel(ch transport.Channel) {
	s.mu.Lock()
	if s.closed || s.channel != nil {
		s.mu.Unlock()
		return
	}
	s.channel = ch
	s.mu.Unlock()

	ch.OnOpen(func() {
		s.update(func() { s.channelOpen = true })
	})
	ch.OnClose(func() {
		s.update(func() {
			if s.channelOpen {
				s.channelClosed = true
			}
		})
	})
	ch.OnMessage(func(data []byte) {
		util.Stats.AddRecv(len(data))
		fn := s.opts.OnMessage
		if fn == nil {
			return
		}
		text := string(data)
		s.mu.Lock()
		if !s.closed {
			s.enqueueLocked(func() { fn(text) })
		}
		s.mu.Unlock()
	})
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// fail marks the session Failed and returns err.
func (s *Session) fail(err error) error {
	s.update(func() { s.failed = true })
	return err
}

// update mutates session fields and queues a state notification if the
// coalesced state changed. Updates after Close are dropped.
func (s *Session) update(mutate func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	mutate()
	s.transitionLocked()
}

func (s *Session) transitionLocked() {
	next := s.coalesceLocked()
	if next == s.state {
		return
	}
	util.LogDebug("negotiation state", "session", s.id, "role", s.role, "from", s.state, "to", next)
	s.state = next
	if fn := s.opts.OnState; fn != nil {
		s.enqueueLocked(func() { fn(next) })
	}
}

// coalesceLocked folds library states into the session enum. Connected also
// requires the chat channel to be open so that Send works as soon as it is
// reported.
func (s *Session) coalesceLocked() State {
	switch {
	case s.closed, s.channelClosed:
		return StateClosed
	case s.failed:
		return StateFailed
	}
	switch s.libState {
	case transport.StateFailed:
		return StateFailed
	case transport.StateClosed:
		return StateClosed
	case transport.StateDisconnected:
		return StateDisconnected
	case transport.StateConnected:
		if s.channelOpen {
			return StateConnected
		}
		return StateNegotiating
	case transport.StateChecking, transport.StateConnecting:
		return StateNegotiating
	}
	if s.local != nil || s.remote != nil {
		return StateNegotiating
	}
	return StateNew
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func (s *Session) enqueueLocked(fn func()) {
	s.queue = append(s.queue, fn)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch runs queued callbacks in order until Close, then drains.
func (s *Session) dispatch() {
	for {
		select {
		case <-s.wake:
			s.runQueued()
		case <-s.done:
			s.runQueued()
			return
		}
	}
}

func (s *Session) runQueued() {
	for {
		s.mu.Lock()
		q := s.queue
		s.queue = nil
		s.mu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, fn := range q {
			fn()
		}
	}
}
