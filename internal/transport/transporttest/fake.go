// Package transporttest provides an in-process fake of the negotiation
// library. Peers created from one Network find each other through the
// descriptions they exchange and "connect" once both sides hold the remote
// description and at least one remote candidate.
package transporttest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/1ureka/cosmicchat/internal/config"
	"github.com/1ureka/cosmicchat/internal/protocol"
	"github.com/1ureka/cosmicchat/internal/transport"
)

// Compile-time interface checks.
var (
	_ transport.Peer    = (*Peer)(nil)
	_ transport.Channel = (*Channel)(nil)
)

// ErrRejected is returned by AcceptRemoteDescription when Network.Reject is set
// and no custom error is configured.
var ErrRejected = errors.New("fake: remote description rejected")

// Network links fake peers. Exported fields must be set before peers are
// created.
type Network struct {
	// Candidates is how many candidates each peer gathers (default 2).
	Candidates int
	// Reject makes every AcceptRemoteDescription fail with RejectErr.
	Reject    bool
	RejectErr error
	// NoConnect keeps peers negotiating forever.
	NoConnect bool

	mu     sync.Mutex
	nextID int
	peers  map[string]*Peer
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{Candidates: 2, peers: make(map[string]*Peer)}
}

// Factory returns a transport.Factory creating peers on n.
func (n *Network) Factory() transport.Factory {
	return func(role config.Role) (transport.Peer, error) {
		return n.NewPeer(role), nil
	}
}

// NewPeer creates a peer on n.
func (n *Network) NewPeer(role config.Role) *Peer {
	n.mu.Lock()
	n.nextID++
	p := &Peer{
		net:    n,
		id:     fmt.Sprintf("p%d", n.nextID),
		role:   role,
		events: make(chan func(), 256),
		done:   make(chan struct{}),
		state:  transport.StateNew,
	}
	n.peers[p.id] = p
	n.mu.Unlock()

	go p.loop()
	return p
}

// Peers returns every peer created on n, in creation order.
func (n *Network) Peers() []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Peer, 0, len(n.peers))
	for i := 1; i <= n.nextID; i++ {
		if p, ok := n.peers[fmt.Sprintf("p%d", i)]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (n *Network) lookup(id string) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

// Peer is a fake library instance. Callbacks are delivered in order on a
// per-peer goroutine, never from inside a method call.
type Peer struct {
	net  *Network
	id   string
	role config.Role

	events chan func()
	done   chan struct{}

	mu          sync.Mutex
	local       *protocol.Description
	remote      *protocol.Description
	remotePeer  *Peer
	remoteCands []protocol.Candidate
	state       transport.State
	connected   bool
	closed      bool
	channel     *Channel

	onCandidate func(protocol.Candidate)
	onEnd       func()
	onState     func(transport.State)
	onChannel   func(transport.Channel)
}

// ID identifies the peer within its network.
func (p *Peer) ID() string { return p.id }

// Role returns the role the peer was created for.
func (p *Peer) Role() config.Role { return p.role }

// Closed reports whether Close was called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// RemoteCandidates returns the candidates applied so far.
func (p *Peer) RemoteCandidates() []protocol.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Candidate(nil), p.remoteCands...)
}

// Channel returns the channel created locally or announced by the remote.
func (p *Peer) Channel() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

func (p *Peer) loop() {
	for {
		select {
		case fn := <-p.events:
			fn()
		case <-p.done:
			for {
				select {
				case fn := <-p.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post queues fn on the peer's callback goroutine; it is dropped once the
// peer is closed.
func (p *Peer) post(fn func()) {
	select {
	case <-p.done:
	case p.events <- fn:
	}
}

func (p *Peer) setState(s transport.State) {
	p.mu.Lock()
	if p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		p.post(func() { fn(s) })
	}
}

func candidateFor(id string, i int) protocol.Candidate {
	return protocol.Candidate(fmt.Sprintf("candidate:%s:%d", id, i))
}

func sdpFor(kind protocol.Kind, id string) string {
	return fmt.Sprintf("fake-%s %s", kind, id)
}

func peerIDFromSDP(sdp string) (string, bool) {
	_, id, ok := strings.Cut(sdp, " ")
	return id, ok && strings.HasPrefix(sdp, "fake-")
}

// CreateDescription emits an offer (initiator) or answer (responder, after
// the offer is accepted), then gathers Network.Candidates candidates.
func (p *Peer) CreateDescription() (protocol.Description, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return protocol.Description{}, errors.New("fake: peer closed")
	}
	kind := protocol.KindOffer
	if p.role == config.RoleResponder {
		if p.remote == nil {
			p.mu.Unlock()
			return protocol.Description{}, errors.New("fake: answer requires a remote offer")
		}
		kind = protocol.KindAnswer
	}
	desc := protocol.Description{Kind: kind, SDP: sdpFor(kind, p.id)}
	p.local = &desc
	onCandidate, onEnd := p.onCandidate, p.onEnd
	p.mu.Unlock()

	for i := 0; i < p.net.Candidates; i++ {
		c := candidateFor(p.id, i)
		if onCandidate != nil {
			p.post(func() { onCandidate(c) })
		}
	}
	if onEnd != nil {
		p.post(onEnd)
	}
	p.setState(transport.StateChecking)
	return desc, nil
}

// AcceptRemoteDescription checks the kind against the role and records the
// remote peer.
func (p *Peer) AcceptRemoteDescription(desc protocol.Description) error {
	if p.net.Reject {
		if p.net.RejectErr != nil {
			return p.net.RejectErr
		}
		return ErrRejected
	}
	want := protocol.KindOffer
	if p.role == config.RoleInitiator {
		want = protocol.KindAnswer
	}
	if desc.Kind != want {
		return fmt.Errorf("fake: %s cannot accept %s", p.role, desc.Kind)
	}
	id, ok := peerIDFromSDP(desc.SDP)
	if !ok {
		return fmt.Errorf("fake: malformed sdp %q", desc.SDP)
	}
	remote := p.net.lookup(id)
	if remote == nil {
		return fmt.Errorf("fake: unknown peer %q", id)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("fake: peer closed")
	}
	p.remote = &desc
	p.remotePeer = remote
	p.mu.Unlock()

	p.net.tryConnect(p)
	return nil
}

// AddRemoteCandidate fails while no remote description is set, like the real
// library does.
func (p *Peer) AddRemoteCandidate(c protocol.Candidate) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("fake: peer closed")
	}
	if p.remote == nil {
		p.mu.Unlock()
		return errors.New("fake: remote description not set")
	}
	if !strings.HasPrefix(string(c), "candidate:") {
		p.mu.Unlock()
		return fmt.Errorf("fake: malformed candidate %q", c)
	}
	p.remoteCands = append(p.remoteCands, c)
	p.mu.Unlock()

	p.net.tryConnect(p)
	return nil
}

func (p *Peer) OnCandidate(fn func(protocol.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnEndOfCandidates(fn func()) {
	p.mu.Lock()
	p.onEnd = fn
	p.mu.Unlock()
}

func (p *Peer) OnStateChange(fn func(transport.State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) OnDataChannel(fn func(transport.Channel)) {
	p.mu.Lock()
	p.onChannel = fn
	p.mu.Unlock()
}

// CreateDataChannel creates the local end; it opens on connect.
func (p *Peer) CreateDataChannel(label string) (transport.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("fake: peer closed")
	}
	p.channel = &Channel{owner: p, label: label}
	return p.channel, nil
}

// Close reports StateClosed and closes the channel on both ends.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ch := p.channel
	p.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	p.setState(transport.StateClosed)
	close(p.done)
	return nil
}

// ready reports whether p holds the remote description and a candidate from
// it.
func (p *Peer) ready() (*Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.connected || p.remote == nil || p.local == nil || len(p.remoteCands) == 0 {
		return nil, false
	}
	return p.remotePeer, true
}

func (n *Network) tryConnect(p *Peer) {
	if n.NoConnect {
		return
	}
	remote, ok := p.ready()
	if !ok || remote == nil {
		return
	}
	back, ok := remote.ready()
	if !ok || back != p {
		return
	}

	initiator, responder := p, remote
	if p.role == config.RoleResponder {
		initiator, responder = remote, p
	}

	// Both sides are ready; pair them exactly once.
	initiator.mu.Lock()
	responder.mu.Lock()
	if initiator.connected || responder.connected {
		responder.mu.Unlock()
		initiator.mu.Unlock()
		return
	}
	initiator.connected, responder.connected = true, true
	local := initiator.channel
	var accepted *Channel
	if local != nil {
		accepted = &Channel{owner: responder, label: local.label}
		local.peer, accepted.peer = accepted, local
		responder.channel = accepted
	}
	onChannel := responder.onChannel
	responder.mu.Unlock()
	initiator.mu.Unlock()

	for _, peer := range []*Peer{initiator, responder} {
		peer.setState(transport.StateConnecting)
		peer.setState(transport.StateConnected)
	}
	if accepted != nil {
		if onChannel != nil {
			responder.post(func() { onChannel(accepted) })
		}
		local.open()
		accepted.open()
	}
}

// Channel is a fake data channel. Messages are delivered on the receiving
// peer's callback goroutine.
type Channel struct {
	owner *Peer
	label string
	sends atomic.Int64

	mu      sync.Mutex
	peer    *Channel
	opened  bool
	closed  bool
	onMsg   func([]byte)
	onOpen  func()
	onClose func()
}

// Sends counts calls to Send, successful or not.
func (c *Channel) Sends() int64 { return c.sends.Load() }

func (c *Channel) Label() string { return c.label }

func (c *Channel) open() {
	c.mu.Lock()
	c.opened = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		c.owner.post(fn)
	}
}

// Send copies data to the remote end.
func (c *Channel) Send(data []byte) error {
	c.sends.Add(1)
	c.mu.Lock()
	if !c.opened || c.closed {
		c.mu.Unlock()
		return errors.New("fake: channel not open")
	}
	peer := c.peer
	c.mu.Unlock()

	msg := append([]byte(nil), data...)
	peer.mu.Lock()
	fn := peer.onMsg
	peer.mu.Unlock()
	if fn != nil {
		peer.owner.post(func() { fn(msg) })
	}
	return nil
}

func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

// OnOpen fires immediately (on the callback goroutine) if already open.
func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	opened := c.opened && !c.closed
	c.mu.Unlock()
	if opened {
		c.owner.post(fn)
	}
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Close closes both ends.
func (c *Channel) Close() error {
	c.closeLocal()
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		peer.closeLocal()
	}
	return nil
}

func (c *Channel) closeLocal() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		c.owner.post(fn)
	}
}
