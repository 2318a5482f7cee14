package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/cosmicchat/internal/config"
	"github.com/1ureka/cosmicchat/internal/protocol"
	"github.com/1ureka/cosmicchat/internal/util"
)

// Compile-time interface check.
var _ Peer = (*Transport)(nil)

// Options configures NewTransport.
type Options struct {
	// ICEServers are STUN URLs. No TURN: the tool targets direct P2P
	// connectivity with zero infrastructure cost. Empty means host
	// candidates only.
	ICEServers []string
	// API overrides the pion API, e.g. one bound to a virtual network in
	// tests. nil uses the pion defaults.
	API *webrtc.API
}

// Transport implements Peer with a single pion PeerConnection.
type Transport struct {
	role config.Role
	pc   *webrtc.PeerConnection

	mu          sync.RWMutex
	onCandidate func(protocol.Candidate)
	onEnd       func()
	onState     func(State)
}

// NewFactory returns a Factory producing pion Transports.
func NewFactory(opts Options) Factory {
	return func(role config.Role) (Peer, error) {
		return NewTransport(role, opts)
	}
}

// NewTransport creates a PeerConnection configured with opts' STUN servers.
func NewTransport(role config.Role, opts Options) (*Transport, error) {
	var cfg webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if opts.API != nil {
		pc, err = opts.API.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	t := &Transport{role: role, pc: pc}

	// A nil candidate signals the end of gathering.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			if fn := t.endHandler(); fn != nil {
				fn()
			}
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			util.LogWarning("failed to encode ICE candidate", "error", err)
			return
		}
		if fn := t.candidateHandler(); fn != nil {
			fn(protocol.Candidate(data))
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("ICE state", "role", role, "state", state.String())
		if state == webrtc.ICEConnectionStateChecking {
			t.emitState(StateChecking)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state", "role", role, "state", state.String())
		t.emitState(fromPeerConnectionState(state))
	})

	return t, nil
}

func fromPeerConnectionState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func (t *Transport) candidateHandler() func(protocol.Candidate) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.onCandidate
}

func (t *Transport) endHandler() func() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.onEnd
}

func (t *Transport) emitState(s State) {
	t.mu.RLock()
	fn := t.onState
	t.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateDescription generates the offer or answer for t's role and applies it
// as the local description, which starts ICE gathering.
func (t *Transport) CreateDescription() (protocol.Description, error) {
	var (
		sdp  webrtc.SessionDescription
		kind protocol.Kind
		err  error
	)
	switch t.role {
	case config.RoleInitiator:
		kind = protocol.KindOffer
		sdp, err = t.pc.CreateOffer(nil)
	case config.RoleResponder:
		kind = protocol.KindAnswer
		sdp, err = t.pc.CreateAnswer(nil)
	default:
		return protocol.Description{}, fmt.Errorf("unknown role %q", t.role)
	}
	if err != nil {
		return protocol.Description{}, fmt.Errorf("create %s: %w", kind, err)
	}
	if err := t.pc.SetLocalDescription(sdp); err != nil {
		return protocol.Description{}, fmt.Errorf("SetLocalDescription: %w", err)
	}
	return protocol.Description{Kind: kind, SDP: sdp.SDP}, nil
}

// AcceptRemoteDescription applies the remote SDP.
func (t *Transport) AcceptRemoteDescription(desc protocol.Description) error {
	var typ webrtc.SDPType
	switch desc.Kind {
	case protocol.KindOffer:
		typ = webrtc.SDPTypeOffer
	case protocol.KindAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unknown description kind %q", desc.Kind)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	return nil
}

// AddRemoteCandidate decodes a JSON ICECandidateInit and adds it.
func (t *Transport) AddRemoteCandidate(c protocol.Candidate) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(c), &init); err != nil {
		return fmt.Errorf("decode ICE candidate: %w", err)
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("AddICECandidate: %w", err)
	}
	return nil
}

// OnCandidate registers the callback for each locally gathered candidate.
func (t *Transport) OnCandidate(fn func(protocol.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

// OnEndOfCandidates registers the callback for the end of gathering.
func (t *Transport) OnEndOfCandidates(fn func()) {
	t.mu.Lock()
	t.onEnd = fn
	t.mu.Unlock()
}

// OnStateChange registers the connectivity state callback.
func (t *Transport) OnStateChange(fn func(State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Data channels
// ---------------------------------------------------------------------------

// CreateDataChannel creates an ordered, reliable DataChannel. Chat messages
// must arrive in the order they were typed.
func (t *Transport) CreateDataChannel(label string) (Channel, error) {
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateDataChannel: %w", err)
	}
	return newDataChannel(dc), nil
}

// OnDataChannel registers the callback for channels opened by the remote.
func (t *Transport) OnDataChannel(fn func(Channel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(newDataChannel(dc))
	})
}

// Close shuts down the PeerConnection and every channel on it.
func (t *Transport) Close() error {
	if err := t.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}
