// Package transport is the boundary to the connection-negotiation library.
// The signaling engine only sees Peer and Channel; Transport implements them
// with pion/webrtc, and transporttest provides an in-process fake.
package transport

import (
	"github.com/1ureka/cosmicchat/internal/config"
	"github.com/1ureka/cosmicchat/internal/protocol"
)

// State is the library-level connectivity state. It is finer grained than
// what callers of the signaling engine see.
type State int

const (
	StateNew State = iota
	StateChecking
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{"new", "checking", "connecting", "connected", "disconnected", "failed", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Peer is one negotiation-library instance. Callbacks may be invoked from
// any goroutine and must be registered before CreateDescription.
type Peer interface {
	// CreateDescription produces and applies the local description: an
	// offer for the initiator, an answer for the responder (which requires
	// the remote offer to be accepted first). Candidate discovery starts.
	CreateDescription() (protocol.Description, error)
	// AcceptRemoteDescription applies the peer's description.
	AcceptRemoteDescription(desc protocol.Description) error
	// AddRemoteCandidate applies one of the peer's candidates. The remote
	// description must already be accepted.
	AddRemoteCandidate(c protocol.Candidate) error

	OnCandidate(fn func(protocol.Candidate))
	OnEndOfCandidates(fn func())
	OnStateChange(fn func(State))

	// CreateDataChannel opens a channel (initiator side).
	CreateDataChannel(label string) (Channel, error)
	// OnDataChannel reports channels opened by the remote side.
	OnDataChannel(fn func(Channel))

	Close() error
}

// Channel is a bidirectional message channel carried by a Peer.
type Channel interface {
	Label() string
	Send(data []byte) error
	OnMessage(fn func([]byte))
	OnOpen(fn func())
	OnClose(fn func())
	Close() error
}

// Factory creates a Peer for the given role.
type Factory func(role config.Role) (Peer, error)
