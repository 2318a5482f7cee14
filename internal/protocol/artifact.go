// Package protocol defines the signaling artifacts exchanged through the
// rendezvous store and their wire encoding.
package protocol

import "slices"

// Kind tags a session description with the role that produced it.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
)

// Valid reports whether k is offer or answer.
func (k Kind) Valid() bool { return k == KindOffer || k == KindAnswer }

// Description is one side's proposed transport parameters. SDP is opaque to
// everything except the negotiation library.
type Description struct {
	Kind Kind
	SDP  string
}

// Candidate is an opaque connectivity-path record (a JSON-encoded
// ICECandidateInit when pion is the library).
type Candidate string

// CandidateBatch is the ordered set of candidates a session has discovered so
// far. Complete is the end-of-candidates marker.
type CandidateBatch struct {
	Candidates []Candidate
	Complete   bool
}

// Len returns the number of candidates in the batch.
func (b CandidateBatch) Len() int { return len(b.Candidates) }

// Clone returns a copy that shares no memory with b.
func (b CandidateBatch) Clone() CandidateBatch {
	return CandidateBatch{Candidates: slices.Clone(b.Candidates), Complete: b.Complete}
}

// Extends reports whether b is a valid successor of prev for the same key:
// prev's candidates are a prefix of b's, and a completed batch never reopens.
func (b CandidateBatch) Extends(prev CandidateBatch) bool {
	if len(b.Candidates) < len(prev.Candidates) {
		return false
	}
	if prev.Complete && !b.Complete {
		return false
	}
	return slices.Equal(b.Candidates[:len(prev.Candidates)], prev.Candidates)
}

// Grew reports whether b carries anything prev did not: more candidates, or
// the end-of-candidates marker.
func (b CandidateBatch) Grew(prev CandidateBatch) bool {
	return len(b.Candidates) > len(prev.Candidates) || (b.Complete && !prev.Complete)
}
