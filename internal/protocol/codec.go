package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a stored value cannot be decoded.
var ErrMalformed = errors.New("malformed signaling artifact")

// descriptionRecord is the JSON layout of an "<kind>:<code>" value. It
// bundles the candidates gathered when the description was published.
type descriptionRecord struct {
	Kind       Kind        `json:"kind"`
	SDP        string      `json:"sdp"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Complete   bool        `json:"complete,omitempty"`
}

// batchRecord is the JSON layout of an "<kind>_ice:<code>" value.
type batchRecord struct {
	Candidates []Candidate `json:"candidates"`
	Complete   bool        `json:"complete"`
}

// EncodeDescription serializes a description together with its bundled
// candidates.
func EncodeDescription(desc Description, bundled CandidateBatch) (string, error) {
	if !desc.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown description kind %q", ErrMalformed, desc.Kind)
	}
	data, err := json.Marshal(descriptionRecord{
		Kind:       desc.Kind,
		SDP:        desc.SDP,
		Candidates: bundled.Candidates,
		Complete:   bundled.Complete,
	})
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	return string(data), nil
}

// DecodeDescription parses a value produced by EncodeDescription.
func DecodeDescription(value string) (Description, CandidateBatch, error) {
	var rec descriptionRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return Description{}, CandidateBatch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !rec.Kind.Valid() {
		return Description{}, CandidateBatch{}, fmt.Errorf("%w: unknown description kind %q", ErrMalformed, rec.Kind)
	}
	if rec.SDP == "" {
		return Description{}, CandidateBatch{}, fmt.Errorf("%w: empty sdp", ErrMalformed)
	}
	return Description{Kind: rec.Kind, SDP: rec.SDP},
		CandidateBatch{Candidates: rec.Candidates, Complete: rec.Complete}, nil
}

// EncodeBatch serializes a candidate batch.
func EncodeBatch(batch CandidateBatch) (string, error) {
	cands := batch.Candidates
	if cands == nil {
		cands = []Candidate{}
	}
	data, err := json.Marshal(batchRecord{Candidates: cands, Complete: batch.Complete})
	if err != nil {
		return "", fmt.Errorf("encode candidates: %w", err)
	}
	return string(data), nil
}

// DecodeBatch parses a value produced by EncodeBatch.
func DecodeBatch(value string) (CandidateBatch, error) {
	var rec batchRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return CandidateBatch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return CandidateBatch{Candidates: rec.Candidates, Complete: rec.Complete}, nil
}
