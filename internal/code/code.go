// Package code generates the short, human-shareable session codes that name
// one negotiation attempt in the rendezvous store.
package code

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// Alphabet is the symbol set of the random part of a code.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random symbols after the prefix.
const Length = 6

// DefaultPrefix is used for chat sessions.
const DefaultPrefix = "CHAT"

// SessionCode identifies one negotiation attempt, e.g. "CHAT-AB12CD".
type SessionCode string

func (c SessionCode) String() string { return string(c) }

// Generate returns prefix + "-" + Length symbols drawn uniformly from Alphabet
// using crypto/rand.
func Generate(prefix string) (SessionCode, error) {
	return GenerateFrom(rand.Reader, prefix)
}

// GenerateFrom is Generate with an explicit random source.
func GenerateFrom(r io.Reader, prefix string) (SessionCode, error) {
	max := big.NewInt(int64(len(Alphabet)))
	buf := make([]byte, Length)
	for i := range buf {
		n, err := rand.Int(r, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw code symbol: %w", err)
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return SessionCode(prefix + "-" + string(buf)), nil
}

// Valid reports whether c has the form PREFIX-XXXXXX for the given prefix.
func Valid(c SessionCode, prefix string) bool {
	rest, ok := strings.CutPrefix(string(c), prefix+"-")
	if !ok || len(rest) != Length {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if strings.IndexByte(Alphabet, rest[i]) < 0 {
			return false
		}
	}
	return true
}
