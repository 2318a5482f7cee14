// Package rendezvous is the shared, racy key-value store both peers poll
// during negotiation, plus a typed client for signaling artifacts.
//
// A Store promises nothing beyond last-write-wins and eventual visibility of
// a Put to later Gets. Records may disappear at any time; a missing record is
// reported as absent, never as an error.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps every I/O failure of a Store.
var ErrStoreUnavailable = errors.New("rendezvous store unavailable")

// Store is the rendezvous store boundary.
type Store interface {
	// Put overwrites key with value.
	Put(ctx context.Context, key, value string) error
	// Get reads key once. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}

// unavailable wraps err as ErrStoreUnavailable unless it already is one.
func unavailable(op, key string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s %q: %w", ErrStoreUnavailable, op, key, err)
}
