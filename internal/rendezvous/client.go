package rendezvous

import (
	"context"
	"fmt"

	"github.com/1ureka/cosmicchat/internal/code"
	"github.com/1ureka/cosmicchat/internal/protocol"
	"github.com/1ureka/cosmicchat/internal/util"
)

// DescriptionKey returns "<kind>:<code>".
func DescriptionKey(kind protocol.Kind, c code.SessionCode) string {
	return fmt.Sprintf("%s:%s", kind, c)
}

// CandidatesKey returns "<kind>_ice:<code>".
func CandidatesKey(kind protocol.Kind, c code.SessionCode) string {
	return fmt.Sprintf("%s_ice:%s", kind, c)
}

// Client is a typed wrapper around a Store. It never retries; retry policy
// belongs to the poller.
type Client struct {
	store Store
}

// NewClient wraps store.
func NewClient(store Store) *Client {
	return &Client{store: store}
}

// Publish overwrites key with value.
func (c *Client) Publish(ctx context.Context, key, value string) error {
	if err := c.store.Put(ctx, key, value); err != nil {
		return unavailable("put", key, err)
	}
	util.Stats.AddPublish()
	util.LogDebug("rendezvous put", "key", key, "bytes", len(value))
	return nil
}

// Fetch reads key once. A missing key is (_, false, nil).
func (c *Client) Fetch(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return "", false, unavailable("get", key, err)
	}
	util.Stats.AddFetch()
	if !ok {
		util.Stats.AddMiss()
	}
	return value, ok, nil
}

// PublishDescription writes desc, bundling the given candidates, under
// "<desc.Kind>:<code>".
func (c *Client) PublishDescription(ctx context.Context, sc code.SessionCode, desc protocol.Description, bundled protocol.CandidateBatch) error {
	value, err := protocol.EncodeDescription(desc, bundled)
	if err != nil {
		return err
	}
	return c.Publish(ctx, DescriptionKey(desc.Kind, sc), value)
}

// FetchDescription reads "<kind>:<code>". A stored value that does not
// decode, or whose kind differs from the key, yields protocol.ErrMalformed.
func (c *Client) FetchDescription(ctx context.Context, sc code.SessionCode, kind protocol.Kind) (protocol.Description, protocol.CandidateBatch, bool, error) {
	key := DescriptionKey(kind, sc)
	value, ok, err := c.Fetch(ctx, key)
	if err != nil || !ok {
		return protocol.Description{}, protocol.CandidateBatch{}, false, err
	}
	desc, bundled, err := protocol.DecodeDescription(value)
	if err != nil {
		return protocol.Description{}, protocol.CandidateBatch{}, false, fmt.Errorf("%s: %w", key, err)
	}
	if desc.Kind != kind {
		return protocol.Description{}, protocol.CandidateBatch{}, false,
			fmt.Errorf("%s: %w: holds %s description", key, protocol.ErrMalformed, desc.Kind)
	}
	return desc, bundled, true, nil
}

// PublishCandidates writes batch under "<kind>_ice:<code>".
func (c *Client) PublishCandidates(ctx context.Context, sc code.SessionCode, kind protocol.Kind, batch protocol.CandidateBatch) error {
	value, err := protocol.EncodeBatch(batch)
	if err != nil {
		return err
	}
	return c.Publish(ctx, CandidatesKey(kind, sc), value)
}

// FetchCandidates reads "<kind>_ice:<code>".
func (c *Client) FetchCandidates(ctx context.Context, sc code.SessionCode, kind protocol.Kind) (protocol.CandidateBatch, bool, error) {
	key := CandidatesKey(kind, sc)
	value, ok, err := c.Fetch(ctx, key)
	if err != nil || !ok {
		return protocol.CandidateBatch{}, false, err
	}
	batch, err := protocol.DecodeBatch(value)
	if err != nil {
		return protocol.CandidateBatch{}, false, fmt.Errorf("%s: %w", key, err)
	}
	return batch, true, nil
}
