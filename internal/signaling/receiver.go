package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/cosmicchat/internal/negotiation"
	"github.com/1ureka/cosmicchat/internal/poll"
	"github.com/1ureka/cosmicchat/internal/protocol"
	"github.com/1ureka/cosmicchat/internal/util"
)

// errStopTrickle ends a trickle poll early without being reported.
var errStopTrickle = errors.New("trickle no longer needed")

// awaitDescription polls "<kind>:<code>" for a's code and returns the
// description with its bundled candidates.
func (d *Driver) awaitDescription(ctx context.Context, p poll.Poller, a *attempt, kind protocol.Kind) (protocol.Description, protocol.CandidateBatch, error) {
	var (
		desc    protocol.Description
		bundled protocol.CandidateBatch
	)
	_, err := p.Poll(ctx, func(ctx context.Context) (string, bool, error) {
		var (
			ok  bool
			err error
		)
		desc, bundled, ok, err = d.client.FetchDescription(ctx, a.code, kind)
		return "", ok, err
	})
	if err != nil {
		return protocol.Description{}, protocol.CandidateBatch{}, classify(err)
	}
	return desc, bundled, nil
}

// trickle feeds the peer's "<kind>_ice:<code>" batches into sess as they
// grow, starting after what was bundled with the description. It stops
// once the batch is complete, the attempt is connected or ends, or the poll
// budget runs out with nothing new.
func (d *Driver) trickle(a *attempt, sess *negotiation.Session, kind protocol.Kind, applied protocol.CandidateBatch) {
	for !applied.Complete {
		var batch protocol.CandidateBatch
		_, err := d.poller.Poll(a.ctx, func(ctx context.Context) (string, bool, error) {
			if a.isConnected() {
				return "", false, errStopTrickle
			}
			b, ok, err := d.client.FetchCandidates(ctx, a.code, kind)
			if err != nil || !ok || !b.Grew(applied) {
				return "", false, err
			}
			batch = b
			return "", true, nil
		})

		switch {
		case err == nil:
		case errors.Is(err, errStopTrickle), a.ctx.Err() != nil:
			return
		case errors.Is(err, poll.ErrTimeoutExceeded):
			util.LogDebug("no further remote candidates", "kind", kind, "code", a.code, "applied", applied.Len())
			return
		default:
			d.fail(a, fmt.Errorf("fetch %s candidates: %w", kind, classify(err)))
			return
		}

		if n, err := sess.AddRemoteCandidates(batch); err != nil {
			util.LogWarning("remote candidates rejected", "kind", kind, "code", a.code, "error", err)
		} else {
			util.LogDebug("applied remote candidates", "kind", kind, "code", a.code, "new", n)
		}
		applied = batch
	}
}

// classify folds malformed artifacts into ErrInvalidInput.
func classify(err error) error {
	if errors.Is(err, protocol.ErrMalformed) && !errors.Is(err, ErrInvalidInput) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}
