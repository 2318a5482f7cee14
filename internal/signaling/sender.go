package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/cosmicchat/internal/code"
	"github.com/1ureka/cosmicchat/internal/negotiation"
	"github.com/1ureka/cosmicchat/internal/protocol"
	"github.com/1ureka/cosmicchat/internal/rendezvous"
	"github.com/1ureka/cosmicchat/internal/util"
)

// publisher writes one side's description and candidate batch. Publishes are
// monotonic: a batch is written only if it extends and grows the last one.
type publisher struct {
	client *rendezvous.Client
	code   code.SessionCode
	desc   protocol.Description

	mu        sync.Mutex
	last      protocol.CandidateBatch
	published bool
}

func newPublisher(client *rendezvous.Client, sc code.SessionCode, desc protocol.Description) *publisher {
	return &publisher{client: client, code: sc, desc: desc}
}

// flush writes "<kind>_ice:<code>" and re-bundles the snapshot into
// "<kind>:<code>". The first call always publishes, even with no
// candidates yet.
func (p *publisher) flush(ctx context.Context, batch protocol.CandidateBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.published {
		if !batch.Grew(p.last) {
			return nil
		}
		if !batch.Extends(p.last) {
			return fmt.Errorf("local candidate batch shrank from %d to %d", p.last.Len(), batch.Len())
		}
	}

	if err := p.client.PublishDescription(ctx, p.code, p.desc, batch); err != nil {
		return fmt.Errorf("publish %s: %w", p.desc.Kind, err)
	}
	if err := p.client.PublishCandidates(ctx, p.code, p.desc.Kind, batch); err != nil {
		return fmt.Errorf("publish %s candidates: %w", p.desc.Kind, err)
	}
	p.last = batch
	p.published = true
	util.LogDebug("published candidates", "kind", p.desc.Kind, "code", p.code, "count", batch.Len(), "complete", batch.Complete)
	return nil
}

// flushLoop republishes on every publish-ready signal until the batch is
// complete or the attempt ends.
func (d *Driver) flushLoop(a *attempt, sess *negotiation.Session, pub *publisher) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-sess.Done():
			return
		case <-sess.PublishReady():
		}

		batch := sess.Candidates()
		if err := pub.flush(a.ctx, batch); err != nil {
			d.fail(a, err)
			return
		}
		if batch.Complete {
			return
		}
	}
}
