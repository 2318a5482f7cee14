package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/1ureka/cosmicchat/internal/code"
	"github.com/1ureka/cosmicchat/internal/config"
	"github.com/1ureka/cosmicchat/internal/negotiation"
	"github.com/1ureka/cosmicchat/internal/poll"
	"github.com/1ureka/cosmicchat/internal/protocol"
	"github.com/1ureka/cosmicchat/internal/util"
)

// GenerateChatCode starts the initiator flow and returns the code as soon
// as the offer exists. Publishing, waiting for the answer and candidate
// exchange continue in the background; their outcome is reported through
// Subscribe. An empty prefix uses the configured one.
//
//  1. Retire the previous initiator attempt
//  2. Generate the code and create the session and offer
//  3. Publish offer:<code> and offer_ice:<code>, republishing as candidates arrive
//  4. Poll answer:<code>, accept it and apply its bundled candidates
//  5. Trickle answer_ice:<code>
func (d *Driver) GenerateChatCode(ctx context.Context, prefix string) (code.SessionCode, error) {
	if prefix == "" {
		prefix = d.opts.Prefix
	}
	sc, err := code.Generate(prefix)
	if err != nil {
		return "", err
	}

	d.startMu.Lock()
	defer d.startMu.Unlock()

	a, err := d.begin(ctx, config.RoleInitiator, sc)
	if err != nil {
		return "", err
	}
	sess, err := d.attachSession(a)
	if err != nil {
		d.finish(a)
		return "", err
	}
	offer, err := sess.CreateAsInitiator()
	if err != nil {
		d.fail(a, err)
		return "", err
	}

	util.LogInfo("chat code generated", "code", sc)
	d.goBackground(func() { d.runInitiator(a, sess, offer) })
	return sc, nil
}

func (d *Driver) runInitiator(a *attempt, sess *negotiation.Session, offer protocol.Description) {
	pub := newPublisher(d.client, a.code, offer)
	if err := pub.flush(a.ctx, sess.Candidates()); err != nil {
		d.fail(a, err)
		return
	}
	d.goBackground(func() { d.flushLoop(a, sess, pub) })

	answer, bundled, err := d.awaitDescription(a.ctx, d.answerPoller, a, protocol.KindAnswer)
	if err != nil {
		d.fail(a, fmt.Errorf("wait for answer: %w", err))
		return
	}
	if _, err := sess.AcceptRemote(answer); err != nil {
		d.fail(a, err)
		return
	}
	util.LogDebug("answer accepted", "code", a.code, "bundled", bundled.Len())

	if _, err := sess.AddRemoteCandidates(bundled); err != nil {
		util.LogWarning("bundled candidates rejected", "code", a.code, "error", err)
	}
	d.trickle(a, sess, protocol.KindAnswer, bundled)
}

// ConnectToPeer starts the responder flow for rawCode. It returns once the
// answer is published; connectivity completes in the background and is
// reported through Subscribe.
//
//  1. Reject an empty code before touching the store
//  2. Retire the previous responder attempt
//  3. Poll offer:<code>; exhaustion means the code is invalid or expired
//  4. Create the session, accept the offer and apply its bundled candidates
//  5. Publish answer:<code>, then keep answer_ice:<code> current
//  6. Trickle offer_ice:<code>
func (d *Driver) ConnectToPeer(ctx context.Context, rawCode string) error {
	trimmed := strings.TrimSpace(rawCode)
	if trimmed == "" {
		return fmt.Errorf("%w: empty chat code", ErrInvalidInput)
	}
	sc := code.SessionCode(trimmed)
	if !code.Valid(sc, d.opts.Prefix) {
		// Other clients may use other prefixes; the lookup decides.
		util.LogDebug("chat code has an unfamiliar format", "code", sc, "prefix", d.opts.Prefix)
	}

	d.startMu.Lock()
	a, err := d.begin(ctx, config.RoleResponder, sc)
	d.startMu.Unlock()
	if err != nil {
		return err
	}

	// The lookup honours both the caller and the attempt.
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	offer, bundled, err := d.awaitDescription(pctx, d.poller, a, protocol.KindOffer)
	if err != nil {
		superseded := a.superseded.Load()
		d.finish(a)
		switch {
		case superseded:
			return fmt.Errorf("connect to %s: %w", sc, ErrSuperseded)
		case errors.Is(err, poll.ErrTimeoutExceeded):
			return fmt.Errorf("invalid or expired chat code %q: %w", sc, err)
		}
		return fmt.Errorf("look up offer for %s: %w", sc, err)
	}

	sess, err := d.attachSession(a)
	if err != nil {
		d.finish(a)
		return err
	}
	if err := sess.CreateAsResponder(); err != nil {
		d.fail(a, err)
		return err
	}
	answer, err := sess.AcceptRemote(offer)
	if err != nil {
		d.fail(a, err)
		return err
	}
	if _, err := sess.AddRemoteCandidates(bundled); err != nil {
		util.LogWarning("bundled candidates rejected", "code", sc, "error", err)
	}

	pub := newPublisher(d.client, sc, answer)
	if err := pub.flush(ctx, sess.Candidates()); err != nil {
		d.fail(a, err)
		return err
	}
	util.LogInfo("answer published", "code", sc)

	d.goBackground(func() { d.flushLoop(a, sess, pub) })
	d.goBackground(func() { d.trickle(a, sess, protocol.KindOffer, bundled) })
	return nil
}
