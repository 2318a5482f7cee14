// Package signaling drives the rendezvous-polled negotiation for both roles,
// from a short chat code to an established data channel. Callers see a
// Driver; store keys, descriptions and candidates stay internal.
package signaling

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/cosmicchat/internal/code"
	"github.com/1ureka/cosmicchat/internal/config"
	"github.com/1ureka/cosmicchat/internal/lifecycle"
	"github.com/1ureka/cosmicchat/internal/negotiation"
	"github.com/1ureka/cosmicchat/internal/poll"
	"github.com/1ureka/cosmicchat/internal/rendezvous"
	"github.com/1ureka/cosmicchat/internal/transport"
	"github.com/1ureka/cosmicchat/internal/util"
)

var (
	// ErrInvalidInput covers an empty chat code and malformed stored
	// artifacts. It is returned before any store access for bad codes.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSuperseded is returned when a newer attempt for the same role
	// replaced this one before it finished.
	ErrSuperseded = errors.New("attempt superseded")
	// ErrDriverClosed is returned by operations after Close.
	ErrDriverClosed = errors.New("driver closed")
	// ErrNotConnected is returned by SendMessage before Connected.
	ErrNotConnected = negotiation.ErrNotConnected
)

// DefaultConnectTimeout bounds each attempt from its start to Connected.
const DefaultConnectTimeout = 2 * time.Minute

// Options configures a Driver. Zero values take the defaults.
type Options struct {
	Prefix         string
	BatchThreshold int
	ConnectTimeout time.Duration
	Poll           poll.Fixed
}

// OptionsFromConfig maps the loaded configuration onto driver options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Prefix:         cfg.Prefix,
		BatchThreshold: cfg.BatchThreshold,
		ConnectTimeout: cfg.ConnectTimeout,
		Poll:           poll.Fixed{MaxAttempts: cfg.Poll.Attempts, Interval: cfg.Poll.Interval},
	}
}

// Driver runs at most one attempt per role. Starting a new attempt for a
// role retires the previous one first.
type Driver struct {
	client  *rendezvous.Client
	factory transport.Factory
	monitor *lifecycle.Monitor
	opts    Options

	// poller bounds offer lookup and candidate trickle; answerPoller waits
	// for a human to join and spans the whole connect timeout.
	poller       poll.Poller
	answerPoller poll.Poller

	// startMu serializes retire-then-register so two calls for one role
	// never leave two live sessions.
	startMu sync.Mutex

	mu         sync.Mutex
	attempts   map[config.Role]*attempt
	current    *attempt
	onMessage  []func(string)
	closed     bool
	background sync.WaitGroup
}

// New creates a Driver publishing through client and negotiating with peers
// from factory.
func New(client *rendezvous.Client, factory transport.Factory, opts Options) *Driver {
	if opts.Prefix == "" {
		opts.Prefix = code.DefaultPrefix
	}
	if opts.BatchThreshold <= 0 {
		opts.BatchThreshold = negotiation.DefaultBatchThreshold
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Poll.MaxAttempts <= 0 {
		opts.Poll.MaxAttempts = poll.DefaultMaxAttempts
	}
	if opts.Poll.Interval <= 0 {
		opts.Poll.Interval = poll.DefaultInterval
	}

	answer := opts.Poll
	if n := int(opts.ConnectTimeout / opts.Poll.Interval); n > answer.MaxAttempts {
		answer.MaxAttempts = n
	}

	return &Driver{
		client:       client,
		factory:      factory,
		monitor:      lifecycle.New(),
		opts:         opts,
		poller:       opts.Poll,
		answerPoller: answer,
		attempts:     make(map[config.Role]*attempt),
	}
}

// Monitor exposes the lifecycle monitor for state queries.
func (d *Driver) Monitor() *lifecycle.Monitor { return d.monitor }

// Subscribe registers fn for lifecycle events of the most recent attempt.
func (d *Driver) Subscribe(fn func(lifecycle.Event)) (unsubscribe func()) {
	return d.monitor.Subscribe(fn)
}

// OnMessage registers fn for incoming chat messages of the most recent
// attempt. Handlers run in order on the session's dispatch goroutine.
func (d *Driver) OnMessage(fn func(string)) {
	d.mu.Lock()
	d.onMessage = append(d.onMessage, fn)
	d.mu.Unlock()
}

// SendMessage sends text on the most recent attempt. It returns
// ErrNotConnected unless that attempt is Connected.
func (d *Driver) SendMessage(text string) error {
	d.mu.Lock()
	a := d.current
	d.mu.Unlock()

	if a == nil {
		return ErrNotConnected
	}
	sess := a.sess()
	if sess == nil {
		return ErrNotConnected
	}
	err := sess.Send(text)
	if errors.Is(err, negotiation.ErrClosed) {
		return ErrNotConnected
	}
	return err
}

// Close retires every attempt and waits for background work to stop.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var live []*attempt
	for role, a := range d.attempts {
		live = append(live, a)
		delete(d.attempts, role)
	}
	d.mu.Unlock()

	var errs []error
	for _, a := range live {
		if err := a.retire(); err != nil {
			errs = append(errs, err)
		}
		// The session reports Closed asynchronously; record it now so the
		// monitor is settled when Close returns.
		if s := a.sess(); s != nil {
			d.monitor.Observe(s.ID(), negotiation.StateClosed)
		}
	}
	d.background.Wait()
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Attempts
// ---------------------------------------------------------------------------

// attempt is one negotiation for one role and code. Its context is cancelled
// when it is retired or reaches a terminal state.
type attempt struct {
	role config.Role
	code code.SessionCode

	ctx    context.Context
	cancel context.CancelFunc

	connected     chan struct{}
	connectedOnce sync.Once
	superseded    atomic.Bool

	mu      sync.Mutex
	session *negotiation.Session
}

func (a *attempt) sess() *negotiation.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *attempt) markConnected() {
	a.connectedOnce.Do(func() { close(a.connected) })
}

func (a *attempt) isConnected() bool {
	select {
	case <-a.connected:
		return true
	default:
		return false
	}
}

// supersede marks a as replaced, so late failures are discarded, and
// retires it.
func (a *attempt) supersede() error {
	a.superseded.Store(true)
	return a.retire()
}

// retire cancels background work and closes the session, if any.
func (a *attempt) retire() error {
	a.cancel()
	if s := a.sess(); s != nil {
		return s.Close()
	}
	return nil
}

// begin retires the live attempt for role and registers a new one for sc.
// Background work outlives ctx but keeps its values.
func (d *Driver) begin(ctx context.Context, role config.Role, sc code.SessionCode) (*attempt, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDriverClosed
	}
	old := d.attempts[role]
	delete(d.attempts, role)
	d.mu.Unlock()

	if old != nil {
		util.LogDebug("retiring previous attempt", "role", role, "code", old.code)
		if err := old.supersede(); err != nil {
			util.LogWarning("failed to close previous session", "role", role, "error", err)
		}
	}

	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &attempt{
		role:      role,
		code:      sc,
		ctx:       actx,
		cancel:    cancel,
		connected: make(chan struct{}),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		cancel()
		return nil, ErrDriverClosed
	}
	d.attempts[role] = a
	d.current = a
	return a, nil
}

// attachSession creates the negotiation session for a and starts tracking
// it. A session created for a retired attempt is closed at once.
func (d *Driver) attachSession(a *attempt) (*negotiation.Session, error) {
	var sess *negotiation.Session
	sess, err := negotiation.New(a.role, d.factory, negotiation.Options{
		BatchThreshold: d.opts.BatchThreshold,
		OnState:        func(s negotiation.State) { d.handleState(a, sess.ID(), s) },
		OnMessage:      func(m string) { d.handleMessage(a, m) },
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		sess.Close()
		return nil, ErrSuperseded
	}
	a.session = sess
	a.mu.Unlock()

	d.monitor.Track(sess.ID())
	util.LogDebug("negotiation session created", "session", sess.ID(), "role", a.role, "code", a.code)

	d.goBackground(func() { d.watchdog(a) })
	return sess, nil
}

// watchdog fails the attempt if it is not Connected within ConnectTimeout.
func (d *Driver) watchdog(a *attempt) {
	timer := time.NewTimer(d.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-a.connected:
	case <-a.ctx.Done():
	case <-timer.C:
		d.fail(a, &connectTimeoutError{after: d.opts.ConnectTimeout})
	}
}

type connectTimeoutError struct{ after time.Duration }

func (e *connectTimeoutError) Error() string {
	return "connection not established within " + e.after.String()
}

func (e *connectTimeoutError) Unwrap() error { return poll.ErrTimeoutExceeded }

func (d *Driver) handleState(a *attempt, sessionID string, s negotiation.State) {
	if a.superseded.Load() {
		return
	}
	d.monitor.Observe(sessionID, s)
	switch s {
	case negotiation.StateConnected:
		a.markConnected()
		util.LogInfo("connected to peer", "role", a.role, "code", a.code)
	case negotiation.StateFailed, negotiation.StateClosed:
		d.finish(a)
	}
}

func (d *Driver) handleMessage(a *attempt, text string) {
	d.mu.Lock()
	if a != d.current {
		d.mu.Unlock()
		return
	}
	handlers := slices.Clone(d.onMessage)
	d.mu.Unlock()

	for _, fn := range handlers {
		fn(text)
	}
}

// fail reports err and closes the attempt. Failures of superseded attempts,
// and cancellations caused by the attempt ending, are discarded.
func (d *Driver) fail(a *attempt, err error) {
	if a.superseded.Load() || (a.ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		util.LogDebug("discarding result of superseded attempt", "role", a.role, "code", a.code, "error", err)
		return
	}
	util.LogError("negotiation failed", "role", a.role, "code", a.code, "error", err)
	if s := a.sess(); s != nil {
		d.monitor.Fail(s.ID(), err)
	}
	d.finish(a)
}

// finish retires a and forgets it if it is still the live attempt for its
// role.
func (d *Driver) finish(a *attempt) {
	d.mu.Lock()
	if d.attempts[a.role] == a {
		delete(d.attempts, a.role)
	}
	d.mu.Unlock()
	if err := a.retire(); err != nil {
		util.LogWarning("failed to close session", "role", a.role, "error", err)
	}
}

// goBackground runs fn on a goroutine that Close waits for. Nothing starts
// once the driver is closed.
func (d *Driver) goBackground(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		fn()
	}()
}
