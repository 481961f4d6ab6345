package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/events"
)

// ErrControllerClosed is returned by Launch after Close.
var ErrControllerClosed = errors.New("controller closed")

// ConfigFetcher obtains configuration text. *Fetcher implements it.
type ConfigFetcher interface {
	Fetch(ctx context.Context, src ConfigSource) (string, error)
}

// ProfileStore persists profiles keyed by name.
type ProfileStore interface {
	Save(p *Profile) error
	// Load returns common.ErrProfileNotFound for unknown names.
	Load(name string) (*Profile, error)
	// List returns profiles in insertion order.
	List() ([]*Profile, error)
}

// TunnelSession starts and stops tunnels. *Session implements it.
type TunnelSession interface {
	Start(ctx context.Context, p *Profile) (Handle, error)
	Stop(ctx context.Context, h Handle) error
}

// ControllerOptions wires a Controller to its collaborators.
type ControllerOptions struct {
	Fetcher ConfigFetcher
	Parser  Parser // defaults to OpenVPNParser
	Store   ProfileStore
	Session TunnelSession
	Bus     *events.Bus // defaults to events.Default()

	Defaults ProfileDefaults
	// ConnectTimeout bounds the Starting state. Zero waits forever.
	ConnectTimeout time.Duration
	StopTimeout    time.Duration

	// Workers bounds concurrent background tasks. Defaults to 4.
	Workers int
	Logger  *common.AppLogger
	Now     func() time.Time
}

// Status is a snapshot of the controller.
type Status struct {
	State State
	// Since is when State was entered.
	Since   time.Time
	Profile string
	Handle  Handle
	// EngineState is the last raw state name reported by the engine.
	EngineState string
	Bytes       events.ByteCount
	// LastFailure is the most recent failure of any cycle, if any.
	LastFailure *Failure
}

// Controller drives profile acquisition and the tunnel lifecycle.
//
// At most one launch cycle runs at a time. State transitions are
// serialized by mu; listener callbacks run outside it, in transition
// order.
type Controller struct {
	opts ControllerOptions
	log  *common.AppLogger
	pool *pond.WorkerPool

	mu          sync.Mutex
	state       State
	since       time.Time
	gen         uint64 // bumped whenever a cycle ends
	cancel      context.CancelFunc
	stopWatch   func() bool
	sub         *events.Subscription
	timer       *time.Timer
	starting    chan struct{} // closed once an in-flight Session.Start is settled
	handle      Handle
	profile     *Profile
	engineState string
	bytes       events.ByteCount
	lastFailure *Failure
	closed      bool

	regMu sync.Mutex
	regs  []*Registration

	queueMu  sync.Mutex
	queue    []notification
	draining bool
}

// NewController creates an idle controller.
func NewController(opts ControllerOptions) *Controller {
	if opts.Parser == nil {
		opts.Parser = OpenVPNParser{}
	}
	if opts.Bus == nil {
		opts.Bus = events.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = common.StopTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = common.GetLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		opts:  opts,
		log:   opts.Logger,
		pool:  pond.New(opts.Workers, 16*opts.Workers),
		state: StateIdle,
		since: opts.Now(),
	}
}

// Register adds l to the listeners. Registering the same listener again
// returns its existing registration.
func (c *Controller) Register(l Listener) *Registration {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	for _, r := range c.regs {
		if r.listener == l {
			return r
		}
	}
	r := &Registration{c: c, listener: l}
	c.regs = append(c.regs, r)
	return r
}

func (c *Controller) unregister(r *Registration) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	for i, x := range c.regs {
		if x == r {
			c.regs = append(c.regs[:i:i], c.regs[i+1:]...)
			return
		}
	}
}

func (c *Controller) listeners() []Listener {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	out := make([]Listener, len(c.regs))
	for i, r := range c.regs {
		out[i] = r.listener
	}
	return out
}

// enqueue queues a notification. Callers hold mu, which fixes the order.
func (c *Controller) enqueue(n notification) {
	c.queueMu.Lock()
	c.queue = append(c.queue, n)
	c.queueMu.Unlock()
}

// flush delivers queued notifications. It must be called without mu
// held. A flush started from inside a callback leaves delivery to the
// outer one.
func (c *Controller) flush() {
	c.queueMu.Lock()
	if c.draining {
		c.queueMu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		n := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()
		for _, l := range c.listeners() {
			n(l)
		}
		c.queueMu.Lock()
	}
	c.draining = false
	c.queueMu.Unlock()
}

// setState moves to the next state. Callers hold mu.
func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		c.log.Error("Unexpected state transition %s -> %s", from, to)
	}
	c.state = to
	c.since = c.opts.Now()
	c.log.Debug("Controller state %s -> %s", from, to)
	c.enqueue(notifyState(from, to))
}

// fail records a failure and queues its notification. Callers hold mu.
func (c *Controller) fail(f Failure) {
	c.lastFailure = &f
	if f.Fatal {
		c.log.Error("Launch failed while %s: %v", f.Phase, f.Err)
	} else {
		c.log.Warn("Launch degraded while %s: %v", f.Phase, f.Err)
	}
	c.enqueue(notifyFailure(f))
}

// endCycle detaches the current cycle: later results from it are
// discarded. It returns the tunnel handle the cycle owned. Callers hold mu.
func (c *Controller) endCycle() Handle {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	h := c.handle
	c.handle = ""
	c.profile = nil
	return h
}

func (c *Controller) submit(task func()) {
	if !c.pool.TrySubmit(task) {
		go task()
	}
}

// Launch starts a launch cycle for src in the background and returns at
// once. Progress is reported to registered listeners.
//
// Launch returns common.ErrBusy, and changes nothing, unless the
// controller is Idle. ctx bounds the whole cycle: cancelling it before
// the profile is persisted aborts without persisting, and cancelling it
// later stops the tunnel as RequestStop does.
func (c *Controller) Launch(ctx context.Context, src ConfigSource) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		c.log.Debug("Ignoring launch of %s while %s", src, state)
		return common.ErrBusy
	}

	gen := c.gen
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.stopWatch = context.AfterFunc(ctx, func() { c.abandon(gen) })
	c.lastFailure = nil
	c.engineState = ""
	c.bytes = events.ByteCount{}
	c.setState(StateAcquiring)
	c.mu.Unlock()
	c.flush()

	c.log.Info("Launching VPN from %s", src)
	c.submit(func() { c.run(cycleCtx, gen, src) })
	return nil
}

// run executes one cycle: fetch, parse, persist, start.
func (c *Controller) run(ctx context.Context, gen uint64, src ConfigSource) {
	ctx, span := tracer.Start(ctx, "vpn.Launch", trace.WithAttributes(
		attribute.String("source.kind", src.Kind().String()),
	))
	defer span.End()

	text, err := c.opts.Fetcher.Fetch(ctx, src)
	if err != nil {
		c.acquireFailed(gen, recordError(ctx, err))
		return
	}
	profile, err := c.opts.Parser.Parse(text)
	if err != nil {
		c.acquireFailed(gen, recordError(ctx, err))
		return
	}
	profile.Stamp(c.opts.Defaults, src, c.opts.Now())
	span.SetAttributes(attribute.String("profile.name", profile.Name))

	// mu is held across the write: a stop either lands before it and
	// nothing is written, or waits for the cycle to reach Starting.
	c.mu.Lock()
	if gen != c.gen || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	persistErr := c.persist(profile.Clone())
	if persistErr != nil {
		recordError(ctx, persistErr)
	}
	c.profile = profile
	c.enqueue(notifyAcquired(true))
	if persistErr != nil {
		c.fail(Failure{Phase: StateAcquiring, Err: persistErr})
	}
	c.setState(StateStarting)
	c.sub = c.opts.Bus.Subscribe(&engineListener{c: c, gen: gen})
	startDone := make(chan struct{})
	c.starting = startDone
	c.mu.Unlock()
	defer close(startDone)
	c.flush()

	h, err := c.opts.Session.Start(ctx, profile.Clone())

	c.mu.Lock()
	if c.starting == startDone {
		c.starting = nil
	}
	if gen != c.gen {
		c.mu.Unlock()
		// The cycle ended while the engine was starting.
		if err == nil {
			c.release(h)
		}
		return
	}
	if err != nil {
		recordError(ctx, err)
		c.setState(StateFailed)
		c.fail(Failure{Phase: StateStarting, Err: err, Fatal: true})
		c.enqueue(notifyConnected(false))
		c.endCycle()
		c.setState(StateIdle)
		c.mu.Unlock()
		c.flush()
		return
	}
	c.handle = h
	if c.state == StateStarting && c.opts.ConnectTimeout > 0 {
		c.timer = time.AfterFunc(c.opts.ConnectTimeout, func() { c.connectTimedOut(gen) })
	}
	c.mu.Unlock()
	c.flush()
	c.log.Info("Started tunnel %s for profile %q", h, profile.Name)
}

// persist saves p. Callers hold mu.
func (c *Controller) persist(p *Profile) error {
	if c.opts.Store == nil {
		return nil
	}
	if err := c.opts.Store.Save(p); err != nil {
		return common.Join(common.ErrPersistence, err)
	}
	// Refresh the store's index.
	if _, err := c.opts.Store.List(); err != nil {
		return common.Join(common.ErrPersistence, err)
	}
	return nil
}

func (c *Controller) acquireFailed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setState(StateFailed)
	c.fail(Failure{Phase: StateAcquiring, Err: err, Fatal: true})
	c.enqueue(notifyAcquired(false))
	c.endCycle()
	c.setState(StateIdle)
	c.mu.Unlock()
	c.flush()
}

// release stops a tunnel the controller no longer tracks.
func (c *Controller) release(h Handle) {
	if h == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
	defer cancel()
	if err := c.opts.Session.Stop(ctx, h); err != nil {
		c.log.Warn("Failed to stop tunnel %s: %v", h, err)
	}
}

// awaitStart waits, up to the stop timeout, for a Session.Start that was
// in flight when its cycle ended. Until it settles the session may still
// count the tunnel as starting and refuse the next launch.
func (c *Controller) awaitStart(done <-chan struct{}) {
	if done == nil {
		return
	}
	timer := time.NewTimer(c.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.log.Warn("Tunnel start still pending after %s", c.opts.StopTimeout)
	}
}

// sessionEnded ends a Starting or Connected cycle because of the engine.
// With f set the cycle failed. The tunnel is released in the background
// and the controller returns to Idle afterwards. Callers hold mu.
func (c *Controller) sessionEnded(f *Failure) func() {
	if f != nil {
		c.setState(StateFailed)
		c.fail(*f)
	} else {
		c.setState(StateStopping)
	}
	c.enqueue(notifyConnected(false))
	pending := c.starting
	h := c.endCycle()
	gen := c.gen
	waiting := c.state
	return func() {
		c.release(h)
		c.awaitStart(pending)
		c.mu.Lock()
		if c.gen == gen && c.state == waiting {
			c.setState(StateIdle)
		}
		c.mu.Unlock()
		c.flush()
	}
}

func (c *Controller) connectTimedOut(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	after := c.sessionEnded(&Failure{
		Phase: StateStarting,
		Err:   fmt.Errorf("%w after %s", common.ErrConnectTimeout, c.opts.ConnectTimeout),
		Fatal: true,
	})
	c.mu.Unlock()
	c.flush()
	c.submit(after)
}

// handleEvent reconciles an engine event with the current state.
func (c *Controller) handleEvent(gen uint64, e events.ConnectionEvent) {
	c.mu.Lock()
	if gen != c.gen || (c.state != StateStarting && c.state != StateConnected) {
		c.mu.Unlock()
		return
	}
	if c.handle != "" && e.Session != "" && Handle(e.Session) != c.handle {
		c.mu.Unlock()
		return
	}
	c.engineState = e.State

	var after func()
	switch e.Kind {
	case events.KindConnected:
		if c.state == StateStarting {
			if c.timer != nil {
				c.timer.Stop()
				c.timer = nil
			}
			c.setState(StateConnected)
			c.enqueue(notifyConnected(true))
			c.log.Info("VPN connected")
		}
	case events.KindAuthFailed:
		err := common.ErrAuthFailed
		if e.Message != "" {
			err = fmt.Errorf("%w: %s", common.ErrAuthFailed, e.Message)
		}
		after = c.sessionEnded(&Failure{Phase: c.state, Err: err, Fatal: true})
	case events.KindDisconnected:
		if c.state == StateStarting {
			after = c.sessionEnded(&Failure{
				Phase: StateStarting,
				Err:   fmt.Errorf("%w: engine exited before connecting", common.ErrUnknownEngine),
				Fatal: true,
			})
		} else {
			c.log.Info("VPN disconnected by the engine")
			after = c.sessionEnded(nil)
		}
	default:
		c.log.Debug("Engine state %s %s", e.State, e.Message)
	}
	c.mu.Unlock()
	c.flush()
	if after != nil {
		c.submit(after)
	}
}

func (c *Controller) handleBytes(gen uint64, b events.ByteCount) {
	c.mu.Lock()
	if gen != c.gen || (c.state != StateStarting && c.state != StateConnected) {
		c.mu.Unlock()
		return
	}
	c.bytes = b
	c.enqueue(notifyBytes(b))
	c.mu.Unlock()
	c.flush()
}

// RequestStop stops the current cycle and waits, up to the stop timeout,
// for the tunnel to go down. A tunnel start still in flight is waited for
// too, so a Launch right after RequestStop finds the session free. It
// does nothing while Idle or Stopping.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	c.stopLocked()
}

// abandon stops cycle gen after its launch context was cancelled.
func (c *Controller) abandon(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.log.Debug("Launch context cancelled, stopping")
	c.stopLocked()
}

// stopLocked is called with mu held and releases it.
func (c *Controller) stopLocked() {
	prev := c.state
	if prev == StateIdle || prev == StateStopping {
		c.mu.Unlock()
		return
	}
	c.setState(StateStopping)
	if prev == StateStarting || prev == StateConnected {
		c.enqueue(notifyConnected(false))
	}
	pending := c.starting
	h := c.endCycle()
	gen := c.gen
	c.mu.Unlock()
	c.flush()

	c.release(h)
	c.awaitStart(pending)

	c.mu.Lock()
	if c.gen == gen && c.state == StateStopping {
		c.setState(StateIdle)
	}
	c.mu.Unlock()
	c.flush()
	c.log.Info("VPN stopped")
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:       c.state,
		Since:       c.since,
		Handle:      c.handle,
		EngineState: c.engineState,
		Bytes:       c.bytes,
	}
	if c.profile != nil {
		s.Profile = c.profile.Name
	}
	if c.lastFailure != nil {
		f := *c.lastFailure
		s.LastFailure = &f
	}
	return s
}

// Close stops any cycle and releases the worker pool. The controller
// cannot be launched again.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopLocked()
	c.pool.StopAndWait()
}

// engineListener forwards bus traffic for one cycle.
type engineListener struct {
	c   *Controller
	gen uint64
}

func (l *engineListener) OnConnectionEvent(e events.ConnectionEvent) {
	l.c.handleEvent(l.gen, e)
}

func (l *engineListener) OnByteCount(b events.ByteCount) {
	l.c.handleBytes(l.gen, b)
}
