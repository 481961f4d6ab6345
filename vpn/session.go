package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/ovpn-launcher/common"
)

// Handle identifies a tunnel started by an Engine.
type Handle string

// Engine is a bound tunnel engine.
type Engine interface {
	// Start brings up a tunnel for p.
	Start(ctx context.Context, p *Profile) (Handle, error)
	// Stop tears down h. With replace set the engine does not report the
	// teardown as a disconnect, since another tunnel is about to take over.
	Stop(ctx context.Context, h Handle, replace bool) error
	// Done is closed when the binding to the engine is lost.
	Done() <-chan struct{}
}

// closer is implemented by engines that hold resources beyond their
// tunnels. The session closes such an engine when it lets go of it.
type closer interface {
	Close()
}

// Dialer binds to a tunnel engine.
type Dialer interface {
	Dial(ctx context.Context) (Engine, error)
}

// SessionOptions configures a Session. Zero values take defaults.
type SessionOptions struct {
	// BindTimeout bounds how long Start waits for the engine binding.
	BindTimeout time.Duration
	// StopTimeout bounds how long Stop waits for the engine.
	StopTimeout time.Duration
	// MaxReconnectWait caps the delay between binding attempts.
	MaxReconnectWait time.Duration
	Logger           *common.AppLogger
}

// Session owns the binding to a tunnel engine and at most one active
// tunnel on it. The binding is re-established whenever it is lost.
type Session struct {
	dialer Dialer
	opts   SessionOptions

	mu       sync.Mutex
	engine   Engine
	ready    chan struct{} // closed while engine is bound
	active   Handle
	activeOn Engine
	starting bool

	bindOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSession creates an unbound session. Binding starts with Bind or on
// the first Start.
func NewSession(dialer Dialer, opts SessionOptions) *Session {
	if opts.BindTimeout <= 0 {
		opts.BindTimeout = common.BindTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = common.StopTimeout
	}
	if opts.MaxReconnectWait <= 0 {
		opts.MaxReconnectWait = common.MaxReconnectWait
	}
	if opts.Logger == nil {
		opts.Logger = common.GetLogger()
	}
	return &Session{
		dialer: dialer,
		opts:   opts,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Bind starts binding to the engine in the background. It returns
// immediately; calling it again has no effect.
func (s *Session) Bind(ctx context.Context) {
	s.bindOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
		go s.bindLoop(ctx)
	})
}

func (s *Session) bindLoop(ctx context.Context) {
	defer close(s.done)
	backoff := common.NewBackoff(s.opts.MaxReconnectWait)
	for {
		eng, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.opts.Logger.Debug("Tunnel engine not reachable: %v", err)
			backoff.Wait(ctx)
			continue
		}
		backoff.Reset()
		s.bound(eng)
		s.opts.Logger.Debug("Bound to tunnel engine")

		select {
		case <-eng.Done():
			s.unbound(eng)
			s.opts.Logger.Warn("Lost tunnel engine binding, rebinding")
		case <-ctx.Done():
			s.unbound(eng)
			if c, ok := eng.(closer); ok {
				c.Close()
			}
			return
		}
	}
}

func (s *Session) bound(eng Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = eng
	close(s.ready)
}

func (s *Session) unbound(eng Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == eng {
		s.engine = nil
		s.ready = make(chan struct{})
	}
	// A tunnel on a lost engine is gone with it.
	if s.activeOn == eng {
		s.active = ""
		s.activeOn = nil
	}
}

// Bound reports whether the engine binding is currently established.
func (s *Session) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine != nil
}

// Active returns the active tunnel handle, or "" if there is none.
func (s *Session) Active() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start starts a tunnel for p. If the engine is not bound yet, Start waits
// up to the bind timeout and then fails with ErrEngineUnavailable. Only
// one tunnel may be active or starting; others get ErrSessionAlreadyActive.
func (s *Session) Start(ctx context.Context, p *Profile) (Handle, error) {
	s.Bind(context.Background())

	s.mu.Lock()
	if s.active != "" || s.starting {
		s.mu.Unlock()
		return "", common.ErrSessionAlreadyActive
	}
	s.starting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	eng, err := s.waitBound(ctx)
	if err != nil {
		return "", err
	}

	h, err := eng.Start(ctx, p)
	if err != nil {
		return "", classifyEngineError(err)
	}

	s.mu.Lock()
	s.active = h
	s.activeOn = eng
	s.mu.Unlock()
	return h, nil
}

func (s *Session) waitBound(ctx context.Context) (Engine, error) {
	timer := time.NewTimer(s.opts.BindTimeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		eng, ready := s.engine, s.ready
		s.mu.Unlock()
		if eng != nil {
			return eng, nil
		}

		select {
		case <-ready:
		case <-timer.C:
			return nil, fmt.Errorf("%w: not bound after %s", common.ErrEngineUnavailable, s.opts.BindTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, fmt.Errorf("%w: session closed", common.ErrEngineUnavailable)
		}
	}
}

// Stop tears down tunnel h. A handle that is not active, or whose engine
// is gone, counts as already stopped.
func (s *Session) Stop(ctx context.Context, h Handle) error {
	s.mu.Lock()
	if h == "" || h != s.active {
		s.mu.Unlock()
		return nil
	}
	eng := s.activeOn
	s.active = ""
	s.activeOn = nil
	s.mu.Unlock()

	select {
	case <-eng.Done():
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()
	if err := eng.Stop(ctx, h, false); err != nil && !errors.Is(err, common.ErrEngineGone) {
		return fmt.Errorf("stopping tunnel %s: %w", h, err)
	}
	return nil
}

// Close stops binding and closes the bound engine, which takes any
// tunnel still running on it down with it.
func (s *Session) Close() {
	s.bindOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-s.done
	}
}

func classifyEngineError(err error) error {
	switch {
	case errors.Is(err, common.ErrAuthFailed),
		errors.Is(err, common.ErrEngineUnavailable),
		errors.Is(err, common.ErrSessionAlreadyActive),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, common.ErrEngineGone):
		return common.Join(common.ErrEngineUnavailable, err)
	default:
		return common.Join(common.ErrUnknownEngine, err)
	}
}
