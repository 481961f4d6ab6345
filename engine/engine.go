// Package engine drives OpenVPN processes as the tunnel engine behind a
// vpn.Session. Each tunnel is one openvpn process whose management
// interface reports state and traffic onto an events.Bus.
package engine

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/events"
	"github.com/yllada/ovpn-launcher/vpn"
)

// Options configures the OpenVPN engine.
type Options struct {
	// Binary is the openvpn executable, looked up in PATH.
	Binary string
	// Elevate, when set, is a command that runs Binary with privileges,
	// e.g. "pkexec" or "sudo".
	Elevate string
	// ManagementHost is the address the management listener binds to.
	ManagementHost string
	Verb           int
	// KillTimeout bounds waiting for the process after it was killed.
	KillTimeout time.Duration
	Bus         *events.Bus
	Logger      *common.AppLogger
}

func (o *Options) setDefaults() {
	if o.Binary == "" {
		o.Binary = "openvpn"
	}
	if o.ManagementHost == "" {
		o.ManagementHost = "127.0.0.1"
	}
	if o.Verb <= 0 {
		o.Verb = 3
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = 2 * time.Second
	}
	if o.Bus == nil {
		o.Bus = events.Default()
	}
	if o.Logger == nil {
		o.Logger = common.GetLogger()
	}
}

// Dialer binds to the engine by locating the openvpn executable.
type Dialer struct {
	opts Options
}

// NewDialer creates a Dialer.
func NewDialer(opts Options) *Dialer {
	opts.setDefaults()
	return &Dialer{opts: opts}
}

// Dial returns an Engine once the executables are present.
func (d *Dialer) Dial(ctx context.Context) (vpn.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	binary, err := exec.LookPath(d.opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEngineUnavailable, err)
	}
	if d.opts.Elevate != "" {
		if _, err := exec.LookPath(d.opts.Elevate); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrEngineUnavailable, err)
		}
	}
	opts := d.opts
	opts.Binary = binary
	return newEngine(opts), nil
}

// Engine starts and stops OpenVPN tunnels.
type Engine struct {
	opts Options
	log  *common.AppLogger

	mu      sync.Mutex
	tunnels map[vpn.Handle]*tunnel
	closed  bool
	done    chan struct{}
}

func newEngine(opts Options) *Engine {
	return &Engine{
		opts:    opts,
		log:     opts.Logger,
		tunnels: make(map[vpn.Handle]*tunnel),
		done:    make(chan struct{}),
	}
}

// Start launches openvpn for p and returns as soon as the process runs.
// Progress is reported on the bus under the returned handle.
func (e *Engine) Start(ctx context.Context, p *vpn.Profile) (vpn.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", common.ErrEngineGone
	}
	e.mu.Unlock()

	h := vpn.Handle(uuid.NewString())
	t, err := startTunnel(h, p, e.opts, func() { e.forget(h) })
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.tunnels[h] = t
	e.mu.Unlock()
	e.log.Info("OpenVPN started for %q (pid %d)", p.Name, t.pid())
	return h, nil
}

// Stop tears tunnel h down. Unknown handles fail with ErrEngineGone.
func (e *Engine) Stop(ctx context.Context, h vpn.Handle, replace bool) error {
	e.mu.Lock()
	t, ok := e.tunnels[h]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown tunnel %s", common.ErrEngineGone, h)
	}
	return t.stop(ctx, replace)
}

func (e *Engine) forget(h vpn.Handle) {
	e.mu.Lock()
	delete(e.tunnels, h)
	e.mu.Unlock()
}

// Done is closed when the engine is closed.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Close stops every tunnel and releases the engine.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tunnels := make([]*tunnel, 0, len(e.tunnels))
	for _, t := range e.tunnels {
		tunnels = append(tunnels, t)
	}
	e.mu.Unlock()

	for _, t := range tunnels {
		ctx, cancel := context.WithTimeout(context.Background(), common.StopTimeout)
		if err := t.stop(ctx, false); err != nil {
			e.log.Warn("Failed to stop tunnel %s: %v", t.handle, err)
		}
		cancel()
	}
	close(e.done)
}
