package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/yllada/ovpn-launcher/engine"
	"github.com/yllada/ovpn-launcher/events"
	"github.com/yllada/ovpn-launcher/netcheck"
	"github.com/yllada/ovpn-launcher/vpn"
)

// Launch acquires the configuration named by cmd and keeps the tunnel up
// until it goes down or ctx is cancelled. It returns the failure that
// ended the cycle, if any.
func (a *App) Launch(ctx context.Context, cmd LaunchCmd) error {
	src, err := cmd.Source(a.in)
	if err != nil {
		return err
	}
	if err := src.Validate(); err != nil {
		return err
	}

	defaults := vpn.ProfileDefaults{
		Name:     a.cfg.Profile.DefaultName,
		Username: a.cfg.Profile.PlaceholderUsername,
		Password: a.cfg.Profile.PlaceholderPassword,
	}
	if cmd.Name != "" {
		defaults.Name = cmd.Name
	}
	if cmd.User != "" {
		defaults.Username = cmd.User
	}
	if cmd.AskPass {
		pw, err := a.ReadPassword()
		if err != nil {
			return err
		}
		defaults.Password = pw
	}

	session := a.Session
	if session == nil {
		s := vpn.NewSession(engine.NewDialer(engine.Options{
			Binary:         a.cfg.Engine.Binary,
			Elevate:        a.cfg.Engine.Elevate,
			ManagementHost: a.cfg.Engine.ManagementHost,
			Verb:           a.cfg.Engine.Verb,
			Bus:            a.bus,
		}), vpn.SessionOptions{
			BindTimeout: a.cfg.Session.BindTimeout,
			StopTimeout: a.cfg.Session.StopTimeout,
		})
		s.Bind(ctx)
		defer s.Close()
		session = s
	}

	ctrl := vpn.NewController(vpn.ControllerOptions{
		Fetcher:        a.fetcher(),
		Store:          a.store,
		Session:        session,
		Bus:            a.bus,
		Defaults:       defaults,
		ConnectTimeout: a.cfg.Session.ConnectTimeout,
		StopTimeout:    a.cfg.Session.StopTimeout,
	})
	defer ctrl.Close()

	p := newPrinter(a.out)
	if !cmd.Watch {
		defer ctrl.Register(p).Close()
	} else {
		// The monitor owns the terminal; only the end of the cycle matters.
		defer ctrl.Register(&vpn.ListenerFuncs{StateChanged: p.watchIdle}).Close()
	}

	if a.cfg.Health.Enabled {
		hc := vpn.NewHealthChecker(vpn.HealthConfig{
			CheckInterval:    a.cfg.Health.Interval,
			FailureThreshold: a.cfg.Health.FailureThreshold,
			TestHosts:        a.cfg.Health.Hosts,
		})
		if !cmd.Watch {
			hc.SetOnHealthChange(p.onHealthChange)
		}
		defer hc.Stop()
		defer ctrl.Register(hc).Close()
	}

	// Cancellation is handled below so the stop can be waited for.
	if err := ctrl.Launch(context.WithoutCancel(ctx), src); err != nil {
		return err
	}

	if cmd.Watch && a.Monitor != nil {
		if err := a.Monitor(ctx, ctrl); err != nil {
			ctrl.RequestStop()
			return fmt.Errorf("monitor: %w", err)
		}
		ctrl.RequestStop()
	} else {
		select {
		case <-p.idle:
		case <-ctx.Done():
			fmt.Fprintln(a.out, "Stopping...")
			ctrl.RequestStop()
		}
	}

	if f := ctrl.Status().LastFailure; f != nil && f.Fatal {
		return fmt.Errorf("launch failed: %w", f)
	}
	return nil
}

func (a *App) fetcher() *vpn.Fetcher {
	checker := a.Checker
	if checker == nil {
		if a.cfg.Network.Precheck {
			checker = netcheck.Default()
		} else {
			checker = netcheck.Disabled()
		}
	}
	return vpn.NewFetcher(vpn.FetcherOptions{
		ConnectTimeout: a.cfg.Fetch.ConnectTimeout,
		ReadTimeout:    a.cfg.Fetch.ReadTimeout,
		Retries:        a.cfg.Fetch.Retries,
		MaxBytes:       a.cfg.Fetch.MaxBytes,
		UserAgent:      a.cfg.Fetch.UserAgent,
		Checker:        checker,
	})
}

// printer reports a launch cycle on the terminal.
type printer struct {
	out io.Writer

	mu          sync.Mutex
	connectedAt time.Time
	bytes       events.ByteCount

	idle     chan struct{}
	idleOnce sync.Once
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, idle: make(chan struct{})}
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) OnProfileAcquired(success bool) {
	if success {
		p.printf("✓ Profile acquired\n")
	} else {
		p.printf("✗ Could not acquire a profile\n")
	}
}

func (p *printer) OnConnectionStateChanged(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if connected {
		p.connectedAt = time.Now()
		fmt.Fprintln(p.out, "✓ Connected")
		return
	}
	if p.connectedAt.IsZero() {
		return
	}
	fmt.Fprintf(p.out, "Disconnected after %s (received %s, sent %s)\n",
		formatDuration(time.Since(p.connectedAt)),
		humanize.Bytes(uint64(p.bytes.In)), humanize.Bytes(uint64(p.bytes.Out)))
	p.connectedAt = time.Time{}
}

func (p *printer) OnFailure(f vpn.Failure) {
	if f.Fatal {
		p.printf("Error: %s\n", f.Message())
	} else {
		p.printf("Warning: %s\n", f.Message())
	}
}

func (p *printer) OnStateChanged(from, to vpn.State) {
	switch to {
	case vpn.StateAcquiring:
		p.printf("Acquiring configuration...\n")
	case vpn.StateStarting:
		p.printf("Starting tunnel...\n")
	}
	p.watchIdle(from, to)
}

func (p *printer) watchIdle(_, to vpn.State) {
	if to == vpn.StateIdle {
		p.idleOnce.Do(func() { close(p.idle) })
	}
}

func (p *printer) OnByteCount(b events.ByteCount) {
	p.mu.Lock()
	p.bytes = b
	p.mu.Unlock()
}

func (p *printer) onHealthChange(_, to vpn.HealthState) {
	p.printf("Connection health: %s\n", to)
}
