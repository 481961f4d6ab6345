// Package cli implements the ovpn-launcher commands. Each command is a
// go-arg struct; App runs them against a profile store.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/config"
	"github.com/yllada/ovpn-launcher/events"
	"github.com/yllada/ovpn-launcher/netcheck"
	"github.com/yllada/ovpn-launcher/profiles"
	"github.com/yllada/ovpn-launcher/ui"
	"github.com/yllada/ovpn-launcher/vpn"
)

// LaunchCmd acquires a configuration and brings the tunnel up in the
// foreground until interrupted.
type LaunchCmd struct {
	URL     string `arg:"--url" help:"download the configuration from URL"`
	File    string `arg:"--file" help:"read the configuration from a local file"`
	Inline  string `arg:"--inline" help:"configuration text, or - to read it from stdin"`
	Name    string `arg:"--name" help:"profile name [default: device model]"`
	User    string `arg:"--user" help:"username stamped on configs without credentials"`
	AskPass bool   `arg:"--ask-pass" help:"prompt for the password"`
	Watch   bool   `arg:"--watch" help:"show a live status monitor"`
}

// ProfilesCmd lists saved profiles.
type ProfilesCmd struct{}

// ShowCmd prints one profile as JSON.
type ShowCmd struct {
	Name string `arg:"positional,required" help:"profile name or ID"`
}

// DeleteCmd removes a saved profile.
type DeleteCmd struct {
	Name string `arg:"positional,required" help:"profile name or ID"`
}

var errSourceCount = errors.New("exactly one of --url, --file or --inline is required")

// Source returns the configuration source named by the flags. Inline
// text "-" is read from stdin.
func (c LaunchCmd) Source(stdin io.Reader) (vpn.ConfigSource, error) {
	n := 0
	for _, v := range []string{c.URL, c.File, c.Inline} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return vpn.ConfigSource{}, errSourceCount
	}

	switch {
	case c.URL != "":
		return vpn.RemoteURL(c.URL), nil
	case c.File != "":
		return vpn.LocalFile(c.File), nil
	}

	text := c.Inline
	if text == "-" {
		data, err := io.ReadAll(io.LimitReader(stdin, common.MaxConfigSize+1))
		if err != nil {
			return vpn.ConfigSource{}, fmt.Errorf("reading stdin: %w", err)
		}
		if len(data) > common.MaxConfigSize {
			return vpn.ConfigSource{}, fmt.Errorf("%w: stdin exceeds %d bytes", common.ErrInvalidSource, common.MaxConfigSize)
		}
		text = string(data)
	}
	return vpn.InlineText(text), nil
}

// App runs commands.
type App struct {
	cfg   *config.Config
	store profiles.Store
	out   io.Writer
	in    io.Reader
	bus   *events.Bus

	// Session replaces the OpenVPN-backed session.
	Session vpn.TunnelSession
	// Checker replaces the configured connectivity precheck.
	Checker netcheck.Checker
	// Monitor runs the --watch view until it quits.
	Monitor func(ctx context.Context, c *vpn.Controller) error
	// ReadPassword prompts for --ask-pass.
	ReadPassword func() (string, error)
}

// New creates an App writing to stdout.
func New(cfg *config.Config, store profiles.Store) *App {
	a := &App{
		cfg:     cfg,
		store:   store,
		out:     os.Stdout,
		in:      os.Stdin,
		bus:     events.Default(),
		Monitor: ui.Run,
	}
	a.ReadPassword = a.promptPassword
	return a
}

// SetIO redirects command input and output.
func (a *App) SetIO(in io.Reader, out io.Writer) {
	a.in = in
	a.out = out
}

// SetBus replaces the process-wide event bus.
func (a *App) SetBus(bus *events.Bus) {
	a.bus = bus
}

func (a *App) promptPassword() (string, error) {
	fmt.Fprint(a.out, "Password: ")
	defer fmt.Fprintln(a.out)

	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Profiles lists saved profiles.
func (a *App) Profiles() error {
	list, err := a.store.List()
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Fprintln(a.out, "No VPN profiles saved.")
		fmt.Fprintln(a.out, "Acquire one with: ovpn-launcher launch --url URL")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREMOTE\tSOURCE\tSAVED")
	fmt.Fprintln(w, "--\t----\t------\t------\t-----")

	for _, p := range list {
		remote := "-"
		if rs := p.Remotes(); len(rs) > 0 {
			remote = fmt.Sprintf("%s:%d", rs[0].Host, rs[0].Port)
			if len(rs) > 1 {
				remote += fmt.Sprintf(" (+%d)", len(rs)-1)
			}
		}

		source := p.Source
		if source == "" {
			source = "-"
		}

		saved := "-"
		if !p.Created.IsZero() {
			saved = humanize.Time(p.Created)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(p.ID), p.Name, remote, source, saved)
	}

	return w.Flush()
}

// Show prints a profile as JSON. The password is never shown.
func (a *App) Show(nameOrID string) error {
	p, err := a.findProfile(nameOrID)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, p.ToJSON())
	return nil
}

// Delete removes a profile and its stored password.
func (a *App) Delete(nameOrID string) error {
	p, err := a.findProfile(nameOrID)
	if err != nil {
		return err
	}
	if err := a.store.Delete(p.Name); err != nil {
		return fmt.Errorf("failed to delete %s: %w", p.Name, err)
	}
	fmt.Fprintf(a.out, "✓ Deleted %s\n", p.Name)
	return nil
}

// findProfile finds a profile by exact name, then by name or ID prefix
// (case-insensitive).
func (a *App) findProfile(nameOrID string) (*vpn.Profile, error) {
	p, err := a.store.Load(nameOrID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, common.ErrProfileNotFound) {
		return nil, err
	}

	list, err := a.store.List()
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(nameOrID))
	if key == "" {
		return nil, fmt.Errorf("%w: %q", common.ErrProfileNotFound, nameOrID)
	}
	for _, p := range list {
		if strings.ToLower(p.Name) == key ||
			strings.ToLower(p.ID) == key ||
			strings.HasPrefix(strings.ToLower(p.ID), key) {
			return a.store.Load(p.Name)
		}
	}
	return nil, fmt.Errorf("%w: %q", common.ErrProfileNotFound, nameOrID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
