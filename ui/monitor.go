package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/yllada/ovpn-launcher/events"
	"github.com/yllada/ovpn-launcher/vpn"
)

// Controller is the part of *vpn.Controller the monitor uses.
type Controller interface {
	Register(l vpn.Listener) *vpn.Registration
	RequestStop()
	Status() vpn.Status
}

type (
	// refreshMsg asks the model to re-read the controller status.
	refreshMsg struct{}
	tickMsg    time.Time
	stoppedMsg struct{}
)

// poker turns controller callbacks into refreshes. Callbacks never
// block; pending refreshes coalesce.
type poker struct {
	ch chan struct{}
}

func (p *poker) poke() {
	select {
	case p.ch <- struct{}{}:
	default:
	}
}

func (p *poker) OnProfileAcquired(bool) { p.poke() }
func (p *poker) OnConnectionStateChanged(bool) { p.poke() }
func (p *poker) OnFailure(vpn.Failure) { p.poke() }
func (p *poker) OnStateChanged(_, _ vpn.State) { p.poke() }
func (p *poker) OnByteCount(events.ByteCount) { p.poke() }

// Model is the monitor's Bubble Tea model.
type Model struct {
	ctrl    Controller
	poker   *poker
	reg     *vpn.Registration
	spinner spinner.Model

	status   vpn.Status
	stopping bool
	quitting bool
	now      func() time.Time
}

// NewModel creates a monitor for ctrl. The listener is registered by Init.
func NewModel(ctrl Controller) *Model {
	return &Model{
		ctrl:  ctrl,
		poker: &poker{ch: make(chan struct{}, 1)},
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(statusConnecting),
		),
		now: time.Now,
	}
}

// Init registers the controller listener.
func (m *Model) Init() tea.Cmd {
	if m.reg == nil {
		m.reg = m.ctrl.Register(m.poker)
	}
	m.status = m.ctrl.Status()
	return tea.Batch(m.spinner.Tick, m.waitForChange(), tick())
}

// Close releases the controller listener. It is safe to call more than once.
func (m *Model) Close() {
	if m.reg != nil {
		m.reg.Close()
	}
}

func (m *Model) waitForChange() tea.Cmd {
	ch := m.poker.ch
	return func() tea.Msg {
		<-ch
		return refreshMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles a message.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			m.Close()
			return m, tea.Quit
		case "s":
			if m.stopping || !m.status.State.Active() {
				return m, nil
			}
			m.stopping = true
			// RequestStop waits for the tunnel; keep it off the UI goroutine.
			ctrl := m.ctrl
			return m, func() tea.Msg {
				ctrl.RequestStop()
				return stoppedMsg{}
			}
		}

	case refreshMsg:
		m.status = m.ctrl.Status()
		return m, m.waitForChange()

	case stoppedMsg:
		m.stopping = false
		m.status = m.ctrl.Status()
		return m, nil

	case tickMsg:
		m.status = m.ctrl.Status()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the monitor.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("OVPN Launcher"))
	b.WriteByte('\n')

	s := m.status
	state := stateStyle(s.State).Render(s.State.String())
	if s.State == vpn.StateAcquiring || s.State == vpn.StateStarting || m.stopping {
		state = m.spinner.View() + " " + state
	}
	row(&b, "Status", state)

	if s.Profile != "" {
		row(&b, "Profile", s.Profile)
	}
	if s.EngineState != "" {
		row(&b, "Engine", s.EngineState)
	}
	if s.State == vpn.StateConnected {
		row(&b, "Uptime", formatUptime(m.now().Sub(s.Since)))
		row(&b, "Traffic", fmt.Sprintf("↓ %s  ↑ %s",
			humanize.Bytes(uint64(s.Bytes.In)), humanize.Bytes(uint64(s.Bytes.Out))))
	}
	if f := s.LastFailure; f != nil {
		msg := f.Message()
		if f.Fatal {
			row(&b, "Error", statusError.Render(msg))
		} else {
			row(&b, "Warning", statusConnecting.Render(msg))
		}
	}

	help := "q quit"
	if s.State.Active() && !m.stopping {
		help = "s stop • q quit"
	}
	b.WriteString(helpStyle.Render(help))

	return boxStyle.Render(b.String())
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteByte('\n')
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

// Run shows the monitor for c until the user quits or ctx is cancelled.
func Run(ctx context.Context, c *vpn.Controller) error {
	m := NewModel(c)
	defer m.Close()

	_, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
