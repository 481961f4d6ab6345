package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/ovpn-launcher/vpn"
)

// Palette shared with the desktop theme.
var (
	colorConnected  = lipgloss.Color("#2ec27e")
	colorConnecting = lipgloss.Color("#e5a50a")
	colorError      = lipgloss.Color("#e01b24")
	colorAccent     = lipgloss.Color("#3584e4")
	colorMuted      = lipgloss.AdaptiveColor{Light: "#77767b", Dark: "#9a9996"}
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Width(10)

	statusConnected = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorConnected)

	statusConnecting = lipgloss.NewStyle().
				Foreground(colorConnecting)

	statusError = lipgloss.NewStyle().
			Foreground(colorError)

	statusIdle = lipgloss.NewStyle().
			Faint(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Padding(1, 2)
)

// stateStyle picks the style for a lifecycle state.
func stateStyle(s vpn.State) lipgloss.Style {
	switch s {
	case vpn.StateConnected:
		return statusConnected
	case vpn.StateAcquiring, vpn.StateStarting, vpn.StateStopping:
		return statusConnecting
	case vpn.StateFailed:
		return statusError
	default:
		return statusIdle
	}
}
