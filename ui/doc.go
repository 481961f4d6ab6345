// Package ui provides the terminal status monitor for OVPN Launcher.
//
// The monitor is a Bubble Tea program showing the state of one
// vpn.Controller: the lifecycle state, a spinner while a profile is
// being acquired or the tunnel is starting, the last engine state and
// the traffic counters.
//
// # Listener lifetime
//
// The monitor registers a listener on the controller when the program
// starts and closes the registration when it quits, so a controller
// never calls into a view that is gone. Listener callbacks run on the
// controller's goroutines; they only poke the program, which re-reads
// Controller.Status on its own goroutine.
//
// # Keys
//
//   - s: request the tunnel to stop
//   - q, ctrl+c: quit the monitor
//
// # File Organization
//
//   - monitor.go: Bubble Tea model and Run
//   - styles.go: lipgloss styles per state
package ui
