// Package vpn provides VPN profile acquisition and connection lifecycle
// management for OVPN Launcher.
//
// This package implements the core functionality:
//
//   - Acquisition: fetching a configuration from a URL, a file, or inline text
//   - Parsing: turning OpenVPN configuration text into a Profile
//   - Sessions: binding to the tunnel engine and starting or stopping tunnels
//   - Lifecycle: the Controller state machine tying the above together
//
// # Architecture
//
// The package is organized around three main types:
//
//   - Fetcher: reads configuration text with bounded timeouts
//   - Session: owns the engine binding and at most one active tunnel
//   - Controller: serializes launch and stop requests and reports progress
//
// # Launch Flow
//
// A typical launch:
//
//  1. The caller registers a Listener and calls Controller.Launch
//  2. The controller fetches and parses the configuration in the background
//  3. The profile is stamped with defaults and saved to the ProfileStore
//  4. The Session starts a tunnel on the engine
//  5. Engine events arriving on the events.Bus move the controller to Connected
//
// # Thread Safety
//
// All exported types in this package are safe for concurrent use.
package vpn
