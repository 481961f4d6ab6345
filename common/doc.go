// Package common provides shared constants, types, utilities, and interfaces
// used throughout the OVPN Launcher application.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: timeouts, file names, and profile defaults
//   - Errors: sentinel errors for the acquisition and connection lifecycle
//   - Interfaces: abstractions for credential storage and logging
//   - Logger: leveled logging with rotated file output
//   - Utils: filesystem helpers such as atomic writes
//
// # Usage
//
//	// Use logger
//	common.LogInfo("Fetching configuration from %s", source)
//
//	// Check errors
//	if errors.Is(err, common.ErrNetworkUnavailable) {
//	    // Tell the user to connect first
//	}
package common
