// Package common provides shared constants, types, and utilities
// used across the OVPN Launcher application.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.ovpnlauncher.app"
	// AppName is the display name of the application.
	AppName = "OVPN Launcher"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "ovpn-launcher"
)

// File names used by the application.
const (
	ProfilesFileName    = "profiles.yaml"
	ProfilesDBFileName  = "profiles.db"
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	LogFileName         = "ovpn-launcher.log"
)

// Default timeouts and intervals.
const (
	// FetchConnectTimeout bounds establishing a connection to a remote config server.
	FetchConnectTimeout = 10 * time.Second
	// FetchReadTimeout bounds every read from a remote config server.
	FetchReadTimeout = 10 * time.Second
	// BindTimeout is how long a session start waits for the tunnel engine.
	BindTimeout = 10 * time.Second
	// StopTimeout bounds waiting for the engine to tear a tunnel down.
	StopTimeout = 10 * time.Second
	// ConnectionTimeout is the maximum time to wait for a connection.
	ConnectionTimeout = 30 * time.Second
	// ManagementTimeout is the timeout for management interface commands.
	ManagementTimeout = 5 * time.Second
	// HealthInterval is how often the health monitor probes the tunnel.
	HealthInterval = 30 * time.Second
	// MaxReconnectWait caps the engine rebinding backoff.
	MaxReconnectWait = 5 * time.Second
)

// Profile defaults.
const (
	// PlaceholderUsername is stamped on profiles whose config carries no credentials.
	PlaceholderUsername = "vpn"
	// PlaceholderPassword is stamped on profiles whose config carries no credentials.
	PlaceholderPassword = "vpn"
	// MaxConfigSize is the largest config document accepted from any source.
	MaxConfigSize = 1 << 20
)

// Store backends.
const (
	StoreBackendYAML   = "yaml"
	StoreBackendSQLite = "sqlite"
)
