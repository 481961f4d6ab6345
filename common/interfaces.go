// Package common provides shared constants, types, and utilities
// used across the OVPN Launcher application.
package common

// CredentialStore defines the interface for credential storage.
// Implementations may use system keyring, encrypted files, etc.
type CredentialStore interface {
	// Store saves the password for a profile.
	Store(profileID, password string) error
	// Get retrieves the password for a profile.
	Get(profileID string) (string, error)
	// Delete removes the password for a profile.
	Delete(profileID string) error
}
