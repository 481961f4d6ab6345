// Package common provides shared constants, types, and utilities
// used across the OVPN Launcher application.
package common

import "errors"

// Sentinel errors for launcher operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Acquisition errors.
	ErrNetworkUnavailable = errors.New("no network")
	ErrFetchTimeout       = errors.New("timed out fetching configuration")
	ErrFetchFailed        = errors.New("failed to fetch configuration")
	ErrFileNotFound       = errors.New("configuration file not found")
	ErrInvalidSource      = errors.New("invalid configuration source")
	ErrParse              = errors.New("configuration parse error")

	// Persistence errors.
	ErrPersistence     = errors.New("failed to persist profile")
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidProfile  = errors.New("invalid profile data")

	// Session errors.
	ErrEngineUnavailable    = errors.New("tunnel engine unavailable")
	ErrEngineGone           = errors.New("tunnel engine no longer bound")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrAuthFailed           = errors.New("authentication failed")
	ErrConnectTimeout       = errors.New("timed out waiting for connection")
	ErrUnknownEngine        = errors.New("unknown tunnel engine error")

	// Lifecycle errors.
	ErrBusy = errors.New("a launch cycle is already in progress")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

// Join attaches a sentinel category to a concrete cause so that both
// match errors.Is while the message keeps the cause's detail.
func Join(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return &categorizedError{kind: kind, cause: cause}
}

type categorizedError struct {
	kind  error
	cause error
}

func (e *categorizedError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *categorizedError) Unwrap() []error {
	return []error{e.kind, e.cause}
}
