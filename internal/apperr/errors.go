// Package apperr defines the sentinel errors shared across the sync engine.
// Callers match these values with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the session token was rejected by the backend.
	// Surfaced distinctly so the auth layer can prompt re-authentication;
	// the sync engine never refreshes tokens itself.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means the remote resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDecoding means a server response could not be decoded.
	ErrDecoding = errors.New("failed to decode server response")

	// ErrKeyUnavailable means the device encryption key could not be
	// obtained. Fatal for any encryption or decryption call.
	ErrKeyUnavailable = errors.New("encryption key unavailable")

	// ErrNetwork means a transport-level failure against the remote API.
	ErrNetwork = errors.New("network failure")

	// ErrStorage means a local persistence failure.
	ErrStorage = errors.New("storage failure")

	// ErrUnknown is the fallback for errors with no better classification.
	ErrUnknown = errors.New("something went wrong")
)

// Network builds an error matching ErrNetwork under errors.Is.
func Network(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNetwork}, args...)...)
}

// Storage builds an error matching ErrStorage under errors.Is.
func Storage(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrStorage}, args...)...)
}
