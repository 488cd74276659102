package channel

import "errors"

var (
	// ErrNotConnected is returned by Send when no connection is live.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrConnectFailed wraps handshake and transport-level failures.
	ErrConnectFailed = errors.New("channel: connect failed")

	// ErrConnectBusy is returned when Connect is called while another
	// Connect on the same instance has not resolved yet.
	ErrConnectBusy = errors.New("channel: connect already in flight")

	// ErrSendFailed is returned when a write or POST is rejected.
	ErrSendFailed = errors.New("channel: send failed")

	// ErrInvalidResponse is returned on a malformed server reply.
	ErrInvalidResponse = errors.New("channel: invalid response")

	// ErrCertMismatch is returned when the pinned certificate fingerprint
	// does not match; it is always fatal to the handshake.
	ErrCertMismatch = errors.New("channel: certificate fingerprint mismatch")

	// ErrNotConfigured is returned by the manager when no channel has
	// been configured, and by Configure when required parameters are
	// missing.
	ErrNotConfigured = errors.New("channel: not configured")
)
