// Package channel defines the transport contract shared by the BLE and
// LAN implementations, the connection state machine, and the error
// taxonomy the manager relies on.
package channel

import (
	"context"

	"nuha.dev/geobeacon/internal/model"
)

// Status is the connection phase of a channel.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Errored
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// State is the connection state of a channel. Reason is set only when
// Status is Errored.
type State struct {
	Status Status
	Reason string
}

// Channel is the capability contract both transports implement. Exactly
// one Connect may be in flight per instance; a second concurrent call
// fails with ErrConnectBusy. Disconnect is idempotent and always leaves
// the channel disconnected. Callbacks fire on transitions occurring after
// registration; history is never replayed.
type Channel interface {
	// State returns the current connection state synchronously.
	State() State

	// OnStateChange registers the observer invoked on every transition.
	OnStateChange(fn func(State))

	// OnLocationRequest registers the callback invoked whenever the
	// server signals it wants a fresh position.
	OnLocationRequest(fn func())

	// Connect performs the full handshake for the transport. On failure
	// the channel is left in the error state.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down and cancels all background
	// work before returning.
	Disconnect()

	// Send serializes and transmits one payload. It fails with
	// ErrNotConnected when no connection is live.
	Send(ctx context.Context, p *model.LocationPayload) error
}
