// Package sensor defines the positioning collaborator the transport
// manager asks for fresh fixes.
package sensor

import (
	"context"
	"errors"
	"sync"

	"nuha.dev/geobeacon/internal/model"
)

// ErrNotAuthorized is returned when location permission has not been
// granted to the process.
var ErrNotAuthorized = errors.New("sensor: location permission not granted")

// ErrNoFix is returned when no position reading is available yet.
var ErrNoFix = errors.New("sensor: no position fix available")

// Provider supplies the current position on request. Implementations
// must not block indefinitely; honor ctx.
type Provider interface {
	CurrentPosition(ctx context.Context) (model.Position, error)
}

// Static serves a fixed position. Used in tests and bench setups where
// no real positioning hardware exists.
type Static struct {
	mu  sync.Mutex
	pos model.Position
	err error
}

// NewStatic returns a provider that always reports pos.
func NewStatic(pos model.Position) *Static {
	return &Static{pos: pos}
}

// SetPosition replaces the reported position.
func (s *Static) SetPosition(pos model.Position) {
	s.mu.Lock()
	s.pos = pos
	s.mu.Unlock()
}

// SetError makes subsequent calls fail with err (nil restores normal
// operation).
func (s *Static) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Static) CurrentPosition(_ context.Context) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.Position{}, s.err
	}
	return s.pos, nil
}
