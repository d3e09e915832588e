//go:build !linux

package intake

import (
	"errors"

	"grimm.is/turnpike/internal/logging"
)

// Steering is a no-op on non-linux platforms.
type Steering struct{}

// NewSteering reports that nftables steering is unsupported.
func NewSteering(uint16, *logging.Logger) (*Steering, error) {
	return nil, errors.New("nftables steering requires linux")
}

// Install is a no-op.
func (s *Steering) Install([]string) error { return nil }

// Remove is a no-op.
func (s *Steering) Remove() error { return nil }
