//go:build !linux

package intake

import (
	"errors"

	"grimm.is/turnpike/internal/logging"
)

// Injector is a no-op on non-linux platforms.
type Injector struct{}

// NewInjector creates a stub injector.
func NewInjector(*logging.Logger) *Injector { return &Injector{} }

// Redirect reports that frame injection is unsupported.
func (i *Injector) Redirect(int, []byte) error {
	return errors.New("frame injection requires linux")
}

// Close is a no-op.
func (i *Injector) Close() {}
