//go:build !linux

package routes

import (
	"fmt"

	"grimm.is/turnpike/internal/logging"
)

// SeedFromKernel is Linux-only.
func (f *FIB) SeedFromKernel(log *logging.Logger) error {
	return fmt.Errorf("kernel FIB seeding is only supported on Linux")
}

// SeedRoutesFromKernel is Linux-only.
func SeedRoutesFromKernel(table *Table, log *logging.Logger) error {
	return fmt.Errorf("kernel route import is only supported on Linux")
}
