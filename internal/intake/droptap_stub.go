//go:build !linux

package intake

import (
	"errors"
	"time"

	"grimm.is/turnpike/internal/logging"
)

// DropEntry is one observed drop from the kernel-side log group.
type DropEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Prefix    string    `json:"prefix"`
	InDev     string    `json:"in_dev,omitempty"`
	SrcIP     string    `json:"src_ip,omitempty"`
	DstIP     string    `json:"dst_ip,omitempty"`
	SrcPort   uint16    `json:"src_port,omitempty"`
	DstPort   uint16    `json:"dst_port,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	Length    uint32    `json:"length,omitempty"`
	Mark      uint32    `json:"mark,omitempty"`
}

// DropTap is a no-op on non-linux platforms.
type DropTap struct{}

// NewDropTap creates a stub tap.
func NewDropTap(uint16, int, *logging.Logger) *DropTap { return &DropTap{} }

// Start reports that the drop tap is unsupported.
func (t *DropTap) Start() error { return errors.New("nflog drop tap requires linux") }

// Stop is a no-op.
func (t *DropTap) Stop() {}

// Entries returns nothing.
func (t *DropTap) Entries(int) []DropEntry { return nil }

// Total returns zero.
func (t *DropTap) Total() uint64 { return 0 }
