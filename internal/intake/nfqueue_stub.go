//go:build !linux

package intake

import (
	"errors"

	"grimm.is/turnpike/internal/logging"
)

// ReaderConfig configures the queue reader.
type ReaderConfig struct {
	QueueNum uint16
	QueueLen uint32
}

// Reader is a no-op on non-linux platforms.
type Reader struct{}

// Stats holds reader counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Accepted  uint64 `json:"accepted"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// NewReader creates a stub reader.
func NewReader(ReaderConfig, Engine, *Attachments, *logging.Logger) *Reader {
	return &Reader{}
}

// Start reports that packet intake is unsupported.
func (r *Reader) Start() error {
	return errors.New("packet intake requires linux")
}

// Stop is a no-op.
func (r *Reader) Stop() {}

// GetStats returns zero counters.
func (r *Reader) GetStats() Stats { return Stats{} }
