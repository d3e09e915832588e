//go:build linux

package intake

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/florianl/go-nflog/v2"

	"grimm.is/turnpike/internal/clock"
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

// DropTap records packets the kernel ruleset logged as dropped, so
// operators can see what never reached the pipeline. Entries go into a
// bounded ring; the oldest are evicted first.
type DropTap struct {
	nf      *nflog.Nflog
	group   uint16
	maxSize int
	log     *logging.Logger

	mu      sync.RWMutex
	entries []DropEntry
	total   uint64
	running bool
	cancel  context.CancelFunc
}

// NewDropTap creates a tap on the given nflog group.
func NewDropTap(group uint16, maxSize int, log *logging.Logger) *DropTap {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DropTap{
		group:   group,
		maxSize: maxSize,
		entries: make([]DropEntry, 0, maxSize),
		log:     log.WithComponent("droptap"),
	}
}

// Start begins listening for log messages.
func (t *DropTap) Start() error {
	config := nflog.Config{
		Group:       t.group,
		Copymode:    nflog.CopyPacket,
		ReadTimeout: 10 * time.Millisecond,
	}

	nf, err := nflog.Open(&config)
	if err != nil {
		return fmt.Errorf("failed to open nflog: %w", err)
	}
	t.nf = nf

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.running = true

	err = nf.RegisterWithErrorFunc(ctx,
		func(attrs nflog.Attribute) int {
			entry := t.parseAttributes(attrs)
			t.add(entry)
			t.log.Debug("kernel drop",
				"prefix", entry.Prefix,
				"src", entry.SrcIP,
				"dst", entry.DstIP,
				"proto", entry.Protocol,
			)
			return 0
		},
		func(err error) int {
			if t.running {
				t.log.Error("nflog receive error", "error", err)
			}
			return 0
		},
	)
	if err != nil {
		nf.Close()
		return fmt.Errorf("failed to register nflog callback: %w", err)
	}

	t.log.Info("listening", "group", t.group)
	return nil
}

// Stop stops listening.
func (t *DropTap) Stop() {
	t.running = false
	if t.cancel != nil {
		t.cancel()
	}
	if t.nf != nil {
		t.nf.Close()
	}
}

func (t *DropTap) parseAttributes(attrs nflog.Attribute) DropEntry {
	entry := DropEntry{Timestamp: clock.Now()}

	if attrs.Prefix != nil {
		entry.Prefix = *attrs.Prefix
	}
	if attrs.InDev != nil {
		if iface, err := net.InterfaceByIndex(int(*attrs.InDev)); err == nil {
			entry.InDev = iface.Name
		} else {
			entry.InDev = fmt.Sprintf("ifindex:%d", *attrs.InDev)
		}
	}
	if attrs.Mark != nil {
		entry.Mark = *attrs.Mark
	}
	if attrs.Payload != nil {
		t.parsePacket(*attrs.Payload, &entry)
	}
	return entry
}

func (t *DropTap) parsePacket(payload []byte, entry *DropEntry) {
	if len(payload) < 20 || payload[0]>>4 != 4 {
		return
	}
	ihl := int(payload[0]&0x0f) * 4
	if ihl < 20 || len(payload) < ihl {
		return
	}

	entry.Length = uint32(binary.BigEndian.Uint16(payload[2:4]))
	protocol := payload[9]
	entry.SrcIP = net.IP(payload[12:16]).String()
	entry.DstIP = net.IP(payload[16:20]).String()

	switch protocol {
	case 1:
		entry.Protocol = "ICMP"
	case 6:
		entry.Protocol = "TCP"
	case 17:
		entry.Protocol = "UDP"
	default:
		entry.Protocol = fmt.Sprintf("IP/%d", protocol)
		return
	}
	if (protocol == 6 || protocol == 17) && len(payload) >= ihl+4 {
		entry.SrcPort = binary.BigEndian.Uint16(payload[ihl : ihl+2])
		entry.DstPort = binary.BigEndian.Uint16(payload[ihl+2 : ihl+4])
	}
}

func (t *DropTap) add(entry DropEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	if len(t.entries) >= t.maxSize {
		t.entries = t.entries[1:]
	}
	t.entries = append(t.entries, entry)
}

// Entries returns up to limit most recent drops, newest last.
func (t *DropTap) Entries(limit int) []DropEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DropEntry, n)
	copy(out, t.entries[len(t.entries)-n:])
	return out
}

// Total returns the all-time drop count.
func (t *DropTap) Total() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}
