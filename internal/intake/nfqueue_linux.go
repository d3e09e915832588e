//go:build linux

package intake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/florianl/go-nfqueue/v2"

	"grimm.is/turnpike/internal/dataplane"
	"grimm.is/turnpike/internal/logging"
)

// ReaderConfig configures the queue reader.
type ReaderConfig struct {
	QueueNum uint16
	QueueLen uint32
}

// Reader holds queued packets until the pipeline returns a verdict.
// The kernel queues L3 payloads, so a synthetic Ethernet header is
// prepended before processing and stripped again for the verdict.
type Reader struct {
	cfg         ReaderConfig
	queue       *nfqueue.Nfqueue
	engine      Engine
	attachments *Attachments
	log         *logging.Logger
	cancel      context.CancelFunc
	running     atomic.Bool
	mu          sync.Mutex

	// Stats
	processed uint64
	accepted  uint64
	dropped   uint64
	errors    uint64
	statsMu   sync.RWMutex
}

// NewReader creates a reader bound to the given queue number.
func NewReader(cfg ReaderConfig, engine Engine, attachments *Attachments, log *logging.Logger) *Reader {
	if cfg.QueueLen == 0 {
		cfg.QueueLen = 1024
	}
	return &Reader{
		cfg:         cfg,
		engine:      engine,
		attachments: attachments,
		log:         log.WithComponent("nfqueue"),
	}
}

// Start begins reading from the queue.
func (r *Reader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	config := nfqueue.Config{
		NfQueue:      r.cfg.QueueNum,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  r.cfg.QueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
	}

	nf, err := nfqueue.Open(&config)
	if err != nil {
		return fmt.Errorf("failed to open nfqueue: %w", err)
	}
	r.queue = nf

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running.Store(true)

	err = nf.RegisterWithErrorFunc(ctx,
		func(attrs nfqueue.Attribute) int {
			r.handlePacket(attrs)
			return 0
		},
		func(err error) int {
			if r.running.Load() {
				r.log.Error("queue receive error", "error", err)
			}
			return 0
		},
	)
	if err != nil {
		nf.Close()
		return fmt.Errorf("failed to register nfqueue callback: %w", err)
	}

	r.log.Info("listening", "queue", r.cfg.QueueNum)
	return nil
}

// Stop stops reading and releases the queue.
func (r *Reader) Stop() {
	r.running.Store(false)
	if r.cancel != nil {
		r.cancel()
	}
	if r.queue != nil {
		r.queue.Close()
	}
}

func (r *Reader) handlePacket(attrs nfqueue.Attribute) {
	r.statsMu.Lock()
	r.processed++
	r.statsMu.Unlock()

	id := *attrs.PacketID
	if attrs.Payload == nil || len(*attrs.Payload) == 0 {
		r.verdict(id, nfqueue.NfDrop, 0, nil)
		return
	}

	att, ok := r.resolveAttachment(attrs)
	if !ok {
		// Not one of ours; let the stack have it.
		r.verdict(id, nfqueue.NfAccept, 0, nil)
		return
	}

	var inMark uint32
	if attrs.Mark != nil {
		inMark = *attrs.Mark
	}

	pkt := dataplane.NewPacket(frameFromPayload(*attrs.Payload, attrs.HwAddr))
	res := r.engine.Process(pkt, att, inMark)

	switch res.Action {
	case dataplane.ActionForward:
		r.statsMu.Lock()
		r.accepted++
		r.statsMu.Unlock()
		// Hand the (possibly rewritten) payload back without its
		// synthetic Ethernet header.
		frame := pkt.Bytes()
		if len(frame) > dataplane.EthHeaderLen {
			r.verdict(id, nfqueue.NfAccept, res.Mark, frame[dataplane.EthHeaderLen:])
		} else {
			r.verdict(id, nfqueue.NfAccept, res.Mark, nil)
		}
	case dataplane.ActionRedirect:
		// Already emitted directly by the pipeline; discard the
		// kernel's copy.
		r.statsMu.Lock()
		r.accepted++
		r.statsMu.Unlock()
		r.verdict(id, nfqueue.NfDrop, 0, nil)
	default:
		r.statsMu.Lock()
		r.dropped++
		r.statsMu.Unlock()
		r.verdict(id, nfqueue.NfDrop, 0, nil)
	}
}

func (r *Reader) resolveAttachment(attrs nfqueue.Attribute) (dataplane.Attachment, bool) {
	// Egress hook when an output device is known, ingress otherwise.
	if attrs.OutDev != nil && *attrs.OutDev != 0 {
		return r.attachments.Egress(int(*attrs.OutDev))
	}
	if attrs.InDev != nil && *attrs.InDev != 0 {
		return r.attachments.Ingress(int(*attrs.InDev))
	}
	return dataplane.Attachment{}, false
}

func (r *Reader) verdict(id uint32, verdict int, mark uint32, payload []byte) {
	var err error
	switch {
	case payload != nil && mark != 0:
		err = r.queue.SetVerdictModPacketWithMark(id, verdict, int(mark), payload)
	case payload != nil:
		err = r.queue.SetVerdictModPacket(id, verdict, payload)
	case mark != 0:
		err = r.queue.SetVerdictWithMark(id, verdict, int(mark))
	default:
		err = r.queue.SetVerdict(id, verdict)
	}
	if err != nil {
		r.statsMu.Lock()
		r.errors++
		r.statsMu.Unlock()
		r.log.Error("failed to set verdict", "packet", id, "error", err)
	}
}

// frameFromPayload prepends an Ethernet header to an L3 payload. The
// source MAC comes from the queue metadata when the kernel captured
// one; the rest stays zero, which downstream stages treat as unknown.
func frameFromPayload(payload []byte, hwAddr *[]byte) []byte {
	frame := make([]byte, dataplane.EthHeaderLen+len(payload))
	if hwAddr != nil && len(*hwAddr) >= 6 {
		copy(frame[6:12], (*hwAddr)[:6])
	}
	frame[12] = 0x08
	frame[13] = 0x00
	copy(frame[dataplane.EthHeaderLen:], payload)
	return frame
}

// Stats holds reader counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Accepted  uint64 `json:"accepted"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// GetStats returns current counters.
func (r *Reader) GetStats() Stats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return Stats{
		Processed: r.processed,
		Accepted:  r.accepted,
		Dropped:   r.dropped,
		Errors:    r.errors,
	}
}
