// Package intake moves packets between the kernel and the decision
// pipeline: an nfqueue reader that holds packets for a verdict, the
// nftables rules that steer traffic into the queue, an AF_PACKET
// injector for redirected frames, and an nflog tap for drop
// diagnostics.
package intake

import (
	"grimm.is/turnpike/internal/dataplane"
)

// Engine is the per-packet decision entry point.
type Engine interface {
	Process(pkt *dataplane.Packet, att dataplane.Attachment, inMark uint32) dataplane.Result
}

// Attachments maps interface indexes to their pipeline attachment, so
// the reader can classify each queued packet by where it was seen.
type Attachments struct {
	byIndex map[int]dataplane.Attachment
}

// NewAttachments builds the attachment registry.
func NewAttachments() *Attachments {
	return &Attachments{byIndex: make(map[int]dataplane.Attachment)}
}

// Add registers an interface.
func (a *Attachments) Add(att dataplane.Attachment) {
	a.byIndex[att.IfIndex] = att
}

// Ingress resolves the attachment for a packet received on ifindex.
func (a *Attachments) Ingress(ifindex int) (dataplane.Attachment, bool) {
	att, ok := a.byIndex[ifindex]
	if !ok {
		return dataplane.Attachment{}, false
	}
	att.Hook = dataplane.HookFromEndpoint
	return att, true
}

// Egress resolves the attachment for a packet about to leave ifindex.
func (a *Attachments) Egress(ifindex int) (dataplane.Attachment, bool) {
	att, ok := a.byIndex[ifindex]
	if !ok {
		return dataplane.Attachment{}, false
	}
	att.Hook = dataplane.HookToEndpoint
	return att, true
}
