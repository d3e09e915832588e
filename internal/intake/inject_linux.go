//go:build linux

package intake

import (
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/packet"

	"grimm.is/turnpike/internal/logging"
)

// Injector writes complete Ethernet frames out an interface via
// AF_PACKET, bypassing the local stack. Connections are opened lazily
// per interface and reused.
type Injector struct {
	mu    sync.Mutex
	conns map[int]*packet.Conn
	log   *logging.Logger
}

// NewInjector creates an injector.
func NewInjector(log *logging.Logger) *Injector {
	return &Injector{
		conns: make(map[int]*packet.Conn),
		log:   log.WithComponent("inject"),
	}
}

// Redirect emits frame out the interface with the given index. The
// frame must already carry the final Ethernet header.
func (i *Injector) Redirect(ifindex int, frame []byte) error {
	if len(frame) < 14 {
		return fmt.Errorf("frame too short to inject: %d bytes", len(frame))
	}

	conn, err := i.conn(ifindex)
	if err != nil {
		return err
	}

	dst := net.HardwareAddr(frame[0:6])
	if _, err := conn.WriteTo(frame, &packet.Addr{HardwareAddr: dst}); err != nil {
		return fmt.Errorf("failed to inject on ifindex %d: %w", ifindex, err)
	}
	return nil
}

func (i *Injector) conn(ifindex int) (*packet.Conn, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if conn, ok := i.conns[ifindex]; ok {
		return conn, nil
	}

	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("ifindex %d not found: %w", ifindex, err)
	}

	// Protocol 0: send-only socket, we never read from it.
	conn, err := packet.Listen(iface, packet.Raw, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw socket on %s: %w", iface.Name, err)
	}

	i.conns[ifindex] = conn
	i.log.Debug("opened injection socket", "iface", iface.Name)
	return conn, nil
}

// Close releases all open sockets.
func (i *Injector) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, conn := range i.conns {
		conn.Close()
		delete(i.conns, idx)
	}
}
