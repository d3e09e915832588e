//go:build linux
// +build linux

package metrics

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/safchain/ethtool"
)

// ethtoolReader reads NIC counters via the ethtool netlink interface,
// falling back to sysfs for virtual devices whose drivers expose no
// ethtool stats (veth, tun, bridges).
type ethtoolReader struct {
	handle *ethtool.Ethtool
}

func newIfStatsReader() (ifStatsReader, error) {
	h, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("open ethtool handle: %w", err)
	}
	return &ethtoolReader{handle: h}, nil
}

func (r *ethtoolReader) Read(ifname string) (*InterfaceStats, error) {
	if stats, err := r.handle.Stats(ifname); err == nil {
		out := &InterfaceStats{}
		found := false
		pick := func(dst *uint64, keys ...string) {
			for _, k := range keys {
				if v, ok := stats[k]; ok {
					*dst = v
					found = true
					return
				}
			}
		}
		pick(&out.RxBytes, "rx_bytes", "rx_octets")
		pick(&out.TxBytes, "tx_bytes", "tx_octets")
		pick(&out.RxPackets, "rx_packets")
		pick(&out.TxPackets, "tx_packets")
		pick(&out.RxErrors, "rx_errors")
		pick(&out.TxErrors, "tx_errors")
		if found {
			return out, nil
		}
	}
	return readSysfsStats(ifname)
}

func (r *ethtoolReader) Close() {
	r.handle.Close()
}

func readSysfsStats(ifname string) (*InterfaceStats, error) {
	base := fmt.Sprintf("/sys/class/net/%s/statistics", ifname)
	if _, err := os.Stat(base); err != nil {
		return nil, err
	}

	readUint64 := func(name string) uint64 {
		data, err := os.ReadFile(base + "/" + name)
		if err != nil {
			return 0
		}
		val, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		return val
	}

	return &InterfaceStats{
		RxBytes:   readUint64("rx_bytes"),
		TxBytes:   readUint64("tx_bytes"),
		RxPackets: readUint64("rx_packets"),
		TxPackets: readUint64("tx_packets"),
		RxErrors:  readUint64("rx_errors"),
		TxErrors:  readUint64("tx_errors"),
	}, nil
}
