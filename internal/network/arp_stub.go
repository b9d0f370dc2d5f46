//go:build !linux

package network

import (
	"fmt"
	"net/netip"
)

// PacketAnnouncer is a stub off Linux.
type PacketAnnouncer struct{}

func (a *PacketAnnouncer) Announce(dev string, ip netip.Addr) error {
	return fmt.Errorf("gratuitous ARP not supported on this platform")
}
