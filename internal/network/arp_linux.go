//go:build linux

package network

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/mdlayher/packet"
)

const etherTypeARP = 0x0806

// PacketAnnouncer sends gratuitous ARP requests on a raw packet socket.
type PacketAnnouncer struct{}

// Announce broadcasts a gratuitous ARP for ip from dev's hardware address.
func (a *PacketAnnouncer) Announce(dev string, ip netip.Addr) error {
	if !ip.Is4() {
		return fmt.Errorf("gratuitous ARP needs an IPv4 address, got %s", ip)
	}
	ifi, err := net.InterfaceByName(dev)
	if err != nil {
		return err
	}

	conn, err := packet.Listen(ifi, packet.Raw, etherTypeARP, nil)
	if err != nil {
		return fmt.Errorf("failed to open socket: %w", err)
	}
	defer conn.Close()

	frame := garpFrame(ifi.HardwareAddr, ip)
	bcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if _, err := conn.WriteTo(frame, &packet.Addr{HardwareAddr: bcast}); err != nil {
		return fmt.Errorf("failed to send gratuitous ARP on %s: %w", dev, err)
	}
	return nil
}

// garpFrame builds an Ethernet frame carrying an ARP request whose sender and
// target protocol addresses are both ip.
func garpFrame(mac net.HardwareAddr, ip netip.Addr) []byte {
	frame := make([]byte, 60)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], mac)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeARP)

	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:2], 1)      // ethernet
	binary.BigEndian.PutUint16(arp[2:4], 0x0800) // ipv4
	arp[4] = 6
	arp[5] = 4
	binary.BigEndian.PutUint16(arp[6:8], 1) // request
	copy(arp[8:14], mac)
	a4 := ip.As4()
	copy(arp[14:18], a4[:])
	copy(arp[24:28], a4[:])
	return frame
}
