package network

import (
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Netlinker is an interface that abstracts netlink interactions.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error

	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
}

// SystemController is an interface that abstracts procfs and sysfs access.
type SystemController interface {
	ReadSysctl(path string) (string, error)
	WriteSysctl(path, value string) error
	IsNotExist(err error) bool
}

// Announcer sends gratuitous ARP for an address on a device.
type Announcer interface {
	Announce(dev string, ip netip.Addr) error
}

// LinkStater reports whether a device has carrier.
type LinkStater interface {
	LinkUp(dev string) (bool, error)
}

// GuestServices wires the per-guest-network services: DNS exposure, the
// metadata web server and the password service.
type GuestServices interface {
	Setup(addr InterfaceAddress) error
	Teardown(dev string) error
}

// Env is the per-pass context address configuration runs in.
type Env struct {
	// Standby is true on a redundant pair member that is not MASTER. Public
	// links stay down and guest services are left to the redundancy controller.
	Standby bool
	// VirtualIPs are VRRP-managed addresses per device; compare never removes them.
	VirtualIPs map[string][]netip.Addr
}

func (e Env) isVirtual(dev string, ip netip.Addr) bool {
	for _, v := range e.VirtualIPs[dev] {
		if v == ip {
			return true
		}
	}
	return false
}
