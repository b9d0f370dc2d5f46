package testutil

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"

	"github.com/vishvananda/netlink"

	"grimm.is/vrouter/internal/network"
)

// FakeNetlink is an in-memory network.Netlinker. Links carry no carrier
// model beyond the admin up flag.
type FakeNetlink struct {
	mu        sync.Mutex
	links     map[string]*netlink.Device
	addrs     map[string][]netlink.Addr
	mutations []string
}

var (
	_ network.Netlinker  = (*FakeNetlink)(nil)
	_ network.LinkStater = (*FakeNetlink)(nil)
)

// NewFakeNetlink creates links with the given names, all down.
func NewFakeNetlink(names ...string) *FakeNetlink {
	f := &FakeNetlink{links: map[string]*netlink.Device{}, addrs: map[string][]netlink.Addr{}}
	for i, n := range names {
		f.links[n] = &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: n, Index: i + 1}}
	}
	return f
}

// AddLink makes a new link appear.
func (f *FakeNetlink) AddLink(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[name] = &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: name, Index: len(f.links) + 1}}
}

// SeedAddr configures an address without recording a mutation.
func (f *FakeNetlink) SeedAddr(dev, cidr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[dev] = append(f.addrs[dev], netlink.Addr{IPNet: ipNet(cidr)})
}

// SetUpFlag sets a link's admin state without recording a mutation.
func (f *FakeNetlink) SetUpFlag(dev string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setUp(f.links[dev], up)
}

func setUp(l *netlink.Device, up bool) {
	if up {
		l.Flags |= net.FlagUp
		l.OperState = netlink.OperUp
	} else {
		l.Flags &^= net.FlagUp
		l.OperState = netlink.OperDown
	}
}

func ipNet(cidr string) *net.IPNet {
	p := netip.MustParsePrefix(cidr)
	return &net.IPNet{IP: net.IP(p.Addr().AsSlice()), Mask: net.CIDRMask(p.Bits(), 32)}
}

// Mutations returns the recorded link and address changes.
func (f *FakeNetlink) Mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mutations...)
}

// ResetMutations clears the mutation log.
func (f *FakeNetlink) ResetMutations() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = nil
}

// Addrs returns the configured addresses of dev as CIDR strings.
func (f *FakeNetlink) Addrs(dev string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.addrs[dev] {
		out = append(out, a.IPNet.String())
	}
	sort.Strings(out)
	return out
}

// IsUp reports the admin state of dev.
func (f *FakeNetlink) IsUp(dev string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[dev]
	return ok && l.Flags&net.FlagUp != 0
}

func (f *FakeNetlink) LinkByName(name string) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[name]
	if !ok {
		return nil, fmt.Errorf("Link not found")
	}
	// callers hold a copy, as with a real netlink dump
	c := *l
	return &c, nil
}

func (f *FakeNetlink) LinkList() ([]netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.links))
	for n := range f.links {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]netlink.Link, 0, len(names))
	for _, n := range names {
		c := *f.links[n]
		out = append(out, &c)
	}
	return out, nil
}

func (f *FakeNetlink) LinkSetUp(link netlink.Link) error {
	return f.setLink(link, true)
}

func (f *FakeNetlink) LinkSetDown(link netlink.Link) error {
	return f.setLink(link, false)
}

func (f *FakeNetlink) setLink(link netlink.Link, up bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := link.Attrs().Name
	l, ok := f.links[name]
	if !ok {
		return fmt.Errorf("link %s not found", name)
	}
	setUp(l, up)
	state := "down"
	if up {
		state = "up"
	}
	f.mutations = append(f.mutations, fmt.Sprintf("link set %s %s", name, state))
	return nil
}

func (f *FakeNetlink) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netlink.Addr(nil), f.addrs[link.Attrs().Name]...), nil
}

func (f *FakeNetlink) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := link.Attrs().Name
	for _, a := range f.addrs[name] {
		if a.IPNet.String() == addr.IPNet.String() {
			return fmt.Errorf("file exists")
		}
	}
	f.addrs[name] = append(f.addrs[name], netlink.Addr{IPNet: addr.IPNet, Broadcast: addr.Broadcast})
	f.mutations = append(f.mutations, fmt.Sprintf("addr add %s dev %s", addr.IPNet, name))
	return nil
}

func (f *FakeNetlink) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := link.Attrs().Name
	for i, a := range f.addrs[name] {
		if a.IPNet.String() == addr.IPNet.String() {
			f.addrs[name] = append(f.addrs[name][:i], f.addrs[name][i+1:]...)
			f.mutations = append(f.mutations, fmt.Sprintf("addr del %s dev %s", addr.IPNet, name))
			return nil
		}
	}
	return fmt.Errorf("cannot assign requested address")
}

// LinkUp reports carrier, which the fake equates with the admin state.
func (f *FakeNetlink) LinkUp(dev string) (bool, error) {
	return f.IsUp(dev), nil
}

// FakeAnnouncer records gratuitous ARP announcements.
type FakeAnnouncer struct {
	mu   sync.Mutex
	Sent []string
}

var _ network.Announcer = (*FakeAnnouncer)(nil)

func (a *FakeAnnouncer) Announce(dev string, ip netip.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sent = append(a.Sent, dev+" "+ip.String())
	return nil
}

// Announced returns the announcements so far.
func (a *FakeAnnouncer) Announced() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Sent...)
}
