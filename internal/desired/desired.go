// Package desired turns the stored data bags into the typed desired state a
// reconciliation pass or a redundancy transition works from.
package desired

import (
	"net/netip"
	"sort"
	"strings"

	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/network"
	"grimm.is/vrouter/internal/state"
)

// Document is the desired state for one pass.
type Document struct {
	CmdLine      *state.CmdLine
	Addresses    map[string][]network.InterfaceAddress
	Guests       map[string]state.GuestNetwork
	StaticRoutes []network.StaticRoute
}

// Load reads and converts every bag the agent acts on. Any malformed entry
// fails the whole load so nothing is mutated from a half-read document.
func Load(bags *state.Bags) (*Document, error) {
	cl, err := bags.CmdLine()
	if err != nil {
		return nil, err
	}
	ips, err := bags.IPs()
	if err != nil {
		return nil, err
	}
	guests, err := bags.GuestNetworks()
	if err != nil {
		return nil, err
	}
	routes, err := bags.StaticRoutes()
	if err != nil {
		return nil, err
	}

	doc := &Document{
		CmdLine:   cl,
		Addresses: make(map[string][]network.InterfaceAddress, len(ips)),
		Guests:    guests,
	}
	for dev, entries := range ips {
		for _, e := range entries {
			addr, err := Address(dev, e)
			if err != nil {
				return nil, err
			}
			doc.Addresses[addr.Device] = append(doc.Addresses[addr.Device], addr)
		}
	}
	for _, r := range routes {
		doc.StaticRoutes = append(doc.StaticRoutes, network.StaticRoute{
			Network: r.Network,
			Gateway: r.Gateway,
			Revoke:  bool(r.Revoke),
		})
	}
	return doc, nil
}

// Address converts one ips bag entry. The entry's own device wins over the
// bag key; an unknown role becomes RoleUnknown and a missing netmask
// defaults to 255.255.255.0.
func Address(dev string, e state.IPEntry) (network.InterfaceAddress, error) {
	if e.Device != "" {
		dev = e.Device
	}
	bad := func(format string, args ...any) (network.InterfaceAddress, error) {
		err := errors.Errorf(errors.KindInvalidDesired, format, args...)
		return network.InterfaceAddress{}, errors.Attr(err, "device", dev)
	}
	if !network.IsManagedName(dev) {
		return bad("ips entry for unmanaged device %q", dev)
	}

	ip, err := netip.ParseAddr(strings.TrimSpace(e.PublicIP))
	if err != nil || !ip.Is4() {
		return bad("ips entry on %s has bad address %q", dev, e.PublicIP)
	}
	mask := e.Netmask
	if mask == "" {
		mask = network.DefaultNetmask
	}
	bits, err := network.MaskBits(mask)
	if err != nil {
		return network.InterfaceAddress{}, errors.Attr(err, "device", dev)
	}

	addr := network.InterfaceAddress{
		Device:         dev,
		Role:           network.ParseRole(e.NetworkType),
		CIDR:           netip.PrefixFrom(ip, bits),
		Add:            bool(e.Add),
		PrivateGateway: bool(e.IsPrivateGateway),
		SourceNat:      bool(e.SourceNat),
	}
	if e.Gateway != "" {
		gw, err := netip.ParseAddr(e.Gateway)
		if err != nil {
			return bad("ips entry on %s has bad gateway %q", dev, e.Gateway)
		}
		addr.Gateway = gw
	}
	if e.Broadcast != "" {
		b, err := netip.ParseAddr(e.Broadcast)
		if err != nil {
			return bad("ips entry on %s has bad broadcast %q", dev, e.Broadcast)
		}
		addr.Broadcast = b
	} else {
		addr.Broadcast = network.BroadcastOf(addr.CIDR)
	}
	return addr, nil
}

// Devices returns the devices with desired addresses, sorted by table id.
func (d *Document) Devices() []string {
	devs := make([]string, 0, len(d.Addresses))
	for dev := range d.Addresses {
		devs = append(devs, dev)
	}
	sortDevices(devs)
	return devs
}

// All returns every address in device order.
func (d *Document) All() []network.InterfaceAddress {
	var out []network.InterfaceAddress
	for _, dev := range d.Devices() {
		out = append(out, d.Addresses[dev]...)
	}
	return out
}

// ByRole returns the addresses with the given role, in device order.
func (d *Document) ByRole(role network.Role) []network.InterfaceAddress {
	var out []network.InterfaceAddress
	for _, a := range d.All() {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

// RoleDevices returns the devices carrying at least one address of role.
func (d *Document) RoleDevices(role network.Role) []string {
	var devs []string
	for _, dev := range d.Devices() {
		for _, a := range d.Addresses[dev] {
			if a.Role == role && a.Add {
				devs = append(devs, dev)
				break
			}
		}
	}
	return devs
}

// VirtualIP is a VRRP-managed gateway address.
type VirtualIP struct {
	Prefix    netip.Prefix
	Broadcast netip.Addr
	Device    string
}

// VirtualIPs returns the guest gateways a redundant pair moves between its
// members. A non-redundant router has none.
func (d *Document) VirtualIPs() []VirtualIP {
	if d.CmdLine == nil || !d.CmdLine.RedundantRouter {
		return nil
	}
	var out []VirtualIP
	for _, dev := range d.guestDevices() {
		g := d.Guests[dev]
		gw, err := netip.ParseAddr(g.Gateway)
		if err != nil {
			continue
		}
		cidr, err := netip.ParsePrefix(g.CIDR)
		if err != nil {
			continue
		}
		p := netip.PrefixFrom(gw, cidr.Bits())
		out = append(out, VirtualIP{Prefix: p, Broadcast: network.BroadcastOf(p), Device: dev})
	}
	return out
}

func (d *Document) guestDevices() []string {
	devs := make([]string, 0, len(d.Guests))
	for dev := range d.Guests {
		devs = append(devs, dev)
	}
	sortDevices(devs)
	return devs
}

// Env builds the per-pass address environment.
func (d *Document) Env(standby bool) network.Env {
	env := network.Env{Standby: standby}
	for _, v := range d.VirtualIPs() {
		if env.VirtualIPs == nil {
			env.VirtualIPs = make(map[string][]netip.Addr)
		}
		env.VirtualIPs[v.Device] = append(env.VirtualIPs[v.Device], v.Prefix.Addr())
	}
	return env
}

func sortDevices(devs []string) {
	sort.Slice(devs, func(i, j int) bool {
		a, errA := network.NewDevice(devs[i])
		b, errB := network.NewDevice(devs[j])
		if errA != nil || errB != nil {
			return devs[i] < devs[j]
		}
		return a.Table < b.Table
	})
}
