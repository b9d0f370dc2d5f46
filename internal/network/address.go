package network

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"

	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/firewall"
	"grimm.is/vrouter/internal/logging"
)

// AddressOptions wires an AddressManager.
type AddressOptions struct {
	Netlinker Netlinker
	Routes    *RouteManager
	Waiter    *DeviceWaiter
	RPS       *RPSTuner
	Announcer Announcer
	Guest     GuestServices
	Logger    *logging.Logger
}

// AddressManager owns per-interface address state and the setup that
// depends on it: policy routing, connection marks, link state, ARP
// announcement, RPS and guest services.
type AddressManager struct {
	nl     Netlinker
	routes *RouteManager
	waiter *DeviceWaiter
	rps    *RPSTuner
	arp    Announcer
	guest  GuestServices
	logger *logging.Logger
}

// NewAddressManager creates an address manager.
func NewAddressManager(o AddressOptions) *AddressManager {
	if o.Logger == nil {
		o.Logger = logging.WithComponent("address")
	}
	if o.Waiter == nil {
		o.Waiter = NewDeviceWaiter(o.Netlinker, nil, 0)
	}
	return &AddressManager{
		nl:     o.Netlinker,
		routes: o.Routes,
		waiter: o.Waiter,
		rps:    o.RPS,
		arp:    o.Announcer,
		guest:  o.Guest,
		logger: o.Logger,
	}
}

// Configure brings one address to its desired state. Firewall rules the
// device needs are queued on rules for the reconciler.
func (m *AddressManager) Configure(addr InterfaceAddress, rules *firewall.RuleSet, env Env) error {
	if !addr.Add {
		return m.Deconfigure(addr, rules, env)
	}

	link, err := m.waiter.Wait(addr.Device)
	if err != nil {
		return err
	}

	present, err := m.hasAddr(link, addr.CIDR)
	if err != nil {
		return err
	}
	if !present {
		nlAddr := &netlink.Addr{IPNet: prefixToIPNet(addr.CIDR)}
		if addr.Broadcast.IsValid() {
			nlAddr.Broadcast = net.IP(addr.Broadcast.AsSlice())
		}
		if err := m.nl.AddrAdd(link, nlAddr); err != nil {
			return errors.Wrapf(err, errors.KindCommandFailed, "add %s to %s", addr.CIDR, addr.Device)
		}
		m.logger.Info("address added", "device", addr.Device, "cidr", addr.CIDR.String(), "role", addr.Role.String())
	}

	return m.postConfig(link, addr, rules, env, true)
}

// Deconfigure removes an address and re-runs post-configuration for the device.
func (m *AddressManager) Deconfigure(addr InterfaceAddress, rules *firewall.RuleSet, env Env) error {
	link, err := m.nl.LinkByName(addr.Device)
	if err != nil {
		m.logger.Debug("device gone, nothing to remove", "device", addr.Device)
		return nil
	}
	present, err := m.hasAddr(link, addr.CIDR)
	if err != nil {
		return err
	}
	if present {
		if err := m.nl.AddrDel(link, &netlink.Addr{IPNet: prefixToIPNet(addr.CIDR)}); err != nil {
			return errors.Wrapf(err, errors.KindCommandFailed, "delete %s from %s", addr.CIDR, addr.Device)
		}
		m.logger.Info("address removed", "device", addr.Device, "cidr", addr.CIDR.String())
	}
	return m.postConfig(link, addr, rules, env, false)
}

func (m *AddressManager) postConfig(link netlink.Link, addr InterfaceAddress, rules *firewall.RuleSet, env Env, added bool) error {
	if addr.Role == RoleControl {
		return nil
	}
	dev, err := NewDevice(addr.Device)
	if err != nil {
		return err
	}

	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	keep(m.routes.AddTable(dev))
	_, err = m.routes.AddNetworkRoute(dev, addr.Network().String())
	keep(err)
	rules.Front("mangle", restoreMarkRule(dev))

	if !added {
		if addr.Role == RoleGuest && m.guest != nil {
			keep(m.guest.Teardown(dev.Name))
		}
		return errors.Join(errs...)
	}

	standbyPublic := addr.Role == RolePublic && env.Standby
	switch {
	case standbyPublic:
		m.logger.Info("leaving public link down while not master", "device", dev.Name)
	case link.Attrs().Flags&net.FlagUp == 0:
		if err := m.nl.LinkSetUp(link); err != nil {
			keep(errors.Wrapf(err, errors.KindCommandFailed, "link %s up", dev.Name))
		} else {
			m.logger.Info("link up", "device", dev.Name)
		}
	}

	if addr.Role == RolePublic {
		rules.Front("mangle", setMarkRule(dev))
		keep(m.routes.AddMarkRule(dev))
		// the table default goes in on promotion, while the link is up
		if addr.Gateway.IsValid() && !standbyPublic {
			_, err := m.routes.AddRoute(dev, "default", "via", addr.Gateway.String())
			keep(err)
		}
	}

	if addr.Gateway.IsValid() && !standbyPublic && m.arp != nil {
		if err := m.arp.Announce(dev.Name, addr.IP()); err != nil {
			m.logger.Warn("gratuitous ARP failed", "device", dev.Name, "ip", addr.IP().String(), "error", err)
		}
	}

	if m.rps != nil {
		_, err := m.rps.Enable(dev.Name)
		keep(err)
	}

	appendDefaultRules(addr, rules)

	if addr.Role == RoleGuest && m.guest != nil {
		if env.Standby {
			m.logger.Debug("guest services deferred to redundancy controller", "device", dev.Name)
		} else {
			keep(m.guest.Setup(addr))
		}
	}
	return errors.Join(errs...)
}

func restoreMarkRule(dev Device) string {
	return fmt.Sprintf("-A PREROUTING -i %s -m state --state RELATED,ESTABLISHED -j CONNMARK --restore-mark --nfmask 0xffffffff --ctmask 0xffffffff", dev.Name)
}

func setMarkRule(dev Device) string {
	return fmt.Sprintf("-A PREROUTING -i %s -m state --state NEW -j CONNMARK --set-xmark %s/0xffffffff", dev.Name, dev.MarkHex())
}

func appendDefaultRules(addr InterfaceAddress, rules *firewall.RuleSet) {
	dev, ip, network := addr.Device, addr.IP().String(), addr.Network().String()
	switch addr.Role {
	case RolePublic:
		rules.Append("filter", fmt.Sprintf("-A INPUT -i %s -m state --state RELATED,ESTABLISHED -j ACCEPT", dev))
		rules.Append("filter", fmt.Sprintf("-A FORWARD -i %s -m state --state RELATED,ESTABLISHED -j ACCEPT", dev))
		if addr.SourceNat {
			rules.Append("nat", fmt.Sprintf("-A POSTROUTING -o %s -j SNAT --to-source %s", dev, ip))
		}
	case RoleGuest:
		rules.Append("filter", fmt.Sprintf("-A INPUT -i %s -m state --state RELATED,ESTABLISHED -j ACCEPT", dev))
		rules.Append("filter", fmt.Sprintf("-A INPUT -i %s -p udp -m udp --dport 67 -j ACCEPT", dev))
		rules.Append("filter", fmt.Sprintf("-A INPUT -i %s -d %s/32 -p udp -m udp --dport 53 -j ACCEPT", dev, ip))
		rules.Append("filter", fmt.Sprintf("-A INPUT -i %s -d %s/32 -p tcp -m tcp --dport 53 -j ACCEPT", dev, ip))
		rules.Append("filter", fmt.Sprintf("-A INPUT -i %s -d %s/32 -p tcp -m tcp --dport 80 -m state --state NEW -j ACCEPT", dev, ip))
		rules.Append("filter", fmt.Sprintf("-A INPUT -i %s -d %s/32 -p tcp -m tcp --dport 8080 -m state --state NEW -j ACCEPT", dev, ip))
		rules.Append("filter", fmt.Sprintf("-A FORWARD -i %s -s %s -j ACCEPT", dev, network))
	}
}

// Compare removes addresses that are configured but no longer desired. A
// device with no desired entries loses every address and its guest services.
// VRRP-managed addresses in env are never removed.
func (m *AddressManager) Compare(desired map[string][]InterfaceAddress, env Env) error {
	devs, err := Discover(m.nl)
	if err != nil {
		return err
	}

	var errs []error
	for _, dev := range devs {
		link, err := m.nl.LinkByName(dev.Name)
		if err != nil {
			continue
		}
		configured, err := m.nl.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, errors.KindCommandFailed, "list addresses on %s", dev.Name))
			continue
		}

		wanted := map[netip.Prefix]bool{}
		for _, a := range desired[dev.Name] {
			if a.Add {
				wanted[a.CIDR] = true
			}
		}

		for _, c := range configured {
			p, ok := ipNetToPrefix(c.IPNet)
			if !ok || wanted[p] {
				continue
			}
			if len(wanted) > 0 && env.isVirtual(dev.Name, p.Addr()) {
				continue
			}
			if err := m.nl.AddrDel(link, &netlink.Addr{IPNet: c.IPNet}); err != nil {
				errs = append(errs, errors.Wrapf(err, errors.KindCommandFailed, "delete %s from %s", p, dev.Name))
				continue
			}
			m.logger.Info("removed stale address", "device", dev.Name, "cidr", p.String())
		}

		if len(wanted) == 0 && m.guest != nil && len(configured) > 0 {
			if err := m.guest.Teardown(dev.Name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *AddressManager) hasAddr(link netlink.Link, p netip.Prefix) (bool, error) {
	addrs, err := m.nl.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return false, errors.Wrapf(err, errors.KindCommandFailed, "list addresses on %s", link.Attrs().Name)
	}
	for _, a := range addrs {
		if q, ok := ipNetToPrefix(a.IPNet); ok && q == p {
			return true, nil
		}
	}
	return false, nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := p.Addr().BitLen()
	return &net.IPNet{IP: net.IP(p.Addr().AsSlice()), Mask: net.CIDRMask(p.Bits(), bits)}
}

func ipNetToPrefix(n *net.IPNet) (netip.Prefix, bool) {
	if n == nil {
		return netip.Prefix{}, false
	}
	ip := n.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(a, ones), true
}
