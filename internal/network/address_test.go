package network

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/firewall"
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/shell"
)

type addressFixture struct {
	nl     *MockNetlinker
	runner *shell.MockRunner
	arp    *MockAnnouncer
	guest  *MockGuestServices
	mgr    *AddressManager
}

func newAddressFixture(t *testing.T) *addressFixture {
	t.Helper()
	f := &addressFixture{
		nl:     &MockNetlinker{},
		runner: &shell.MockRunner{},
		arp:    &MockAnnouncer{},
		guest:  &MockGuestServices{},
	}
	rt := filepath.Join(t.TempDir(), "rt_tables")
	require.NoError(t, os.WriteFile(rt, []byte("254\tmain\n"), 0o644))
	f.mgr = NewAddressManager(AddressOptions{
		Netlinker: f.nl,
		Routes:    NewRouteManager(f.runner, rt, logging.Discard()),
		Waiter:    NewDeviceWaiter(f.nl, clock.NewMockClock(clock.Now()), 0),
		Announcer: f.arp,
		Guest:     f.guest,
		Logger:    logging.Discard(),
	})
	return f
}

func ipNet(s string) *net.IPNet {
	ip, n, _ := net.ParseCIDR(s)
	n.IP = ip.To4()
	return n
}

func cidrIs(s string) interface{} {
	return mock.MatchedBy(func(a *netlink.Addr) bool { return a.IPNet.String() == s })
}

func rulesText(rs *firewall.RuleSet) []string {
	var out []string
	for _, d := range rs.Entries() {
		out = append(out, d.Table+" "+d.Hint.String()+" "+d.Text)
	}
	return out
}

// expectRouting registers the idempotent routing queries every non-control
// device performs, answering that nothing is present yet.
func (f *addressFixture) expectRouting(dev, network string) {
	f.runner.On("Output", "ip", "rule", "show").Return([]string{"32766:\tfrom all lookup main"}, nil)
	f.runner.On("Output", "ip", "route", "show", network, "table", "Table_"+dev).Return([]string(nil), nil)
	f.runner.On("Run", "ip", "route", "add", "throw", network, "table", "Table_"+dev, "proto", "static").Return(nil)
}

func publicAddr() InterfaceAddress {
	return InterfaceAddress{
		Device:    "eth2",
		Role:      RolePublic,
		CIDR:      netip.MustParsePrefix("203.0.113.5/24"),
		Gateway:   netip.MustParseAddr("203.0.113.1"),
		Broadcast: netip.MustParseAddr("203.0.113.255"),
		Add:       true,
		SourceNat: true,
	}
}

func TestConfigure_Public(t *testing.T) {
	f := newAddressFixture(t)
	link := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth2"}}
	f.nl.On("LinkByName", "eth2").Return(link, nil)
	f.nl.On("AddrList", link, netlink.FAMILY_V4).Return([]netlink.Addr{}, nil)
	f.nl.On("AddrAdd", link, cidrIs("203.0.113.5/24")).Return(nil).Once()
	f.nl.On("LinkSetUp", link).Return(nil).Once()
	f.expectRouting("eth2", "203.0.113.0/24")
	f.runner.On("Run", "ip", "rule", "add", "fwmark", "102", "table", "Table_eth2").Return(nil).Once()
	f.runner.On("Output", "ip", "route", "show", "default", "via", "203.0.113.1", "dev", "eth2", "table", "Table_eth2").Return([]string(nil), nil)
	f.runner.On("Run", "ip", "route", "add", "default", "via", "203.0.113.1", "dev", "eth2", "table", "Table_eth2").Return(nil).Once()
	f.arp.On("Announce", "eth2", netip.MustParseAddr("203.0.113.5")).Return(nil).Once()

	rs := firewall.NewRuleSet()
	require.NoError(t, f.mgr.Configure(publicAddr(), rs, Env{}))

	f.nl.AssertExpectations(t)
	f.runner.AssertExpectations(t)
	f.arp.AssertExpectations(t)

	got := rulesText(rs)
	assert.Contains(t, got, "mangle front -A PREROUTING -i eth2 -m state --state RELATED,ESTABLISHED -j CONNMARK --restore-mark --nfmask 0xffffffff --ctmask 0xffffffff")
	assert.Contains(t, got, "mangle front -A PREROUTING -i eth2 -m state --state NEW -j CONNMARK --set-xmark 0x66/0xffffffff")
	assert.Contains(t, got, "filter append -A INPUT -i eth2 -m state --state RELATED,ESTABLISHED -j ACCEPT")
	assert.Contains(t, got, "nat append -A POSTROUTING -o eth2 -j SNAT --to-source 203.0.113.5")
}

func TestConfigure_StandbyPublicStaysDown(t *testing.T) {
	f := newAddressFixture(t)
	link := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth2"}}
	f.nl.On("LinkByName", "eth2").Return(link, nil)
	f.nl.On("AddrList", link, netlink.FAMILY_V4).Return([]netlink.Addr{{IPNet: ipNet("203.0.113.5/24")}}, nil)
	f.expectRouting("eth2", "203.0.113.0/24")
	f.runner.On("Run", "ip", "rule", "add", "fwmark", "102", "table", "Table_eth2").Return(nil)

	rs := firewall.NewRuleSet()
	require.NoError(t, f.mgr.Configure(publicAddr(), rs, Env{Standby: true}))

	f.nl.AssertNotCalled(t, "AddrAdd", mock.Anything, mock.Anything)
	f.nl.AssertNotCalled(t, "LinkSetUp", mock.Anything)
	f.arp.AssertNotCalled(t, "Announce", mock.Anything, mock.Anything)
}

func TestConfigure_StandbyPublicLeavesTableDefaultAlone(t *testing.T) {
	f := newAddressFixture(t)
	link := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth2"}}
	f.nl.On("LinkByName", "eth2").Return(link, nil)
	f.nl.On("AddrList", link, netlink.FAMILY_V4).Return([]netlink.Addr{}, nil)
	f.nl.On("AddrAdd", link, cidrIs("203.0.113.5/24")).Return(nil).Once()
	f.expectRouting("eth2", "203.0.113.0/24")
	f.runner.On("Run", "ip", "rule", "add", "fwmark", "102", "table", "Table_eth2").Return(nil).Once()

	rs := firewall.NewRuleSet()
	require.NoError(t, f.mgr.Configure(publicAddr(), rs, Env{Standby: true}))

	f.runner.AssertExpectations(t)
	f.runner.AssertNotCalled(t, "Output", "ip", "route", "show", "default", "via", "203.0.113.1", "dev", "eth2", "table", "Table_eth2")
	f.runner.AssertNotCalled(t, "Run", "ip", "route", "add", "default", "via", "203.0.113.1", "dev", "eth2", "table", "Table_eth2")

	// the mark plumbing is still in place for the promotion
	assert.Contains(t, rulesText(rs), "mangle front -A PREROUTING -i eth2 -m state --state NEW -j CONNMARK --set-xmark 0x66/0xffffffff")
}

func TestConfigure_Guest(t *testing.T) {
	addr := InterfaceAddress{
		Device: "eth1",
		Role:   RoleGuest,
		CIDR:   netip.MustParsePrefix("10.1.1.1/24"),
		Add:    true,
	}

	for _, standby := range []bool{false, true} {
		f := newAddressFixture(t)
		link := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth1", Flags: net.FlagUp}}
		f.nl.On("LinkByName", "eth1").Return(link, nil)
		f.nl.On("AddrList", link, netlink.FAMILY_V4).Return([]netlink.Addr{}, nil)
		f.nl.On("AddrAdd", link, cidrIs("10.1.1.1/24")).Return(nil)
		f.expectRouting("eth1", "10.1.1.0/24")
		f.guest.On("Setup", addr).Return(nil)

		rs := firewall.NewRuleSet()
		require.NoError(t, f.mgr.Configure(addr, rs, Env{Standby: standby}))

		f.nl.AssertNotCalled(t, "LinkSetUp", mock.Anything)
		if standby {
			f.guest.AssertNotCalled(t, "Setup", mock.Anything)
		} else {
			f.guest.AssertCalled(t, "Setup", addr)
		}

		got := strings.Join(rulesText(rs), "\n")
		assert.Contains(t, got, "-A INPUT -i eth1 -p udp -m udp --dport 67 -j ACCEPT")
		assert.Contains(t, got, "-A INPUT -i eth1 -d 10.1.1.1/32 -p tcp -m tcp --dport 53 -j ACCEPT")
		assert.Contains(t, got, "-A FORWARD -i eth1 -s 10.1.1.0/24 -j ACCEPT")
	}
}

func TestConfigure_ControlSkipsPostConfig(t *testing.T) {
	f := newAddressFixture(t)
	link := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0"}}
	f.nl.On("LinkByName", "eth0").Return(link, nil)
	f.nl.On("AddrList", link, netlink.FAMILY_V4).Return([]netlink.Addr{}, nil)
	f.nl.On("AddrAdd", link, cidrIs("169.254.3.4/16")).Return(nil).Once()

	rs := firewall.NewRuleSet()
	addr := InterfaceAddress{Device: "eth0", Role: RoleControl, CIDR: netip.MustParsePrefix("169.254.3.4/16"), Add: true}
	require.NoError(t, f.mgr.Configure(addr, rs, Env{}))

	assert.Equal(t, 0, rs.Len())
	f.runner.AssertNotCalled(t, "Output", mock.Anything)
	f.nl.AssertExpectations(t)
}

func TestDeconfigure(t *testing.T) {
	f := newAddressFixture(t)
	link := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth1"}}
	f.nl.On("LinkByName", "eth1").Return(link, nil)
	f.nl.On("AddrList", link, netlink.FAMILY_V4).Return([]netlink.Addr{{IPNet: ipNet("10.1.1.1/24")}}, nil)
	f.nl.On("AddrDel", link, cidrIs("10.1.1.1/24")).Return(nil).Once()
	f.expectRouting("eth1", "10.1.1.0/24")
	f.guest.On("Teardown", "eth1").Return(nil).Once()

	addr := InterfaceAddress{Device: "eth1", Role: RoleGuest, CIDR: netip.MustParsePrefix("10.1.1.1/24")}
	require.NoError(t, f.mgr.Configure(addr, firewall.NewRuleSet(), Env{}))

	f.nl.AssertExpectations(t)
	f.guest.AssertExpectations(t)
}

func TestCompare(t *testing.T) {
	f := newAddressFixture(t)
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0"}}
	eth1 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth1"}}
	lo := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "lo"}}
	f.nl.On("LinkList").Return([]netlink.Link{lo, eth1, eth0}, nil)
	f.nl.On("LinkByName", "eth0").Return(eth0, nil)
	f.nl.On("LinkByName", "eth1").Return(eth1, nil)
	f.nl.On("AddrList", eth0, netlink.FAMILY_V4).Return([]netlink.Addr{{IPNet: ipNet("10.9.0.1/24")}}, nil)
	f.nl.On("AddrList", eth1, netlink.FAMILY_V4).Return([]netlink.Addr{
		{IPNet: ipNet("10.1.1.1/24")},
		{IPNet: ipNet("10.1.1.5/24")},
		{IPNet: ipNet("10.1.1.9/24")},
	}, nil)
	f.nl.On("AddrDel", eth0, cidrIs("10.9.0.1/24")).Return(nil).Once()
	f.nl.On("AddrDel", eth1, cidrIs("10.1.1.9/24")).Return(nil).Once()
	f.guest.On("Teardown", "eth0").Return(nil).Once()

	desired := map[string][]InterfaceAddress{
		"eth1": {{Device: "eth1", Role: RoleGuest, CIDR: netip.MustParsePrefix("10.1.1.5/24"), Add: true}},
	}
	env := Env{VirtualIPs: map[string][]netip.Addr{"eth1": {netip.MustParseAddr("10.1.1.1")}}}
	require.NoError(t, f.mgr.Compare(desired, env))

	f.nl.AssertExpectations(t)
	f.guest.AssertExpectations(t)
	f.nl.AssertNumberOfCalls(t, "AddrDel", 2)
}
