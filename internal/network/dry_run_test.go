package network

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func TestDryRunNetlinker(t *testing.T) {
	inner := &MockNetlinker{}
	link := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth1"}}
	inner.On("LinkByName", "eth1").Return(link, nil)
	inner.On("AddrList", link, mock.Anything).Return([]netlink.Addr(nil), nil)

	dry := NewDryRunNetlinker(inner)
	got, err := dry.LinkByName("eth1")
	require.NoError(t, err)
	addrs, err := dry.AddrList(got, netlink.FAMILY_V4)
	require.NoError(t, err)
	assert.Empty(t, addrs)

	require.NoError(t, dry.AddrAdd(got, &netlink.Addr{IPNet: prefixToIPNet(netip.MustParsePrefix("10.1.1.1/24"))}))
	require.NoError(t, dry.LinkSetUp(got))

	assert.Equal(t, []string{"ip addr add 10.1.1.1/24 dev eth1", "ip link set eth1 up"}, dry.Recorded())
	inner.AssertExpectations(t)
	inner.AssertNotCalled(t, "AddrAdd", mock.Anything, mock.Anything)
	inner.AssertNotCalled(t, "LinkSetUp", mock.Anything)
}

func TestDryRunSystemController(t *testing.T) {
	inner := &MockSystemController{}
	inner.On("ReadSysctl", "/sys/class/net/eth1/queues/rx-0/rps_cpus").Return("0", nil)

	dry := NewDryRunSystemController(inner)
	v, err := dry.ReadSysctl("/sys/class/net/eth1/queues/rx-0/rps_cpus")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
	require.NoError(t, dry.WriteSysctl("/sys/class/net/eth1/queues/rx-0/rps_cpus", "f"))

	assert.Equal(t, []string{"echo f > /sys/class/net/eth1/queues/rx-0/rps_cpus"}, dry.Recorded())
	inner.AssertNotCalled(t, "WriteSysctl", mock.Anything, mock.Anything)
}

func TestDryRunAnnouncer(t *testing.T) {
	a := &DryRunAnnouncer{}
	require.NoError(t, a.Announce("eth2", netip.MustParseAddr("203.0.113.5")))
	assert.Equal(t, []string{"arping -U -I eth2 203.0.113.5"}, a.Recorded())
}
