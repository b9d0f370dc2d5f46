package network

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleGuest, ParseRole("guest"))
	assert.Equal(t, RolePublic, ParseRole(" Public "))
	assert.Equal(t, RoleControl, ParseRole("control"))
	assert.Equal(t, RoleUnknown, ParseRole(""))
	assert.Equal(t, RoleUnknown, ParseRole("storage"))
	assert.Equal(t, "unknown", RoleUnknown.String())
}

func TestNewDevice(t *testing.T) {
	d, err := NewDevice("eth2")
	require.NoError(t, err)
	assert.Equal(t, 102, d.Table)
	assert.Equal(t, "Table_eth2", d.TableName())
	assert.Equal(t, "0x66", d.MarkHex())

	d, err = NewDevice("eth10")
	require.NoError(t, err)
	assert.Equal(t, 110, d.Table)

	_, err = NewDevice("lo")
	assert.Error(t, err)
	assert.False(t, IsManagedName("veth1"))
}

func TestMasks(t *testing.T) {
	bits, err := MaskBits("255.255.255.0")
	require.NoError(t, err)
	assert.Equal(t, 24, bits)

	bits, err = MaskBits("255.255.255.252")
	require.NoError(t, err)
	assert.Equal(t, 30, bits)

	_, err = MaskBits("255.0.255.0")
	assert.Error(t, err)
	_, err = MaskBits("nope")
	assert.Error(t, err)

	assert.Equal(t, "255.255.240.0", maskString(20))
	assert.Equal(t, "0.0.0.0", maskString(0))

	assert.Equal(t, netip.MustParseAddr("10.1.1.255"), BroadcastOf(netip.MustParsePrefix("10.1.1.7/24")))
	assert.Equal(t, netip.MustParseAddr("172.16.0.3"), BroadcastOf(netip.MustParsePrefix("172.16.0.1/30")))
}

func TestInterfaceAddressAccessors(t *testing.T) {
	a := InterfaceAddress{CIDR: netip.MustParsePrefix("192.168.5.20/23")}
	assert.Equal(t, "192.168.5.20", a.IP().String())
	assert.Equal(t, "192.168.4.0/23", a.Network().String())
	assert.Equal(t, 23, a.Size())
	assert.Equal(t, "255.255.254.0", a.Netmask())
}
