package network

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/vrouter/internal/errors"
)

// Role is the network role of an interface.
type Role int

const (
	RoleUnknown Role = iota
	RoleGuest
	RoleControl
	RolePublic
)

func (r Role) String() string {
	switch r {
	case RoleGuest:
		return "guest"
	case RoleControl:
		return "control"
	case RolePublic:
		return "public"
	}
	return "unknown"
}

// ParseRole maps a desired-state role name to a Role. Anything unrecognised
// is RoleUnknown.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "guest":
		return RoleGuest
	case "control":
		return RoleControl
	case "public":
		return RolePublic
	}
	return RoleUnknown
}

// DefaultNetmask is used when a desired address carries no netmask.
const DefaultNetmask = "255.255.255.0"

// InterfaceAddress is one address the desired state wants on a device.
type InterfaceAddress struct {
	Device    string
	Role      Role
	CIDR      netip.Prefix // address with prefix length, host bits kept
	Gateway   netip.Addr   // zero when absent
	Broadcast netip.Addr

	// Add is false when the address must be removed.
	Add            bool
	PrivateGateway bool
	SourceNat      bool
}

// IP returns the host address.
func (a InterfaceAddress) IP() netip.Addr {
	return a.CIDR.Addr()
}

// Network returns the masked network prefix.
func (a InterfaceAddress) Network() netip.Prefix {
	return a.CIDR.Masked()
}

// Size returns the prefix length.
func (a InterfaceAddress) Size() int {
	return a.CIDR.Bits()
}

// Netmask returns the dotted netmask.
func (a InterfaceAddress) Netmask() string {
	return maskString(a.CIDR.Bits())
}

func maskString(bits int) string {
	m := uint32(0xffffffff) << (32 - bits)
	if bits == 0 {
		m = 0
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(m>>24), byte(m>>16), byte(m>>8), byte(m))
}

// MaskBits converts a dotted netmask to a prefix length.
func MaskBits(mask string) (int, error) {
	a, err := netip.ParseAddr(mask)
	if err != nil || !a.Is4() {
		return 0, errors.Errorf(errors.KindInvalidDesired, "bad netmask %q", mask)
	}
	b := a.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	bits := 0
	for v&0x80000000 != 0 {
		bits++
		v <<= 1
	}
	if v != 0 {
		return 0, errors.Errorf(errors.KindInvalidDesired, "non-contiguous netmask %q", mask)
	}
	return bits, nil
}

// BroadcastOf returns the broadcast address of an IPv4 prefix.
func BroadcastOf(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= ^(uint32(0xffffffff) << (32 - p.Bits()))
	if p.Bits() == 0 {
		v = 0xffffffff
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// Device is a discovered interface and its policy routing table.
type Device struct {
	Name  string
	Table int
}

var devicePattern = regexp.MustCompile(`^eth(\d+)$`)

// IsManagedName reports whether name follows the ethN convention.
func IsManagedName(name string) bool {
	return devicePattern.MatchString(name)
}

// NewDevice derives the routing table id as 100 plus the device's numeric suffix.
func NewDevice(name string) (Device, error) {
	m := devicePattern.FindStringSubmatch(name)
	if m == nil {
		return Device{}, errors.Errorf(errors.KindInvalidDesired, "device %q has no numeric suffix", name)
	}
	n, _ := strconv.Atoi(m[1])
	return Device{Name: name, Table: 100 + n}, nil
}

// TableName is the rt_tables name of the device's routing table.
func (d Device) TableName() string {
	return "Table_" + d.Name
}

// MarkHex is the connection mark that selects the device's table.
func (d Device) MarkHex() string {
	return fmt.Sprintf("0x%x", d.Table)
}
