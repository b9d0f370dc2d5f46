package network

import (
	"net/netip"

	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

// MockNetlinker is a mock implementation of the Netlinker interface.
type MockNetlinker struct {
	mock.Mock
}

func (m *MockNetlinker) LinkByName(name string) (netlink.Link, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(netlink.Link), args.Error(1)
}
func (m *MockNetlinker) LinkList() ([]netlink.Link, error) {
	args := m.Called()
	return args.Get(0).([]netlink.Link), args.Error(1)
}
func (m *MockNetlinker) LinkSetUp(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}
func (m *MockNetlinker) LinkSetDown(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}
func (m *MockNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	args := m.Called(link, family)
	return args.Get(0).([]netlink.Addr), args.Error(1)
}
func (m *MockNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	args := m.Called(link, addr)
	return args.Error(0)
}
func (m *MockNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	args := m.Called(link, addr)
	return args.Error(0)
}

// MockSystemController is a mock implementation of the SystemController interface.
type MockSystemController struct {
	mock.Mock
}

func (m *MockSystemController) ReadSysctl(path string) (string, error) {
	args := m.Called(path)
	return args.String(0), args.Error(1)
}
func (m *MockSystemController) WriteSysctl(path, value string) error {
	args := m.Called(path, value)
	return args.Error(0)
}
func (m *MockSystemController) IsNotExist(err error) bool {
	args := m.Called(err)
	return args.Bool(0)
}

// MockAnnouncer is a mock implementation of the Announcer interface.
type MockAnnouncer struct {
	mock.Mock
}

func (m *MockAnnouncer) Announce(dev string, ip netip.Addr) error {
	args := m.Called(dev, ip)
	return args.Error(0)
}

// MockLinkStater is a mock implementation of the LinkStater interface.
type MockLinkStater struct {
	mock.Mock
}

func (m *MockLinkStater) LinkUp(dev string) (bool, error) {
	args := m.Called(dev)
	return args.Bool(0), args.Error(1)
}

// MockGuestServices is a mock implementation of the GuestServices interface.
type MockGuestServices struct {
	mock.Mock
}

func (m *MockGuestServices) Setup(addr InterfaceAddress) error {
	args := m.Called(addr)
	return args.Error(0)
}
func (m *MockGuestServices) Teardown(dev string) error {
	args := m.Called(dev)
	return args.Error(0)
}
