package network

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
)

// DryRunNetlinker passes queries to an inner Netlinker and records link and
// address changes instead of making them.
type DryRunNetlinker struct {
	inner Netlinker

	mu  sync.Mutex
	Ops []string
}

var _ Netlinker = (*DryRunNetlinker)(nil)

// NewDryRunNetlinker wraps inner.
func NewDryRunNetlinker(inner Netlinker) *DryRunNetlinker {
	return &DryRunNetlinker{inner: inner}
}

func (n *DryRunNetlinker) log(op string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Ops = append(n.Ops, "ip "+op)
}

// Recorded returns the changes that would have been made.
func (n *DryRunNetlinker) Recorded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.Ops...)
}

func (n *DryRunNetlinker) LinkByName(name string) (netlink.Link, error) {
	return n.inner.LinkByName(name)
}

func (n *DryRunNetlinker) LinkList() ([]netlink.Link, error) {
	return n.inner.LinkList()
}

func (n *DryRunNetlinker) LinkSetUp(link netlink.Link) error {
	n.log(fmt.Sprintf("link set %s up", link.Attrs().Name))
	return nil
}

func (n *DryRunNetlinker) LinkSetDown(link netlink.Link) error {
	n.log(fmt.Sprintf("link set %s down", link.Attrs().Name))
	return nil
}

func (n *DryRunNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return n.inner.AddrList(link, family)
}

func (n *DryRunNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	n.log(fmt.Sprintf("addr add %s dev %s", addr.IPNet, link.Attrs().Name))
	return nil
}

func (n *DryRunNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	n.log(fmt.Sprintf("addr del %s dev %s", addr.IPNet, link.Attrs().Name))
	return nil
}

// DryRunSystemController reads through and records sysctl writes.
type DryRunSystemController struct {
	inner SystemController

	mu     sync.Mutex
	Writes []string
}

var _ SystemController = (*DryRunSystemController)(nil)

// NewDryRunSystemController wraps inner.
func NewDryRunSystemController(inner SystemController) *DryRunSystemController {
	return &DryRunSystemController{inner: inner}
}

func (s *DryRunSystemController) ReadSysctl(path string) (string, error) {
	return s.inner.ReadSysctl(path)
}

func (s *DryRunSystemController) WriteSysctl(path, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes = append(s.Writes, fmt.Sprintf("echo %s > %s", value, path))
	return nil
}

func (s *DryRunSystemController) IsNotExist(err error) bool {
	return s.inner.IsNotExist(err)
}

// Recorded returns the writes that would have been made.
func (s *DryRunSystemController) Recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Writes...)
}

// DryRunAnnouncer records gratuitous ARP instead of sending it.
type DryRunAnnouncer struct {
	mu   sync.Mutex
	Sent []string
}

func (a *DryRunAnnouncer) Announce(dev string, ip netip.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sent = append(a.Sent, fmt.Sprintf("arping -U -I %s %s", dev, ip))
	return nil
}

// Recorded returns the announcements that would have been sent.
func (a *DryRunAnnouncer) Recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Sent...)
}
