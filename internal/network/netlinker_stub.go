//go:build !linux

package network

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// RealNetlinker is a stub implementation of Netlinker.
type RealNetlinker struct{}

// NewNetlinker is not supported off Linux.
func NewNetlinker(namespace string) (*RealNetlinker, error) {
	return nil, fmt.Errorf("netlink not supported on this platform")
}

func (r *RealNetlinker) Close() {}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return nil, fmt.Errorf("LinkByName not supported on this platform")
}

func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return nil, nil
}

func (r *RealNetlinker) LinkSetUp(link netlink.Link) error {
	return nil
}

func (r *RealNetlinker) LinkSetDown(link netlink.Link) error {
	return nil
}

func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return nil, nil
}

func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return nil
}

func (r *RealNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return nil
}
