//go:build linux

package network

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// RealNetlinker is a Netlinker backed by a netlink handle, optionally bound
// to a named network namespace.
type RealNetlinker struct {
	h *netlink.Handle
}

// NewNetlinker opens a netlink handle. An empty namespace uses the current one.
func NewNetlinker(namespace string) (*RealNetlinker, error) {
	if namespace == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, fmt.Errorf("failed to open netlink handle: %w", err)
		}
		return &RealNetlinker{h: h}, nil
	}

	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to open netns %s: %w", namespace, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink handle in %s: %w", namespace, err)
	}
	return &RealNetlinker{h: h}, nil
}

// Close releases the handle.
func (r *RealNetlinker) Close() {
	r.h.Close()
}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return r.h.LinkByName(name)
}

func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return r.h.LinkList()
}

func (r *RealNetlinker) LinkSetUp(link netlink.Link) error {
	return r.h.LinkSetUp(link)
}

func (r *RealNetlinker) LinkSetDown(link netlink.Link) error {
	return r.h.LinkSetDown(link)
}

func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return r.h.AddrList(link, family)
}

func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return r.h.AddrAdd(link, addr)
}

func (r *RealNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return r.h.AddrDel(link, addr)
}
