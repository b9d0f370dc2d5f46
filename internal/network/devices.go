package network

import (
	"slices"
	"time"

	"github.com/vishvananda/netlink"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/errors"
)

// DefaultDeviceWait bounds how long a pass waits for a device to appear.
const DefaultDeviceWait = 2 * time.Second

// DeviceWaiter polls for interfaces with a one second backoff.
type DeviceWaiter struct {
	nl      Netlinker
	clk     clock.Clock
	timeout time.Duration
}

// NewDeviceWaiter creates a waiter. A zero timeout uses DefaultDeviceWait.
func NewDeviceWaiter(nl Netlinker, clk clock.Clock, timeout time.Duration) *DeviceWaiter {
	if timeout <= 0 {
		timeout = DefaultDeviceWait
	}
	if clk == nil {
		clk = clock.Default()
	}
	return &DeviceWaiter{nl: nl, clk: clk, timeout: timeout}
}

// Wait returns the link once it exists, or a KindDeviceNotReady error after
// the timeout.
func (w *DeviceWaiter) Wait(dev string) (netlink.Link, error) {
	start := w.clk.Now()
	for {
		link, err := w.nl.LinkByName(dev)
		if err == nil {
			return link, nil
		}
		if w.clk.Since(start) >= w.timeout {
			e := errors.Wrapf(err, errors.KindDeviceNotReady, "device %s not ready after %s", dev, w.timeout)
			return nil, errors.Attr(e, "device", dev)
		}
		w.clk.Sleep(time.Second)
	}
}

// Discover lists the live ethN devices sorted by name.
func Discover(nl Netlinker) ([]Device, error) {
	links, err := nl.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCommandFailed, "list links")
	}
	var devs []Device
	for _, l := range links {
		d, err := NewDevice(l.Attrs().Name)
		if err != nil {
			continue
		}
		devs = append(devs, d)
	}
	slices.SortFunc(devs, func(a, b Device) int { return a.Table - b.Table })
	return devs, nil
}
