package services

import (
	"fmt"

	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/network"
)

// Units names the units behind the guest-network services.
type Units struct {
	DNS      string
	Metadata string
	// Password is a template unit; the instance is the guest device.
	Password string
}

// DefaultUnits returns the stock unit names.
func DefaultUnits() Units {
	return Units{DNS: "dnsmasq", Metadata: "apache2", Password: "vr-passwd@%s"}
}

// PasswordUnit is the password service instance for a device.
func (u Units) PasswordUnit(dev string) string {
	return fmt.Sprintf(u.Password, dev)
}

// Guest wires DNS exposure, the metadata web server and the password
// service for guest networks.
type Guest struct {
	mgr    Manager
	units  Units
	logger *logging.Logger
}

var _ network.GuestServices = (*Guest)(nil)

// NewGuest creates the guest-service hooks.
func NewGuest(mgr Manager, units Units, logger *logging.Logger) *Guest {
	if logger == nil {
		logger = logging.WithComponent("guest")
	}
	return &Guest{mgr: mgr, units: units, logger: logger}
}

// Setup makes sure the shared services run and starts the device's
// password service.
func (g *Guest) Setup(addr network.InterfaceAddress) error {
	var errs []error
	for _, unit := range []string{g.units.DNS, g.units.Metadata, g.units.PasswordUnit(addr.Device)} {
		started, err := EnsureRunning(g.mgr, unit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if started {
			g.logger.Info("guest service started", "device", addr.Device, "service", unit, "ip", addr.IP().String())
		}
	}
	return errors.Join(errs...)
}

// Teardown stops the device's password service. DNS and metadata are
// shared by every guest network and stay up.
func (g *Guest) Teardown(dev string) error {
	unit := g.units.PasswordUnit(dev)
	if !g.mgr.IsActive(unit) {
		return nil
	}
	return g.mgr.Stop(unit)
}
