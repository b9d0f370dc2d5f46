package ha

import (
	"github.com/vishvananda/netlink"

	"grimm.is/vrouter/internal/brand"
	"grimm.is/vrouter/internal/config"
	"grimm.is/vrouter/internal/desired"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/fileedit"
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/network"
	"grimm.is/vrouter/internal/services"
	"grimm.is/vrouter/internal/shell"
	"grimm.is/vrouter/internal/state"
)

// Options wires a Controller.
type Options struct {
	Config    *config.Config
	Bags      *state.Bags
	Netlinker network.Netlinker
	Waiter    *network.DeviceWaiter
	Routes    *network.RouteManager
	Announcer network.Announcer
	LinkState network.LinkStater
	Services  services.Manager
	// Runner issues conntrackd control commands.
	Runner shell.Runner
	Lock   *Lock
	Logger *logging.Logger
}

// Controller runs redundancy transitions.
type Controller struct {
	cfg    *config.Config
	bags   *state.Bags
	nl     network.Netlinker
	waiter *network.DeviceWaiter
	routes *network.RouteManager
	arp    network.Announcer
	links  network.LinkStater
	svc    services.Manager
	runner shell.Runner
	lock   *Lock
	units  services.Units
	logger *logging.Logger
}

// NewController creates a controller.
func NewController(o Options) *Controller {
	if o.Logger == nil {
		o.Logger = logging.WithComponent("ha")
	}
	if o.Waiter == nil {
		o.Waiter = network.NewDeviceWaiter(o.Netlinker, nil, o.Config.DeviceWait())
	}
	if o.Lock == nil {
		r := o.Config.Redundancy
		o.Lock = NewLock(LockOptions{
			Name:     r.LockName,
			Attempts: r.LockAttempts,
			Interval: r.Interval(),
			Strict:   r.StrictLock,
			Logger:   o.Logger,
		})
	}
	s := o.Config.Services
	return &Controller{
		cfg:    o.Config,
		bags:   o.Bags,
		nl:     o.Netlinker,
		waiter: o.Waiter,
		routes: o.Routes,
		arp:    o.Announcer,
		links:  o.LinkState,
		svc:    o.Services,
		runner: o.Runner,
		lock:   o.Lock,
		units:  services.Units{DNS: s.DNS, Metadata: s.Metadata, Password: s.Password},
		logger: o.Logger,
	}
}

// State returns the persisted redundancy state.
func (c *Controller) State() (RedundancyState, error) {
	cl, err := c.bags.CmdLine()
	if err != nil {
		return StateOff, err
	}
	if !cl.RedundantRouter {
		return StateOff, nil
	}
	return ParseState(cl.RedundantState), nil
}

// locked runs fn holding the transition lock and releases it before returning.
func (c *Controller) locked(fn func(doc *desired.Document) error) (*desired.Document, error) {
	if err := c.lock.Acquire(); err != nil {
		return nil, err
	}
	defer c.lock.Release()

	doc, err := desired.Load(c.bags)
	if err != nil {
		return nil, err
	}
	return doc, fn(doc)
}

// EnterBackup demotes the router to BACKUP.
func (c *Controller) EnterBackup() error {
	c.logger.Info("entering backup")
	var errs []error
	doc, err := c.locked(func(doc *desired.Document) error {
		errs = append(errs, c.publicLinks(doc, false)...)
		errs = append(errs, c.conntrack("-n"))
		errs = append(errs, c.stopFailoverServices(doc)...)
		if err := c.persist(doc, StateBackup); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Join(append(errs, err)...)
	}

	errs = append(errs, c.recheckPublicLinks(doc)...)
	return errors.Join(errs...)
}

// EnterMaster promotes the router to MASTER.
func (c *Controller) EnterMaster() error {
	c.logger.Info("entering master")
	var errs []error
	doc, err := c.locked(func(doc *desired.Document) error {
		errs = append(errs, c.publicLinks(doc, true)...)
		errs = append(errs, c.publicRoutes(doc)...)

		if _, err := c.routes.ApplyStatic(doc.StaticRoutes); err != nil {
			errs = append(errs, err)
		}

		// commit the peer's cache, flush ours, resync from the kernel and
		// push the result back to the peer
		for _, flag := range []string{"-c", "-f", "-R", "-B"} {
			errs = append(errs, c.conntrack(flag))
		}

		for _, unit := range c.cfg.Redundancy.FailoverServices {
			errs = append(errs, c.svc.Restart(unit))
		}
		for _, v := range doc.VirtualIPs() {
			errs = append(errs, c.svc.Restart(c.units.PasswordUnit(v.Device)))
		}

		if err := c.persist(doc, StateMaster); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Join(append(errs, err)...)
	}

	c.announcePublic(doc)
	return errors.Join(errs...)
}

// EnterFault takes the router out of service.
func (c *Controller) EnterFault() error {
	c.logger.Info("entering fault")
	var errs []error
	_, err := c.locked(func(doc *desired.Document) error {
		errs = append(errs, c.publicLinks(doc, false)...)
		errs = append(errs, c.stopIfActive(c.cfg.Services.Conntrackd))
		errs = append(errs, c.stopFailoverServices(doc)...)
		return c.persist(doc, StateFault)
	})
	return errors.Join(append(errs, err)...)
}

func (c *Controller) publicLinks(doc *desired.Document, up bool) []error {
	var errs []error
	for _, dev := range doc.RoleDevices(network.RolePublic) {
		var link netlink.Link
		var err error
		if up {
			link, err = c.waiter.Wait(dev)
		} else {
			link, err = c.nl.LinkByName(dev)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if up {
			err = c.nl.LinkSetUp(link)
		} else {
			err = c.nl.LinkSetDown(link)
		}
		if err != nil {
			errs = append(errs, errors.Wrapf(err, errors.KindCommandFailed, "set %s up=%t", dev, up))
			continue
		}
		c.logger.Info("public link", "device", dev, "up", up)
	}
	return errs
}

// publicRoutes programs each public gateway in its device table and the
// system default route on the role's designated public device only.
func (c *Controller) publicRoutes(doc *desired.Document) []error {
	var errs []error
	primary := c.cfg.PublicDevice(doc.CmdLine.Role())
	for _, a := range doc.ByRole(network.RolePublic) {
		if !a.Add || !a.Gateway.IsValid() {
			continue
		}
		dev, err := network.NewDevice(a.Device)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := c.routes.AddRoute(dev, "default", "via", a.Gateway.String()); err != nil {
			errs = append(errs, err)
		}
		if primary != "" && a.Device != primary {
			continue
		}
		if _, err := c.routes.AddDefaultRoute(a.Gateway.String()); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// announcePublic re-announces public addresses on every public device but
// the first, whose MAC moves with the VRRP role.
func (c *Controller) announcePublic(doc *desired.Document) {
	if c.arp == nil {
		return
	}
	devs := doc.RoleDevices(network.RolePublic)
	if len(devs) < 2 {
		return
	}
	for _, dev := range devs[1:] {
		for _, a := range doc.Addresses[dev] {
			if !a.Add {
				continue
			}
			if err := c.arp.Announce(dev, a.IP()); err != nil {
				c.logger.Warn("gratuitous ARP failed", "device", dev, "ip", a.IP().String(), "error", err)
			}
		}
	}
}

// recheckPublicLinks takes down any public link that still reports carrier
// after the demotion, which happens when a notify raced a pass.
func (c *Controller) recheckPublicLinks(doc *desired.Document) []error {
	if c.links == nil {
		return nil
	}
	var errs []error
	for _, dev := range doc.RoleDevices(network.RolePublic) {
		link, err := c.nl.LinkByName(dev)
		if err != nil {
			continue
		}
		up, err := c.links.LinkUp(dev)
		if err != nil || !up {
			continue
		}
		c.logger.Warn("public link still up after demotion", "device", dev)
		if err := c.nl.LinkSetDown(link); err != nil {
			errs = append(errs, errors.Wrapf(err, errors.KindCommandFailed, "set %s down", dev))
		}
	}
	return errs
}

func (c *Controller) stopFailoverServices(doc *desired.Document) []error {
	var errs []error
	for _, unit := range c.cfg.Redundancy.FailoverServices {
		errs = append(errs, c.stopIfActive(unit))
	}
	for _, v := range doc.VirtualIPs() {
		errs = append(errs, c.stopIfActive(c.units.PasswordUnit(v.Device)))
	}
	return errs
}

func (c *Controller) stopIfActive(unit string) error {
	if !c.svc.IsActive(unit) {
		return nil
	}
	return c.svc.Stop(unit)
}

func (c *Controller) conntrack(flag string) error {
	err := c.runner.Run("conntrackd", "-C", c.cfg.Paths.ConntrackdConf, flag)
	if err != nil {
		c.logger.WithError(err).Warn("conntrackd command failed", "flag", flag)
	}
	return err
}

func (c *Controller) persist(doc *desired.Document, st RedundancyState) error {
	cl := doc.CmdLine
	cl.RedundantState = st.String()
	cl.RedundantMaster = st == StateMaster
	state.DerivePassword(cl)
	if err := c.bags.SaveCmdLine(cl); err != nil {
		return err
	}
	c.logger.Info("redundancy state persisted", "state", st.String())
	return nil
}

// ReconcileEnabled keeps the helper daemons in line with the desired state.
// Nothing is started until a guest interface exists and has carrier.
func (c *Controller) ReconcileEnabled(doc *desired.Document) error {
	cl := doc.CmdLine
	if !cl.RedundantRouter {
		return c.disable(doc)
	}

	var errs []error
	if state.DerivePassword(cl) {
		errs = append(errs, c.bags.SaveCmdLine(cl))
	}

	guests := doc.RoleDevices(network.RoleGuest)
	if len(guests) == 0 {
		c.logger.Info("redundancy waiting for a guest interface")
		return errors.Join(append(errs, c.stopHelpers()...)...)
	}
	vrrpDev := guests[0]
	if c.links != nil {
		up, err := c.links.LinkUp(vrrpDev)
		if err != nil || !up {
			c.logger.Info("redundancy waiting for guest link", "device", vrrpDev, "error", err)
			return errors.Join(append(errs, c.stopHelpers()...)...)
		}
	}

	var syncIP string
	for _, a := range doc.Addresses[vrrpDev] {
		if a.Add {
			syncIP = a.IP().String()
			break
		}
	}

	vrrp := VRRPConfig{
		RouterID:  cl.RouterID,
		Password:  cl.RouterPassword,
		AdvertInt: cl.Advert(),
		Interface: vrrpDev,
		VIPs:      doc.VirtualIPs(),
		Notify:    brand.BinaryName,
	}
	errs = append(errs, c.materialize(c.cfg.Paths.KeepalivedConf, c.cfg.Services.Keepalived, func(f *fileedit.File) error {
		return RenderKeepalived(f, vrrp)
	}))

	sync := SyncConfig{
		MulticastGroup: c.cfg.Redundancy.ConntrackMulticast,
		Port:           c.cfg.Redundancy.ConntrackGroup,
		SyncIP:         syncIP,
		Interface:      vrrpDev,
	}
	errs = append(errs, c.materialize(c.cfg.Paths.ConntrackdConf, c.cfg.Services.Conntrackd, func(f *fileedit.File) error {
		return RenderConntrackd(f, sync)
	}))

	if ParseState(cl.RedundantState) == StateOff {
		errs = append(errs, c.persist(doc, StateBackup))
	}
	return errors.Join(errs...)
}

// materialize renders a helper's configuration and restarts the helper
// when the file changed or it is not running.
func (c *Controller) materialize(path, unit string, render func(*fileedit.File) error) error {
	f, err := fileedit.Load(path, fileedit.WithLogger(c.logger))
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		return err
	}
	changed, err := f.Commit()
	if err != nil {
		return err
	}
	if !changed && c.svc.IsActive(unit) {
		return nil
	}
	c.logger.Info("restarting redundancy helper", "service", unit, "config_changed", changed)
	return c.svc.Restart(unit)
}

// stopHelpers stops keepalived and conntrackd, which must not advertise
// without a usable VRRP interface.
func (c *Controller) stopHelpers() []error {
	return []error{
		c.stopIfActive(c.cfg.Services.Keepalived),
		c.stopIfActive(c.cfg.Services.Conntrackd),
	}
}

func (c *Controller) disable(doc *desired.Document) error {
	errs := c.stopHelpers()
	if doc.CmdLine.RedundantState != "" && ParseState(doc.CmdLine.RedundantState) != StateOff {
		errs = append(errs, c.persist(doc, StateOff))
	}
	return errors.Join(errs...)
}
