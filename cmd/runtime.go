package cmd

import (
	"os"
	"path/filepath"

	"grimm.is/vrouter/internal/agent"
	"grimm.is/vrouter/internal/brand"
	"grimm.is/vrouter/internal/config"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/ha"
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/metrics"
	"grimm.is/vrouter/internal/network"
	"grimm.is/vrouter/internal/services"
	"grimm.is/vrouter/internal/shell"
	"grimm.is/vrouter/internal/state"
)

// Runtime is the set of wired components one invocation works with.
type Runtime struct {
	Config   *config.Config
	Store    state.Store
	Bags     *state.Bags
	Services services.Manager
	HA       *ha.Controller
	Agent    *agent.Agent
	Metrics  *metrics.Registry
	Logger   *logging.Logger

	// set in dry-run mode
	dryRunner *shell.DryRunRunner
	dryNL     *network.DryRunNetlinker
	drySys    *network.DryRunSystemController
	dryARP    *network.DryRunAnnouncer
	sandbox   string

	closers []func()
}

// OpenStore opens the desired-state database, creating its directory.
func OpenStore(cfg *config.Config) (*state.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.StateDB), 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "create state directory for %s", cfg.StateDB)
	}
	return state.NewSQLiteStore(state.DefaultOptions(cfg.StateDB))
}

// NewRuntime wires every component from cfg. In dry-run mode kernel
// changes are recorded instead of made, the desired state is copied into
// memory and managed files are redirected into a scratch directory.
func NewRuntime(cfg *config.Config, logger *logging.Logger, dryRun bool) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: metrics.Get()}

	db, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { db.Close() })
	rt.Store = db

	var runner shell.Runner = shell.NewRealRunner()
	if cfg.Netns != "" {
		runner = shell.InNamespace(cfg.Netns, runner)
	}

	nl, err := network.NewNetlinker(cfg.Netns)
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "open netlink")
	}
	rt.closers = append(rt.closers, nl.Close)

	var (
		netlinker network.Netlinker        = nl
		sys       network.SystemController = &network.RealSystemController{}
		arp       network.Announcer        = &network.PacketAnnouncer{}
		links     network.LinkStater
	)

	if ls, err := network.NewLinkStater(); err != nil {
		logger.Warn("link state unavailable, guest carrier checks disabled", "error", err)
	} else {
		links = ls
		rt.closers = append(rt.closers, ls.Close)
	}

	if dryRun || cfg.DryRun {
		rt.dryRunner = shell.NewDryRunRunner(runner)
		rt.dryNL = network.NewDryRunNetlinker(nl)
		rt.drySys = network.NewDryRunSystemController(sys)
		rt.dryARP = &network.DryRunAnnouncer{}
		runner, netlinker, sys, arp = rt.dryRunner, rt.dryNL, rt.drySys, rt.dryARP

		if err := rt.enterSandbox(); err != nil {
			rt.Close()
			return nil, err
		}
	}
	rt.Bags = state.NewBags(rt.Store)

	rt.Services = services.NewSystemd(runner, logger.WithComponent("services"))
	units := services.Units{DNS: cfg.Services.DNS, Metadata: cfg.Services.Metadata, Password: cfg.Services.Password}

	waiter := network.NewDeviceWaiter(netlinker, nil, cfg.DeviceWait())
	routes := network.NewRouteManager(runner, cfg.Paths.RTTables, logger.WithComponent("route"))
	rps := network.NewRPSTuner(sys, network.RPSPaths{
		Flag:     cfg.Paths.RPSFlag,
		CPUInfo:  cfg.Paths.CPUInfo,
		SysfsNet: cfg.Paths.SysfsNet,
		ProcNet:  cfg.Paths.ProcfsNet,
	}, logger.WithComponent("rps"))

	addrs := network.NewAddressManager(network.AddressOptions{
		Netlinker: netlinker,
		Routes:    routes,
		Waiter:    waiter,
		RPS:       rps,
		Announcer: arp,
		Guest:     services.NewGuest(rt.Services, units, logger.WithComponent("guest")),
		Logger:    logger.WithComponent("address"),
	})

	rt.HA = ha.NewController(ha.Options{
		Config:    cfg,
		Bags:      rt.Bags,
		Netlinker: netlinker,
		Waiter:    waiter,
		Routes:    routes,
		Announcer: arp,
		LinkState: links,
		Services:  rt.Services,
		Runner:    runner,
		Logger:    logger.WithComponent("ha"),
	})

	rt.Agent = agent.New(agent.Options{
		Config:    cfg,
		Bags:      rt.Bags,
		Addresses: addrs,
		Routes:    routes,
		HA:        rt.HA,
		Runner:    runner,
		Metrics:   rt.Metrics,
		Collector: metrics.NewCollector(rt.Metrics, cfg.Paths.SysfsNet, cfg.Paths.ProcfsNet, logger.WithComponent("metrics")),
		Logger:    logger.WithComponent("agent"),
	})
	return rt, nil
}

// enterSandbox copies the desired state into memory and points every
// managed file at a scratch copy.
func (rt *Runtime) enterSandbox() error {
	mem := state.NewMemoryStore()
	bags, err := rt.Store.List(state.BucketDataBags)
	if err != nil {
		return err
	}
	for k, v := range bags {
		if err := mem.Set(state.BucketDataBags, k, v); err != nil {
			return err
		}
	}
	rt.Store = mem

	parent := brand.GetRunDir()
	if err := os.MkdirAll(parent, 0o755); err != nil {
		parent = ""
	}
	dir, err := os.MkdirTemp(parent, "dry-run-")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "create dry-run directory")
	}
	rt.sandbox = dir

	p := rt.Config.Paths
	for _, path := range []*string{&p.RTTables, &p.KeepalivedConf, &p.ConntrackdConf} {
		dst := filepath.Join(dir, filepath.Base(*path))
		data, err := os.ReadFile(*path)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, errors.KindInternal, "read %s", *path)
		}
		if err == nil {
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return errors.Wrapf(err, errors.KindInternal, "write %s", dst)
			}
		}
		*path = dst
	}
	rt.Config.MetricsTextfile = ""
	return nil
}

// DryRun reports whether changes are only recorded.
func (rt *Runtime) DryRun() bool {
	return rt.dryRunner != nil
}

// Recorded returns every change a dry run would have made, in the order
// each subsystem saw them.
func (rt *Runtime) Recorded() []string {
	if !rt.DryRun() {
		return nil
	}
	var out []string
	out = append(out, rt.dryNL.Recorded()...)
	out = append(out, rt.dryRunner.Recorded()...)
	out = append(out, rt.drySys.Recorded()...)
	out = append(out, rt.dryARP.Recorded()...)
	return out
}

// Close releases every handle the runtime opened.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
