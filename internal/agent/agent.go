package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/config"
	"grimm.is/vrouter/internal/desired"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/firewall"
	"grimm.is/vrouter/internal/ha"
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/metrics"
	"grimm.is/vrouter/internal/network"
	"grimm.is/vrouter/internal/shell"
	"grimm.is/vrouter/internal/state"
)

// Options wires an Agent.
type Options struct {
	Config    *config.Config
	Bags      *state.Bags
	Addresses *network.AddressManager
	Routes    *network.RouteManager
	HA        *ha.Controller
	// Runner issues the iptables commands.
	Runner    shell.Runner
	Metrics   *metrics.Registry
	Collector *metrics.Collector
	Clock     clock.Clock
	Logger    *logging.Logger
}

// Agent runs reconciliation passes.
type Agent struct {
	cfg       *config.Config
	bags      *state.Bags
	addresses *network.AddressManager
	routes    *network.RouteManager
	ha        *ha.Controller
	runner    shell.Runner
	metrics   *metrics.Registry
	collector *metrics.Collector
	clk       clock.Clock
	logger    *logging.Logger
}

// New creates an agent.
func New(o Options) *Agent {
	if o.Logger == nil {
		o.Logger = logging.WithComponent("agent")
	}
	if o.Clock == nil {
		o.Clock = clock.Default()
	}
	return &Agent{
		cfg:       o.Config,
		bags:      o.Bags,
		addresses: o.Addresses,
		routes:    o.Routes,
		ha:        o.HA,
		runner:    o.Runner,
		metrics:   o.Metrics,
		collector: o.Collector,
		clk:       o.Clock,
		logger:    o.Logger,
	}
}

// Result is the outcome of one pass. Fatal is set when the desired state
// could not be loaded and nothing was touched. Retryable collects every
// failure the next pass is expected to repair.
type Result struct {
	PassID    string
	State     ha.RedundancyState
	Retryable []error
	Fatal     error
	Firewall  *firewall.Report
	Duration  time.Duration
}

// OK reports whether the pass converged without any error.
func (r *Result) OK() bool {
	return r.Fatal == nil && len(r.Retryable) == 0
}

// Err joins every error of the pass.
func (r *Result) Err() error {
	return errors.Join(append([]error{r.Fatal}, r.Retryable...)...)
}

func (r *Result) add(err error) {
	if err == nil {
		return
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			r.add(e)
		}
		return
	}
	r.Retryable = append(r.Retryable, err)
}

// Run executes one reconciliation pass.
func (a *Agent) Run() *Result {
	res := &Result{PassID: uuid.NewString()}
	logger := a.logger.With("pass_id", res.PassID)
	start := a.clk.Now()
	logger.Info("pass started")

	doc, err := desired.Load(a.bags)
	if err != nil {
		res.Fatal = err
		logger.Error("desired state unusable, pass aborted", "error", err)
		a.finish(logger, res, nil, start)
		return res
	}

	res.State, err = a.ha.State()
	if err != nil {
		res.Fatal = err
		logger.Error("redundancy state unreadable, pass aborted", "error", err)
		a.finish(logger, res, nil, start)
		return res
	}
	// a redundant router owns MASTER-only resources only while MASTER, so an
	// unset or OFF state counts as standby until keepalived promotes it
	standby := doc.CmdLine.RedundantRouter && res.State != ha.StateMaster
	env := doc.Env(standby)

	res.add(a.addresses.Compare(doc.Addresses, env))

	rules := firewall.NewRuleSet()
	for _, addr := range doc.All() {
		if err := a.addresses.Configure(addr, rules, env); err != nil {
			logger.Warn("address not converged", "device", addr.Device, "cidr", addr.CIDR.String(), "error", err)
			res.add(err)
		}
	}
	for _, dev := range doc.RoleDevices(network.RoleControl) {
		rules.Append("filter", controlSSHRule(dev, a.cfg.ControlSSHPort))
	}

	if !standby {
		if _, err := a.routes.ApplyStatic(doc.StaticRoutes); err != nil {
			res.add(err)
		}
	}
	if !doc.CmdLine.RedundantRouter {
		res.add(a.defaultRoute(doc))
	}

	role := doc.CmdLine.Role()
	rec := firewall.NewReconciler(a.runner, logger.WithComponent("firewall"), a.cfg.BaselinePath(role)).
		WithRetry(firewall.DefaultRetryConfig(), a.clk)
	rep, err := rec.Reconcile(rules)
	res.Firewall = rep
	res.add(err)
	for _, e := range rep.Errors {
		res.add(e)
	}

	res.add(a.ha.ReconcileEnabled(doc))

	a.finish(logger, res, doc, start)
	return res
}

// defaultRoute installs the system default route of a non-redundant router
// through the role's designated public device, or the first public gateway
// when the role names none. A redundant router gets it on promotion.
func (a *Agent) defaultRoute(doc *desired.Document) error {
	primary := a.cfg.PublicDevice(doc.CmdLine.Role())
	for _, addr := range doc.ByRole(network.RolePublic) {
		if !addr.Add || !addr.Gateway.IsValid() {
			continue
		}
		if primary != "" && addr.Device != primary {
			continue
		}
		_, err := a.routes.AddDefaultRoute(addr.Gateway.String())
		return err
	}
	return nil
}

func controlSSHRule(dev string, port int) string {
	return fmt.Sprintf("-A INPUT -i %s -p tcp -m tcp --dport %d -j ACCEPT", dev, port)
}

func (a *Agent) finish(logger *logging.Logger, res *Result, doc *desired.Document, start time.Time) {
	end := a.clk.Now()
	res.Duration = end.Sub(start)

	for _, err := range res.Retryable {
		logger.WithError(err).Warn("pass error", "retryable", errors.Retryable(err))
	}
	logger.Info("pass finished",
		"state", res.State.String(),
		"errors", len(res.Retryable),
		"fatal", res.Fatal != nil,
		"duration", res.Duration.String())

	if a.metrics == nil {
		return
	}
	errs := res.Retryable
	if res.Fatal != nil {
		errs = append([]error{res.Fatal}, errs...)
	}
	a.metrics.RecordPass(start, end, errs)
	if res.Firewall != nil {
		a.metrics.RecordFirewall(len(res.Firewall.ChainsCreated), res.Firewall.Inserted, res.Firewall.Deleted)
	}
	if res.Fatal == nil {
		all := make([]string, 0, len(ha.AllStates))
		for _, s := range ha.AllStates {
			all = append(all, s.String())
		}
		a.metrics.SetRedundancyState(res.State.String(), all)
	}
	if a.collector != nil && doc != nil {
		a.collector.Collect(doc.Devices())
	}
	if path := a.cfg.MetricsTextfile; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			logger.Warn("metrics textfile not written", "path", path, "error", err)
		}
	}
}
