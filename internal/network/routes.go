package network

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/fileedit"
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/shell"
)

// DefaultRTTables is the system routing-table name registry.
const DefaultRTTables = "/etc/iproute2/rt_tables"

// RouteManager programs per-device policy routing tables and rules. Every
// mutation is preceded by a query so repeated calls issue no commands.
type RouteManager struct {
	runner   shell.Runner
	rtTables string
	logger   *logging.Logger
}

// NewRouteManager creates a route manager.
func NewRouteManager(runner shell.Runner, rtTables string, logger *logging.Logger) *RouteManager {
	if rtTables == "" {
		rtTables = DefaultRTTables
	}
	if logger == nil {
		logger = logging.WithComponent("route")
	}
	return &RouteManager{runner: runner, rtTables: rtTables, logger: logger}
}

// AddTable registers the device's table in rt_tables, replacing whatever
// name held its id, and removes any "from all" rule pointing at it, which
// would shadow mark-based routing.
func (m *RouteManager) AddTable(dev Device) error {
	f, err := fileedit.Load(m.rtTables, fileedit.WithMode(fileedit.Multiset), fileedit.WithLogger(m.logger))
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%d %s", dev.Table, dev.TableName())
	if _, err := f.SearchReplace(fmt.Sprintf(`^%d\s`, dev.Table), line); err != nil {
		return err
	}
	changed, err := f.Commit()
	if err != nil {
		return err
	}
	if changed {
		m.logger.Info("registered routing table", "device", dev.Name, "table", dev.TableName(), "id", dev.Table)
	}

	rules, err := m.runner.Output("ip", "rule", "show")
	if err != nil {
		return err
	}
	shadow := "from all lookup " + dev.TableName()
	for _, r := range rules {
		if !strings.HasSuffix(strings.TrimSpace(r), shadow) {
			continue
		}
		if err := m.runner.Run("ip", "rule", "delete", "from", "all", "table", dev.TableName()); err != nil {
			return err
		}
		m.logger.Info("removed shadowing rule", "table", dev.TableName())
	}
	return nil
}

// AddMarkRule routes connections marked with the device's mark through its table.
func (m *RouteManager) AddMarkRule(dev Device) error {
	rules, err := m.runner.Output("ip", "rule", "show")
	if err != nil {
		return err
	}
	want := fmt.Sprintf("from all fwmark %s lookup %s", dev.MarkHex(), dev.TableName())
	for _, r := range rules {
		if strings.Contains(r, want) {
			return nil
		}
	}
	if err := m.runner.Run("ip", "rule", "add", "fwmark", strconv.Itoa(dev.Table), "table", dev.TableName()); err != nil {
		return err
	}
	m.logger.Info("added mark rule", "device", dev.Name, "mark", dev.MarkHex())
	return nil
}

// SetRoute adds (or deletes, when add is false) a route described by args
// only when "ip route show" disagrees. It reports whether a command ran.
func (m *RouteManager) SetRoute(add bool, args ...string) (bool, error) {
	return m.setRoute(add, args, args)
}

func (m *RouteManager) setRoute(add bool, show, route []string) (bool, error) {
	found, err := m.runner.Output("ip", append([]string{"route", "show"}, show...)...)
	if err != nil {
		return false, err
	}
	present := len(found) > 0
	switch {
	case add && !present:
		if err := m.runner.Run("ip", append([]string{"route", "add"}, route...)...); err != nil {
			return false, err
		}
		m.logger.Info("added route", "route", strings.Join(route, " "))
		return true, nil
	case !add && present:
		if err := m.runner.Run("ip", append([]string{"route", "delete"}, route...)...); err != nil {
			return false, err
		}
		m.logger.Info("deleted route", "route", strings.Join(route, " "))
		return true, nil
	}
	return false, nil
}

// AddRoute adds a route to the device's own table, e.g. "default via 1.2.3.1".
func (m *RouteManager) AddRoute(dev Device, route ...string) (bool, error) {
	args := make([]string, 0, len(route)+4)
	args = append(args, route...)
	args = append(args, "dev", dev.Name, "table", dev.TableName())
	return m.SetRoute(true, args...)
}

// AddNetworkRoute adds a throw route for network to the device's table so
// lookups for directly connected destinations fall back to main. "ip route
// show" does not accept the route type, so the query omits it.
func (m *RouteManager) AddNetworkRoute(dev Device, network string) (bool, error) {
	return m.setRoute(true,
		[]string{network, "table", dev.TableName()},
		[]string{"throw", network, "table", dev.TableName(), "proto", "static"})
}

// AddDefaultRoute installs a system default route. It does nothing and
// returns false when any IPv4 default route already exists.
func (m *RouteManager) AddDefaultRoute(gateway string) (bool, error) {
	if gateway == "" {
		return false, errors.New(errors.KindInvalidDesired, "default route needs a gateway")
	}
	existing, err := m.runner.Output("ip", "-4", "route", "list", "0/0")
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		m.logger.Debug("default route present", "route", existing[0])
		return false, nil
	}
	if err := m.runner.Run("ip", "route", "add", "default", "via", gateway, "proto", "static"); err != nil {
		return false, err
	}
	m.logger.Info("added default route", "gateway", gateway)
	return true, nil
}

// FlushCache flushes the routing cache after table changes.
func (m *RouteManager) FlushCache() error {
	return m.runner.Run("ip", "route", "flush", "cache")
}

// StaticRoute is a route via a next hop in the main table.
type StaticRoute struct {
	Network string
	Gateway string
	Revoke  bool
}

// ApplyStatic converges static routes, adding each one and deleting revoked
// ones. Failures are collected and the remaining routes still applied.
func (m *RouteManager) ApplyStatic(routes []StaticRoute) (int, error) {
	var errs []error
	changed := 0
	for _, r := range routes {
		if r.Network == "" || r.Gateway == "" {
			errs = append(errs, errors.Errorf(errors.KindInvalidDesired, "static route %q needs network and gateway", r.Network))
			continue
		}
		did, err := m.SetRoute(!r.Revoke, r.Network, "via", r.Gateway)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if did {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}
