package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/config"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/firewall"
	"grimm.is/vrouter/internal/ha"
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/metrics"
	"grimm.is/vrouter/internal/network"
	"grimm.is/vrouter/internal/services"
	"grimm.is/vrouter/internal/state"
	"grimm.is/vrouter/internal/testutil"
)

const (
	routerCmdLine = `{"type": "router", "router_id": "r-1"}`
	routerIPs     = `{"id": "ips",
		"eth0": [{"public_ip": "169.254.0.10", "netmask": "255.255.0.0", "nw_type": "control", "add": true}],
		"eth1": [{"public_ip": "10.1.1.1", "netmask": "255.255.255.0", "nw_type": "guest", "add": true}],
		"eth2": [{"public_ip": "203.0.113.5", "netmask": "255.255.255.0", "gateway": "203.0.113.1",
			"nw_type": "public", "source_nat": true, "add": true}]}`
	routerGuests = `{"eth1": {"router_guest_gateway": "10.1.1.1", "cidr": "10.1.1.0/24"}}`
	routerStatic = `{"192.168.9.0/24": {"gateway": "10.1.1.254"}}`
)

type fixture struct {
	cfg    *config.Config
	kernel *testutil.FakeKernel
	nl     *testutil.FakeNetlink
	arp    *testutil.FakeAnnouncer
	bags   *state.Bags
	agent  *Agent
}

func newFixture(t *testing.T, bags map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.RTTables = filepath.Join(dir, "rt_tables")
	cfg.Paths.KeepalivedConf = filepath.Join(dir, "keepalived.conf")
	cfg.Paths.ConntrackdConf = filepath.Join(dir, "conntrackd.conf")
	cfg.Paths.BaselineDir = filepath.Join(dir, "baseline")
	cfg.MetricsTextfile = filepath.Join(dir, "vragent.prom")
	require.NoError(t, os.WriteFile(cfg.Paths.RTTables, []byte("255\tlocal\n254\tmain\n253\tdefault\n0\tunspec\n"), 0o644))

	f := &fixture{
		cfg:    cfg,
		kernel: testutil.NewFakeKernel(),
		nl:     testutil.NewFakeNetlink("eth0", "eth1", "eth2"),
		arp:    &testutil.FakeAnnouncer{},
		bags:   state.NewBags(state.NewMemoryStore()),
	}
	for key, data := range bags {
		require.NoError(t, f.bags.Import(key, []byte(data)))
	}

	logger := logging.Discard()
	svc := services.NewSystemd(f.kernel, logger)
	routes := network.NewRouteManager(f.kernel, cfg.Paths.RTTables, logger)
	waiter := network.NewDeviceWaiter(f.nl, clock.NewMockClock(time.Unix(0, 0)), 2*time.Second)
	addrs := network.NewAddressManager(network.AddressOptions{
		Netlinker: f.nl,
		Routes:    routes,
		Waiter:    waiter,
		Announcer: f.arp,
		Guest:     services.NewGuest(svc, services.DefaultUnits(), logger),
		Logger:    logger,
	})
	ctl := ha.NewController(ha.Options{
		Config:    cfg,
		Bags:      f.bags,
		Netlinker: f.nl,
		Waiter:    waiter,
		Routes:    routes,
		Announcer: f.arp,
		LinkState: f.nl,
		Services:  svc,
		Runner:    f.kernel,
		Lock:      ha.NewLock(ha.LockOptions{Name: "vragent-test-" + uuid.NewString(), Logger: logger}),
		Logger:    logger,
	})
	reg := metrics.New()
	f.agent = New(Options{
		Config:    cfg,
		Bags:      f.bags,
		Addresses: addrs,
		Routes:    routes,
		HA:        ctl,
		Runner:    f.kernel,
		Metrics:   reg,
		Collector: metrics.NewCollector(reg, filepath.Join(dir, "sys"), filepath.Join(dir, "proc"), logger),
		Logger:    logger,
	})
	return f
}

func routerBags() map[string]string {
	return map[string]string{
		state.BagCmdLine:      routerCmdLine,
		state.BagIPs:          routerIPs,
		state.BagGuestNetwork: routerGuests,
		state.BagStaticRoutes: routerStatic,
	}
}

// hasRule reports whether the live chain holds a rule equal to text.
func hasRule(t *testing.T, k *testutil.FakeKernel, table, text string) bool {
	t.Helper()
	want, err := firewall.ParseRule(table, text)
	require.NoError(t, err)
	for _, live := range k.Rules(table, want.Chain) {
		r, err := firewall.ParseRule(table, live)
		if err == nil && r.Equal(want) {
			return true
		}
	}
	return false
}

func TestAgent_FirstPassConverges(t *testing.T) {
	f := newFixture(t, routerBags())
	res := f.agent.Run()
	require.True(t, res.OK(), "%v", res.Err())
	assert.NotEmpty(t, res.PassID)
	assert.Equal(t, ha.StateOff, res.State)

	assert.Equal(t, []string{"169.254.0.10/16"}, f.nl.Addrs("eth0"))
	assert.Equal(t, []string{"10.1.1.1/24"}, f.nl.Addrs("eth1"))
	assert.Equal(t, []string{"203.0.113.5/24"}, f.nl.Addrs("eth2"))
	assert.True(t, f.nl.IsUp("eth1"))
	assert.True(t, f.nl.IsUp("eth2"))

	assert.True(t, hasRule(t, f.kernel, "filter", "-A INPUT -i eth0 -p tcp -m tcp --dport 3922 -j ACCEPT"))
	assert.True(t, hasRule(t, f.kernel, "nat", "-A POSTROUTING -o eth2 -j SNAT --to-source 203.0.113.5"))
	assert.True(t, hasRule(t, f.kernel, "mangle",
		"-A PREROUTING -i eth2 -m state --state NEW -j CONNMARK --set-xmark 0x66/0xffffffff"))
	assert.True(t, hasRule(t, f.kernel, "filter", "-A FORWARD -i eth1 -s 10.1.1.0/24 -j ACCEPT"))

	assert.Contains(t, f.kernel.IPRules(), "32765:\tfrom all fwmark 0x66 lookup Table_eth2")
	assert.Contains(t, f.kernel.Routes("Table_eth2"), "default via 203.0.113.1 dev eth2")
	assert.Contains(t, f.kernel.Routes("Table_eth1"), "10.1.1.0/24")
	assert.Contains(t, f.kernel.Routes("main"), "192.168.9.0/24 via 10.1.1.254")
	assert.Contains(t, f.kernel.Routes("main"), "default via 203.0.113.1")

	rt, err := os.ReadFile(f.cfg.Paths.RTTables)
	require.NoError(t, err)
	assert.Contains(t, string(rt), "101 Table_eth1")
	assert.Contains(t, string(rt), "102 Table_eth2")
	assert.NotContains(t, string(rt), "Table_eth0")

	assert.Equal(t, []string{"apache2", "dnsmasq", "vr-passwd@eth1"}, f.kernel.Units())
	assert.Contains(t, f.arp.Announced(), "eth2 203.0.113.5")

	prom, err := os.ReadFile(f.cfg.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "vragent_pass_total 1")
	assert.Contains(t, string(prom), `vragent_redundancy_state{state="OFF"} 1`)
}

func TestAgent_SecondPassIsIdempotent(t *testing.T) {
	f := newFixture(t, routerBags())
	require.True(t, f.agent.Run().OK())

	f.kernel.ResetMutations()
	f.nl.ResetMutations()
	rt, err := os.ReadFile(f.cfg.Paths.RTTables)
	require.NoError(t, err)

	res := f.agent.Run()
	require.True(t, res.OK(), "%v", res.Err())
	assert.Empty(t, f.kernel.Mutations())
	assert.Empty(t, f.nl.Mutations())
	assert.Equal(t, 0, res.Firewall.Commands())

	after, err := os.ReadFile(f.cfg.Paths.RTTables)
	require.NoError(t, err)
	assert.Equal(t, string(rt), string(after))
}

func TestAgent_PrunesUnknownRulesKeepsBaseline(t *testing.T) {
	f := newFixture(t, routerBags())
	require.NoError(t, os.MkdirAll(f.cfg.Paths.BaselineDir, 0o755))
	require.NoError(t, os.WriteFile(f.cfg.BaselinePath("router"),
		[]byte("*filter\n-A INPUT -p tcp -m tcp --dport 8443 -j ACCEPT\nCOMMIT\n"), 0o644))

	f.kernel.SeedRule("filter", "-A INPUT -p tcp -m tcp --dport 8443 -j ACCEPT")
	f.kernel.SeedRule("filter", "-A INPUT -p tcp -m tcp --dport 23 -j ACCEPT")

	res := f.agent.Run()
	require.True(t, res.OK(), "%v", res.Err())
	assert.True(t, hasRule(t, f.kernel, "filter", "-A INPUT -p tcp -m tcp --dport 8443 -j ACCEPT"))
	assert.False(t, hasRule(t, f.kernel, "filter", "-A INPUT -p tcp -m tcp --dport 23 -j ACCEPT"))
	assert.Equal(t, 1, res.Firewall.Deleted)
}

func TestAgent_MalformedDesiredIsFatal(t *testing.T) {
	bags := routerBags()
	bags[state.BagIPs] = `{"eth1": [{"public_ip": "10.1.1", "nw_type": "guest", "add": true}]}`
	f := newFixture(t, bags)

	res := f.agent.Run()
	require.Error(t, res.Fatal)
	assert.Equal(t, errors.KindInvalidDesired, errors.GetKind(res.Fatal))
	assert.False(t, res.OK())
	assert.Empty(t, f.kernel.Mutations())
	assert.Empty(t, f.nl.Mutations())

	prom, err := os.ReadFile(f.cfg.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `vragent_pass_errors_total{kind="`+errors.KindInvalidDesired.String()+`"} 1`)
}

func TestAgent_MissingDeviceIsRetryable(t *testing.T) {
	bags := routerBags()
	bags[state.BagIPs] = strings.Replace(routerIPs, `"eth2":`, `"eth5": [{"public_ip": "10.5.5.1", "netmask": "255.255.255.0", "nw_type": "guest", "add": true}],
		"eth2":`, 1)
	f := newFixture(t, bags)

	res := f.agent.Run()
	require.NoError(t, res.Fatal)
	require.Len(t, res.Retryable, 1)
	assert.Equal(t, errors.KindDeviceNotReady, errors.GetKind(res.Retryable[0]))
	assert.True(t, errors.Retryable(res.Retryable[0]))

	// the other devices still converged
	assert.Equal(t, []string{"203.0.113.5/24"}, f.nl.Addrs("eth2"))

	f.nl.AddLink("eth5")
	res = f.agent.Run()
	require.True(t, res.OK(), "%v", res.Err())
	assert.Equal(t, []string{"10.5.5.1/24"}, f.nl.Addrs("eth5"))
}

func TestAgent_StandbyRouter(t *testing.T) {
	bags := routerBags()
	bags[state.BagCmdLine] = `{"type": "router", "router_id": "r-1", "redundant_router": "true", "redundant_state": "BACKUP"}`
	f := newFixture(t, bags)

	res := f.agent.Run()
	require.True(t, res.OK(), "%v", res.Err())
	assert.Equal(t, ha.StateBackup, res.State)

	assert.False(t, f.nl.IsUp("eth2"), "public link stays down on a standby router")
	assert.True(t, f.nl.IsUp("eth1"))
	assert.NotContains(t, f.kernel.Routes("main"), "192.168.9.0/24 via 10.1.1.254")
	assert.NotContains(t, f.kernel.Routes("main"), "default via 203.0.113.1")
	assert.NotContains(t, f.kernel.Routes("Table_eth2"), "default via 203.0.113.1 dev eth2")
	assert.NotContains(t, f.arp.Announced(), "eth2 203.0.113.5")

	// guest services are left to the redundancy controller, the helpers run
	assert.Equal(t, []string{"conntrackd", "keepalived"}, f.kernel.Units())
	conf, err := os.ReadFile(f.cfg.Paths.KeepalivedConf)
	require.NoError(t, err)
	assert.Contains(t, string(conf), "\tinterface eth1\n")

	f.kernel.ResetMutations()
	f.nl.ResetMutations()
	require.True(t, f.agent.Run().OK())
	assert.Empty(t, f.kernel.Mutations())
	assert.Empty(t, f.nl.Mutations())
}

func TestAgent_RedundantWithoutStateIsStandby(t *testing.T) {
	bags := routerBags()
	bags[state.BagCmdLine] = `{"type": "router", "router_id": "r-1", "redundant_router": "true"}`
	f := newFixture(t, bags)

	res := f.agent.Run()
	require.True(t, res.OK(), "%v", res.Err())
	assert.Equal(t, ha.StateOff, res.State)

	assert.False(t, f.nl.IsUp("eth2"), "public link stays down until keepalived promotes")
	assert.NotContains(t, f.arp.Announced(), "eth2 203.0.113.5")
	assert.NotContains(t, f.kernel.Routes("main"), "default via 203.0.113.1")
	assert.NotContains(t, f.kernel.Routes("main"), "192.168.9.0/24 via 10.1.1.254")
	for _, unit := range []string{"apache2", "dnsmasq", "vr-passwd@eth1"} {
		assert.False(t, f.kernel.UnitActive(unit), unit)
	}
	assert.Equal(t, []string{"conntrackd", "keepalived"}, f.kernel.Units())

	// the first pass with a live guest link records BACKUP
	cl, err := f.bags.CmdLine()
	require.NoError(t, err)
	assert.Equal(t, "BACKUP", cl.RedundantState)

	res = f.agent.Run()
	require.True(t, res.OK(), "%v", res.Err())
	assert.Equal(t, ha.StateBackup, res.State)
	assert.False(t, f.nl.IsUp("eth2"))
}

func TestAgent_CompareRemovesStaleAddresses(t *testing.T) {
	f := newFixture(t, routerBags())
	f.nl.SeedAddr("eth1", "10.9.9.1/24")

	require.True(t, f.agent.Run().OK())
	assert.Equal(t, []string{"10.1.1.1/24"}, f.nl.Addrs("eth1"))
}

func TestControlSSHRule(t *testing.T) {
	assert.Equal(t, "-A INPUT -i eth0 -p tcp -m tcp --dport 3922 -j ACCEPT", controlSSHRule("eth0", 3922))
}
