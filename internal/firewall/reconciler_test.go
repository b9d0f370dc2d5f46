package firewall

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/shell"
)

func dump(lines ...string) []string {
	out := []string{"*filter", ":INPUT ACCEPT [0:0]", ":FORWARD ACCEPT [0:0]", ":OUTPUT ACCEPT [0:0]"}
	out = append(out, lines...)
	return append(out, "COMMIT")
}

func newReconciler(runner shell.Runner, baseline string) *Reconciler {
	return NewReconciler(runner, logging.Discard(), baseline)
}

func TestReconcile_InsertsMissingRule(t *testing.T) {
	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(dump(), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-A", "INPUT", "-p", "icmp", "-j", "ACCEPT").Return(nil).Once()

	rs := NewRuleSet()
	rs.Append("filter", "-A INPUT -p icmp -j ACCEPT")

	rep, err := newReconciler(runner, "").Reconcile(rs)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)
	assert.Equal(t, 1, rep.Commands())
	runner.AssertExpectations(t)

	// second pass sees the rule and issues nothing
	runner2 := &shell.MockRunner{}
	runner2.On("Output", "iptables-save").Return(dump("-A INPUT -p icmp -j ACCEPT"), nil).Once()
	rep, err = newReconciler(runner2, "").Reconcile(rs)
	require.NoError(t, err)
	assert.Zero(t, rep.Commands())
	assert.Equal(t, 1, rep.Seen)
	runner2.AssertExpectations(t)
	runner2.AssertNotCalled(t, "Run", mock.Anything)
}

func TestReconcile_PrunesUndesiredRule(t *testing.T) {
	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(dump(":FW_EGRESS_RULES - [0:0]", "-A FW_EGRESS_RULES -j DROP"), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-D", "FW_EGRESS_RULES", "-j", "DROP").Return(nil).Once()

	rep, err := newReconciler(runner, "").Reconcile(NewRuleSet())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)
	runner.AssertExpectations(t)
}

func TestReconcile_BaselineExempt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iptables-router")
	require.NoError(t, os.WriteFile(path, []byte("*filter\n:INPUT DROP [0:0]\n-A INPUT -i lo -j ACCEPT\nCOMMIT\n"), 0o644))

	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(dump(
		"-A INPUT -i lo -j ACCEPT",
		"-A INPUT -p tcp -m tcp --dport 23 -j ACCEPT",
	), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-D", "INPUT", "-p", "tcp", "--dport", "23", "-j", "ACCEPT").Return(nil).Once()

	rep, err := newReconciler(runner, path).Reconcile(NewRuleSet())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)
	assert.Equal(t, 1, rep.Exempt)
	runner.AssertExpectations(t)
}

func TestReconcile_CreatesChainBeforeRules(t *testing.T) {
	runner := &shell.MockRunner{}
	var order []string
	runner.On("Output", "iptables-save").Return(dump(), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-N", "ACL_INBOUND_eth2").
		Run(func(mock.Arguments) { order = append(order, "create") }).Return(nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-A", "FORWARD", "-o", "eth2", "-j", "ACL_INBOUND_eth2").
		Run(func(mock.Arguments) { order = append(order, "jump") }).Return(nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-I", "ACL_INBOUND_eth2", "1", "-p", "icmp", "-j", "ACCEPT").
		Run(func(mock.Arguments) { order = append(order, "acl1") }).Return(nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-I", "ACL_INBOUND_eth2", "1", "-p", "tcp", "--dport", "22", "-j", "ACCEPT").
		Run(func(mock.Arguments) { order = append(order, "acl2") }).Return(nil).Once()

	rs := NewRuleSet()
	rs.Append("", "-A FORWARD -o eth2 -j ACL_INBOUND_eth2")
	rs.Add("filter", HintAt(5), "-A ACL_INBOUND_eth2 -p icmp -j ACCEPT")
	rs.Add("filter", HintAt(6), "-A ACL_INBOUND_eth2 -p tcp --dport 22 -j ACCEPT")

	rep, err := newReconciler(runner, "").Reconcile(rs)
	require.NoError(t, err)
	assert.Equal(t, []string{"create", "jump", "acl1", "acl2"}, order)
	assert.Equal(t, []string{"filter/ACL_INBOUND_eth2"}, rep.ChainsCreated)
	assert.Equal(t, 3, rep.Inserted)
	runner.AssertExpectations(t)
}

func TestReconcile_ACLPositionFollowsRuleCount(t *testing.T) {
	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(dump(
		":ACL_OUTBOUND_eth3 - [0:0]",
		"-A ACL_OUTBOUND_eth3 -p udp --dport 53 -j ACCEPT",
		"-A ACL_OUTBOUND_eth3 -j DROP",
	), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-I", "ACL_OUTBOUND_eth3", "2", "-p", "tcp", "--dport", "80", "-j", "ACCEPT").Return(nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-I", "FORWARD", "7", "-j", "LOG").Return(nil).Once()

	rs := NewRuleSet()
	rs.Add("filter", HintAt(1), "-A ACL_OUTBOUND_eth3 -p udp --dport 53 -j ACCEPT")
	rs.Add("filter", HintAt(2), "-A ACL_OUTBOUND_eth3 -p tcp --dport 80 -j ACCEPT")
	rs.Append("filter", "-A ACL_OUTBOUND_eth3 -j DROP")
	rs.Add("filter", HintAt(7), "-A FORWARD -j LOG")

	rep, err := newReconciler(runner, "").Reconcile(rs)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 2, rep.Seen)
	runner.AssertExpectations(t)
}

func TestReconcile_FrontHintInsertsAtHead(t *testing.T) {
	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(dump(), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-I", "INPUT", "-i", "eth0", "-p", "tcp", "--dport", "3922", "-j", "ACCEPT").Return(nil).Once()

	rs := NewRuleSet()
	rs.Front("filter", "-A INPUT -i eth0 -p tcp -m tcp --dport 3922 -j ACCEPT")

	_, err := newReconciler(runner, "").Reconcile(rs)
	require.NoError(t, err)
	runner.AssertExpectations(t)
}

func TestReconcile_DedupesIdenticalTuples(t *testing.T) {
	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(dump(), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-A", "INPUT", "-p", "icmp", "-j", "ACCEPT").Return(nil).Once()

	rs := NewRuleSet()
	rs.Append("filter", "-A INPUT -p icmp -j ACCEPT")
	rs.Append("filter", "-A INPUT -p icmp -j ACCEPT")
	rs.Append("filter", "-A INPUT -p icmp -j ACCEPT")

	rep, err := newReconciler(runner, "").Reconcile(rs)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)
	runner.AssertExpectations(t)
}

func TestReconcile_OccurrenceMatching(t *testing.T) {
	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(dump(
		"-A INPUT -j LOG",
		"-A INPUT -j LOG",
		"-A INPUT -j LOG",
	), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-D", "INPUT", "-j", "LOG").Return(nil).Once()

	rs := NewRuleSet()
	rs.Append("filter", "-A INPUT -j LOG")
	rs.Front("filter", "-A INPUT -j LOG")

	rep, err := newReconciler(runner, "").Reconcile(rs)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Seen)
	assert.Equal(t, 1, rep.Deleted)
	runner.AssertExpectations(t)
}

func TestReconcile_FailuresAreNotFatal(t *testing.T) {
	boom := shell.Failed("iptables", nil, 1, "Chain already exists", assert.AnError)

	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(dump("-A INPUT -j DROP"), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-N", "BROKEN").Return(boom).Once()
	runner.On("Run", "iptables", "-t", "filter", "-A", "INPUT", "-p", "icmp", "-j", "ACCEPT").Return(boom).Once()
	runner.On("Run", "iptables", "-t", "filter", "-A", "OUTPUT", "-j", "ACCEPT").Return(nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-D", "INPUT", "-j", "DROP").Return(boom).Once()

	rs := NewRuleSet()
	rs.Append("filter", "-A BROKEN -j ACCEPT")
	rs.Append("filter", "-A BROKEN -j DROP")
	rs.Append("filter", "-A INPUT -p icmp -j ACCEPT")
	rs.Append("filter", "-A OUTPUT -j ACCEPT")
	rs.Append("filter", "not a rule")

	rep, err := newReconciler(runner, "").Reconcile(rs)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)
	assert.Zero(t, rep.Deleted)
	require.Len(t, rep.Errors, 4)
	assert.Equal(t, errors.KindInvalidDesired, errors.GetKind(rep.Errors[0]))
	for _, e := range rep.Errors[1:] {
		assert.True(t, errors.Retryable(e))
	}
	runner.AssertExpectations(t)
}

func TestReconcile_DumpFailureAborts(t *testing.T) {
	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(nil, shell.Failed("iptables-save", nil, 1, "can't initialize iptables table", assert.AnError)).Once()

	clk := clock.NewMockClock(time.Unix(0, 0))
	_, err := newReconciler(runner, "").WithRetry(DefaultRetryConfig(), clk).Reconcile(NewRuleSet())
	require.Error(t, err)
	assert.Equal(t, errors.KindCommandFailed, errors.GetKind(err))
	assert.Empty(t, clk.Sleeps(), "only a busy xtables lock is retried")
	runner.AssertExpectations(t)
	runner.AssertNotCalled(t, "Run", mock.Anything)
}

func TestReconcile_DumpLockBusyExhaustsRetries(t *testing.T) {
	busy := shell.Failed("iptables-save", nil, xtablesLockStatus,
		"Another app is currently holding the xtables lock.", assert.AnError)

	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(nil, busy).Times(4)

	clk := clock.NewMockClock(time.Unix(0, 0))
	_, err := newReconciler(runner, "").WithRetry(DefaultRetryConfig(), clk).Reconcile(NewRuleSet())
	require.Error(t, err)
	assert.Equal(t, errors.KindCommandFailed, errors.GetKind(err))
	assert.True(t, LockBusy(err))
	assert.Len(t, clk.Sleeps(), 3)
	runner.AssertExpectations(t)
	runner.AssertNotCalled(t, "Run", mock.Anything)
}

func TestParseDump(t *testing.T) {
	d := ParseDump([]string{
		"# Generated by iptables-save",
		"*nat",
		":PREROUTING ACCEPT [0:0]",
		":VPN_PREROUTING - [0:0]",
		"[12:3400] -A PREROUTING -j VPN_PREROUTING",
		"COMMIT",
		"*mangle",
		"-A PREROUTING -i eth0 -j MARK --set-xmark 0x1/0xffffffff",
		"garbage",
		"COMMIT",
	})
	require.Len(t, d.Rules, 2)
	assert.Equal(t, "nat", d.Rules[0].Table)
	assert.Equal(t, "mangle", d.Rules[1].Table)
	assert.True(t, d.Registry.Has("nat", "VPN_PREROUTING"))
	assert.True(t, d.Registry.Has("filter", "INPUT"))
	assert.Equal(t, 1, d.Registry.Count("nat", "PREROUTING"))
	assert.Len(t, d.Errors, 1)
}

func TestReconcile_WaitsOutBusyXtablesLock(t *testing.T) {
	busy := shell.Failed("iptables", []string{"-t", "filter", "-A", "INPUT", "-p", "icmp", "-j", "ACCEPT"}, 4,
		"Another app is currently holding the xtables lock.", errors.New(errors.KindInternal, "exit status 4"))

	runner := &shell.MockRunner{}
	runner.On("Output", "iptables-save").Return(dump(), nil).Once()
	runner.On("Run", "iptables", "-t", "filter", "-A", "INPUT", "-p", "icmp", "-j", "ACCEPT").Return(busy).Once()
	runner.On("Run", "iptables", "-t", "filter", "-A", "INPUT", "-p", "icmp", "-j", "ACCEPT").Return(nil).Once()

	rs := NewRuleSet()
	rs.Append("filter", "-A INPUT -p icmp -j ACCEPT")

	clk := clock.NewMockClock(time.Unix(0, 0))
	rep, err := newReconciler(runner, "").WithRetry(DefaultRetryConfig(), clk).Reconcile(rs)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)
	assert.Empty(t, rep.Errors)
	assert.Len(t, clk.Sleeps(), 1)
	runner.AssertExpectations(t)
}
