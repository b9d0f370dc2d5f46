package shell

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "grimm.is/vrouter/internal/errors"
)

func TestRealRunner(t *testing.T) {
	r := NewRealRunner()

	lines, err := r.Output("printf", "a\nb\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)

	err = r.Run("sh", "-c", "echo nope >&2; exit 3")
	require.Error(t, err)
	assert.Equal(t, 3, ExitStatus(err))
	assert.Equal(t, verrors.KindCommandFailed, verrors.GetKind(err))
	assert.True(t, verrors.Retryable(err))
	assert.Contains(t, err.Error(), "nope")
	assert.Equal(t, 3, verrors.GetAttributes(err)["exit_status"])
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, SplitLines(""))
	assert.Nil(t, SplitLines("\n"))
	assert.Equal(t, []string{"x", "", "y"}, SplitLines("x\n\ny\n"))
}

func TestExitStatusOfForeignError(t *testing.T) {
	assert.Equal(t, -1, ExitStatus(errors.New("x")))
}

func TestNetnsRunner(t *testing.T) {
	inner := &MockRunner{}
	inner.On("Run", "ip", "netns", "exec", "vr1", "iptables", "-A", "INPUT", "-j", "ACCEPT").Return(nil).Once()
	inner.On("Output", "ip", "netns", "exec", "vr1", "iptables-save").Return([]string{"*filter"}, nil).Once()

	r := InNamespace("vr1", inner)
	require.NoError(t, r.Run("iptables", "-A", "INPUT", "-j", "ACCEPT"))
	out, err := r.Output("iptables-save")
	require.NoError(t, err)
	assert.Equal(t, []string{"*filter"}, out)
	inner.AssertExpectations(t)

	assert.Same(t, inner, InNamespace("", inner))
}

func TestDryRunRunner(t *testing.T) {
	inner := &MockRunner{}
	inner.On("Output", "iptables-save").Return([]string{"*filter", "COMMIT"}, nil).Once()
	inner.On("Output", "ip", "route", "show", "default").Return([]string{}, nil).Once()

	d := NewDryRunRunner(inner)

	out, err := d.Output("iptables-save")
	require.NoError(t, err)
	assert.Len(t, out, 2)
	_, err = d.Output("ip", "route", "show", "default")
	require.NoError(t, err)

	require.NoError(t, d.Run("iptables", "-t", "filter", "-A", "INPUT", "-j", "DROP"))
	require.NoError(t, d.Run("ip", "route", "add", "default", "via", "10.0.0.1"))
	require.NoError(t, d.Run("systemctl", "restart", "dnsmasq"))

	assert.Equal(t, []string{
		"iptables -t filter -A INPUT -j DROP",
		"ip route add default via 10.0.0.1",
		"systemctl restart dnsmasq",
	}, d.Recorded())
	inner.AssertExpectations(t)
}

func TestReadOnly(t *testing.T) {
	assert.True(t, ReadOnly("ip", []string{"-4", "route", "list", "0/0"}))
	assert.True(t, ReadOnly("ip", []string{"rule", "show"}))
	assert.False(t, ReadOnly("ip", []string{"rule", "add", "fwmark", "101", "table", "Table_eth1"}))
	assert.True(t, ReadOnly("systemctl", []string{"is-active", "keepalived"}))
	assert.False(t, ReadOnly("systemctl", []string{"stop", "keepalived"}))
	assert.False(t, ReadOnly("conntrackd", []string{"-n"}))
}
