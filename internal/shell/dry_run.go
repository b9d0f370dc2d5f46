package shell

import (
	"strings"
	"sync"
)

// DryRunRunner records mutating commands instead of running them. Commands
// that only read state are passed to Inner so the diff logic still sees the
// live system.
type DryRunRunner struct {
	Inner Runner

	mu       sync.Mutex
	Commands []string
}

// NewDryRunRunner creates a dry-run runner. inner may be nil, in which case
// read-only commands return no output.
func NewDryRunRunner(inner Runner) *DryRunRunner {
	return &DryRunRunner{Inner: inner}
}

func (d *DryRunRunner) record(name string, args []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Commands = append(d.Commands, strings.TrimSpace(name+" "+strings.Join(args, " ")))
}

// Recorded returns a copy of the commands recorded so far.
func (d *DryRunRunner) Recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Commands...)
}

// Run implements Runner.
func (d *DryRunRunner) Run(name string, args ...string) error {
	if ReadOnly(name, args) && d.Inner != nil {
		return d.Inner.Run(name, args...)
	}
	d.record(name, args)
	return nil
}

// Output implements Runner.
func (d *DryRunRunner) Output(name string, args ...string) ([]string, error) {
	if ReadOnly(name, args) {
		if d.Inner == nil {
			return nil, nil
		}
		return d.Inner.Output(name, args...)
	}
	d.record(name, args)
	return nil, nil
}

// ReadOnly reports whether a command only inspects state.
func ReadOnly(name string, args []string) bool {
	switch name {
	case "iptables-save", "pidof", "cat":
		return true
	case "ip":
		for _, a := range args {
			switch a {
			case "show", "list", "ls":
				return true
			case "add", "del", "delete", "set", "flush", "replace", "exec":
				return false
			}
		}
	case "systemctl":
		return len(args) > 0 && (args[0] == "is-active" || args[0] == "status")
	}
	return false
}
