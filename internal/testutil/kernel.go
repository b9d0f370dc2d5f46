package testutil

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"grimm.is/vrouter/internal/firewall"
	"grimm.is/vrouter/internal/shell"
)

var builtinChains = map[string][]string{
	"filter": {"INPUT", "FORWARD", "OUTPUT"},
	"mangle": {"PREROUTING", "INPUT", "FORWARD", "OUTPUT", "POSTROUTING"},
	"nat":    {"PREROUTING", "INPUT", "OUTPUT", "POSTROUTING"},
	"raw":    {"PREROUTING", "OUTPUT"},
}

var tableOrder = []string{"raw", "mangle", "nat", "filter"}

type route struct {
	table string
	spec  string
}

// FakeKernel is an in-memory shell.Runner that emulates the iptables,
// iptables-save, ip route, ip rule, systemctl and conntrackd command surface.
// Every mutating command is recorded in order.
type FakeKernel struct {
	mu sync.Mutex

	chains map[string][]string            // table -> chain order
	rules  map[string]map[string][]string // table -> chain -> rule args

	routes  []route
	ipRules []string
	prio    int

	units map[string]bool

	// ConntrackMode is "active" after -c/-f/-R/-B and "passive" after -n.
	ConntrackMode  string
	ConntrackFlags []string

	mutations []string
	fail      map[string]error
}

var _ shell.Runner = (*FakeKernel)(nil)

// NewFakeKernel returns a kernel with the builtin chains and no rules.
func NewFakeKernel() *FakeKernel {
	k := &FakeKernel{
		chains: make(map[string][]string),
		rules:  make(map[string]map[string][]string),
		units:  make(map[string]bool),
		prio:   32765,
		fail:   make(map[string]error),
	}
	for t, cs := range builtinChains {
		k.chains[t] = append([]string(nil), cs...)
		k.rules[t] = make(map[string][]string, len(cs))
		for _, c := range cs {
			k.rules[t][c] = nil
		}
	}
	return k
}

// FailOn makes every command whose argv starts with prefix fail.
func (k *FakeKernel) FailOn(prefix string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fail[prefix] = err
}

// Mutations returns the mutating commands run so far.
func (k *FakeKernel) Mutations() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.mutations...)
}

// ResetMutations clears the mutation log.
func (k *FakeKernel) ResetMutations() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mutations = nil
}

// SeedRule adds a live rule, e.g. SeedRule("filter", "-A INPUT -j DROP").
// A missing chain is created.
func (k *FakeKernel) SeedRule(table, text string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	f := strings.Fields(text)
	if len(f) < 2 || f[0] != "-A" {
		panic("bad seed rule " + text)
	}
	k.ensureChain(table, f[1])
	k.rules[table][f[1]] = append(k.rules[table][f[1]], strings.Join(f[2:], " "))
}

// Rules returns a chain's rules as "-A CHAIN args".
func (k *FakeKernel) Rules(table, chain string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []string
	for _, r := range k.rules[table][chain] {
		out = append(out, "-A "+chain+" "+r)
	}
	return out
}

// HasChain reports whether table has chain.
func (k *FakeKernel) HasChain(table, chain string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.rules[table][chain]
	return ok
}

// Routes returns the route specs of a table ("main" for the main table).
func (k *FakeKernel) Routes(table string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []string
	for _, r := range k.routes {
		if r.table == table {
			out = append(out, r.spec)
		}
	}
	return out
}

// SeedIPRule adds an "ip rule show" line body, e.g. "from all lookup Table_eth1".
func (k *FakeKernel) SeedIPRule(body string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.addIPRule(body)
}

// IPRules returns the "ip rule show" lines.
func (k *FakeKernel) IPRules() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.ipRules...)
}

// SetUnit sets a unit's running state without recording a mutation.
func (k *FakeKernel) SetUnit(name string, running bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.units[name] = running
}

// UnitActive reports whether a unit runs.
func (k *FakeKernel) UnitActive(name string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.units[name]
}

// Run implements shell.Runner.
func (k *FakeKernel) Run(name string, args ...string) error {
	_, err := k.Output(name, args...)
	return err
}

// Output implements shell.Runner.
func (k *FakeKernel) Output(name string, args ...string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	argv := strings.TrimSpace(name + " " + strings.Join(args, " "))
	for prefix, err := range k.fail {
		if strings.HasPrefix(argv, prefix) {
			return nil, shell.Failed(name, args, 1, err.Error(), err)
		}
	}
	if !shell.ReadOnly(name, args) {
		k.mutations = append(k.mutations, argv)
	}

	var out []string
	var err error
	switch name {
	case "iptables-save":
		out = k.save()
	case "iptables":
		err = k.iptables(args)
	case "ip":
		out, err = k.ip(args)
	case "systemctl":
		err = k.systemctl(args)
	case "conntrackd":
		err = k.conntrackd(args)
	default:
		err = fmt.Errorf("%s: command not found", name)
	}
	if err != nil {
		return nil, shell.Failed(name, args, 1, err.Error(), err)
	}
	return out, nil
}

func (k *FakeKernel) ensureChain(table, chain string) {
	if _, ok := k.rules[table]; !ok {
		k.rules[table] = make(map[string][]string)
	}
	if _, ok := k.rules[table][chain]; !ok {
		k.rules[table][chain] = nil
		k.chains[table] = append(k.chains[table], chain)
	}
}

func isBuiltin(table, chain string) bool {
	for _, c := range builtinChains[table] {
		if c == chain {
			return true
		}
	}
	return false
}

func (k *FakeKernel) save() []string {
	var out []string
	for _, t := range tableOrder {
		out = append(out, "*"+t)
		for _, c := range k.chains[t] {
			policy := "-"
			if isBuiltin(t, c) {
				policy = "ACCEPT"
			}
			out = append(out, fmt.Sprintf(":%s %s [0:0]", c, policy))
		}
		for _, c := range k.chains[t] {
			for _, r := range k.rules[t][c] {
				out = append(out, "-A "+c+" "+r)
			}
		}
		out = append(out, "COMMIT")
	}
	return out
}

func quoteArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t") {
			parts[i] = strconv.Quote(a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

func (k *FakeKernel) iptables(args []string) error {
	table := "filter"
	if len(args) >= 2 && args[0] == "-t" {
		table, args = args[1], args[2:]
	}
	if len(args) < 2 {
		return fmt.Errorf("iptables: bad argv %v", args)
	}
	op, chain, rest := args[0], args[1], args[2:]

	if op == "-N" {
		if _, ok := k.rules[table][chain]; ok {
			return fmt.Errorf("iptables: Chain already exists")
		}
		k.ensureChain(table, chain)
		return nil
	}

	rules, ok := k.rules[table][chain]
	if !ok {
		return fmt.Errorf("iptables: No chain/target/match by that name")
	}
	switch op {
	case "-A":
		k.rules[table][chain] = append(rules, quoteArgs(rest))
	case "-I":
		pos := 1
		if len(rest) > 0 {
			if n, err := strconv.Atoi(rest[0]); err == nil {
				pos, rest = n, rest[1:]
			}
		}
		if pos < 1 || pos > len(rules)+1 {
			return fmt.Errorf("iptables: Index of insertion too big")
		}
		r := quoteArgs(rest)
		k.rules[table][chain] = append(rules[:pos-1:pos-1], append([]string{r}, rules[pos-1:]...)...)
	case "-D":
		r := quoteArgs(rest)
		for i, have := range rules {
			if sameRule(table, chain, have, r) {
				k.rules[table][chain] = append(rules[:i:i], rules[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("iptables: Bad rule (does a matching rule exist in that chain?)")
	default:
		return fmt.Errorf("iptables: unsupported op %s", op)
	}
	return nil
}

// sameRule compares two rules the way the kernel does, ignoring option order.
func sameRule(table, chain, a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := firewall.ParseRule(table, "-A "+chain+" "+a)
	rb, errB := firewall.ParseRule(table, "-A "+chain+" "+b)
	return errA == nil && errB == nil && ra.Equal(rb)
}

// routeKey splits a route argv into its table and a spec with the route
// type and protocol removed, which is how "ip route show" matches.
func routeKey(args []string) route {
	r := route{table: "main"}
	var spec []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "table":
			if i+1 < len(args) {
				r.table = args[i+1]
				i++
			}
		case "proto":
			i++
		case "throw", "unicast", "blackhole":
		default:
			spec = append(spec, args[i])
		}
	}
	r.spec = strings.Join(spec, " ")
	return r
}

func (k *FakeKernel) findRoute(r route) int {
	for i, have := range k.routes {
		if have == r {
			return i
		}
	}
	return -1
}

func (k *FakeKernel) ip(args []string) ([]string, error) {
	if len(args) > 0 && args[0] == "-4" {
		args = args[1:]
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("ip: bad argv %v", args)
	}
	switch args[0] {
	case "route":
		return k.ipRoute(args[1], args[2:])
	case "rule":
		return k.ipRule(args[1], args[2:])
	}
	return nil, fmt.Errorf("ip: unsupported object %s", args[0])
}

func (k *FakeKernel) ipRoute(op string, args []string) ([]string, error) {
	switch op {
	case "show", "list":
		if len(args) == 1 && args[0] == "0/0" {
			var out []string
			for _, r := range k.routes {
				if r.table == "main" && strings.HasPrefix(r.spec, "default") {
					out = append(out, r.spec)
				}
			}
			return out, nil
		}
		q := routeKey(args)
		if i := k.findRoute(q); i >= 0 {
			return []string{k.routes[i].spec}, nil
		}
		return nil, nil
	case "add":
		r := routeKey(args)
		if k.findRoute(r) >= 0 {
			return nil, fmt.Errorf("RTNETLINK answers: File exists")
		}
		k.routes = append(k.routes, r)
		return nil, nil
	case "delete", "del":
		r := routeKey(args)
		i := k.findRoute(r)
		if i < 0 {
			return nil, fmt.Errorf("RTNETLINK answers: No such process")
		}
		k.routes = append(k.routes[:i], k.routes[i+1:]...)
		return nil, nil
	case "flush":
		return nil, nil
	}
	return nil, fmt.Errorf("ip route: unsupported op %s", op)
}

func (k *FakeKernel) addIPRule(body string) {
	k.ipRules = append(k.ipRules, fmt.Sprintf("%d:\t%s", k.prio, body))
	k.prio--
}

func (k *FakeKernel) ipRule(op string, args []string) ([]string, error) {
	switch op {
	case "show", "list":
		lines := append([]string{"0:\tfrom all lookup local"}, k.ipRules...)
		return append(lines, "32766:\tfrom all lookup main", "32767:\tfrom all lookup default"), nil
	case "add":
		// fwmark <n> table <name>
		if len(args) != 4 || args[0] != "fwmark" || args[2] != "table" {
			return nil, fmt.Errorf("ip rule: unsupported add %v", args)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, err
		}
		k.addIPRule(fmt.Sprintf("from all fwmark 0x%x lookup %s", n, args[3]))
		return nil, nil
	case "delete", "del":
		// from all table <name>
		if len(args) != 4 || args[2] != "table" {
			return nil, fmt.Errorf("ip rule: unsupported delete %v", args)
		}
		want := "from all lookup " + args[3]
		for i, l := range k.ipRules {
			if strings.HasSuffix(l, want) {
				k.ipRules = append(k.ipRules[:i], k.ipRules[i+1:]...)
				return nil, nil
			}
		}
		return nil, fmt.Errorf("RTNETLINK answers: No such file or directory")
	}
	return nil, fmt.Errorf("ip rule: unsupported op %s", op)
}

func (k *FakeKernel) systemctl(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("systemctl: bad argv %v", args)
	}
	unit := args[len(args)-1]
	switch args[0] {
	case "is-active":
		if !k.units[unit] {
			return fmt.Errorf("inactive")
		}
	case "start", "restart", "reload-or-restart":
		k.units[unit] = true
	case "stop":
		k.units[unit] = false
	default:
		return fmt.Errorf("systemctl: unsupported %s", args[0])
	}
	return nil
}

func (k *FakeKernel) conntrackd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("conntrackd: no flag")
	}
	flag := args[len(args)-1]
	k.ConntrackFlags = append(k.ConntrackFlags, flag)
	switch flag {
	case "-n":
		k.ConntrackMode = "passive"
	case "-c", "-f", "-R", "-B":
		k.ConntrackMode = "active"
	default:
		return fmt.Errorf("conntrackd: unsupported flag %s", flag)
	}
	return nil
}

// Units returns the running units, sorted.
func (k *FakeKernel) Units() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []string
	for u, on := range k.units {
		if on {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}
