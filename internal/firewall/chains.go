package firewall

// builtinChains are present in every loaded table even when iptables-save
// omits the table because nothing has touched it yet.
var builtinChains = map[string][]string{
	"filter": {"INPUT", "FORWARD", "OUTPUT"},
	"nat":    {"PREROUTING", "INPUT", "OUTPUT", "POSTROUTING"},
	"mangle": {"PREROUTING", "INPUT", "FORWARD", "OUTPUT", "POSTROUTING"},
	"raw":    {"PREROUTING", "OUTPUT"},
}

// ChainRegistry tracks the chains known to exist per table and a running
// rule count per chain. The count drives numeric insert positions for ACL
// chains whose evaluation order must be preserved.
type ChainRegistry struct {
	chains map[string][]string
	counts map[string]int
}

// NewChainRegistry returns a registry seeded with the builtin chains.
func NewChainRegistry() *ChainRegistry {
	cr := &ChainRegistry{
		chains: map[string][]string{},
		counts: map[string]int{},
	}
	for table, chains := range builtinChains {
		for _, c := range chains {
			cr.Add(table, c)
		}
	}
	return cr
}

func chainKey(table, chain string) string {
	return NormalizeTable(table) + "/" + chain
}

// Has reports whether chain exists in table.
func (cr *ChainRegistry) Has(table, chain string) bool {
	_, ok := cr.counts[chainKey(table, chain)]
	return ok
}

// Add registers chain in table. Registering twice is a no-op.
func (cr *ChainRegistry) Add(table, chain string) {
	k := chainKey(table, chain)
	if _, ok := cr.counts[k]; ok {
		return
	}
	table = NormalizeTable(table)
	cr.chains[table] = append(cr.chains[table], chain)
	cr.counts[k] = 0
}

// Chains returns the chains of table in registration order.
func (cr *ChainRegistry) Chains(table string) []string {
	return append([]string(nil), cr.chains[NormalizeTable(table)]...)
}

// Count returns the number of rules currently in chain.
func (cr *ChainRegistry) Count(table, chain string) int {
	return cr.counts[chainKey(table, chain)]
}

// Inc records a rule added to chain, registering the chain if needed.
func (cr *ChainRegistry) Inc(table, chain string) {
	cr.Add(table, chain)
	cr.counts[chainKey(table, chain)]++
}

// Dec records a rule removed from chain.
func (cr *ChainRegistry) Dec(table, chain string) {
	k := chainKey(table, chain)
	if cr.counts[k] > 0 {
		cr.counts[k]--
	}
}
