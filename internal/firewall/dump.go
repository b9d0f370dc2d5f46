package firewall

import (
	"strings"

	"grimm.is/vrouter/internal/errors"
)

// Dump is a parsed iptables-save snapshot.
type Dump struct {
	// Rules in dump order. Equal rules carry increasing Count values.
	Rules    []*Rule
	Registry *ChainRegistry
	// Errors holds lines that could not be parsed. They are skipped.
	Errors []error
}

// ParseDump parses iptables-save output.
func ParseDump(lines []string) *Dump {
	d := &Dump{Registry: NewChainRegistry()}
	occ := map[string]int{}
	table := "filter"

	for n, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == "" || strings.HasPrefix(line, "#") || line == "COMMIT":
			continue
		case strings.HasPrefix(line, "*"):
			table = strings.TrimPrefix(line, "*")
		case strings.HasPrefix(line, ":"):
			fields := strings.Fields(strings.TrimPrefix(line, ":"))
			if len(fields) > 0 {
				d.Registry.Add(table, fields[0])
			}
		case strings.HasPrefix(line, "-A ") || strings.HasPrefix(line, "["):
			// counters from iptables-save -c come first
			if strings.HasPrefix(line, "[") {
				if i := strings.Index(line, "]"); i >= 0 {
					line = strings.TrimSpace(line[i+1:])
				}
			}
			r, err := ParseRule(table, line)
			if err != nil {
				d.Errors = append(d.Errors, errors.Attr(err, "line", n+1))
				continue
			}
			id := r.ID()
			r.Count = occ[id]
			occ[id]++
			d.Rules = append(d.Rules, r)
			d.Registry.Inc(r.Table, r.Chain)
		default:
			d.Errors = append(d.Errors, errors.Errorf(errors.KindInvalidDesired, "line %d: unrecognised %q", n+1, line))
		}
	}
	return d
}

// Index groups rules by ID, each group in occurrence order.
func (d *Dump) Index() map[string][]*Rule {
	idx := make(map[string][]*Rule, len(d.Rules))
	for _, r := range d.Rules {
		idx[r.ID()] = append(idx[r.ID()], r)
	}
	return idx
}
