package firewall

import (
	"os"

	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/shell"
)

// Baseline is the per-role reference ruleset. Rules in it are never pruned.
type Baseline struct {
	ids map[string]bool
}

// LoadBaseline reads an iptables-save formatted reference file. A missing
// file yields an empty baseline.
func LoadBaseline(path string) (*Baseline, error) {
	b := &Baseline{ids: map[string]bool{}}
	if path == "" {
		return b, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, errors.Wrapf(err, errors.KindInternal, "read baseline %s", path)
	}
	return NewBaseline(shell.SplitLines(string(data))), nil
}

// NewBaseline builds a baseline from iptables-save lines.
func NewBaseline(lines []string) *Baseline {
	b := &Baseline{ids: map[string]bool{}}
	for _, r := range ParseDump(lines).Rules {
		b.ids[r.ID()] = true
	}
	return b
}

// Contains reports whether r is exempt from pruning.
func (b *Baseline) Contains(r *Rule) bool {
	return b != nil && b.ids[r.ID()]
}

// Len returns the number of distinct baseline rules.
func (b *Baseline) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ids)
}
