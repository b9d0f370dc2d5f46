package firewall

import (
	"strings"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/shell"
)

const iptablesCmd = "iptables"

// Report summarises one reconciliation pass.
type Report struct {
	ChainsCreated []string
	Inserted      int
	Deleted       int
	Seen          int
	Exempt        int
	// Errors are retryable command failures and skipped malformed rules.
	Errors []error
}

// Commands returns the number of mutating commands that succeeded.
func (r *Report) Commands() int {
	return len(r.ChainsCreated) + r.Inserted + r.Deleted
}

// Reconciler converges live iptables state to a desired rule list without
// flushing any table.
type Reconciler struct {
	runner       shell.Runner
	logger       *logging.Logger
	baselinePath string
	retry        RetryConfig
	clock        clock.Clock
}

// NewReconciler creates a reconciler. baselinePath names the per-role
// reference file whose rules are never deleted; empty disables it.
func NewReconciler(runner shell.Runner, logger *logging.Logger, baselinePath string) *Reconciler {
	if logger == nil {
		logger = logging.WithComponent("firewall")
	}
	return &Reconciler{
		runner:       runner,
		logger:       logger,
		baselinePath: baselinePath,
		retry:        DefaultRetryConfig(),
		clock:        clock.Default(),
	}
}

// WithRetry replaces the xtables lock backoff and the clock it sleeps on.
func (r *Reconciler) WithRetry(cfg RetryConfig, clk clock.Clock) *Reconciler {
	r.retry = cfg
	r.clock = clk
	return r
}

func (r *Reconciler) iptables(args ...string) error {
	return Retry(r.clock, r.retry, func() error {
		return r.runner.Run(iptablesCmd, args...)
	})
}

type pending struct {
	Desired
	rule *Rule
}

// Reconcile runs the three passes: create missing chains, insert missing
// rules, delete unmatched live rules. Only a failed dump aborts the pass.
func (r *Reconciler) Reconcile(desired *RuleSet) (*Report, error) {
	rep := &Report{}

	lines, err := RetryWithResult(r.clock, r.retry, func() ([]string, error) {
		return r.runner.Output("iptables-save")
	})
	if err != nil {
		return rep, errors.Wrap(err, errors.KindCommandFailed, "dump live rules")
	}
	live := ParseDump(lines)
	for _, e := range live.Errors {
		r.logger.Warn("skipping unparsable live rule", "error", e)
	}

	baseline, err := LoadBaseline(r.baselinePath)
	if err != nil {
		r.logger.Warn("baseline unavailable, nothing exempt from pruning", "path", r.baselinePath, "error", err)
		baseline = &Baseline{ids: map[string]bool{}}
	}

	var rules []pending
	for _, d := range desired.Entries() {
		rule, err := ParseRule(d.Table, d.Text)
		if err != nil {
			r.logger.Error("skipping malformed desired rule", "table", d.Table, "rule", d.Text, "error", err)
			rep.Errors = append(rep.Errors, err)
			continue
		}
		rules = append(rules, pending{Desired: d, rule: rule})
	}

	failed := r.ensureChains(rules, live.Registry, rep)
	r.converge(rules, live, failed, rep)
	r.prune(live, baseline, rep)

	r.logger.Info("firewall reconciled",
		"chains_created", len(rep.ChainsCreated),
		"inserted", rep.Inserted,
		"deleted", rep.Deleted,
		"seen", rep.Seen,
		"exempt", rep.Exempt,
		"errors", len(rep.Errors))
	return rep, nil
}

// ensureChains creates every chain a desired rule refers to. It returns the
// chains that could not be created; their rules are skipped this pass.
func (r *Reconciler) ensureChains(rules []pending, reg *ChainRegistry, rep *Report) map[string]bool {
	failed := map[string]bool{}
	for _, p := range rules {
		t, c := p.rule.Table, p.rule.Chain
		k := chainKey(t, c)
		if reg.Has(t, c) || failed[k] {
			continue
		}
		if err := r.iptables("-t", t, "-N", c); err != nil {
			r.logger.WithError(err).Error("chain creation failed, skipping its rules", "table", t, "chain", c)
			rep.Errors = append(rep.Errors, err)
			failed[k] = true
			continue
		}
		r.logger.Info("created chain", "table", t, "chain", c)
		reg.Add(t, c)
		rep.ChainsCreated = append(rep.ChainsCreated, k)
	}
	return failed
}

func (r *Reconciler) converge(rules []pending, live *Dump, failed map[string]bool, rep *Report) {
	index := live.Index()
	processed := map[string]bool{}
	occ := map[string]int{}

	for _, p := range rules {
		tuple := p.tuple()
		if processed[tuple] {
			continue
		}
		processed[tuple] = true

		if failed[chainKey(p.rule.Table, p.rule.Chain)] {
			continue
		}

		id := p.rule.ID()
		k := occ[id]
		occ[id]++
		if matches := index[id]; k < len(matches) {
			matches[k].Seen = true
			rep.Seen++
			continue
		}

		args := r.insertArgs(p, live.Registry)
		if err := r.iptables(args...); err != nil {
			r.logger.WithError(err).Warn("rule insert failed", "table", p.rule.Table, "rule", p.rule.String())
			rep.Errors = append(rep.Errors, err)
			continue
		}
		r.logger.Info("inserted rule", "table", p.rule.Table, "hint", p.Hint.String(), "rule", p.rule.String())
		live.Registry.Inc(p.rule.Table, p.rule.Chain)
		rep.Inserted++
	}
}

// IsACLChain reports whether chain holds an ordered access-control list.
func IsACLChain(chain string) bool {
	return strings.HasPrefix(chain, "ACL_INBOUND_") || strings.HasPrefix(chain, "ACL_OUTBOUND_")
}

func (r *Reconciler) insertArgs(p pending, reg *ChainRegistry) []string {
	switch p.Hint.kind {
	case hintFront:
		return p.rule.InsertArgs(0)
	case hintPosition:
		if IsACLChain(p.rule.Chain) {
			pos := reg.Count(p.rule.Table, p.rule.Chain)
			if pos == 0 {
				pos = 1
			}
			return p.rule.InsertArgs(pos)
		}
		if p.Hint.pos == 0 {
			return p.rule.InsertArgs(0)
		}
		return p.rule.InsertArgs(p.Hint.pos)
	}
	return p.rule.AppendArgs()
}

func (r *Reconciler) prune(live *Dump, baseline *Baseline, rep *Report) {
	for _, rule := range live.Rules {
		if rule.Seen {
			continue
		}
		if baseline.Contains(rule) {
			rep.Exempt++
			continue
		}
		if err := r.iptables(rule.DeleteArgs()...); err != nil {
			r.logger.WithError(err).Warn("rule delete failed", "table", rule.Table, "rule", rule.String())
			rep.Errors = append(rep.Errors, err)
			continue
		}
		r.logger.Info("deleted rule", "table", rule.Table, "rule", rule.String())
		live.Registry.Dec(rule.Table, rule.Chain)
		rep.Deleted++
	}
}
