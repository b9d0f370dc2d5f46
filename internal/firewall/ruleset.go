package firewall

import (
	"strconv"
	"strings"

	"grimm.is/vrouter/internal/errors"
)

type hintKind int

const (
	hintAppend hintKind = iota
	hintFront
	hintPosition
)

// Hint says where a missing rule is placed.
type Hint struct {
	kind hintKind
	pos  int
}

var (
	// HintAppend appends to the end of the chain.
	HintAppend = Hint{kind: hintAppend}
	// HintFront inserts at the head of the chain.
	HintFront = Hint{kind: hintFront}
)

// HintAt inserts at a numeric priority. On ACL chains the position is
// replaced by the chain's running rule count.
func HintAt(pos int) Hint {
	return Hint{kind: hintPosition, pos: pos}
}

// ParseHint accepts "append", "" (append), "front" or a number.
func ParseHint(s string) (Hint, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append":
		return HintAppend, nil
	case "front":
		return HintFront, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return Hint{}, errors.Errorf(errors.KindInvalidDesired, "bad insert hint %q", s)
	}
	return HintAt(n), nil
}

func (h Hint) String() string {
	switch h.kind {
	case hintFront:
		return "front"
	case hintPosition:
		return strconv.Itoa(h.pos)
	}
	return "append"
}

// Desired is one entry of the pending rule list.
type Desired struct {
	Table string
	Hint  Hint
	Text  string
}

func (d Desired) tuple() string {
	return NormalizeTable(d.Table) + "\x00" + d.Hint.String() + "\x00" + d.Text
}

// RuleSet is the pending rule list that address configuration and the pass
// orchestrator append to before reconciliation.
type RuleSet struct {
	rules []Desired
}

// NewRuleSet returns an empty rule list.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// Add queues a rule.
func (s *RuleSet) Add(table string, hint Hint, text string) {
	s.rules = append(s.rules, Desired{Table: table, Hint: hint, Text: text})
}

// Append queues a rule placed at the end of its chain.
func (s *RuleSet) Append(table, text string) {
	s.Add(table, HintAppend, text)
}

// Front queues a rule placed at the head of its chain.
func (s *RuleSet) Front(table, text string) {
	s.Add(table, HintFront, text)
}

// Entries returns the queued rules in order.
func (s *RuleSet) Entries() []Desired {
	return append([]Desired(nil), s.rules...)
}

// Len returns the number of queued rules, duplicates included.
func (s *RuleSet) Len() int {
	return len(s.rules)
}
