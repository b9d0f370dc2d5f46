package firewall

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"grimm.is/vrouter/internal/errors"
)

// Opt is one match or target option in canonical form.
type Opt struct {
	Key    string
	Values []string
	Neg    bool
}

func (o Opt) args() []string {
	out := make([]string, 0, len(o.Values)+2)
	if o.Neg {
		out = append(out, "!")
	}
	out = append(out, o.Key)
	return append(out, o.Values...)
}

// Rule is a packet-filter rule in canonical form. Two rules are equal when
// table, chain and every match option agree, regardless of the order the
// options were written in.
type Rule struct {
	Table string
	Chain string

	core    map[string]Opt
	modules map[string][]Opt
	target  string
	gotoTgt bool
	tOpts   []Opt

	// Count is the occurrence index among equal rules in the same dump.
	Count int
	// Seen is set during a reconciliation pass when a desired rule matches.
	Seen bool
}

// coreOrder is the fixed serialization order of the protocol-independent options.
var coreOrder = []string{"-s", "-d", "-i", "-o", "-p", "-f"}

var aliases = map[string]string{
	"--append":           "-A",
	"--insert":           "-I",
	"--delete":           "-D",
	"--new-chain":        "-N",
	"--table":            "-t",
	"--source":           "-s",
	"--src":              "-s",
	"--destination":      "-d",
	"--dst":              "-d",
	"--in-interface":     "-i",
	"--out-interface":    "-o",
	"--protocol":         "-p",
	"--fragment":         "-f",
	"--match":            "-m",
	"--jump":             "-j",
	"--goto":             "-g",
	"--destination-port": "--dport",
	"--source-port":      "--sport",
}

// NormalizeTable maps the empty table name to filter.
func NormalizeTable(t string) string {
	if t == "" {
		return "filter"
	}
	return t
}

// ParseRule parses a rule in iptables syntax ("-A CHAIN opts..."). table is
// overridden by an explicit "-t" inside the text.
func ParseRule(table, text string) (*Rule, error) {
	toks, err := tokenize(text)
	if err != nil {
		return nil, err
	}

	r := &Rule{
		Table:   NormalizeTable(table),
		core:    map[string]Opt{},
		modules: map[string][]Opt{},
	}

	module := ""
	inTarget := false
	neg := false

	for i := 0; i < len(toks); {
		tok := toks[i]
		if tok == "!" {
			neg = true
			i++
			continue
		}
		if a, ok := aliases[tok]; ok {
			tok = a
		}

		next := func() (string, error) {
			if i+1 >= len(toks) {
				return "", errors.Errorf(errors.KindInvalidDesired, "option %s needs a value in %q", tok, text)
			}
			return toks[i+1], nil
		}

		switch tok {
		case "-t":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.Table = v
			i += 2
		case "-A", "-I", "-D":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.Chain = v
			i += 2
			if tok != "-A" && i < len(toks) {
				if _, err := strconv.Atoi(toks[i]); err == nil {
					i++
				}
			}
		case "-m":
			v, err := next()
			if err != nil {
				return nil, err
			}
			module = v
			if _, ok := r.modules[module]; !ok {
				r.modules[module] = nil
			}
			i += 2
		case "-j", "-g":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.target = v
			r.gotoTgt = tok == "-g"
			inTarget = true
			i += 2
		case "-f":
			r.core["-f"] = Opt{Key: "-f", Neg: neg}
			i++
		case "-s", "-d", "-i", "-o", "-p":
			v, err := next()
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(v, "!") {
				neg = true
				v = strings.TrimPrefix(v, "!")
			}
			v, err = normalizeCore(tok, v)
			if err != nil {
				return nil, err
			}
			r.core[tok] = Opt{Key: tok, Values: []string{v}, Neg: neg}
			if tok == "-p" {
				module = v
			}
			i += 2
		default:
			if !isOption(tok) {
				return nil, errors.Errorf(errors.KindInvalidDesired, "unexpected token %q in %q", tok, text)
			}
			j := i + 1
			for j < len(toks) && !isOption(toks[j]) && toks[j] != "!" {
				j++
			}
			o := Opt{Key: tok, Values: slices.Clone(toks[i+1 : j]), Neg: neg}
			if inTarget {
				r.tOpts = append(r.tOpts, o)
			} else {
				r.modules[module] = append(r.modules[module], o)
			}
			i = j
		}
		neg = false
	}

	if r.Chain == "" {
		return nil, errors.Errorf(errors.KindInvalidDesired, "rule has no chain: %q", text)
	}
	r.canonicalize()
	return r, nil
}

func isOption(tok string) bool {
	if len(tok) < 2 || tok[0] != '-' {
		return false
	}
	_, err := strconv.Atoi(tok)
	return err != nil
}

func normalizeCore(key, v string) (string, error) {
	switch key {
	case "-p":
		return strings.ToLower(v), nil
	case "-s", "-d":
		parts := strings.Split(v, ",")
		for i, p := range parts {
			n, err := normalizeAddr(p)
			if err != nil {
				return "", errors.Wrapf(err, errors.KindInvalidDesired, "bad address %q", p)
			}
			parts[i] = n
		}
		return strings.Join(parts, ","), nil
	}
	return v, nil
}

// normalizeAddr turns a bare address into a host prefix and masks host bits,
// matching what iptables-save prints.
func normalizeAddr(s string) (string, error) {
	if !strings.Contains(s, "/") {
		a, err := netip.ParseAddr(s)
		if err != nil {
			// hostnames are left for iptables to resolve
			return s, nil
		}
		return netip.PrefixFrom(a, a.BitLen()).String(), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return "", err
	}
	return p.Masked().String(), nil
}

func (r *Rule) canonicalize() {
	proto := ""
	if p, ok := r.core["-p"]; ok && len(p.Values) > 0 {
		proto = p.Values[0]
	}
	// options written before any -m with no protocol stay under ""
	if proto != "" {
		if loose, ok := r.modules[""]; ok {
			r.modules[proto] = append(r.modules[proto], loose...)
			delete(r.modules, "")
		}
	}

	for name, opts := range r.modules {
		for i := range opts {
			normalizeMatchOpt(&opts[i])
		}
		slices.SortStableFunc(opts, func(a, b Opt) int { return strings.Compare(a.Key, b.Key) })
		r.modules[name] = opts
	}

	for i := range r.tOpts {
		normalizeTargetOpt(&r.tOpts[i])
	}
	r.tOpts = applyTargetDefaults(r.target, r.tOpts)
	slices.SortStableFunc(r.tOpts, func(a, b Opt) int { return strings.Compare(a.Key, b.Key) })
}

func normalizeMatchOpt(o *Opt) {
	switch o.Key {
	case "--state", "--ctstate":
		if len(o.Values) == 1 {
			states := strings.Split(strings.ToUpper(o.Values[0]), ",")
			slices.Sort(states)
			o.Values[0] = strings.Join(states, ",")
		}
	case "--mark":
		if len(o.Values) == 1 {
			o.Values[0] = hexMark(o.Values[0], false)
		}
	}
}

func normalizeTargetOpt(o *Opt) {
	switch o.Key {
	case "--set-mark":
		if len(o.Values) == 1 {
			o.Key = "--set-xmark"
			o.Values[0] = hexMark(o.Values[0], true)
		}
	case "--set-xmark":
		if len(o.Values) == 1 {
			o.Values[0] = hexMark(o.Values[0], true)
		}
	case "--nfmask", "--ctmask":
		if len(o.Values) == 1 {
			o.Values[0] = hexMark(o.Values[0], false)
		}
	}
}

// applyTargetDefaults adds the options iptables-save always prints.
func applyTargetDefaults(target string, opts []Opt) []Opt {
	has := func(k string) bool {
		return slices.ContainsFunc(opts, func(o Opt) bool { return o.Key == k })
	}
	switch target {
	case "CONNMARK":
		if has("--restore-mark") || has("--save-mark") {
			if !has("--nfmask") {
				opts = append(opts, Opt{Key: "--nfmask", Values: []string{"0xffffffff"}})
			}
			if !has("--ctmask") {
				opts = append(opts, Opt{Key: "--ctmask", Values: []string{"0xffffffff"}})
			}
		}
	case "REJECT":
		if !has("--reject-with") {
			opts = append(opts, Opt{Key: "--reject-with", Values: []string{"icmp-port-unreachable"}})
		}
	}
	return opts
}

// hexMark renders "v" or "v/m" in lowercase hex. withMask adds the full mask
// when none is given. Unparseable input is returned unchanged.
func hexMark(s string, withMask bool) string {
	v, m, hasMask := strings.Cut(s, "/")
	vn, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return s
	}
	if !hasMask {
		if withMask {
			return fmt.Sprintf("0x%x/0xffffffff", vn)
		}
		return fmt.Sprintf("0x%x", vn)
	}
	mn, err := strconv.ParseUint(m, 0, 32)
	if err != nil {
		return s
	}
	return fmt.Sprintf("0x%x/0x%x", vn, mn)
}

// Args returns the canonical match and target arguments, without table or chain.
func (r *Rule) Args() []string {
	var out []string
	proto := ""
	for _, k := range coreOrder {
		o, ok := r.core[k]
		if !ok {
			continue
		}
		out = append(out, o.args()...)
		if k == "-p" {
			proto = o.Values[0]
			for _, po := range r.modules[proto] {
				out = append(out, po.args()...)
			}
		}
	}

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		if name != proto {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		if name != "" {
			out = append(out, "-m", name)
		}
		for _, o := range r.modules[name] {
			out = append(out, o.args()...)
		}
	}

	if r.target != "" {
		if r.gotoTgt {
			out = append(out, "-g", r.target)
		} else {
			out = append(out, "-j", r.target)
		}
		for _, o := range r.tOpts {
			out = append(out, o.args()...)
		}
	}
	return out
}

// Key is the canonical match text used for equality.
func (r *Rule) Key() string {
	return joinQuoted(r.Args())
}

// ID identifies the rule across table and chain.
func (r *Rule) ID() string {
	return r.Table + "|" + r.Chain + "|" + r.Key()
}

// Equal reports canonical equality. Count and Seen are ignored.
func (r *Rule) Equal(o *Rule) bool {
	return r.ID() == o.ID()
}

// Target returns the jump or goto target.
func (r *Rule) Target() string {
	return r.target
}

// String renders the rule in iptables-save form.
func (r *Rule) String() string {
	return "-A " + r.Chain + " " + r.Key()
}

// AppendArgs is the argv that appends the rule.
func (r *Rule) AppendArgs() []string {
	return append([]string{"-t", r.Table, "-A", r.Chain}, r.Args()...)
}

// InsertArgs is the argv that inserts the rule at pos; pos <= 0 inserts at the head.
func (r *Rule) InsertArgs(pos int) []string {
	args := []string{"-t", r.Table, "-I", r.Chain}
	if pos > 0 {
		args = append(args, strconv.Itoa(pos))
	}
	return append(args, r.Args()...)
}

// DeleteArgs is the argv that deletes the rule.
func (r *Rule) DeleteArgs() []string {
	return append([]string{"-t", r.Table, "-D", r.Chain}, r.Args()...)
}

func joinQuoted(args []string) string {
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		if a == "" || strings.ContainsAny(a, " \t\"'\\") {
			b.WriteByte('"')
			for _, c := range a {
				if c == '"' || c == '\\' {
					b.WriteByte('\\')
				}
				b.WriteRune(c)
			}
			b.WriteByte('"')
			continue
		}
		b.WriteString(a)
	}
	return b.String()
}

// tokenize splits a rule on whitespace, honouring single and double quotes.
func tokenize(s string) ([]string, error) {
	var (
		toks    []string
		cur     strings.Builder
		inTok   bool
		quote   rune
		escaped bool
	)
	for _, c := range s {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case quote != 0:
			switch {
			case c == '\\' && quote == '"':
				escaped = true
			case c == quote:
				quote = 0
			default:
				cur.WriteRune(c)
			}
		case c == '"' || c == '\'':
			quote = c
			inTok = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if inTok {
				toks = append(toks, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(c)
			inTok = true
		}
	}
	if quote != 0 {
		return nil, errors.Errorf(errors.KindInvalidDesired, "unterminated quote in %q", s)
	}
	if inTok {
		toks = append(toks, cur.String())
	}
	return toks, nil
}
