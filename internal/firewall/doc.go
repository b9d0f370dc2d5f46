// Package firewall reconciles iptables state against a desired rule list.
//
// Rules are compared in a canonical form: options are parsed into a fixed
// order, long aliases map to short flags, bare addresses gain a host prefix
// and state lists are sorted. Live state comes from iptables-save. A pass
// never flushes a table, so tracked connections and NAT sessions survive:
//
//	desired RuleSet ─┐
//	                 ├─ create chains ─ insert missing ─ delete unmatched
//	iptables-save ───┘                                   (baseline exempt)
package firewall
