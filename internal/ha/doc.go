// Package ha drives active/standby failover between a redundant pair of
// routers.
//
// keepalived elects the MASTER and calls back into the agent through its
// notify hooks (vragent master|backup|fault). Each transition takes a
// process-wide advisory lock, moves public links and the failover services,
// switches conntrackd between passive and active sync and persists the new
// state into the cmd_line data bag.
//
// ReconcileEnabled runs on every reconciliation pass and keeps the
// keepalived and conntrackd configuration in line with the desired state.
package ha
