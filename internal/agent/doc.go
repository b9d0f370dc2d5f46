// Package agent runs reconciliation passes: it loads the desired state,
// converges addresses, routes and firewall rules, and keeps the redundancy
// helpers in line.
package agent
