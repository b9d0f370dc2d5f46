// Package network configures interface addresses and policy routing.
//
// Each ethN device gets its own routing table, numbered 100 plus the device
// suffix and named Table_ethN. Public interfaces mark new connections with
// that number so replies leave through the interface they arrived on.
//
// # Key Components
//
//   - [AddressManager]: adds and removes addresses and runs the dependent setup
//   - [RouteManager]: routing tables, mark rules and idempotent route changes
//   - [DeviceWaiter]: bounded wait for an interface to appear
//   - [RPSTuner]: receive packet steering on multi-CPU hosts
//
// Links and addresses go through netlink; routes and rules go through the ip
// command so that the same existence checks can be logged and replayed.
package network
