// Package config handles the agent's HCL configuration.
//
// # Overview
//
// The agent reads one HCL file (default /etc/vragent/agent.hcl). Every
// attribute is optional; a missing file yields [Default]. The configuration
// is loaded once by the binary and handed to each component constructor.
//
// # Example
//
//	state_db  = "/var/lib/vragent/state.db"
//	log_level = "debug"
//	netns     = env.VRAGENT_NETNS
//
//	paths {
//	    baseline_dir = "/etc/vragent/baseline"
//	}
//
//	redundancy {
//	    strict_lock      = true
//	    public_interface = { router = "eth2", vpcrouter = "eth1" }
//	}
//
// # Environment
//
// Expressions may reference process environment variables as env.NAME.
package config
