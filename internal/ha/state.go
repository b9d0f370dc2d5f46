package ha

import (
	"strings"
)

// RedundancyState is the failover role of this router.
type RedundancyState string

const (
	StateOff    RedundancyState = "OFF"
	StateBackup RedundancyState = "BACKUP"
	StateMaster RedundancyState = "MASTER"
	StateFault  RedundancyState = "FAULT"
)

// AllStates lists every state, OFF first.
var AllStates = []RedundancyState{StateOff, StateBackup, StateMaster, StateFault}

// ParseState reads a persisted state. Empty and unknown values are OFF.
func ParseState(s string) RedundancyState {
	switch st := RedundancyState(strings.ToUpper(strings.TrimSpace(s))); st {
	case StateBackup, StateMaster, StateFault:
		return st
	}
	return StateOff
}

// Standby reports whether the state demotes the router. A redundant router
// that has not recorded a state yet is also treated as standby by a pass.
func (s RedundancyState) Standby() bool {
	return s == StateBackup || s == StateFault
}

func (s RedundancyState) String() string {
	return string(s)
}
