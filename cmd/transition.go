package cmd

import (
	"fmt"
	"strings"

	"grimm.is/vrouter/internal/ha"
)

// RunTransition moves the router into target, the lower-case name of a
// redundancy state. keepalived calls it from its notify hooks.
func RunTransition(configFile, target string) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger := NewLogger(cfg)

	rt, err := NewRuntime(cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	st := ha.ParseState(target)
	var enter func() error
	switch st {
	case ha.StateMaster:
		enter = rt.HA.EnterMaster
	case ha.StateBackup:
		enter = rt.HA.EnterBackup
	case ha.StateFault:
		enter = rt.HA.EnterFault
	default:
		return fmt.Errorf("unknown redundancy state %q", strings.ToLower(target))
	}

	err = enter()
	rt.Metrics.RecordTransition(st.String(), err)
	if err == nil {
		all := make([]string, 0, len(ha.AllStates))
		for _, s := range ha.AllStates {
			all = append(all, s.String())
		}
		rt.Metrics.SetRedundancyState(st.String(), all)
	}
	if path := cfg.MetricsTextfile; path != "" {
		if werr := rt.Metrics.WriteTextfile(path); werr != nil {
			logger.Warn("metrics textfile not written", "path", path, "error", werr)
		}
	}
	return err
}
