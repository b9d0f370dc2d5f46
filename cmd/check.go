package cmd

import (
	"io"

	"grimm.is/vrouter/internal/config"
)

// RunCheck validates the configuration file. With verbose the effective
// configuration, defaults included, is printed back as HCL.
func RunCheck(w io.Writer, configFile string, verbose bool) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}

	Printer.Fprintf(w, "Configuration valid!\n")
	Printer.Fprintf(w, "State DB:      %s\n", cfg.StateDB)
	Printer.Fprintf(w, "Namespace:     %s\n", orNone(cfg.Netns))
	Printer.Fprintf(w, "Lock:          @%s (%d attempts)\n", cfg.Redundancy.LockName, cfg.Redundancy.LockAttempts)

	if verbose {
		Printer.Fprintln(w)
		w.Write(config.Encode(cfg))
	}
	return nil
}
