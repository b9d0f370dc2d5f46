package cmd

import (
	"io"

	"grimm.is/vrouter/internal/errors"
)

// RunUpdate runs one reconciliation pass. With dryRun the commands that
// would run are printed instead.
func RunUpdate(w io.Writer, configFile string, dryRun bool) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger := NewLogger(cfg)

	rt, err := NewRuntime(cfg, logger, dryRun)
	if err != nil {
		return err
	}
	defer rt.Close()

	res := rt.Agent.Run()

	if rt.DryRun() {
		Printer.Fprintf(w, "[DRY RUN] pass %s, redundancy state %s\n", res.PassID, res.State)
		for _, c := range rt.Recorded() {
			Printer.Fprintf(w, "  %s\n", c)
		}
		Printer.Fprintf(w, "Managed files were rendered under %s\n", rt.sandbox)
	}

	if res.Fatal != nil {
		return errors.Wrap(res.Fatal, errors.GetKind(res.Fatal), "pass aborted")
	}
	if len(res.Retryable) > 0 {
		Printer.Fprintf(w, "Pass %s finished with %d errors; the next pass retries them\n", res.PassID, len(res.Retryable))
		return errors.Wrap(res.Err(), errors.KindCommandFailed, "pass incomplete")
	}
	return nil
}
