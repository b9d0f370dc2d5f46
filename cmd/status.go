package cmd

import (
	"io"
	"strings"
	"time"

	"grimm.is/vrouter/internal/desired"
	"grimm.is/vrouter/internal/ha"
	"grimm.is/vrouter/internal/services"
	"grimm.is/vrouter/internal/shell"
	"grimm.is/vrouter/internal/state"
)

// RunStatus prints the redundancy state, router identity and the devices
// the desired state configures.
func RunStatus(w io.Writer, configFile string) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger := NewLogger(cfg)

	db, err := OpenStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var runner shell.Runner = shell.NewRealRunner()
	if cfg.Netns != "" {
		runner = shell.InNamespace(cfg.Netns, runner)
	}
	svc := services.NewSystemd(runner, logger.WithComponent("services"))

	units := append([]string{cfg.Services.Keepalived, cfg.Services.Conntrackd}, cfg.Redundancy.FailoverServices...)
	return printStatus(w, db, svc, units)
}

// recentChanges is how many store writes status lists.
const recentChanges = 5

func printStatus(w io.Writer, store state.Store, svc services.Manager, units []string) error {
	version := store.CurrentVersion()
	var since uint64
	if version > recentChanges {
		since = version - recentChanges
	}
	recent, err := store.GetChangesSince(since)
	if err != nil {
		return err
	}

	doc, err := desired.Load(state.NewBags(store))
	if err != nil {
		return err
	}
	cl := doc.CmdLine

	st := ha.StateOff
	if cl.RedundantRouter {
		st = ha.ParseState(cl.RedundantState)
	}

	Printer.Fprintln(w, "=== VRouter Agent Status ===")
	Printer.Fprintln(w)
	Printer.Fprintf(w, "Role:        %s\n", cl.Role())
	Printer.Fprintf(w, "Router ID:   %s\n", orNone(cl.RouterID))
	Printer.Fprintf(w, "Redundant:   %t\n", cl.RedundantRouter)
	Printer.Fprintf(w, "State:       %s\n", st)
	Printer.Fprintln(w)

	Printer.Fprintln(w, "Devices:")
	for _, dev := range doc.Devices() {
		var cidrs []string
		role := ""
		for _, a := range doc.Addresses[dev] {
			if !a.Add {
				continue
			}
			cidrs = append(cidrs, a.CIDR.String())
			role = a.Role.String()
		}
		if len(cidrs) == 0 {
			cidrs = []string{"(removed)"}
		}
		Printer.Fprintf(w, "  %-6s %-8s %s\n", dev, role, strings.Join(cidrs, ", "))
	}
	if len(doc.StaticRoutes) > 0 {
		Printer.Fprintf(w, "Static routes: %d\n", len(doc.StaticRoutes))
	}
	Printer.Fprintln(w)

	Printer.Fprintf(w, "Desired state version: %d\n", version)
	for _, c := range recent {
		Printer.Fprintf(w, "  %s %-6s %s/%s\n", c.Timestamp.UTC().Format(time.RFC3339), c.Type, c.Bucket, c.Key)
	}
	Printer.Fprintln(w)

	Printer.Fprintln(w, "Services:")
	for _, s := range services.Status(svc, units...) {
		run := "stopped"
		if s.Running {
			run = "running"
		}
		Printer.Fprintf(w, "  %-12s %s\n", s.Name+":", run)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
