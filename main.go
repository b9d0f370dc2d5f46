package main

import (
	"flag"
	"os"

	"grimm.is/vrouter/cmd"
	"grimm.is/vrouter/internal/brand"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

// Exit codes. A retryable pass exits 2 so the caller can schedule another.
const (
	exitOK        = 0
	exitFatal     = 1
	exitRetryable = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFatal)
	}

	switch os.Args[1] {
	case "update":
		fs := flag.NewFlagSet("update", flag.ExitOnError)
		configFile := configFlag(fs)
		dryRun := fs.Bool("dry-run", false, "Print the commands a pass would run without applying them")
		fs.BoolVar(dryRun, "n", false, "Dry run (short)")
		fs.Parse(os.Args[2:])

		if err := cmd.RunUpdate(os.Stdout, *configFile, *dryRun); err != nil {
			printer.Fprintf(os.Stderr, "Update failed: %v\n", err)
			if errors.Retryable(err) {
				os.Exit(exitRetryable)
			}
			os.Exit(exitFatal)
		}

	case "master", "backup", "fault":
		fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
		configFile := configFlag(fs)
		fs.Parse(os.Args[2:])

		if err := cmd.RunTransition(*configFile, os.Args[1]); err != nil {
			printer.Fprintf(os.Stderr, "Transition to %s failed: %v\n", os.Args[1], err)
			os.Exit(exitFatal)
		}

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := configFlag(fs)
		fs.Parse(os.Args[2:])

		if err := cmd.RunStatus(os.Stdout, *configFile); err != nil {
			printer.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(exitFatal)
		}

	case "import":
		fs := flag.NewFlagSet("import", flag.ExitOnError)
		configFile := configFlag(fs)
		fs.Parse(os.Args[2:])

		if fs.NArg() != 2 {
			printer.Fprintf(os.Stderr, "Usage: %s import [-config file] <bag> <file|->\n", brand.BinaryName)
			os.Exit(exitFatal)
		}
		if err := cmd.RunImport(*configFile, fs.Arg(0), fs.Arg(1), os.Stdin); err != nil {
			printer.Fprintf(os.Stderr, "Import failed: %v\n", err)
			os.Exit(exitFatal)
		}

	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := configFlag(fs)
		verbose := fs.Bool("verbose", false, "Print the effective configuration")
		fs.BoolVar(verbose, "v", false, "Verbose (short)")
		fs.Parse(os.Args[2:])

		if fs.NArg() > 0 {
			*configFile = fs.Arg(0)
		}
		if err := cmd.RunCheck(os.Stdout, *configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(exitFatal)
		}

	case "version", "--version", "-v":
		cmd.RunVersion(os.Stdout)

	case "help", "--help", "-h":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}

func configFlag(fs *flag.FlagSet) *string {
	path := fs.String("config", brand.GetConfigPath(), "Configuration file")
	fs.StringVar(path, "c", brand.GetConfigPath(), "Configuration file (short)")
	return path
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  update    Run one reconciliation pass
            Options: --dry-run (-n), --config (-c) <file>
  master    Take over as the redundant MASTER (keepalived notify hook)
  backup    Step down to BACKUP (keepalived notify hook)
  fault     Enter FAULT (keepalived notify hook)
  status    Show redundancy state, devices and helper services
  import    Store a JSON data bag: import <bag> <file|->
  check     Validate configuration file
            Options: --verbose (-v)
  version   Print build information

Examples:
  %s import ips /var/cache/vragent/ips.json
  %s update --dry-run
  %s check -v /etc/vragent/agent.hcl
`,
		brand.Name, brand.Description,
		brand.BinaryName,
		brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
