package cmd

import (
	"io"

	"grimm.is/vrouter/internal/brand"
)

// RunVersion prints build information.
func RunVersion(w io.Writer) {
	Printer.Fprintf(w, "%s %s (commit %s, built %s)\n", brand.BinaryName, brand.Version, brand.GitCommit, brand.BuildTime)
}
