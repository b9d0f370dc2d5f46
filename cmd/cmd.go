// Package cmd implements the vragent subcommands.
package cmd

import (
	"os"

	"grimm.is/vrouter/internal/config"
	"grimm.is/vrouter/internal/i18n"
	"grimm.is/vrouter/internal/logging"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// LoadConfig reads the agent configuration. A missing file yields the
// built-in defaults.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger builds the process logger from the configuration and installs
// it as the package default.
func NewLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	l := logging.New(logging.Config{
		Level:  level,
		Output: os.Stderr,
		JSON:   cfg.LogJSON,
	})
	logging.SetDefault(l)
	return l
}
