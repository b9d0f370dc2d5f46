// Package services manages init-system units for the redundancy helpers and
// the per-guest-network services.
package services

import (
	"grimm.is/vrouter/internal/logging"
	"grimm.is/vrouter/internal/shell"
)

// ServiceStatus represents the current state of a service.
type ServiceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// Manager controls init-system units.
type Manager interface {
	Start(name string) error
	Stop(name string) error
	Restart(name string) error
	Reload(name string) error
	IsActive(name string) bool
}

// Systemd drives units through systemctl.
type Systemd struct {
	runner shell.Runner
	logger *logging.Logger
}

// NewSystemd creates a systemctl-backed manager.
func NewSystemd(runner shell.Runner, logger *logging.Logger) *Systemd {
	if logger == nil {
		logger = logging.WithComponent("services")
	}
	return &Systemd{runner: runner, logger: logger}
}

func (s *Systemd) Start(name string) error {
	return s.do("start", name)
}

func (s *Systemd) Stop(name string) error {
	return s.do("stop", name)
}

func (s *Systemd) Restart(name string) error {
	return s.do("restart", name)
}

// Reload reloads the unit, restarting it when it has no reload action.
func (s *Systemd) Reload(name string) error {
	return s.do("reload-or-restart", name)
}

// IsActive reports whether the unit is running. Any failure counts as not running.
func (s *Systemd) IsActive(name string) bool {
	return s.runner.Run("systemctl", "is-active", "--quiet", name) == nil
}

func (s *Systemd) do(action, name string) error {
	if err := s.runner.Run("systemctl", action, name); err != nil {
		s.logger.WithError(err).Warn("service action failed", "service", name, "action", action)
		return err
	}
	s.logger.Info("service "+action, "service", name)
	return nil
}

// Status reports the run state of each named unit.
func Status(m Manager, names ...string) []ServiceStatus {
	out := make([]ServiceStatus, 0, len(names))
	for _, n := range names {
		out = append(out, ServiceStatus{Name: n, Running: m.IsActive(n)})
	}
	return out
}

// EnsureRunning starts the unit unless it is already active. It reports
// whether a start was issued.
func EnsureRunning(m Manager, name string) (bool, error) {
	if m.IsActive(name) {
		return false, nil
	}
	return true, m.Start(name)
}
