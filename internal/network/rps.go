package network

import (
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"grimm.is/vrouter/internal/logging"
)

// RPSPaths locates the files receive packet steering is configured through.
type RPSPaths struct {
	// Flag exists only on kernels built with RPS/RFS support.
	Flag     string
	CPUInfo  string
	SysfsNet string // /sys/class/net
	ProcNet  string // /proc/sys/net
}

// DefaultRPSPaths returns the standard locations.
func DefaultRPSPaths() RPSPaths {
	return RPSPaths{
		Flag:     "/etc/rpsrfsenable",
		CPUInfo:  "/proc/cpuinfo",
		SysfsNet: "/sys/class/net",
		ProcNet:  "/proc/sys/net",
	}
}

const rpsFlowEntries = "256"

// RPSTuner spreads receive processing of a device's first queue over all CPUs.
type RPSTuner struct {
	sys    SystemController
	paths  RPSPaths
	logger *logging.Logger
}

// NewRPSTuner creates a tuner.
func NewRPSTuner(sys SystemController, paths RPSPaths, logger *logging.Logger) *RPSTuner {
	if logger == nil {
		logger = logging.WithComponent("rps")
	}
	return &RPSTuner{sys: sys, paths: paths, logger: logger}
}

// Enable configures RPS on dev when the kernel supports it and more than one
// CPU is present. It reports whether anything was written.
func (t *RPSTuner) Enable(dev string) (bool, error) {
	if _, err := t.sys.ReadSysctl(t.paths.Flag); err != nil {
		if t.sys.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	info, err := t.sys.ReadSysctl(t.paths.CPUInfo)
	if err != nil {
		return false, err
	}
	cpus := 0
	for _, l := range strings.Split(info, "\n") {
		if strings.HasPrefix(l, "processor") {
			cpus++
		}
	}
	if cpus <= 1 {
		return false, nil
	}

	queue := filepath.Join(t.paths.SysfsNet, dev, "queues", "rx-0")
	mask := cpuMask(cpus)

	changed := false
	for _, w := range []struct{ path, value string }{
		{filepath.Join(queue, "rps_cpus"), mask},
		{filepath.Join(t.paths.ProcNet, "core", "rps_sock_flow_entries"), rpsFlowEntries},
		{filepath.Join(queue, "rps_flow_cnt"), rpsFlowEntries},
	} {
		cur, err := t.sys.ReadSysctl(w.path)
		if err == nil && sameHex(cur, w.value) {
			continue
		}
		if err := t.sys.WriteSysctl(w.path, w.value); err != nil {
			return changed, err
		}
		changed = true
	}
	if changed {
		t.logger.Info("enabled receive packet steering", "device", dev, "cpus", cpus, "mask", mask)
	}
	return changed, nil
}

// cpuMask returns the mask selecting the first n CPUs in the sysfs cpumask
// format: 32-bit hex groups, most significant first, separated by commas.
func cpuMask(n int) string {
	var groups []string
	for ; n >= 32; n -= 32 {
		groups = append(groups, "ffffffff")
	}
	if n > 0 || len(groups) == 0 {
		groups = append(groups, strconv.FormatUint((uint64(1)<<n)-1, 16))
	}
	slices.Reverse(groups)
	return strings.Join(groups, ",")
}

// sameHex compares sysfs masks, which the kernel prints zero padded and
// comma grouped.
func sameHex(cur, want string) bool {
	return normalizeHex(cur) == normalizeHex(want)
}

func normalizeHex(s string) string {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if s = strings.TrimLeft(s, "0"); s == "" {
		return "0"
	}
	return s
}
