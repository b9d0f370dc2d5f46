package metrics

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/logging"
)

// Collector samples kernel counters into the registry after each pass.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	sysfsNet string
	procNet  string

	// Cached values for the status command
	mu             sync.RWMutex
	lastUpdate     time.Time
	conntrackStats ConntrackStats
	links          map[string]bool
}

// ConntrackStats holds connection tracking table usage.
type ConntrackStats struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// NewCollector creates a collector reading sysfsNet (/sys/class/net) and
// procNet (/proc/sys/net).
func NewCollector(r *Registry, sysfsNet, procNet string, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	return &Collector{
		registry: r,
		logger:   logger,
		sysfsNet: sysfsNet,
		procNet:  procNet,
		links:    make(map[string]bool),
	}
}

// Collect samples conntrack usage and the operstate of devs.
func (c *Collector) Collect(devs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.collectConntrackStats(); err != nil {
		c.logger.Debug("conntrack stats unavailable", "error", err)
	} else {
		c.registry.UpdateConntrack(c.conntrackStats.Current, c.conntrackStats.Max)
	}

	for _, dev := range devs {
		up := c.operUp(dev)
		c.links[dev] = up
		v := 0.0
		if up {
			v = 1
		}
		c.registry.InterfaceUp.WithLabelValues(dev).Set(v)
	}
	c.lastUpdate = clock.Now()
}

func (c *Collector) collectConntrackStats() error {
	count, err := readSysInt(filepath.Join(c.procNet, "netfilter", "nf_conntrack_count"))
	if err != nil {
		return err
	}
	max, err := readSysInt(filepath.Join(c.procNet, "netfilter", "nf_conntrack_max"))
	if err != nil {
		return err
	}
	c.conntrackStats = ConntrackStats{Current: count, Max: max}
	return nil
}

func (c *Collector) operUp(dev string) bool {
	data, err := os.ReadFile(filepath.Join(c.sysfsNet, dev, "operstate"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "up"
}

func readSysInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// GetConntrackStats returns the last sampled conntrack usage.
func (c *Collector) GetConntrackStats() ConntrackStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conntrackStats
}

// GetLinkStates returns the last sampled operstate per device.
func (c *Collector) GetLinkStates() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.links))
	for k, v := range c.links {
		out[k] = v
	}
	return out
}

// GetLastUpdate returns when Collect last ran.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
