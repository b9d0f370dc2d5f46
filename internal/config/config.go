package config

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"grimm.is/vrouter/internal/brand"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/logging"
)

// Config is the agent configuration.
type Config struct {
	StateDB           string `hcl:"state_db,optional"`
	LogLevel          string `hcl:"log_level,optional"`
	LogJSON           bool   `hcl:"log_json,optional"`
	DryRun            bool   `hcl:"dry_run,optional"`
	Netns             string `hcl:"netns,optional"`
	DeviceWaitTimeout string `hcl:"device_wait_timeout,optional"`
	MetricsTextfile   string `hcl:"metrics_textfile,optional"`
	// ControlSSHPort is opened on the control interface every pass.
	ControlSSHPort int `hcl:"control_ssh_port,optional"`

	Paths      *Paths      `hcl:"paths,block"`
	Redundancy *Redundancy `hcl:"redundancy,block"`
	Services   *Services   `hcl:"services,block"`
}

// Paths locates the files the agent reads and writes.
type Paths struct {
	RTTables       string `hcl:"rt_tables,optional"`
	KeepalivedConf string `hcl:"keepalived_conf,optional"`
	ConntrackdConf string `hcl:"conntrackd_conf,optional"`
	// BaselineDir holds one <role>.rules file per appliance type.
	BaselineDir string `hcl:"baseline_dir,optional"`
	RPSFlag     string `hcl:"rps_flag,optional"`
	CPUInfo     string `hcl:"cpuinfo,optional"`
	SysfsNet    string `hcl:"sysfs_net,optional"`
	ProcfsNet   string `hcl:"procfs_net,optional"`
}

// Redundancy configures the failover controller.
type Redundancy struct {
	LockName     string `hcl:"lock_name,optional"`
	LockAttempts int    `hcl:"lock_attempts,optional"`
	LockInterval string `hcl:"lock_interval,optional"`
	// StrictLock fails a transition when the lock stays contended instead
	// of proceeding without it.
	StrictLock bool `hcl:"strict_lock,optional"`
	// PublicInterface names, per appliance type, the one public device that
	// carries the default route.
	PublicInterface    map[string]string `hcl:"public_interface,optional"`
	ConntrackGroup     int               `hcl:"conntrack_group,optional"`
	ConntrackMulticast string            `hcl:"conntrack_multicast,optional"`
	// FailoverServices run only on the MASTER (VPN, PPP, DNS forwarding).
	FailoverServices []string `hcl:"failover_services,optional"`
}

// Services names the init-system units the agent controls.
type Services struct {
	DNS        string `hcl:"dns,optional"`
	Metadata   string `hcl:"metadata,optional"`
	Password   string `hcl:"password,optional"`
	Keepalived string `hcl:"keepalived,optional"`
	Conntrackd string `hcl:"conntrackd,optional"`
}

// Defaults.
const (
	DefaultLogLevel           = "info"
	DefaultDeviceWaitTimeout  = "2s"
	DefaultControlSSHPort     = 3922
	DefaultLockAttempts       = 10
	DefaultLockInterval       = "1s"
	DefaultConntrackGroup     = 3780
	DefaultConntrackMulticast = "225.0.0.50"
)

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	setDefault(&c.StateDB, brand.GetStatePath())
	setDefault(&c.LogLevel, DefaultLogLevel)
	setDefault(&c.DeviceWaitTimeout, DefaultDeviceWaitTimeout)
	if c.ControlSSHPort == 0 {
		c.ControlSSHPort = DefaultControlSSHPort
	}

	if c.Paths == nil {
		c.Paths = &Paths{}
	}
	p := c.Paths
	setDefault(&p.RTTables, "/etc/iproute2/rt_tables")
	setDefault(&p.KeepalivedConf, "/etc/keepalived/keepalived.conf")
	setDefault(&p.ConntrackdConf, "/etc/conntrackd/conntrackd.conf")
	setDefault(&p.BaselineDir, brand.GetBaselineDir())
	setDefault(&p.RPSFlag, "/etc/rpsrfsenable")
	setDefault(&p.CPUInfo, "/proc/cpuinfo")
	setDefault(&p.SysfsNet, "/sys/class/net")
	setDefault(&p.ProcfsNet, "/proc/sys/net")

	if c.Redundancy == nil {
		c.Redundancy = &Redundancy{}
	}
	r := c.Redundancy
	setDefault(&r.LockName, brand.LockName)
	if r.LockAttempts == 0 {
		r.LockAttempts = DefaultLockAttempts
	}
	setDefault(&r.LockInterval, DefaultLockInterval)
	if r.PublicInterface == nil {
		r.PublicInterface = map[string]string{"router": "eth2", "vpcrouter": "eth1"}
	}
	if r.ConntrackGroup == 0 {
		r.ConntrackGroup = DefaultConntrackGroup
	}
	setDefault(&r.ConntrackMulticast, DefaultConntrackMulticast)
	if r.FailoverServices == nil {
		r.FailoverServices = []string{"ipsec", "xl2tpd", "dnsmasq"}
	}

	if c.Services == nil {
		c.Services = &Services{}
	}
	s := c.Services
	setDefault(&s.DNS, "dnsmasq")
	setDefault(&s.Metadata, "apache2")
	setDefault(&s.Password, "vr-passwd@%s")
	setDefault(&s.Keepalived, "keepalived")
	setDefault(&s.Conntrackd, "conntrackd")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

var (
	deviceName = regexp.MustCompile(`^eth\d+$`)
	netnsName  = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Validate checks the configuration. Errors are KindValidation.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, errors.Errorf(errors.KindValidation, format, args...))
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		bad("log_level: %v", err)
	}
	if _, err := time.ParseDuration(c.DeviceWaitTimeout); err != nil {
		bad("device_wait_timeout: %v", err)
	}
	if c.Netns != "" && !netnsName.MatchString(c.Netns) {
		bad("netns: invalid namespace name %q", c.Netns)
	}
	if c.ControlSSHPort < 1 || c.ControlSSHPort > 65535 {
		bad("control_ssh_port: %d out of range", c.ControlSSHPort)
	}

	r := c.Redundancy
	if r.LockAttempts < 1 {
		bad("redundancy.lock_attempts: must be at least 1")
	}
	if _, err := time.ParseDuration(r.LockInterval); err != nil {
		bad("redundancy.lock_interval: %v", err)
	}
	roles := make([]string, 0, len(r.PublicInterface))
	for role := range r.PublicInterface {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		if dev := r.PublicInterface[role]; !deviceName.MatchString(dev) {
			bad("redundancy.public_interface[%s]: %q is not an ethN device", role, dev)
		}
	}
	if r.ConntrackGroup < 1 || r.ConntrackGroup > 65535 {
		bad("redundancy.conntrack_group: %d out of range", r.ConntrackGroup)
	}
	if !strings.Contains(c.Services.Password, "%s") {
		bad("services.password: %q needs a %%s for the device", c.Services.Password)
	}

	return errors.Join(errs...)
}

// DeviceWait is the parsed device_wait_timeout.
func (c *Config) DeviceWait() time.Duration {
	d, _ := time.ParseDuration(c.DeviceWaitTimeout)
	return d
}

// Interval is the parsed lock_interval.
func (r *Redundancy) Interval() time.Duration {
	d, _ := time.ParseDuration(r.LockInterval)
	return d
}

// BaselinePath is the deletion-exempt rule file for an appliance type.
func (c *Config) BaselinePath(role string) string {
	return filepath.Join(c.Paths.BaselineDir, role+".rules")
}

// PublicDevice returns the device allowed to carry the default route for an
// appliance type, or "" when every public device may.
func (c *Config) PublicDevice(role string) string {
	return c.Redundancy.PublicInterface[role]
}
