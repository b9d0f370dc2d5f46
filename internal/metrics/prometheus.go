package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grimm.is/vrouter/internal/errors"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds the agent metrics.
type Registry struct {
	reg *prometheus.Registry

	// Pass metrics
	PassTotal        prometheus.Counter
	PassErrors       *prometheus.CounterVec
	PassDuration     prometheus.Histogram
	LastPass         prometheus.Gauge
	FirewallCommands *prometheus.CounterVec

	// Redundancy
	RedundancyState *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec

	// Connection tracking
	ConntrackCount prometheus.Gauge
	ConntrackMax   prometheus.Gauge

	// Interface metrics
	InterfaceUp *prometheus.GaugeVec
}

// Get returns the process-wide registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New()
	})
	return registry
}

// New creates a registry backed by its own prometheus.Registry.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	f := promauto.With(r.reg)

	r.PassTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "vragent_pass_total",
		Help: "Total reconciliation passes",
	})

	r.PassErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "vragent_pass_errors_total",
		Help: "Errors reported by reconciliation passes",
	}, []string{"kind"})

	r.PassDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "vragent_pass_duration_seconds",
		Help:    "Reconciliation pass latency",
		Buckets: prometheus.DefBuckets,
	})

	r.LastPass = f.NewGauge(prometheus.GaugeOpts{
		Name: "vragent_last_pass_timestamp_seconds",
		Help: "Unix timestamp of the last finished pass",
	})

	r.FirewallCommands = f.NewCounterVec(prometheus.CounterOpts{
		Name: "vragent_firewall_commands_total",
		Help: "Mutating iptables commands issued",
	}, []string{"op"})

	r.RedundancyState = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vragent_redundancy_state",
		Help: "1 for the current redundancy state, 0 otherwise",
	}, []string{"state"})

	r.Transitions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "vragent_redundancy_transitions_total",
		Help: "Redundancy transitions by target state and outcome",
	}, []string{"state", "status"})

	r.ConntrackCount = f.NewGauge(prometheus.GaugeOpts{
		Name: "vragent_conntrack_entries",
		Help: "Current number of connection tracking entries",
	})

	r.ConntrackMax = f.NewGauge(prometheus.GaugeOpts{
		Name: "vragent_conntrack_max",
		Help: "Maximum connection tracking entries",
	})

	r.InterfaceUp = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vragent_interface_up",
		Help: "1 when the interface reports operstate up",
	}, []string{"interface"})

	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordPass records a finished pass and its errors by kind.
func (r *Registry) RecordPass(start, end time.Time, errs []error) {
	r.PassTotal.Inc()
	r.PassDuration.Observe(end.Sub(start).Seconds())
	r.LastPass.Set(float64(end.Unix()))
	for _, err := range errs {
		if err == nil {
			continue
		}
		r.PassErrors.WithLabelValues(errors.GetKind(err).String()).Inc()
	}
}

// RecordFirewall records the iptables commands of one reconcile.
func (r *Registry) RecordFirewall(chains, inserted, deleted int) {
	r.FirewallCommands.WithLabelValues("new_chain").Add(float64(chains))
	r.FirewallCommands.WithLabelValues("insert").Add(float64(inserted))
	r.FirewallCommands.WithLabelValues("delete").Add(float64(deleted))
}

// SetRedundancyState marks current as the only active state among all.
func (r *Registry) SetRedundancyState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		r.RedundancyState.WithLabelValues(s).Set(v)
	}
}

// RecordTransition records a redundancy transition attempt.
func (r *Registry) RecordTransition(target string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.Transitions.WithLabelValues(target, status).Inc()
}

// UpdateConntrack updates connection tracking metrics.
func (r *Registry) UpdateConntrack(count, max int) {
	r.ConntrackCount.Set(float64(count))
	r.ConntrackMax.Set(float64(max))
}

// WriteTextfile writes every metric in the node_exporter textfile format.
// The file is replaced atomically.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "write metrics to %s", path)
	}
	return nil
}
