// Package metrics exposes supervisor bookkeeping as Prometheus metrics.
package metrics

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/forkd/internal/group"
)

const namespace = "forkd"

// Admission results used as the result label.
const (
	ResultAdmitted    = "admitted"
	ResultDenied      = "denied"
	ResultSpawnFailed = "spawn_failed"
)

// Metrics holds the collectors of one supervisor. All methods are safe on a
// nil receiver so callers need not check whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	groupChildren *prometheus.GaugeVec
	groupHard     *prometheus.GaugeVec
	softLoad      prometheus.Gauge
	admissions    *prometheus.CounterVec
	exits         *prometheus.CounterVec
	runtime       *prometheus.HistogramVec
	buildInfo     *prometheus.GaugeVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		groupChildren: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_children",
			Help:      "Live children per group.",
		}, []string{"group"}),
		groupHard: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_hard_max",
			Help:      "Configured hard maximum per group (0=unbounded).",
		}, []string{"group"}),
		softLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "soft_load",
			Help:      "Shared load consumed by soft-limited groups (0..1).",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Spawn requests by group and outcome.",
		}, []string{"group", "result"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_exits_total",
			Help:      "Reaped children by group and termination kind.",
		}, []string{"group", "kind"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "child_runtime_seconds",
			Help:      "Wall time between spawn and observed termination.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"group"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build metadata for the running forkd binary.",
		}, []string{"go_version", "vcs_revision"}),
	}
	m.registry.MustRegister(m.groupChildren, m.groupHard, m.softLoad, m.admissions, m.exits, m.runtime, m.buildInfo)
	m.emitBuildInfo()
	return m
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Admission counts one spawn request outcome for group.
func (m *Metrics) Admission(groupName, result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(groupName, result).Inc()
}

// Exit counts one reaped child.
func (m *Metrics) Exit(groupName, kind string, ran time.Duration) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(groupName, kind).Inc()
	m.runtime.WithLabelValues(groupName).Observe(ran.Seconds())
}

// Observe mirrors the registry snapshot into the gauges.
func (m *Metrics) Observe(groups []group.Status, softLoad float64) {
	if m == nil {
		return
	}
	for _, g := range groups {
		m.groupChildren.WithLabelValues(g.Name).Set(float64(g.Live))
		m.groupHard.WithLabelValues(g.Name).Set(float64(g.Capacity.Hard))
	}
	m.softLoad.Set(softLoad)
}

func (m *Metrics) emitBuildInfo() {
	goVersion := runtime.Version()
	revision := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.GoVersion != "" {
			goVersion = info.GoVersion
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				revision = setting.Value
			}
		}
	}
	m.buildInfo.WithLabelValues(goVersion, revision).Set(1)
}
