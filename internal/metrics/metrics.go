package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	cycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dbwarden",
			Subsystem: "supervisor",
			Name:      "cycles_total",
			Help:      "Number of completed reconciliation cycles.",
		},
	)
	cycleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dbwarden",
			Subsystem: "supervisor",
			Name:      "cycle_errors_total",
			Help:      "Number of reconciliation cycles that logged an error.",
		},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dbwarden",
			Subsystem: "supervisor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one reconciliation cycle.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	orphansKilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbwarden",
			Subsystem: "supervisor",
			Name:      "orphans_killed_total",
			Help:      "Orphaned database processes terminated, per instance type.",
		}, []string{"type"},
	)
	conflictKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbwarden",
			Subsystem: "supervisor",
			Name:      "conflict_kills_total",
			Help:      "Conflicting port holders terminated, per instance type.",
		}, []string{"type"},
	)
	portConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dbwarden",
			Subsystem: "supervisor",
			Name:      "port_conflicts_total",
			Help:      "Ports observed held by more than one process.",
		},
	)
	recordsRepaired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dbwarden",
			Subsystem: "supervisor",
			Name:      "records_repaired_total",
			Help:      "Declared instance records whose status/pid drift was repaired.",
		},
	)
	portProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbwarden",
			Subsystem: "port",
			Name:      "probes_total",
			Help:      "Port probes performed, partitioned by outcome.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{cycles, cycleErrors, cycleDuration, orphansKilled, conflictKills, portConflicts, recordsRepaired, portProbes}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers against the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler serves Prometheus metrics for the DefaultGatherer. The caller wires
// it into an HTTP server.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register.

func IncCycle() {
	if regOK.Load() {
		cycles.Inc()
	}
}

func IncCycleError() {
	if regOK.Load() {
		cycleErrors.Inc()
	}
}

func ObserveCycleDuration(seconds float64) {
	if regOK.Load() {
		cycleDuration.Observe(seconds)
	}
}

func IncOrphanKilled(instanceType string) {
	if regOK.Load() {
		orphansKilled.WithLabelValues(instanceType).Inc()
	}
}

func IncConflictKill(instanceType string) {
	if regOK.Load() {
		conflictKills.WithLabelValues(instanceType).Inc()
	}
}

func IncPortConflict() {
	if regOK.Load() {
		portConflicts.Inc()
	}
}

func IncRecordRepaired() {
	if regOK.Load() {
		recordsRepaired.Inc()
	}
}

func IncPortProbe(result string) {
	if regOK.Load() {
		portProbes.WithLabelValues(result).Inc()
	}
}
