// Package metrics wires the core's observable events into Prometheus
// collectors. The engine, store and session layer never import
// prometheus directly: they report through the small Collectors type's
// methods, and Nop() keeps them constructible (and testable) without a
// registry.
//
// Grounded on the teacher pack's internal/election/metrics.go
// (purelb.io): package-level collectors registered in init(), Record*
// helper functions, Namespace/Subsystem/Name triples.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "geomesh"

// Collectors is the set of Prometheus metrics a node exposes. Construct
// one with NewCollectors and register it with a *prometheus.Registry;
// Nop() returns an instance that discards everything for tests.
type Collectors struct {
	storeNodes              *prometheus.GaugeVec
	admissionsTotal         *prometheus.CounterVec
	neighborDisplacements   prometheus.Counter
	sessionsActive          prometheus.Gauge
	requestsInflight        prometheus.Gauge
	requestsTotal           *prometheus.CounterVec
	maintenanceRunsTotal    *prometheus.CounterVec
}

// NewCollectors builds a fresh set of collectors and registers them
// with reg. Passing a nil registry is valid: the collectors are built
// but never exposed, which is how tests typically use this.
func NewCollectors(reg *prometheus.Registry) *Collectors {
	c := &Collectors{
		storeNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_nodes",
			Help:      "Current number of spatial-store entries by relation type",
		}, []string{"relation"}),
		admissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total SafeStoreNode attempts by relation and result",
		}, []string{"relation", "result"}),
		neighborDisplacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "neighbor_displacements_total",
			Help:      "Total times a farther neighbor was evicted for a closer candidate",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Current number of live sessions",
		}),
		requestsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_inflight",
			Help:      "Current number of outstanding sendRequest calls across all sessions",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total dispatched requests by facet, method and status",
		}, []string{"facet", "method", "status"}),
		maintenanceRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Total background maintenance task runs by task name",
		}, []string{"task"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.storeNodes,
			c.admissionsTotal,
			c.neighborDisplacements,
			c.sessionsActive,
			c.requestsInflight,
			c.requestsTotal,
			c.maintenanceRunsTotal,
		)
	}
	return c
}

// Nop returns collectors that are never registered, safe to use
// wherever a *Collectors is required but no registry is available.
func Nop() *Collectors {
	return NewCollectors(nil)
}

// SetStoreNodes records the current entry count for a relation.
func (c *Collectors) SetStoreNodes(relation string, count int) {
	c.storeNodes.WithLabelValues(relation).Set(float64(count))
}

// RecordAdmission records a SafeStoreNode outcome.
func (c *Collectors) RecordAdmission(relation, result string) {
	c.admissionsTotal.WithLabelValues(relation, result).Inc()
}

// RecordNeighborDisplacement records a farthest-neighbor eviction.
func (c *Collectors) RecordNeighborDisplacement() {
	c.neighborDisplacements.Inc()
}

// SessionOpened increments the active-session gauge.
func (c *Collectors) SessionOpened() { c.sessionsActive.Inc() }

// SessionClosed decrements the active-session gauge.
func (c *Collectors) SessionClosed() { c.sessionsActive.Dec() }

// RequestStarted increments the in-flight request gauge.
func (c *Collectors) RequestStarted() { c.requestsInflight.Inc() }

// RequestFinished decrements the in-flight request gauge and records
// the completed request's outcome.
func (c *Collectors) RequestFinished(facet, method, status string) {
	c.requestsInflight.Dec()
	c.requestsTotal.WithLabelValues(facet, method, status).Inc()
}

// RecordMaintenanceRun records one execution of a background task.
func (c *Collectors) RecordMaintenanceRun(task string) {
	c.maintenanceRunsTotal.WithLabelValues(task).Inc()
}
