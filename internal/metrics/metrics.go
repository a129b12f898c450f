// Package metrics exposes the engine's execution counters through a
// per-scheduler prometheus registry. The counters feed both the optional
// scrape endpoint of an embedding application and the Session-facing
// Snapshot map.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the engine counters. One instance is owned by each
// scheduler; the registry is private so two schedulers in one process never
// collide on metric registration.
type Metrics struct {
	registry *prometheus.Registry

	Evaluations  prometheus.Counter
	CacheHits    prometheus.Counter
	Invalidated  prometheus.Counter
	WorkunitsRun prometheus.Counter
}

// New creates the engine counters on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weave_node_evaluations_total",
			Help: "Rule body evaluations started.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weave_node_cache_hits_total",
			Help: "Node requests served from memoized values.",
		}),
		Invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weave_nodes_invalidated_total",
			Help: "Nodes returned to pending by filesystem invalidation.",
		}),
		WorkunitsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weave_workunits_total",
			Help: "Workunits completed across all sessions.",
		}),
	}
	m.registry.MustRegister(m.Evaluations, m.CacheHits, m.Invalidated, m.WorkunitsRun)
	return m
}

// Registry returns the prometheus registry for embedding applications that
// want to expose a scrape endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Snapshot returns the current counter values as a plain map, mirroring the
// metrics dict the session API exposes.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"node_evaluations":  counterValue(m.Evaluations),
		"node_cache_hits":   counterValue(m.CacheHits),
		"nodes_invalidated": counterValue(m.Invalidated),
		"workunits":         counterValue(m.WorkunitsRun),
	}
}

func counterValue(c prometheus.Counter) int64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return int64(out.GetCounter().GetValue())
}
