package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds the resolver's Prometheus instruments on a private
// registry. All methods are nil-safe so wiring metrics stays optional in
// tests.
type Pipeline struct {
	registry *prometheus.Registry

	stageResults  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	rerankerFalls prometheus.Counter
	indexRebuilds prometheus.Counter
	verifications *prometheus.CounterVec
	turnLatency   *prometheus.HistogramVec
	learnEvents   *prometheus.CounterVec
}

func NewPipeline() *Pipeline {
	registry := prometheus.NewRegistry()
	p := &Pipeline{
		registry: registry,
		stageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_stage_results_total",
			Help: "Stage outcomes by stage name and status.",
		}, []string{"stage", "status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_cache_lookups_total",
			Help: "Semantic cache lookups by outcome.",
		}, []string{"outcome"}),
		rerankerFalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_reranker_fallbacks_total",
			Help: "Cache hits accepted on raw score while the reranker was down.",
		}),
		indexRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_index_rebuilds_total",
			Help: "Hybrid index rebuilds triggered by shape mismatches.",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_verifications_total",
			Help: "Execution verification outcomes.",
		}, []string{"outcome"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "resolver_turn_duration_seconds",
			Help:    "End-to-end turn latency by terminal stage.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		learnEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_learn_events_total",
			Help: "Cache learn events by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		p.stageResults, p.cacheLookups, p.rerankerFalls, p.indexRebuilds,
		p.verifications, p.turnLatency, p.learnEvents,
	)
	return p
}

// Registry exposes the private registry for the /metrics handler.
func (p *Pipeline) Registry() *prometheus.Registry {
	if p == nil {
		return prometheus.NewRegistry()
	}
	return p.registry
}

func (p *Pipeline) StageResult(stage, status string) {
	if p == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, status).Inc()
}

func (p *Pipeline) CacheLookup(outcome string) {
	if p == nil {
		return
	}
	p.cacheLookups.WithLabelValues(outcome).Inc()
}

func (p *Pipeline) RerankerFallback() {
	if p == nil {
		return
	}
	p.rerankerFalls.Inc()
}

func (p *Pipeline) IndexRebuild() {
	if p == nil {
		return
	}
	p.indexRebuilds.Inc()
}

func (p *Pipeline) Verification(outcome string) {
	if p == nil {
		return
	}
	p.verifications.WithLabelValues(outcome).Inc()
}

func (p *Pipeline) TurnDuration(stage string, seconds float64) {
	if p == nil {
		return
	}
	p.turnLatency.WithLabelValues(stage).Observe(seconds)
}

func (p *Pipeline) LearnEvent(outcome string) {
	if p == nil {
		return
	}
	p.learnEvents.WithLabelValues(outcome).Inc()
}
