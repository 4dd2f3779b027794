package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics counts hook pipeline events. All methods are safe on a nil
// receiver so callers can run without metrics.
type PipelineMetrics struct {
	hooks             *prometheus.CounterVec
	hookDuration      *prometheus.HistogramVec
	definitions       prometheus.Counter
	cards             prometheus.Counter
	systemActions     prometheus.Counter
	engineFailures    prometheus.Counter
	iterationFailures *prometheus.CounterVec
	resolutions       *prometheus.CounterVec
	prefetches        *prometheus.CounterVec
}

// NewPipelineMetrics creates the pipeline metrics and registers them on reg.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		hooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crd_hook_requests_total",
			Help: "Hook invocations by service and outcome",
		}, []string{"service", "outcome"}),
		hookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crd_hook_duration_seconds",
			Help:    "Hook pipeline duration",
			Buckets: defaultDurationBuckets,
		}, []string{"service"}),
		definitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crd_definitions_matched_total",
			Help: "PlanDefinitions selected by the rule matcher",
		}),
		cards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crd_cards_total",
			Help: "Cards returned",
		}),
		systemActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crd_system_actions_total",
			Help: "Update system actions returned",
		}),
		engineFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crd_engine_failures_total",
			Help: "Rule engine invocation failures",
		}),
		iterationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crd_iteration_failures_total",
			Help: "Isolated per-order failures by stage",
		}, []string{"stage"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crd_reference_resolutions_total",
			Help: "Reference resolutions by strategy (none when unresolved)",
		}, []string{"strategy"}),
		prefetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crd_prefetch_requests_total",
			Help: "Server-side prefetch requests by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.hooks, m.hookDuration, m.definitions, m.cards, m.systemActions,
		m.engineFailures, m.iterationFailures, m.resolutions, m.prefetches)
	return m
}

func (m *PipelineMetrics) ObserveHook(service, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.hooks.WithLabelValues(service, outcome).Inc()
	m.hookDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (m *PipelineMetrics) AddDefinitions(n int) {
	if m == nil {
		return
	}
	m.definitions.Add(float64(n))
}

func (m *PipelineMetrics) AddCards(cards, actions int) {
	if m == nil {
		return
	}
	m.cards.Add(float64(cards))
	m.systemActions.Add(float64(actions))
}

func (m *PipelineMetrics) EngineFailure() {
	if m == nil {
		return
	}
	m.engineFailures.Inc()
}

func (m *PipelineMetrics) IterationFailure(stage string) {
	if m == nil {
		return
	}
	m.iterationFailures.WithLabelValues(stage).Inc()
}

func (m *PipelineMetrics) Resolved(strategy string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(strategy).Inc()
}

func (m *PipelineMetrics) Prefetch(outcome string) {
	if m == nil {
		return
	}
	m.prefetches.WithLabelValues(outcome).Inc()
}
