// Package metrics exposes Prometheus instrumentation for tool execution, fixture
// resolution, event streaming and scoring.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "greenbench"

// Fixture lookup outcomes.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

// Collector groups the harness metrics. A nil *Collector is a valid no-op.
type Collector struct {
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	fixtureLookups *prometheus.CounterVec
	ledgerTraces   prometheus.Counter
	scores         *prometheus.GaugeVec
	registerer     prometheus.Registerer
}

// NewCollector builds the metric set and registers it with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of tool calls executed by the runner",
			},
			[]string{"tool", "status"}, // status: success, error
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Histogram of tool call duration in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"tool"},
		),
		fixtureLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fixture_lookups_total",
				Help:      "Total number of fixture lookups by outcome",
			},
			[]string{"tool", "result"}, // result: hit, miss, error
		),
		ledgerTraces: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_traces_total",
				Help:      "Total number of traces appended to run ledgers",
			},
		),
		scores: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "score",
				Help:      "Most recent submission score by component",
			},
			[]string{"component"}, // component: overall, schema_validation, grounding, ndcg
		),
		registerer: reg,
	}
	if reg == nil {
		return c, nil
	}
	for _, collector := range []prometheus.Collector{c.toolCalls, c.toolDuration, c.fixtureLookups, c.ledgerTraces, c.scores} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveToolCall records one runner invocation.
func (c *Collector) ObserveToolCall(tool string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	c.toolCalls.WithLabelValues(tool, status).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveFixtureLookup records a fixture resolution outcome.
func (c *Collector) ObserveFixtureLookup(tool, result string) {
	if c == nil {
		return
	}
	c.fixtureLookups.WithLabelValues(tool, result).Inc()
}

// ObserveTrace counts a ledger append.
func (c *Collector) ObserveTrace() {
	if c == nil {
		return
	}
	c.ledgerTraces.Inc()
}

// ObserveScore sets the latest score for component.
func (c *Collector) ObserveScore(component string, value float64) {
	if c == nil {
		return
	}
	c.scores.WithLabelValues(component).Set(value)
}

// RegisterQueue exposes event queue depth and drop counts through callbacks.
func (c *Collector) RegisterQueue(depth func() float64, dropped func() float64) error {
	if c == nil || c.registerer == nil {
		return nil
	}
	if err := c.registerer.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Current number of buffered stream events",
		},
		depth,
	)); err != nil {
		return err
	}
	return c.registerer.Register(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_queue_dropped_total",
			Help:      "Total number of stream events dropped because the queue was full",
		},
		dropped,
	))
}

// Handler serves the gatherer in OpenMetrics format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
