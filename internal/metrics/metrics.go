// Package metrics records engine counters both as prometheus collectors and
// as an in-process snapshot for the CLI. A nil *Recorder records nothing.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/pkg/models"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

type opMetric struct {
	Count   int
	Errors  int
	TotalNs int64
	MaxNs   int64
	LastNs  int64
}

type Recorder struct {
	directoryBuilds     prometheus.Counter
	resolutionFailures  prometheus.Counter
	messagesSent        *prometheus.CounterVec
	staleDropped        *prometheus.CounterVec
	relationshipActions *prometheus.CounterVec
	gatewayCalls        *prometheus.CounterVec
	gatewayLatency      *prometheus.HistogramVec

	mu            sync.RWMutex
	builds        int
	failures      int
	stale         int
	pending       int
	actions       int
	errorCounters map[string]int
	opMetrics     map[string]*opMetric
	lastUpdatedAt time.Time
}

// New registers the engine collectors on reg. A nil reg uses a private
// registry. Collectors already registered by an earlier Recorder are reused.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		errorCounters: map[string]int{
			contracts.ErrorCategoryAPI:     0,
			contracts.ErrorCategoryLedger:  0,
			contracts.ErrorCategoryNetwork: 0,
			contracts.ErrorCategoryStorage: 0,
		},
		opMetrics: map[string]*opMetric{},
	}
	r.directoryBuilds = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "echo_directory_builds_total",
		Help: "Total contact directory builds",
	}))
	r.resolutionFailures = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "echo_directory_resolution_failures_total",
		Help: "Per-identity display name resolutions that fell back to the abbreviated address",
	}))
	r.messagesSent = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_messages_sent_total",
		Help: "Messages submitted to the ledger",
	}, []string{"channel", "outcome"}))
	r.staleDropped = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_stale_results_dropped_total",
		Help: "Refresh results discarded because a newer request was issued",
	}, []string{"resource"}))
	r.relationshipActions = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_relationship_actions_total",
		Help: "Relationship actions by outcome",
	}, []string{"action", "outcome"}))
	r.gatewayCalls = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_gateway_calls_total",
		Help: "Ledger gateway calls by method and outcome",
	}, []string{"method", "outcome"}))
	r.gatewayLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "echo_gateway_call_seconds",
		Help:    "Ledger gateway call latency",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
	}, []string{"method"}))
	return r
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

func (r *Recorder) RecordGatewayCall(method string, started time.Time, err error) {
	if r == nil {
		return
	}
	latency := time.Since(started)
	r.gatewayCalls.WithLabelValues(method, Outcome(err)).Inc()
	r.gatewayLatency.WithLabelValues(method).Observe(latency.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	metric, ok := r.opMetrics[method]
	if !ok {
		metric = &opMetric{}
		r.opMetrics[method] = metric
	}
	ns := latency.Nanoseconds()
	metric.Count++
	metric.TotalNs += ns
	metric.LastNs = ns
	if ns > metric.MaxNs {
		metric.MaxNs = ns
	}
	if err != nil {
		metric.Errors++
		r.errorCounters[contracts.ErrorCategory(err)]++
	}
	r.lastUpdatedAt = time.Now().UTC()
}

func (r *Recorder) RecordDirectoryBuild(resolutionFailures int) {
	if r == nil {
		return
	}
	r.directoryBuilds.Inc()
	if resolutionFailures > 0 {
		r.resolutionFailures.Add(float64(resolutionFailures))
	}
	r.mu.Lock()
	r.builds++
	r.failures += resolutionFailures
	r.lastUpdatedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *Recorder) RecordMessageSent(channel models.ChannelKind, err error) {
	if r == nil {
		return
	}
	r.messagesSent.WithLabelValues(string(channel), Outcome(err)).Inc()
}

func (r *Recorder) RecordStaleDropped(resource string) {
	if r == nil {
		return
	}
	r.staleDropped.WithLabelValues(resource).Inc()
	r.mu.Lock()
	r.stale++
	r.lastUpdatedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *Recorder) RecordRelationshipAction(action string, err error) {
	if r == nil {
		return
	}
	r.relationshipActions.WithLabelValues(action, Outcome(err)).Inc()
	r.mu.Lock()
	r.actions++
	r.lastUpdatedAt = time.Now().UTC()
	r.mu.Unlock()
}

// AddPending tracks the number of optimistic messages awaiting confirmation.
func (r *Recorder) AddPending(delta int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.pending += delta
	r.mu.Unlock()
}

func (r *Recorder) Snapshot() models.MetricsSnapshot {
	if r == nil {
		return models.MetricsSnapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]int, len(r.errorCounters))
	for k, v := range r.errorCounters {
		counters[k] = v
	}
	opStats := make(map[string]models.OperationMetric, len(r.opMetrics))
	for name, metric := range r.opMetrics {
		avg := int64(0)
		if metric.Count > 0 {
			avg = metric.TotalNs / int64(metric.Count) / int64(time.Millisecond)
		}
		opStats[name] = models.OperationMetric{
			Count:         metric.Count,
			Errors:        metric.Errors,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  metric.MaxNs / int64(time.Millisecond),
			LastLatencyMs: metric.LastNs / int64(time.Millisecond),
		}
	}
	return models.MetricsSnapshot{
		DirectoryBuilds:        r.builds,
		ResolutionFailures:     r.failures,
		StaleResultsDropped:    r.stale,
		PendingMessages:        r.pending,
		ErrorCounters:          counters,
		OperationStats:         opStats,
		LastUpdatedAt:          r.lastUpdatedAt,
		RelationshipActionsRun: r.actions,
	}
}
