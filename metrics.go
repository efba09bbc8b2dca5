package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Telemetry collects node metrics on its own registry. All methods are safe on a nil receiver.
type Telemetry struct {
	registry *prometheus.Registry

	votesSubmitted *prometheus.CounterVec
	ledgerWrites   *prometheus.HistogramVec
	ledgerRetries  prometheus.Counter
	decisions      *prometheus.CounterVec
	chainHeight    prometheus.Gauge
	currentPeriod  prometheus.Gauge
	activeVoters   prometheus.Gauge
	participation  prometheus.Gauge
	archived       prometheus.Counter
	rewardsIssued  prometheus.Counter
}

// NewTelemetry creates and registers the node metrics.
func NewTelemetry() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		votesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hybridvote",
			Name:      "votes_submitted_total",
			Help:      "Vote submissions by outcome.",
		}, []string{"outcome"}),
		ledgerWrites: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hybridvote",
			Name:      "ledger_write_seconds",
			Help:      "Ledger write latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		ledgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridvote",
			Name:      "ledger_write_retries_total",
			Help:      "Ledger write attempts that were retried.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hybridvote",
			Name:      "decisions_total",
			Help:      "Consensus decisions by status.",
		}, []string{"status"}),
		chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hybridvote",
			Name:      "chain_height",
			Help:      "Last observed chain height.",
		}),
		currentPeriod: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hybridvote",
			Name:      "current_period",
			Help:      "Current voting period id.",
		}),
		activeVoters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hybridvote",
			Name:      "active_voters",
			Help:      "Distinct voters in the last computed period metrics.",
		}),
		participation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hybridvote",
			Name:      "participation_bps",
			Help:      "Participation in basis points of the last computed period metrics.",
		}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridvote",
			Name:      "periods_archived_total",
			Help:      "Voting periods archived by retention.",
		}),
		rewardsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridvote",
			Name:      "rewards_issued_total",
			Help:      "Reward distributions computed.",
		}),
	}
	t.registry.MustRegister(
		t.votesSubmitted, t.ledgerWrites, t.ledgerRetries, t.decisions,
		t.chainHeight, t.currentPeriod, t.activeVoters, t.participation,
		t.archived, t.rewardsIssued,
	)
	return t
}

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	if t == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func outcomeLabel(kind ErrorKind) string {
	if kind == "" {
		return "accepted"
	}
	return string(kind)
}

// RecordSubmission counts a vote submission. An empty kind means accepted.
func (t *Telemetry) RecordSubmission(kind ErrorKind) {
	if t == nil {
		return
	}
	t.votesSubmitted.WithLabelValues(outcomeLabel(kind)).Inc()
}

// ObserveLedgerWrite records the latency of one ledger write.
func (t *Telemetry) ObserveLedgerWrite(kind ErrorKind, d time.Duration) {
	if t == nil {
		return
	}
	t.ledgerWrites.WithLabelValues(outcomeLabel(kind)).Observe(d.Seconds())
}

// IncLedgerRetry counts a retried ledger write attempt.
func (t *Telemetry) IncLedgerRetry() {
	if t == nil {
		return
	}
	t.ledgerRetries.Inc()
}

// RecordDecision counts a consensus decision.
func (t *Telemetry) RecordDecision(status DecisionStatus) {
	if t == nil {
		return
	}
	t.decisions.WithLabelValues(string(status)).Inc()
}

// UpdateChain records the chain head and the period it falls in.
func (t *Telemetry) UpdateChain(height, periodID uint64) {
	if t == nil {
		return
	}
	t.chainHeight.Set(float64(height))
	t.currentPeriod.Set(float64(periodID))
}

// UpdateParticipation records the last computed period metrics.
func (t *Telemetry) UpdateParticipation(m VotingMetrics) {
	if t == nil {
		return
	}
	t.activeVoters.Set(float64(m.ActiveVoters))
	t.participation.Set(float64(m.ParticipationBps))
}

// AddArchived counts archived periods.
func (t *Telemetry) AddArchived(n int) {
	if t == nil || n <= 0 {
		return
	}
	t.archived.Add(float64(n))
}

// IncRewards counts a reward distribution.
func (t *Telemetry) IncRewards() {
	if t == nil {
		return
	}
	t.rewardsIssued.Inc()
}

// Snapshot flattens the registry into name{labels} -> value for the CLI.
func (t *Telemetry) Snapshot() (map[string]float64, error) {
	out := make(map[string]float64)
	if t == nil {
		return out, nil
	}
	families, err := t.registry.Gather()
	if err != nil {
		return nil, err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			out[metricName(mf.GetName(), m)] = metricValue(mf.GetType(), m)
		}
	}
	return out, nil
}

func metricName(name string, m *dto.Metric) string {
	for _, lp := range m.GetLabel() {
		name += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
	}
	return name
}

func metricValue(typ dto.MetricType, m *dto.Metric) float64 {
	switch typ {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}
