package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ingestOnce     sync.Once
	ingestRegistry *IngestMetrics

	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics

	payoutOnce     sync.Once
	payoutRegistry *PayoutMetrics
)

// IngestMetrics instruments the transaction detection pipeline.
type IngestMetrics struct {
	observations  *prometheus.CounterVec
	channelErrors *prometheus.CounterVec
}

// Ingest returns the lazily-initialised ingestion metrics registry.
func Ingest() *IngestMetrics {
	ingestOnce.Do(func() {
		ingestRegistry = &IngestMetrics{
			observations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dicehouse",
				Subsystem: "ingest",
				Name:      "observations_total",
				Help:      "Transaction observations segmented by detection channel and dedup result.",
			}, []string{"source", "result"}),
			channelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dicehouse",
				Subsystem: "ingest",
				Name:      "channel_errors_total",
				Help:      "Detection channel failures segmented by channel.",
			}, []string{"channel"}),
		}
		prometheus.MustRegister(ingestRegistry.observations, ingestRegistry.channelErrors)
	})
	return ingestRegistry
}

// RecordObservation counts one observe() call and its dedup verdict.
func (m *IngestMetrics) RecordObservation(source, result string) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(strings.ToLower(source), result).Inc()
}

// RecordChannelError counts a detection channel failure.
func (m *IngestMetrics) RecordChannelError(channel string) {
	if m == nil {
		return
	}
	m.channelErrors.WithLabelValues(strings.ToLower(channel)).Inc()
}

// SettlementMetrics instruments the bet lifecycle.
type SettlementMetrics struct {
	transitions *prometheus.CounterVec
	rolls       *prometheus.CounterVec
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dicehouse",
				Subsystem: "settle",
				Name:      "bet_transitions_total",
				Help:      "Bet status transitions segmented by destination state.",
			}, []string{"status"}),
			rolls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dicehouse",
				Subsystem: "settle",
				Name:      "rolls_total",
				Help:      "Completed rolls segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(settlementRegistry.transitions, settlementRegistry.rolls)
	})
	return settlementRegistry
}

// RecordTransition counts a bet entering a lifecycle state.
func (m *SettlementMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// RecordRoll counts a completed roll by outcome.
func (m *SettlementMetrics) RecordRoll(outcome string) {
	if m == nil {
		return
	}
	m.rolls.WithLabelValues(outcome).Inc()
}

// PayoutMetrics instruments the payout engine.
type PayoutMetrics struct {
	broadcasts prometheus.Counter
	retries    prometheus.Counter
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// Payout returns the lazily-initialised payout metrics registry.
func Payout() *PayoutMetrics {
	payoutOnce.Do(func() {
		broadcasts := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dicehouse",
			Subsystem: "payout",
			Name:      "broadcasts_total",
			Help:      "Successful payout broadcasts.",
		})
		retries := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dicehouse",
			Subsystem: "payout",
			Name:      "retries_total",
			Help:      "Payout attempts rescheduled after a recoverable failure.",
		})
		errors := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dicehouse",
			Subsystem: "payout",
			Name:      "errors_total",
			Help:      "Payout failures segmented by reason.",
		}, []string{"reason"})
		latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dicehouse",
			Subsystem: "payout",
			Name:      "duration_seconds",
			Help:      "Latency distribution of successful payout processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"})
		prometheus.MustRegister(broadcasts, retries, errors, latency)
		payoutRegistry = &PayoutMetrics{
			broadcasts: broadcasts,
			retries:    retries,
			errors:     errors,
			latency:    latency,
		}
	})
	return payoutRegistry
}

// RecordBroadcast counts a successful broadcast.
func (m *PayoutMetrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

// RecordRetry counts a rescheduled payout attempt.
func (m *PayoutMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// RecordError counts a payout failure by reason.
func (m *PayoutMetrics) RecordError(reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(reason).Inc()
}

// ObserveLatency records how long a payout took end to end.
func (m *PayoutMetrics) ObserveLatency(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(outcome).Observe(d.Seconds())
}
