package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// SettlementMetrics wraps collectors tracking relay and draw health.
type SettlementMetrics struct {
	relayRequests      *prometheus.CounterVec
	relayLatency       *prometheus.HistogramVec
	drawExecutions     *prometheus.CounterVec
	collectionFailures prometheus.Counter
	prizePool          prometheus.Gauge
	gasBalance         *prometheus.GaugeVec
	schedulerTicks     *prometheus.CounterVec
}

// Settlement exposes the metrics registry for settlementd.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "x4llet",
				Subsystem: "settlement",
				Name:      "relay_requests_total",
				Help:      "Relay submissions segmented by chain and outcome.",
			}, []string{"chain", "outcome"}),
			relayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "x4llet",
				Subsystem: "settlement",
				Name:      "relay_latency_seconds",
				Help:      "Latency from relay request to ledger confirmation.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			}, []string{"chain"}),
			drawExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "x4llet",
				Subsystem: "settlement",
				Name:      "draw_executions_total",
				Help:      "Draw executions segmented by outcome.",
			}, []string{"outcome"}),
			collectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "x4llet",
				Subsystem: "settlement",
				Name:      "collection_failures_total",
				Help:      "Participant contributions that could not be collected.",
			}),
			prizePool: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "x4llet",
				Subsystem: "settlement",
				Name:      "prize_pool_last",
				Help:      "Prize paid by the most recently completed draw, in token base units.",
			}),
			gasBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "x4llet",
				Subsystem: "settlement",
				Name:      "facilitator_gas_balance",
				Help:      "Native balance of the facilitator account in wei.",
			}, []string{"chain"}),
			schedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "x4llet",
				Subsystem: "settlement",
				Name:      "scheduler_ticks_total",
				Help:      "Scheduler ticks segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			settlementRegistry.relayRequests,
			settlementRegistry.relayLatency,
			settlementRegistry.drawExecutions,
			settlementRegistry.collectionFailures,
			settlementRegistry.prizePool,
			settlementRegistry.gasBalance,
			settlementRegistry.schedulerTicks,
		)
	})
	return settlementRegistry
}

// RecordRelay counts a relay outcome and, for submitted transfers, observes latency.
func (m *SettlementMetrics) RecordRelay(chainID uint64, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	chain := strconv.FormatUint(chainID, 10)
	m.relayRequests.WithLabelValues(chain, label(outcome)).Inc()
	if d > 0 {
		m.relayLatency.WithLabelValues(chain).Observe(d.Seconds())
	}
}

// RecordDraw counts a draw execution outcome.
func (m *SettlementMetrics) RecordDraw(outcome string) {
	if m == nil {
		return
	}
	m.drawExecutions.WithLabelValues(label(outcome)).Inc()
}

// RecordCollectionFailure increments the collection failure counter.
func (m *SettlementMetrics) RecordCollectionFailure() {
	if m == nil {
		return
	}
	m.collectionFailures.Inc()
}

// RecordPrize stores the prize of the latest completed draw.
func (m *SettlementMetrics) RecordPrize(amount *big.Int) {
	if m == nil {
		return
	}
	m.prizePool.Set(bigToFloat(amount))
}

// RecordGasBalance stores the facilitator's native balance for a chain.
func (m *SettlementMetrics) RecordGasBalance(chainID uint64, balance *big.Int) {
	if m == nil {
		return
	}
	m.gasBalance.WithLabelValues(strconv.FormatUint(chainID, 10)).Set(bigToFloat(balance))
}

// RecordTick counts a scheduler tick result.
func (m *SettlementMetrics) RecordTick(result string) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(label(result)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
