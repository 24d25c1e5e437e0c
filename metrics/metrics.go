// Package metrics exposes the Prometheus collectors for the trading
// core: a singleton Collector holding one vector per concern, and an
// HTTP handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds every metric the core emits.
type Collector struct {
	OrdersTotal    *prometheus.CounterVec
	OrdersActive   *prometheus.GaugeVec
	OrderLatency   *prometheus.HistogramVec

	MatchingLatency *prometheus.HistogramVec
	TradesTotal     *prometheus.CounterVec
	TradeVolume     *prometheus.CounterVec
	ShareCreations  *prometheus.CounterVec
	OrderbookDepth  *prometheus.GaugeVec

	SettlementBatchesTotal   *prometheus.CounterVec
	SettlementBatchLatency   *prometheus.HistogramVec
	SettlementRetries        *prometheus.CounterVec
	CompensationFailures     prometheus.Gauge

	EventStreamLag      prometheus.Gauge
	EventStreamOffset   prometheus.Gauge
	EventProcessErrors  *prometheus.CounterVec

	ReconciliationDrift     *prometheus.GaugeVec
	ReconciliationRunsTotal *prometheus.CounterVec

	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec

	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
	APIErrorsTotal    *prometheus.CounterVec
}

// GetCollector returns the process-wide singleton collector,
// registering it with the default registry on first use.
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "orders", Name: "total",
			Help: "Total number of orders submitted",
		}, []string{"market_id", "side", "type", "status"}),

		OrdersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pebble", Subsystem: "orders", Name: "active",
			Help: "Number of open or partially filled orders",
		}, []string{"market_id", "side"}),

		OrderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pebble", Subsystem: "orders", Name: "place_latency_seconds",
			Help: "Time to place and match a single order", Buckets: prometheus.DefBuckets,
		}, []string{"market_id"}),

		MatchingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pebble", Subsystem: "matching", Name: "latency_seconds",
			Help: "Time spent inside Engine.Match", Buckets: prometheus.DefBuckets,
		}, []string{"market_id"}),

		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "trades", Name: "total",
			Help: "Total number of trades executed",
		}, []string{"market_id", "trade_type"}),

		TradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "trades", Name: "volume_shares",
			Help: "Cumulative traded share quantity",
		}, []string{"market_id"}),

		ShareCreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "trades", Name: "share_creations_total",
			Help: "Total number of binary cross-matches that minted a YES/NO pair",
		}, []string{"market_id"}),

		OrderbookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pebble", Subsystem: "orderbook", Name: "depth",
			Help: "Resting quantity at the top of book",
		}, []string{"market_id", "side", "action"}),

		SettlementBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "settlement", Name: "batches_total",
			Help: "Settlement batches by terminal outcome",
		}, []string{"outcome"}),

		SettlementBatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pebble", Subsystem: "settlement", Name: "batch_latency_seconds",
			Help: "Time from batch proposal to completion", Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		SettlementRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "settlement", Name: "retries_total",
			Help: "Settlement phase retries by phase",
		}, []string{"phase"}),

		CompensationFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pebble", Subsystem: "settlement", Name: "compensation_failures_open",
			Help: "Open, operator-unresolved compensation failures",
		}),

		EventStreamLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pebble", Subsystem: "eventstream", Name: "lag_offsets",
			Help: "Ledger end offset minus last-processed offset",
		}),

		EventStreamOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pebble", Subsystem: "eventstream", Name: "last_processed_offset",
			Help: "Last offset checkpointed by the event processor",
		}),

		EventProcessErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "eventstream", Name: "errors_total",
			Help: "Event processing errors by kind",
		}, []string{"kind"}),

		ReconciliationDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pebble", Subsystem: "reconciliation", Name: "drift",
			Help: "Absolute drift between projected and on-chain balance",
		}, []string{"user_id"}),

		ReconciliationRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "reconciliation", Name: "runs_total",
			Help: "Reconciliation loop runs by outcome",
		}, []string{"outcome"}),

		WSConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pebble", Subsystem: "ws", Name: "connections_active",
			Help: "Currently connected subscription clients",
		}),

		WSMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "ws", Name: "messages_total",
			Help: "Messages broadcast by topic",
		}, []string{"topic"}),

		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "api", Name: "requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		APIRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pebble", Subsystem: "api", Name: "request_latency_seconds",
			Help: "HTTP request latency by route", Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		APIErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pebble", Subsystem: "api", Name: "errors_total",
			Help: "HTTP requests ending in an error, by machine code",
		}, []string{"route", "code"}),
	}

	prometheus.MustRegister(
		c.OrdersTotal, c.OrdersActive, c.OrderLatency,
		c.MatchingLatency, c.TradesTotal, c.TradeVolume, c.ShareCreations, c.OrderbookDepth,
		c.SettlementBatchesTotal, c.SettlementBatchLatency, c.SettlementRetries, c.CompensationFailures,
		c.EventStreamLag, c.EventStreamOffset, c.EventProcessErrors,
		c.ReconciliationDrift, c.ReconciliationRunsTotal,
		c.WSConnectionsActive, c.WSMessagesTotal,
		c.APIRequestsTotal, c.APIRequestLatency, c.APIErrorsTotal,
	)
	return c
}

// Handler serves the default Prometheus registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
