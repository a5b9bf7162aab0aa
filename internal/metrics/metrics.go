// Package metrics exposes pawn service outcomes as Prometheus metrics under
// the bullpawn_ namespace. Reporter implements domain.Reporter.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/loan"
)

var durationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}

// Reporter records service observations on its own registry.
type Reporter struct {
	registry *prometheus.Registry

	creations     *prometheus.CounterVec
	redemptions   *prometheus.CounterVec
	liquidations  *prometheus.CounterVec
	checks        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	durations     *prometheus.HistogramVec
	activePawns   prometheus.Gauge
	priceRequests *prometheus.CounterVec
	lastPrice     *prometheus.GaugeVec
	transactions  *prometheus.CounterVec
}

// New builds a Reporter with Go runtime and process collectors registered
// alongside the service metrics.
func New() *Reporter {
	r := &Reporter{
		registry: prometheus.NewRegistry(),
		creations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bullpawn_pawn_creations_total",
			Help: "Total number of pawn positions created.",
		}, []string{"status"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bullpawn_pawn_redemptions_total",
			Help: "Total number of pawn positions redeemed.",
		}, []string{"status"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bullpawn_pawn_liquidations_total",
			Help: "Total number of pawn positions liquidated.",
		}, []string{"status"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bullpawn_liquidation_checks_total",
			Help: "Liquidation eligibility checks by status.",
		}, []string{"status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bullpawn_operation_errors_total",
			Help: "Failed operations by operation and error kind.",
		}, []string{"operation", "kind"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bullpawn_operation_duration_seconds",
			Help:    "Duration of pawn operations.",
			Buckets: durationBuckets,
		}, []string{"operation"}),
		activePawns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bullpawn_active_pawns",
			Help: "Current number of active pawn positions.",
		}),
		priceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bullpawn_eth_price_requests_total",
			Help: "Total number of ETH price requests by status and confidence.",
		}, []string{"status", "confidence"}),
		lastPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bullpawn_price_usd",
			Help: "Last validated price per asset.",
		}, []string{"asset"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bullpawn_blockchain_transactions_total",
			Help: "Total number of blockchain transactions.",
		}, []string{"type", "status"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.creations, r.redemptions, r.liquidations, r.checks, r.failures,
		r.durations, r.activePawns, r.priceRequests, r.lastPrice, r.transactions,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Reporter) Registry() *prometheus.Registry { return r.registry }

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// OperationFinished counts op and records its duration.
func (r *Reporter) OperationFinished(op domain.Operation, err error, elapsed time.Duration) {
	switch op {
	case domain.OpCreate:
		r.creations.WithLabelValues(status(err)).Inc()
	case domain.OpRedeem:
		r.redemptions.WithLabelValues(status(err)).Inc()
	case domain.OpLiquidate:
		r.liquidations.WithLabelValues(status(err)).Inc()
	case domain.OpCheck:
		r.checks.WithLabelValues(status(err)).Inc()
	}
	if err != nil {
		r.failures.WithLabelValues(string(op), domain.ErrorKind(err)).Inc()
	}
	r.durations.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

// TransactionFinished counts a confirmed, reverted or failed transaction.
func (r *Reporter) TransactionFinished(op domain.Operation, err error) {
	r.transactions.WithLabelValues(string(op), status(err)).Inc()
}

// PriceServed counts a price request and tracks the last good price.
func (r *Reporter) PriceServed(p domain.ValidatedPrice, err error) {
	if err != nil {
		r.priceRequests.WithLabelValues("failure", "none").Inc()
		return
	}
	r.priceRequests.WithLabelValues("success", string(p.Confidence)).Inc()
	if p.Price != nil {
		f, _ := loan.ToFloat(p.Price, domain.PriceDecimals)
		r.lastPrice.WithLabelValues(p.Asset).Set(f)
	}
}

// ActivePositions sets the active position gauge.
func (r *Reporter) ActivePositions(n int64) {
	r.activePawns.Set(float64(n))
}

var _ domain.Reporter = (*Reporter)(nil)
