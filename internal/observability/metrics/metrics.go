package metrics

import (
	"database/sql"
	"sync"
	"time"

	"fieldops-cloud/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "billing_"

	ResultSuccess    = "success"
	ResultNoop       = "noop"
	ResultValidation = "validation"
	ResultNotFound   = "not_found"
	ResultConflict   = "conflict"
	ResultError      = "error"

	AmountCompany    = "company"
	AmountTechnician = "technician"
)

var (
	registerOnce sync.Once

	splitTotal    *prometheus.CounterVec
	splitLatency  *prometheus.HistogramVec
	revertTotal   *prometheus.CounterVec
	revertLatency *prometheus.HistogramVec

	movedItemsTotal  prometheus.Counter
	movedAmountTotal *prometheus.CounterVec
)

// Init registers billing metrics on the default registerer.
func Init(db *sql.DB, logger *logging.Logger) {
	InitWith(prometheus.DefaultRegisterer, db, logger)
}

// InitWith registers billing metrics on reg. Only the first call has effect.
func InitWith(reg prometheus.Registerer, db *sql.DB, logger *logging.Logger) {
	registerOnce.Do(func() {
		splitTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "split_total",
				Help: "Total session split operations by result",
			},
			[]string{"result"},
		)
		splitLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "split_latency_seconds",
				Help:    "Session split latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		revertTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "revert_total",
				Help: "Total split revert operations by result",
			},
			[]string{"result"},
		)
		revertLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "revert_latency_seconds",
				Help:    "Split revert latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		movedItemsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "moved_line_items_total",
				Help: "Total line items carved into split children",
			},
		)
		movedAmountTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "moved_amount_total",
				Help: "Total money moved into split children by subtotal kind",
			},
			[]string{"kind"},
		)

		reg.MustRegister(
			splitTotal,
			splitLatency,
			revertTotal,
			revertLatency,
			movedItemsTotal,
			movedAmountTotal,
		)
		if db != nil {
			registerDBMetrics(reg, db, logger)
		}
	})
}

// ObserveSplit records split latency and result.
func ObserveSplit(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if splitTotal != nil {
		splitTotal.WithLabelValues(result).Inc()
	}
	if splitLatency != nil {
		splitLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveRevert records revert latency and result.
func ObserveRevert(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if revertTotal != nil {
		revertTotal.WithLabelValues(result).Inc()
	}
	if revertLatency != nil {
		revertLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddMoved records a committed split's moved line items and amounts.
func AddMoved(items int, company, technician float64) {
	if items > 0 && movedItemsTotal != nil {
		movedItemsTotal.Add(float64(items))
	}
	if movedAmountTotal == nil {
		return
	}
	if company > 0 {
		movedAmountTotal.WithLabelValues(AmountCompany).Add(company)
	}
	if technician > 0 {
		movedAmountTotal.WithLabelValues(AmountTechnician).Add(technician)
	}
}
