package metrics

import (
	"database/sql"

	"fieldops-cloud/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(reg prometheus.Registerer, db *sql.DB, logger *logging.Logger) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "event_outbox_pending",
			Help: "Pending outbox records",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM event_outbox WHERE status = 'pending'")
		},
	))

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "split_children",
			Help: "Sessions currently marked as split children",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM billing_sessions WHERE is_split_child")
		},
	))
}

func queryCount(db *sql.DB, logger *logging.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		logger.Warn("metrics query failed", "error", err)
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
