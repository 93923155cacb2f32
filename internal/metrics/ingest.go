package metrics

import "optionflow/logger"

// IngestStats holds the counters an ingest worker accumulates between
// reporting ticks.
type IngestStats struct {
	BatchesProcessed int64
	RowsProcessed    int64
	RowsAccepted     int64
	RowsRejected     int64
	RowsQuarantined  int64
	JunkRows         int64
	ExpiryRepairs    int64
	ErrorsCount      int64
	RawChannelLen    int
	RawChannelCap    int
}

// ReportIngest emits common ingest metrics using the provided logger.
func ReportIngest(log *logger.Log, stats IngestStats) {
	l := log.WithComponent("ingest")

	errorRate := float64(0)
	if stats.BatchesProcessed+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesProcessed+stats.ErrorsCount)
	}

	avgRowsPerBatch := float64(0)
	if stats.BatchesProcessed > 0 {
		avgRowsPerBatch = float64(stats.RowsProcessed) / float64(stats.BatchesProcessed)
	}

	l.LogMetric("ingest", "batches_processed", stats.BatchesProcessed, "counter", logger.Fields{})
	l.LogMetric("ingest", "rows_processed", stats.RowsProcessed, "counter", logger.Fields{})
	l.LogMetric("ingest", MetricRowsAccepted, stats.RowsAccepted, "counter", logger.Fields{})
	l.LogMetric("ingest", MetricRowsRejected, stats.RowsRejected, "counter", logger.Fields{})
	l.LogMetric("ingest", MetricRowsQuarantined, stats.RowsQuarantined, "counter", logger.Fields{})
	l.LogMetric("ingest", MetricJunkRows, stats.JunkRows, "counter", logger.Fields{})
	l.LogMetric("ingest", MetricExpiryRepairs, stats.ExpiryRepairs, "counter", logger.Fields{})
	l.LogMetric("ingest", "error_rate", errorRate, "gauge", logger.Fields{})
	l.LogMetric("ingest", "avg_rows_per_batch", avgRowsPerBatch, "gauge", logger.Fields{})

	l.WithFields(logger.Fields{
		"batches_processed":  stats.BatchesProcessed,
		"rows_processed":     stats.RowsProcessed,
		"rows_accepted":      stats.RowsAccepted,
		"rows_rejected":      stats.RowsRejected,
		"rows_quarantined":   stats.RowsQuarantined,
		"junk_rows":          stats.JunkRows,
		"expiry_repairs":     stats.ExpiryRepairs,
		"errors_count":       stats.ErrorsCount,
		"error_rate":         errorRate,
		"avg_rows_per_batch": avgRowsPerBatch,
		"raw_channel_len":    stats.RawChannelLen,
		"raw_channel_cap":    stats.RawChannelCap,
	}).Info("ingest metrics")
}
