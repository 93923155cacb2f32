package metrics

import "optionflow/logger"

// StorageStats holds metrics for the batching and writing stages.
type StorageStats struct {
	FlushesCompleted int64
	RowsFlushed      int64
	ErrorsCount      int64
	ActiveBatches    int
	BufferedRows     int
}

// ReportStorage emits common storage metrics using the provided logger and
// component name.
func ReportStorage(log *logger.Log, component string, stats StorageStats) {
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.FlushesCompleted+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.FlushesCompleted+stats.ErrorsCount)
	}

	avgRowsPerFlush := float64(0)
	if stats.FlushesCompleted > 0 {
		avgRowsPerFlush = float64(stats.RowsFlushed) / float64(stats.FlushesCompleted)
	}

	l.LogMetric(component, "flushes_completed", stats.FlushesCompleted, "counter", logger.Fields{})
	l.LogMetric(component, MetricRowsFlushed, stats.RowsFlushed, "counter", logger.Fields{})
	l.LogMetric(component, "errors_count", stats.ErrorsCount, "counter", logger.Fields{})
	l.LogMetric(component, "error_rate", errorRate, "gauge", logger.Fields{})
	l.LogMetric(component, "avg_rows_per_flush", avgRowsPerFlush, "gauge", logger.Fields{})
	l.LogMetric(component, "active_batches", stats.ActiveBatches, "gauge", logger.Fields{})
	l.LogMetric(component, MetricBufferedRows, stats.BufferedRows, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"flushes_completed":  stats.FlushesCompleted,
		"rows_flushed":       stats.RowsFlushed,
		"errors_count":       stats.ErrorsCount,
		"error_rate":         errorRate,
		"avg_rows_per_flush": avgRowsPerFlush,
		"active_batches":     stats.ActiveBatches,
		"buffered_rows":      stats.BufferedRows,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
