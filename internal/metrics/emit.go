package metrics

import "optionflow/logger"

// Canonical metric names emitted by the pipeline stages. Downstream
// dashboards key on these, so renaming one is a breaking change.
const (
	MetricRowsAccepted    = "rows_accepted"
	MetricRowsRejected    = "rows_rejected"
	MetricRowsQuarantined = "rows_quarantined"
	MetricJunkRows        = "junk_rows"
	MetricDuplicates      = "duplicates_suppressed"

	MetricExpiryRepairs    = "expiry_repairs"
	MetricExpiryFallbacks  = "expiry_resolution_fallbacks"
	MetricExpiryAdvisories = "expiry_advisories"

	MetricRowsFlushed   = "rows_flushed"
	MetricForcedFlushes = "forced_flushes"
	MetricFlushErrors   = "flush_errors"
	MetricBufferedRows  = "buffered_rows"

	MetricOverviewEmits   = "overview_emits"
	MetricAggregationGaps = "aggregation_data_gaps"

	MetricDuplicateCacheEntries = "duplicate_cache_entries"
	MetricChannelDrops          = "channel_drops"

	MetricArchiveUploads = "archive_uploads"
	MetricArchiveErrors  = "archive_errors"
)

// EmitMetric dispatches the metric to registered handlers and logs it.
// The log side also publishes to CloudWatch when that has been initialised.
func EmitMetric(log *logger.Log, component, metric string, value interface{}, metricType string, fields logger.Fields) {
	m, ok := recordMetric(component, metric, value, metricType, fields)
	if !ok {
		return
	}

	if log == nil {
		log = logger.GetLogger()
	}
	log.LogMetric(m.Component, m.Name, m.Value, m.Type, cloneFields(m.Fields))
}

// EmitChannelDrop records one dropped message on the named channel.
// Callers invoke it per dropped message so the counter stays exact.
func EmitChannelDrop(log *logger.Log, channel, index string) {
	fields := logger.Fields{"channel": channel}
	if index != "" {
		fields["index"] = index
	}
	EmitMetric(log, "channels", MetricChannelDrops, 1, "counter", fields)
}
