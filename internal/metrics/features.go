package metrics

import (
	"strings"
	"sync/atomic"

	"optionflow/config"
)

// Feature identifies an optional metrics capability that can be switched
// off per deployment.
type Feature string

const (
	// FeatureChannelSize gates the periodic channel occupancy gauges.
	FeatureChannelSize Feature = "channel_size"
	// FeaturePrometheus gates the Prometheus registry and HTTP endpoint.
	FeaturePrometheus Feature = "prometheus"
	// FeatureCloudWatch gates publication of metric datums to CloudWatch.
	FeatureCloudWatch Feature = "cloudwatch"
)

var featureState atomic.Pointer[config.MetricsConfig]

func init() {
	featureState.Store(&config.MetricsConfig{
		Prometheus:  true,
		ChannelSize: true,
	})
}

// Configure installs the metrics feature switches from configuration.
func Configure(cfg config.MetricsConfig) {
	featureState.Store(&cfg)
}

// IsFeatureEnabled reports whether the given capability is switched on.
func IsFeatureEnabled(f Feature) bool {
	cfg := featureState.Load()
	if cfg == nil {
		return true
	}
	switch f {
	case FeatureChannelSize:
		return cfg.ChannelSize
	case FeaturePrometheus:
		return cfg.Prometheus
	case FeatureCloudWatch:
		return cfg.CloudWatch
	}
	return true
}

// metricFeature maps a metric name onto the feature that gates it. An
// empty result means the metric is always emitted.
func metricFeature(name string) Feature {
	if strings.HasSuffix(name, "_buffer_length") {
		return FeatureChannelSize
	}
	return ""
}
