// Registers:
//
//	#optionflow_rows_accepted_total, optionflow_rows_flushed_total, ...
//	#optionflow_buffered_rows, optionflow_duplicate_cache_entries, ...
//	#go_* and process_* system metrics
//
// Exposes them on the configured address (default :2112) under /metrics
// using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optionflow/logger"
)

const promNamespace = "optionflow"

var serveOnce sync.Once

// Init registers the runtime collectors and starts the /metrics endpoint.
// Subsequent calls are no-ops.
func Init(addr string) {
	if !IsFeatureEnabled(FeaturePrometheus) {
		return
	}
	serveOnce.Do(func() {
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			addr = ":2112"
		}
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// promTracker maps Tracker calls onto Prometheus counter and gauge
// vectors. Vectors are created lazily; the label keys seen on a metric's
// first use are pinned, and later calls are projected onto that key set
// so a drifting caller can never panic the registry.
type promTracker struct {
	mu          sync.Mutex
	counters    map[string]*prometheus.CounterVec
	counterKeys map[string][]string
	gauges      map[string]*prometheus.GaugeVec
	gaugeKeys   map[string][]string
}

// NewPromTracker returns a tracker backed by the default Prometheus
// registry.
func NewPromTracker() Tracker {
	return &promTracker{
		counters:    make(map[string]*prometheus.CounterVec),
		counterKeys: make(map[string][]string),
		gauges:      make(map[string]*prometheus.GaugeVec),
		gaugeKeys:   make(map[string][]string),
	}
}

func (p *promTracker) Increment(name string, value float64, labels map[string]string) {
	defer func() { _ = recover() }()
	if !IsFeatureEnabled(FeaturePrometheus) {
		return
	}
	if feature := metricFeature(name); feature != "" && !IsFeatureEnabled(feature) {
		return
	}
	if value < 0 {
		return
	}

	vec, keys := p.counterVec(name, labels)
	if vec == nil {
		return
	}
	vec.With(projectLabels(keys, labels)).Add(value)
}

func (p *promTracker) SetGauge(name string, value float64, labels map[string]string) {
	defer func() { _ = recover() }()
	if !IsFeatureEnabled(FeaturePrometheus) {
		return
	}
	if feature := metricFeature(name); feature != "" && !IsFeatureEnabled(feature) {
		return
	}

	vec, keys := p.gaugeVec(name, labels)
	if vec == nil {
		return
	}
	vec.With(projectLabels(keys, labels)).Set(value)
}

func (p *promTracker) counterVec(name string, labels map[string]string) (*prometheus.CounterVec, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.counters[name]; ok {
		return vec, p.counterKeys[name]
	}

	keys := sortedKeys(labels)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name + "_total",
		Help:      "Pipeline counter " + name,
	}, keys)

	if err := prometheus.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				vec = existing
			}
		} else {
			return nil, nil
		}
	}

	p.counters[name] = vec
	p.counterKeys[name] = keys
	return vec, keys
}

func (p *promTracker) gaugeVec(name string, labels map[string]string) (*prometheus.GaugeVec, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.gauges[name]; ok {
		return vec, p.gaugeKeys[name]
	}

	keys := sortedKeys(labels)
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      "Pipeline gauge " + name,
	}, keys)

	if err := prometheus.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				vec = existing
			}
		} else {
			return nil, nil
		}
	}

	p.gauges[name] = vec
	p.gaugeKeys[name] = keys
	return vec, keys
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// projectLabels maps the call's labels onto the pinned key set; unknown
// keys are dropped and missing ones become empty values.
func projectLabels(keys []string, labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		out[k] = labels[k]
	}
	return out
}
