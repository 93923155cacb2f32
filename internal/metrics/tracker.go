package metrics

import "optionflow/logger"

// Tracker is the narrow counter/gauge interface the pipeline stages
// report through. Implementations must never panic outward: a metrics
// failure is not allowed to abort persistence.
type Tracker interface {
	Increment(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

type nopTracker struct{}

func (nopTracker) Increment(string, float64, map[string]string) {}
func (nopTracker) SetGauge(string, float64, map[string]string)  {}

// Nop returns a tracker that discards everything. Useful in tests.
func Nop() Tracker {
	return nopTracker{}
}

type logTracker struct {
	log *logger.Log
}

// NewLogTracker returns a tracker that emits each call as a structured
// metric event: logged, dispatched to registered handlers, and published
// to CloudWatch when that is initialised.
func NewLogTracker(log *logger.Log) Tracker {
	if log == nil {
		log = logger.GetLogger()
	}
	return &logTracker{log: log}
}

func (t *logTracker) Increment(name string, value float64, labels map[string]string) {
	defer func() { _ = recover() }()
	component, fields := splitLabels(labels)
	EmitMetric(t.log, component, name, value, "counter", fields)
}

func (t *logTracker) SetGauge(name string, value float64, labels map[string]string) {
	defer func() { _ = recover() }()
	component, fields := splitLabels(labels)
	EmitMetric(t.log, component, name, value, "gauge", fields)
}

// splitLabels lifts the component label out of the label set and converts
// the remainder to log fields.
func splitLabels(labels map[string]string) (string, logger.Fields) {
	component := "pipeline"
	fields := make(logger.Fields, len(labels))
	for k, v := range labels {
		if k == "component" {
			component = v
			continue
		}
		fields[k] = v
	}
	return component, fields
}

type multiTracker struct {
	trackers []Tracker
}

// Multi fans every call out to all the given trackers.
func Multi(trackers ...Tracker) Tracker {
	filtered := make([]Tracker, 0, len(trackers))
	for _, t := range trackers {
		if t != nil {
			filtered = append(filtered, t)
		}
	}
	return &multiTracker{trackers: filtered}
}

func (m *multiTracker) Increment(name string, value float64, labels map[string]string) {
	for _, t := range m.trackers {
		t.Increment(name, value, labels)
	}
}

func (m *multiTracker) SetGauge(name string, value float64, labels map[string]string) {
	for _, t := range m.trackers {
		t.SetGauge(name, value, labels)
	}
}
