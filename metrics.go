package fortress

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MetricsCollector is the observability hook used by the core. The default
// implementation is in-memory with Prometheus text export; callers can plug
// in their own.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ExportPrometheus() string
}

// InMemoryMetricsCollector implements MetricsCollector with label-keyed maps.
type InMemoryMetricsCollector struct {
	mu       sync.RWMutex
	counters map[string]map[string]int64
	gauges   map[string]map[string]float64
}

func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters: make(map[string]map[string]int64),
		gauges:   make(map[string]map[string]float64),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][makeLabelKey(labels)]++
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][makeLabelKey(labels)] = value
}

// GetCounterValue returns the current counter value (for tests/debugging).
func (m *InMemoryMetricsCollector) GetCounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if counters, ok := m.counters[name]; ok {
		return counters[makeLabelKey(labels)]
	}
	return 0
}

func makeLabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

// ExportPrometheus renders all metrics in Prometheus text format.
func (m *InMemoryMetricsCollector) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out strings.Builder
	for name, byLabel := range m.counters {
		out.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for labelKey, value := range byLabel {
			if labelKey == "" {
				out.WriteString(fmt.Sprintf("%s %d\n", name, value))
			} else {
				out.WriteString(fmt.Sprintf("%s{%s} %d\n", name, labelKey, value))
			}
		}
	}
	for name, byLabel := range m.gauges {
		out.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for labelKey, value := range byLabel {
			if labelKey == "" {
				out.WriteString(fmt.Sprintf("%s %f\n", name, value))
			} else {
				out.WriteString(fmt.Sprintf("%s{%s} %f\n", name, labelKey, value))
			}
		}
	}
	return out.String()
}
