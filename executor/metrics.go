package executor

import (
	"sort"
	"strings"
	"sync"
)

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) IncrementCounter(string, map[string]string)  {}
func (NoopMetrics) SetGauge(string, float64, map[string]string) {}

// MemoryMetrics keeps counters and gauges in memory, keyed by name. Tags are
// folded into the key as name{k=v,...}.
type MemoryMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

func (m *MemoryMetrics) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	if len(tags) > 0 {
		m.counters[metricKey(name, tags)]++
	}
}

func (m *MemoryMetrics) SetGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
	if len(tags) > 0 {
		m.gauges[metricKey(name, tags)] = value
	}
}

// Counter returns the untagged total for name.
func (m *MemoryMetrics) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Gauge returns the last value set for name.
func (m *MemoryMetrics) Gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Counters copies every counter, tagged keys included.
func (m *MemoryMetrics) Counters() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

func metricKey(name string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}
