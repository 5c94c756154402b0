package inspector

import (
	"sort"
	"time"
)

const (
	// metricsWindow bounds the request-timestamp sliding window.
	metricsWindow = 15 * time.Minute

	// maxDurations bounds the duration deque used for percentiles.
	maxDurations = 1000
)

// metricsState tracks one tunnel's traffic. Guarded by the store mutex.
type metricsState struct {
	totalRequests   int64
	openConnections int
	timestamps      []time.Time
	durations       []time.Duration
}

func (m *metricsState) record(at time.Time, d time.Duration) {
	m.totalRequests++
	m.timestamps = append(m.timestamps, at)
	m.trim(at)
	m.durations = append(m.durations, d)
	if len(m.durations) > maxDurations {
		m.durations = m.durations[len(m.durations)-maxDurations:]
	}
}

func (m *metricsState) trim(now time.Time) {
	cutoff := now.Add(-metricsWindow)
	i := 0
	for i < len(m.timestamps) && m.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.timestamps = append(m.timestamps[:0], m.timestamps[i:]...)
	}
}

// MetricsSnapshot is the JSON shape served at /tunnels/{id}/metrics.
type MetricsSnapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	OpenConnections   int     `json:"open_connections"`
	RequestsLast15Min int     `json:"requests_last_15m"`
	P50Ms             float64 `json:"p50_ms"`
	P95Ms             float64 `json:"p95_ms"`
	P99Ms             float64 `json:"p99_ms"`
}

func (m *metricsState) snapshot(now time.Time) MetricsSnapshot {
	m.trim(now)
	return MetricsSnapshot{
		TotalRequests:     m.totalRequests,
		OpenConnections:   m.openConnections,
		RequestsLast15Min: len(m.timestamps),
		P50Ms:             percentileMs(m.durations, 0.50),
		P95Ms:             percentileMs(m.durations, 0.95),
		P99Ms:             percentileMs(m.durations, 0.99),
	}
}

func percentileMs(durations []time.Duration, p float64) float64 {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return float64(sorted[idx]) / float64(time.Millisecond)
}

// mergeDurations is used by the aggregate snapshot: percentiles over the
// union of every tunnel's deque, not an average of percentiles.
func mergeDurations(states []*metricsState) []time.Duration {
	var merged []time.Duration
	for _, m := range states {
		merged = append(merged, m.durations...)
	}
	return merged
}
