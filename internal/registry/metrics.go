package registry

import (
	"time"
)

// ScoreWeights configures the derived performance scores. The split and
// ceiling are heuristics carried over from operational tuning; they are
// configurable rather than load-bearing constants.
type ScoreWeights struct {
	SuccessWeight    float64 `env:"SCORE_SUCCESS_WEIGHT"     envDefault:"0.7"`
	LatencyWeight    float64 `env:"SCORE_LATENCY_WEIGHT"     envDefault:"0.3"`
	LatencyCeilingMs float64 `env:"SCORE_LATENCY_CEILING_MS" envDefault:"10000"`
	ResourceCost     float64 `env:"SCORE_RESOURCE_COST"      envDefault:"1"`
}

// DefaultScoreWeights returns the standard 0.7/0.3 split.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		SuccessWeight:    0.7,
		LatencyWeight:    0.3,
		LatencyCeilingMs: 10000,
		ResourceCost:     1,
	}
}

// PerformanceMetrics holds running counters for one instance. It is never
// reset except on instance recreation. All mutation goes through the
// owning instance's single update path; methods on a value receiver are
// pure over a snapshot.
type PerformanceMetrics struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	AvgResponseTimeMs  float64 `json:"avg_response_time_ms"`
	MinResponseTimeMs  float64 `json:"min_response_time_ms"`
	MaxResponseTimeMs  float64 `json:"max_response_time_ms"`
	RequestsPerMinute  float64 `json:"requests_per_minute"`
	ErrorRate          float64 `json:"error_rate"`

	// LoadPercent approximates instance CPU load as the in-flight share
	// of the endpoint's concurrency budget.
	LoadPercent float64 `json:"load_percent"`

	windowStart time.Time
	windowCount int64
}

// Record folds one completed call into the counters.
func (m *PerformanceMetrics) Record(latencyMs float64, success bool, now time.Time) {
	m.TotalRequests++
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)

	// Cumulative mean keeps the update O(1).
	m.AvgResponseTimeMs += (latencyMs - m.AvgResponseTimeMs) / float64(m.TotalRequests)
	if m.MinResponseTimeMs == 0 || latencyMs < m.MinResponseTimeMs {
		m.MinResponseTimeMs = latencyMs
	}
	if latencyMs > m.MaxResponseTimeMs {
		m.MaxResponseTimeMs = latencyMs
	}

	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.windowCount++

	elapsed := now.Sub(m.windowStart)
	if elapsed >= time.Minute {
		m.RequestsPerMinute = float64(m.windowCount) / elapsed.Minutes()
		m.windowStart = now
		m.windowCount = 0
	} else if elapsed >= time.Second {
		m.RequestsPerMinute = float64(m.windowCount) / elapsed.Minutes()
	}
}

// SuccessRate returns the fraction of calls that succeeded, 0..1.
func (m PerformanceMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// ProfitScore combines success rate and normalized latency into a 0-100
// score.
func (m PerformanceMetrics) ProfitScore(w ScoreWeights) float64 {
	if m.TotalRequests == 0 {
		return 0
	}

	latencyNorm := 1 - m.AvgResponseTimeMs/w.LatencyCeilingMs
	if latencyNorm < 0 {
		latencyNorm = 0
	}
	if latencyNorm > 1 {
		latencyNorm = 1
	}

	return (w.SuccessWeight*m.SuccessRate() + w.LatencyWeight*latencyNorm) * 100
}

// EfficiencyScore is throughput per unit of resource cost.
func (m PerformanceMetrics) EfficiencyScore(w ScoreWeights) float64 {
	cost := w.ResourceCost
	if cost <= 0 {
		cost = 1
	}
	return m.RequestsPerMinute / cost
}

// HealthStatus is a derived qualitative bucket computed purely from a
// metrics snapshot; it is never set independently.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthFair      HealthStatus = "fair"
	HealthPoor      HealthStatus = "poor"
	HealthCritical  HealthStatus = "critical"
)

// HealthFor buckets a metrics snapshot. Recomputing from the same
// snapshot always yields the same result.
func HealthFor(m PerformanceMetrics) HealthStatus {
	if m.TotalRequests == 0 {
		return HealthUnknown
	}

	success := m.SuccessRate()
	switch {
	case success >= 0.99 && m.AvgResponseTimeMs < 1000:
		return HealthExcellent
	case success >= 0.95 && m.AvgResponseTimeMs < 3000:
		return HealthGood
	case success >= 0.85:
		return HealthFair
	case success >= 0.70:
		return HealthPoor
	default:
		return HealthCritical
	}
}
