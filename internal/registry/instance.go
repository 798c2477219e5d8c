package registry

import (
	"sync"
	"time"
)

// Status is the instance lifecycle state. STOPPED is terminal; ERROR is
// recoverable via restart; SCALING marks an instance created by the
// auto-scaler before it starts.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
	StatusScaling  Status = "scaling"
)

// Instance is one runtime execution unit bound to a logical endpoint.
// It is owned exclusively by the controller; all mutation goes through
// the instance's mutex so metric updates are linearized per instance.
type Instance struct {
	mu sync.Mutex

	ID         string
	EndpointID string

	Status  Status
	Health  HealthStatus
	Metrics PerformanceMetrics

	ConsecutiveErrors int
	InFlight          int

	CreatedAt    time.Time
	StartedAt    time.Time
	LastActivity time.Time
	LastError    time.Time
}

// Snapshot is an immutable copy of an instance's state.
type Snapshot struct {
	ID                string
	EndpointID        string
	Status            Status
	Health            HealthStatus
	Metrics           PerformanceMetrics
	ConsecutiveErrors int
	InFlight          int
	CreatedAt         time.Time
	StartedAt         time.Time
	LastActivity      time.Time
	LastError         time.Time
}

// Snapshot copies the instance state under its lock.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	return Snapshot{
		ID:                i.ID,
		EndpointID:        i.EndpointID,
		Status:            i.Status,
		Health:            i.Health,
		Metrics:           i.Metrics,
		ConsecutiveErrors: i.ConsecutiveErrors,
		InFlight:          i.InFlight,
		CreatedAt:         i.CreatedAt,
		StartedAt:         i.StartedAt,
		LastActivity:      i.LastActivity,
		LastError:         i.LastError,
	}
}

// setStatus transitions the lifecycle state.
func (i *Instance) setStatus(s Status) {
	i.mu.Lock()
	i.Status = s
	if s == StatusRunning && i.StartedAt.IsZero() {
		i.StartedAt = time.Now()
	}
	i.mu.Unlock()
}

// begin marks a request in flight and refreshes activity.
func (i *Instance) begin(now time.Time) {
	i.mu.Lock()
	i.InFlight++
	i.LastActivity = now
	i.mu.Unlock()
}

// finish releases the in-flight slot and folds the outcome into the
// metrics in one step.
func (i *Instance) finish(latencyMs float64, success bool, now time.Time, maxConcurrent int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.InFlight > 0 {
		i.InFlight--
	}
	i.recordLocked(latencyMs, success, now, maxConcurrent)
}

// record folds one attempt's outcome into the metrics while the in-flight
// slot stays held, so retries cannot leak concurrency budget.
func (i *Instance) record(latencyMs float64, success bool, now time.Time, maxConcurrent int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.recordLocked(latencyMs, success, now, maxConcurrent)
}

// release frees the in-flight slot reserved by begin.
func (i *Instance) release(now time.Time) {
	i.mu.Lock()
	if i.InFlight > 0 {
		i.InFlight--
	}
	i.LastActivity = now
	i.mu.Unlock()
}

// recordLocked is the single update path for per-attempt bookkeeping: it
// folds the outcome into the metrics, recomputes health, and tracks
// consecutive errors. Callers hold i.mu.
func (i *Instance) recordLocked(latencyMs float64, success bool, now time.Time, maxConcurrent int) {
	i.LastActivity = now

	i.Metrics.Record(latencyMs, success, now)
	if maxConcurrent > 0 {
		i.Metrics.LoadPercent = 100 * float64(i.InFlight) / float64(maxConcurrent)
	}

	if success {
		i.ConsecutiveErrors = 0
	} else {
		i.ConsecutiveErrors++
		i.LastError = now
	}

	i.Health = HealthFor(i.Metrics)
}

// markUnhealthy records a failed health probe.
func (i *Instance) markUnhealthy(now time.Time) {
	i.mu.Lock()
	i.ConsecutiveErrors++
	i.LastError = now
	if i.Status == StatusRunning {
		i.Status = StatusError
	}
	i.mu.Unlock()
}

// EligibleForTraffic applies the routing eligibility invariant: running,
// health above the poor/critical floor, and recent activity.
func (s Snapshot) EligibleForTraffic(now time.Time, inactivityWindow time.Duration) bool {
	if s.Status != StatusRunning {
		return false
	}
	if s.Health == HealthPoor || s.Health == HealthCritical {
		return false
	}
	if inactivityWindow > 0 && now.Sub(s.LastActivity) >= inactivityWindow {
		return false
	}
	return true
}

// UptimeHours returns hours since the instance started.
func (s Snapshot) UptimeHours(now time.Time) float64 {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt).Hours()
}
