package registry

import (
	"context"
	"time"

	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/observability"
)

// EndpointSummary is the aggregated view of one endpoint's instances.
type EndpointSummary struct {
	EndpointID string `json:"endpoint_id"`
	Name       string `json:"name"`
	ModelName  string `json:"model_name"`

	Instances int `json:"instances"`
	Running   int `json:"running"`

	AvgLoadPercent       float64 `json:"avg_load_percent"`
	AvgRequestsPerMinute float64 `json:"avg_requests_per_minute"`
	AvgResponseTimeMs    float64 `json:"avg_response_time_ms"`

	TotalRequests  int64 `json:"total_requests"`
	FailedRequests int64 `json:"failed_requests"`

	ProfitScore     float64 `json:"profit_score"`
	EfficiencyScore float64 `json:"efficiency_score"`

	Health map[HealthStatus]int `json:"health"`
}

// Global holds system-wide counters refreshed each monitor tick.
type Global struct {
	Endpoints          int     `json:"endpoints"`
	Instances          int     `json:"instances"`
	RunningInstances   int     `json:"running_instances"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	AvgResponseTimeMs  float64 `json:"avg_response_time_ms"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

// Summary aggregates the endpoint's live instances.
func (c *Controller) Summary(endpointID string) (*EndpointSummary, error) {
	c.mu.RLock()
	ep, exists := c.endpoints[endpointID]
	ids := append([]string(nil), c.byEndpoint[endpointID]...)
	instances := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		if inst, ok := c.instances[id]; ok {
			instances = append(instances, inst)
		}
	}
	c.mu.RUnlock()

	if !exists {
		return nil, domain.NotFoundError("endpoint %s not found", endpointID)
	}

	summary := &EndpointSummary{
		EndpointID: ep.ID,
		Name:       ep.Name,
		ModelName:  ep.ModelName,
		Health:     make(map[HealthStatus]int),
	}

	var latencySum, loadSum, rpmSum, profitSum, efficiencySum float64
	for _, inst := range instances {
		snap := inst.Snapshot()
		summary.Instances++
		if snap.Status == StatusRunning {
			summary.Running++
		}
		summary.Health[snap.Health]++
		summary.TotalRequests += snap.Metrics.TotalRequests
		summary.FailedRequests += snap.Metrics.FailedRequests
		latencySum += snap.Metrics.AvgResponseTimeMs
		loadSum += snap.Metrics.LoadPercent
		rpmSum += snap.Metrics.RequestsPerMinute
		profitSum += snap.Metrics.ProfitScore(c.weights)
		efficiencySum += snap.Metrics.EfficiencyScore(c.weights)
	}

	if n := float64(summary.Instances); n > 0 {
		summary.AvgResponseTimeMs = latencySum / n
		summary.AvgLoadPercent = loadSum / n
		summary.AvgRequestsPerMinute = rpmSum / n
		summary.ProfitScore = profitSum / n
		summary.EfficiencyScore = efficiencySum / n
	}
	return summary, nil
}

// GlobalMetrics aggregates across all endpoints.
func (c *Controller) GlobalMetrics() Global {
	c.mu.RLock()
	instances := make([]*Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		instances = append(instances, inst)
	}
	endpointCount := len(c.endpoints)
	c.mu.RUnlock()

	g := Global{
		Endpoints:     endpointCount,
		Instances:     len(instances),
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
	}

	var latencySum float64
	var withTraffic int
	for _, inst := range instances {
		snap := inst.Snapshot()
		if snap.Status == StatusRunning {
			g.RunningInstances++
		}
		g.TotalRequests += snap.Metrics.TotalRequests
		g.SuccessfulRequests += snap.Metrics.SuccessfulRequests
		g.FailedRequests += snap.Metrics.FailedRequests
		if snap.Metrics.TotalRequests > 0 {
			latencySum += snap.Metrics.AvgResponseTimeMs
			withTraffic++
		}
	}
	if withTraffic > 0 {
		g.AvgResponseTimeMs = latencySum / float64(withTraffic)
	}
	return g
}

// monitor runs the background loop on a fixed tick. Cancellation stops
// future ticks but never interrupts one in progress.
func (c *Controller) monitor(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(context.Background())
		}
	}
}

// Tick runs one monitoring pass: health checks, auto-scaling, reaping,
// and gauge refresh. Failures are isolated per endpoint and logged; one
// endpoint's trouble never aborts the loop for the others.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.RLock()
	endpointIDs := make([]string, 0, len(c.endpoints))
	for id := range c.endpoints {
		endpointIDs = append(endpointIDs, id)
	}
	c.mu.RUnlock()

	for _, endpointID := range endpointIDs {
		c.checkHealth(ctx, endpointID)
		c.autoScale(ctx, endpointID)
		c.reap(ctx, endpointID)

		if c.collector != nil {
			if summary, err := c.Summary(endpointID); err == nil {
				c.collector.SetRunningInstances(endpointID, summary.Running)
			}
		}
	}
}

// checkHealth probes every running instance's backend.
func (c *Controller) checkHealth(ctx context.Context, endpointID string) {
	c.mu.RLock()
	ids := append([]string(nil), c.byEndpoint[endpointID]...)
	c.mu.RUnlock()

	for _, id := range ids {
		c.mu.RLock()
		inst, ok := c.instances[id]
		backend := c.backends[id]
		c.mu.RUnlock()
		if !ok || backend == nil {
			continue
		}
		if inst.Snapshot().Status != StatusRunning {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, c.opts.HealthCheckTimeout)
		healthy := backend.HealthCheck(probeCtx)
		cancel()

		if !healthy {
			inst.markUnhealthy(time.Now())
			observability.FromContext(ctx).Warn("health check failed",
				observability.String("endpoint", endpointID),
				observability.String("instance", id))
		}
	}
}

// autoScale applies the scaling policy: at most one action per tick per
// endpoint, bounded by min/max instances and the cooldown.
func (c *Controller) autoScale(ctx context.Context, endpointID string) {
	c.mu.RLock()
	ep, exists := c.endpoints[endpointID]
	var current int
	if exists {
		current = len(c.byEndpoint[endpointID])
	}
	last := c.lastScale[endpointID]
	c.mu.RUnlock()
	if !exists || !ep.Enabled {
		return
	}

	if ep.Scaling.Cooldown > 0 && time.Since(last) < ep.Scaling.Cooldown {
		return
	}

	summary, err := c.Summary(endpointID)
	if err != nil {
		return
	}

	logger := observability.FromContext(ctx)

	scaleUp := (summary.AvgLoadPercent > ep.Scaling.ScaleUpThreshold*100 ||
		summary.AvgRequestsPerMinute > c.opts.ScaleUpRPM) &&
		current < ep.Scaling.MaxInstances

	if scaleUp {
		id, startErr := c.scaleInstance(ctx, ep)
		if startErr != nil {
			logger.Warn("scale up failed",
				observability.String("endpoint", endpointID),
				observability.Error(startErr))
			return
		}
		c.recordScale(ctx, endpointID, "up", id)
		return
	}

	scaleDown := summary.AvgLoadPercent < ep.Scaling.ScaleDownThreshold*100 &&
		summary.AvgRequestsPerMinute < c.opts.ScaleDownRPM &&
		current > ep.Scaling.MinInstances

	if scaleDown {
		stopped, stopErr := c.StopInstances(ctx, endpointID, 1)
		if stopErr != nil || len(stopped) == 0 {
			logger.Warn("scale down failed",
				observability.String("endpoint", endpointID),
				observability.Error(stopErr))
			return
		}
		c.recordScale(ctx, endpointID, "down", stopped[0])
	}
}

// scaleInstance starts one instance with the transient SCALING marker.
func (c *Controller) scaleInstance(ctx context.Context, ep *domain.Endpoint) (string, error) {
	id, err := c.startInstance(ctx, ep)
	if err != nil {
		return id, err
	}

	c.mu.RLock()
	inst, ok := c.instances[id]
	c.mu.RUnlock()
	if ok {
		// Mark the capacity change, then settle into RUNNING.
		inst.setStatus(StatusScaling)
		inst.setStatus(StatusRunning)
	}
	return id, nil
}

func (c *Controller) recordScale(ctx context.Context, endpointID, direction, instanceID string) {
	c.mu.Lock()
	c.lastScale[endpointID] = time.Now()
	c.mu.Unlock()

	if c.collector != nil {
		c.collector.ScaleRecorded(endpointID, direction)
	}
	c.events.Publish(ctx, "endpoint_scaled", map[string]interface{}{
		"endpoint_id": endpointID,
		"direction":   direction,
		"instance_id": instanceID,
	})
}

// reap force-removes instances stuck in ERROR beyond the reap window, or
// with too many consecutive errors regardless of elapsed time.
func (c *Controller) reap(ctx context.Context, endpointID string) {
	c.mu.RLock()
	ids := append([]string(nil), c.byEndpoint[endpointID]...)
	c.mu.RUnlock()

	now := time.Now()
	for _, id := range ids {
		c.mu.RLock()
		inst, ok := c.instances[id]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		snap := inst.Snapshot()

		errored := snap.Status == StatusError &&
			!snap.LastError.IsZero() &&
			now.Sub(snap.LastError) > c.opts.ReapWindow
		exhausted := snap.ConsecutiveErrors >= c.opts.MaxConsecutiveErrors

		if !errored && !exhausted {
			continue
		}

		c.removeInstance(ctx, id, "reaped")
		if c.collector != nil {
			c.collector.ReapRecorded(endpointID)
		}
		c.events.Publish(ctx, "instance_reaped", map[string]interface{}{
			"endpoint_id":        endpointID,
			"instance_id":        id,
			"consecutive_errors": snap.ConsecutiveErrors,
		})
	}
}
