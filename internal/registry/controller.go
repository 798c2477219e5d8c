// Package registry owns logical endpoints and their runtime instances:
// lifecycle, health bookkeeping, scoring, and the auto-scaling control
// loop. Instances and endpoints are kept in ID-keyed maps rather than
// embedded references, so there are no ownership cycles.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/hearth/internal/balancer"
	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/metrics"
	"github.com/davidbz/hearth/internal/observability"
)

// Options tunes the controller's monitor loop and policies.
type Options struct {
	MonitorInterval      time.Duration
	InactivityWindow     time.Duration
	ReapWindow           time.Duration
	MaxConsecutiveErrors int
	ScaleUpRPM           float64
	ScaleDownRPM         float64
	HealthCheckTimeout   time.Duration
}

// DefaultOptions returns the standard policy values.
func DefaultOptions() Options {
	return Options{
		MonitorInterval:      30 * time.Second,
		InactivityWindow:     5 * time.Minute,
		ReapWindow:           10 * time.Minute,
		MaxConsecutiveErrors: 10,
		ScaleUpRPM:           50,
		ScaleDownRPM:         10,
		HealthCheckTimeout:   5 * time.Second,
	}
}

// BackendFactory builds a backend for an endpoint's configured kind.
type BackendFactory interface {
	New(endpoint *domain.Endpoint) (domain.Backend, error)
}

// Controller is the endpoint registry. All map mutation happens inside a
// single critical section per operation; routing reads take consistent
// snapshots.
type Controller struct {
	mu         sync.RWMutex
	endpoints  map[string]*domain.Endpoint
	instances  map[string]*Instance
	byEndpoint map[string][]string
	backends   map[string]domain.Backend
	lastScale  map[string]time.Time

	store     domain.Store
	factory   BackendFactory
	events    domain.EventPublisher
	collector *metrics.Collector
	weights   ScoreWeights
	opts      Options

	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewController creates the registry controller (DI constructor).
func NewController(
	store domain.Store,
	factory BackendFactory,
	events domain.EventPublisher,
	collector *metrics.Collector,
	weights ScoreWeights,
	opts Options,
) *Controller {
	if opts.MonitorInterval <= 0 {
		opts = DefaultOptions()
	}
	return &Controller{
		endpoints:  make(map[string]*domain.Endpoint),
		instances:  make(map[string]*Instance),
		byEndpoint: make(map[string][]string),
		backends:   make(map[string]domain.Backend),
		lastScale:  make(map[string]time.Time),
		store:      store,
		factory:    factory,
		events:     events,
		collector:  collector,
		weights:    weights,
		opts:       opts,
		done:       make(chan struct{}),
	}
}

// Start loads persisted endpoints, brings up their minimum instance
// counts, and launches the monitor loop.
func (c *Controller) Start(ctx context.Context) error {
	c.startedAt = time.Now()

	endpoints, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load endpoints: %w", err)
	}

	for _, ep := range endpoints {
		c.mu.Lock()
		c.endpoints[ep.ID] = ep
		c.mu.Unlock()

		if ep.Enabled && ep.Scaling.MinInstances > 0 {
			if _, startErr := c.StartInstances(ctx, ep.ID, ep.Scaling.MinInstances); startErr != nil {
				observability.FromContext(ctx).Warn("failed to start minimum instances",
					observability.String("endpoint", ep.ID),
					observability.Error(startErr))
			}
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.monitor(loopCtx)

	return nil
}

// Stop halts the monitor loop, waits for an in-progress tick, and stops
// every instance.
func (c *Controller) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.removeInstance(ctx, id, "shutdown")
	}
	return nil
}

// Register validates and stores a new endpoint, then brings up its
// minimum instances when enabled.
func (c *Controller) Register(ctx context.Context, ep *domain.Endpoint) error {
	if ep == nil {
		return domain.ValidationError("endpoint cannot be nil")
	}
	if ep.Name == "" {
		return domain.ValidationError("endpoint name is required")
	}
	if ep.ModelName == "" {
		return domain.ValidationError("model_name is required")
	}
	if ep.Scaling.MaxInstances < 1 {
		return domain.ValidationError("max_instances must be at least 1")
	}
	if ep.Scaling.MinInstances < 0 || ep.Scaling.MinInstances > ep.Scaling.MaxInstances {
		return domain.ValidationError("min_instances must be within [0, max_instances]")
	}
	if ep.BackendKind == "" {
		return domain.ValidationError("backend_kind is required")
	}

	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	now := time.Now()
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = now
	}
	ep.UpdatedAt = now

	c.mu.Lock()
	if _, exists := c.endpoints[ep.ID]; exists {
		c.mu.Unlock()
		return domain.ValidationError("endpoint %s already registered", ep.ID)
	}
	c.endpoints[ep.ID] = ep
	c.mu.Unlock()

	if err := c.store.Put(ctx, ep); err != nil {
		c.mu.Lock()
		delete(c.endpoints, ep.ID)
		c.mu.Unlock()
		return fmt.Errorf("failed to persist endpoint: %w", err)
	}

	c.events.Publish(ctx, "endpoint_registered", map[string]interface{}{
		"endpoint_id": ep.ID,
		"model":       ep.ModelName,
	})

	if ep.Enabled && ep.Scaling.MinInstances > 0 {
		if _, err := c.StartInstances(ctx, ep.ID, ep.Scaling.MinInstances); err != nil {
			observability.FromContext(ctx).Warn("failed to start minimum instances",
				observability.String("endpoint", ep.ID),
				observability.Error(err))
		}
	}

	return nil
}

// Unregister removes an endpoint and cascades to stopping all of its
// instances.
func (c *Controller) Unregister(ctx context.Context, endpointID string) error {
	c.mu.Lock()
	if _, exists := c.endpoints[endpointID]; !exists {
		c.mu.Unlock()
		return domain.NotFoundError("endpoint %s not found", endpointID)
	}
	ids := append([]string(nil), c.byEndpoint[endpointID]...)
	delete(c.endpoints, endpointID)
	delete(c.lastScale, endpointID)
	c.mu.Unlock()

	for _, id := range ids {
		c.removeInstance(ctx, id, "endpoint_unregistered")
	}

	if err := c.store.Delete(ctx, endpointID); err != nil && !errors.Is(err, domain.ErrCacheMiss) {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}

	c.events.Publish(ctx, "endpoint_unregistered", map[string]interface{}{
		"endpoint_id": endpointID,
	})
	return nil
}

// SetEnabled flips an endpoint's traffic eligibility.
func (c *Controller) SetEnabled(ctx context.Context, endpointID string, enabled bool) error {
	c.mu.Lock()
	ep, exists := c.endpoints[endpointID]
	if !exists {
		c.mu.Unlock()
		return domain.NotFoundError("endpoint %s not found", endpointID)
	}
	ep.Enabled = enabled
	ep.UpdatedAt = time.Now()
	c.mu.Unlock()

	return c.store.Put(ctx, ep)
}

// StartInstances brings up n new instances for the endpoint and returns
// their IDs. A start failure leaves the instance in ERROR rather than
// removing it, so the reap policy can decide its fate.
func (c *Controller) StartInstances(ctx context.Context, endpointID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, domain.ValidationError("instance count must be positive")
	}

	c.mu.RLock()
	ep, exists := c.endpoints[endpointID]
	c.mu.RUnlock()
	if !exists {
		return nil, domain.NotFoundError("endpoint %s not found", endpointID)
	}

	started := make([]string, 0, n)
	for range n {
		c.mu.RLock()
		current := len(c.byEndpoint[endpointID])
		c.mu.RUnlock()
		if current >= ep.Scaling.MaxInstances {
			break
		}

		id, err := c.startInstance(ctx, ep)
		if err != nil {
			return started, err
		}
		started = append(started, id)
	}
	return started, nil
}

func (c *Controller) startInstance(ctx context.Context, ep *domain.Endpoint) (string, error) {
	backend, err := c.factory.New(ep)
	if err != nil {
		return "", fmt.Errorf("failed to build backend: %w", err)
	}

	now := time.Now()
	inst := &Instance{
		ID:           uuid.New().String(),
		EndpointID:   ep.ID,
		Status:       StatusStarting,
		Health:       HealthUnknown,
		CreatedAt:    now,
		LastActivity: now,
	}

	c.mu.Lock()
	c.instances[inst.ID] = inst
	c.byEndpoint[ep.ID] = append(c.byEndpoint[ep.ID], inst.ID)
	c.backends[inst.ID] = backend
	c.mu.Unlock()

	if err := backend.Start(ctx); err != nil {
		inst.setStatus(StatusError)
		inst.markUnhealthy(time.Now())
		return inst.ID, fmt.Errorf("backend start failed: %w", err)
	}
	inst.setStatus(StatusRunning)

	c.events.Publish(ctx, "instance_started", map[string]interface{}{
		"endpoint_id": ep.ID,
		"instance_id": inst.ID,
	})
	return inst.ID, nil
}

// StopInstances stops up to n instances of the endpoint (n <= 0 stops
// all) and returns the stopped IDs.
func (c *Controller) StopInstances(ctx context.Context, endpointID string, n int) ([]string, error) {
	c.mu.RLock()
	_, exists := c.endpoints[endpointID]
	ids := append([]string(nil), c.byEndpoint[endpointID]...)
	c.mu.RUnlock()
	if !exists {
		return nil, domain.NotFoundError("endpoint %s not found", endpointID)
	}

	if n <= 0 || n > len(ids) {
		n = len(ids)
	}

	// Most recently started first, so long-lived instances survive
	// scale-downs.
	stopped := make([]string, 0, n)
	for i := len(ids) - 1; i >= 0 && len(stopped) < n; i-- {
		c.removeInstance(ctx, ids[i], "stopped")
		stopped = append(stopped, ids[i])
	}
	return stopped, nil
}

// removeInstance stops the backend and drops the instance from all maps.
func (c *Controller) removeInstance(ctx context.Context, instanceID, reason string) {
	c.mu.Lock()
	inst, exists := c.instances[instanceID]
	if !exists {
		c.mu.Unlock()
		return
	}
	backend := c.backends[instanceID]
	endpointID := inst.EndpointID
	delete(c.instances, instanceID)
	delete(c.backends, instanceID)

	kept := c.byEndpoint[endpointID][:0]
	for _, id := range c.byEndpoint[endpointID] {
		if id != instanceID {
			kept = append(kept, id)
		}
	}
	c.byEndpoint[endpointID] = kept
	c.mu.Unlock()

	inst.setStatus(StatusStopping)
	if backend != nil {
		if err := backend.Stop(ctx); err != nil {
			observability.FromContext(ctx).Warn("backend stop failed",
				observability.String("instance", instanceID),
				observability.Error(err))
		}
	}
	inst.setStatus(StatusStopped)

	c.events.Publish(ctx, "instance_stopped", map[string]interface{}{
		"endpoint_id": endpointID,
		"instance_id": instanceID,
		"reason":      reason,
	})
}

// Backend returns the backend bound to a RUNNING instance.
func (c *Controller) Backend(instanceID string) (domain.Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, exists := c.instances[instanceID]
	if !exists {
		return nil, domain.NotFoundError("instance %s not found", instanceID)
	}
	if snap := inst.Snapshot(); snap.Status != StatusRunning {
		return nil, domain.UnavailableError(fmt.Sprintf("instance %s is %s", instanceID, snap.Status))
	}
	return c.backends[instanceID], nil
}

// Instance returns a snapshot of one instance.
func (c *Controller) Instance(instanceID string) (Snapshot, error) {
	c.mu.RLock()
	inst, exists := c.instances[instanceID]
	c.mu.RUnlock()
	if !exists {
		return Snapshot{}, domain.NotFoundError("instance %s not found", instanceID)
	}
	return inst.Snapshot(), nil
}

// Endpoint returns the endpoint config by ID.
func (c *Controller) Endpoint(endpointID string) (*domain.Endpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ep, exists := c.endpoints[endpointID]
	if !exists {
		return nil, domain.NotFoundError("endpoint %s not found", endpointID)
	}
	return ep, nil
}

// Endpoints lists all registered endpoints.
func (c *Controller) Endpoints() []*domain.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*domain.Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, ep)
	}
	return out
}

// Models lists the distinct model names served by enabled endpoints.
func (c *Controller) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	out := make([]string, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if !ep.Enabled {
			continue
		}
		for _, m := range append([]string{ep.ModelName}, ep.Models...) {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	return out
}

// BeginRequest reserves capacity on an instance. It fails with a capacity
// error when the endpoint's concurrency budget is exhausted.
func (c *Controller) BeginRequest(ctx context.Context, instanceID string) error {
	c.mu.RLock()
	inst, exists := c.instances[instanceID]
	var ep *domain.Endpoint
	var endpointInFlight int
	if exists {
		ep = c.endpoints[inst.EndpointID]
		for _, id := range c.byEndpoint[inst.EndpointID] {
			if sibling, ok := c.instances[id]; ok {
				endpointInFlight += sibling.Snapshot().InFlight
			}
		}
	}
	c.mu.RUnlock()

	if !exists {
		return domain.NotFoundError("instance %s not found", instanceID)
	}
	if snap := inst.Snapshot(); snap.Status != StatusRunning {
		return domain.UnavailableError(fmt.Sprintf("instance %s is %s", instanceID, snap.Status))
	}
	if ep != nil && ep.MaxConcurrent > 0 && endpointInFlight >= ep.MaxConcurrent {
		return domain.RateLimitError("endpoint at capacity", 0)
	}

	inst.begin(time.Now())
	return nil
}

// EndRequest reports a dispatch outcome and releases the concurrency
// slot, closing the feedback loop that drives health scoring and
// balancer decisions.
func (c *Controller) EndRequest(ctx context.Context, instanceID string, latency time.Duration, success bool) {
	inst, maxConcurrent, exists := c.instanceWithBudget(instanceID)
	if !exists {
		return
	}
	inst.finish(float64(latency.Milliseconds()), success, time.Now(), maxConcurrent)
}

// RecordAttempt reports one dispatch attempt's outcome without releasing
// the concurrency slot. Callers that retry record each attempt this way
// and free the slot with ReleaseRequest once the request is over.
func (c *Controller) RecordAttempt(ctx context.Context, instanceID string, latency time.Duration, success bool) {
	inst, maxConcurrent, exists := c.instanceWithBudget(instanceID)
	if !exists {
		return
	}
	inst.record(float64(latency.Milliseconds()), success, time.Now(), maxConcurrent)
}

// ReleaseRequest frees the concurrency slot reserved by BeginRequest.
func (c *Controller) ReleaseRequest(ctx context.Context, instanceID string) {
	c.mu.RLock()
	inst, exists := c.instances[instanceID]
	c.mu.RUnlock()
	if !exists {
		return
	}
	inst.release(time.Now())
}

func (c *Controller) instanceWithBudget(instanceID string) (*Instance, int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, exists := c.instances[instanceID]
	maxConcurrent := 0
	if exists {
		if ep, ok := c.endpoints[inst.EndpointID]; ok {
			maxConcurrent = ep.MaxConcurrent
		}
	}
	return inst, maxConcurrent, exists
}

// Candidates implements balancer.CandidateSource: the eligible instance
// set for a model, snapshotted consistently.
func (c *Controller) Candidates(ctx context.Context, model string) []balancer.Candidate {
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []balancer.Candidate
	for _, ep := range c.endpoints {
		if !ep.Enabled || !ep.ServesModel(model) {
			continue
		}
		for _, id := range c.byEndpoint[ep.ID] {
			inst, ok := c.instances[id]
			if !ok {
				continue
			}
			snap := inst.Snapshot()
			if !snap.EligibleForTraffic(now, c.opts.InactivityWindow) {
				continue
			}
			out = append(out, balancer.Candidate{
				InstanceID:  snap.ID,
				EndpointID:  ep.ID,
				BackendKind: ep.BackendKind,
				ModelCount:  ep.ModelCount(),
				ErrorCount:  snap.ConsecutiveErrors,
				UptimeHours: snap.UptimeHours(now),
			})
		}
	}
	return out
}
