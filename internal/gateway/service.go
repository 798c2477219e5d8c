// Package gateway is the routing layer: it picks an instance for each
// request, dispatches it with retry and backoff, attempts one fallback
// reroute on sustained failure, and feeds outcomes back into the
// registry and balancer so future selections improve.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/davidbz/hearth/internal/balancer"
	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/metrics"
	"github.com/davidbz/hearth/internal/observability"
	"github.com/davidbz/hearth/internal/registry"
)

// PinnedInstanceKey is the request metadata key that bypasses instance
// selection. The pinned instance must be RUNNING; otherwise the request
// fails without fallback.
const PinnedInstanceKey = "instance_id"

// Options tunes routing behavior.
type Options struct {
	MaxRetries      int
	RetryBaseDelay  time.Duration
	DispatchTimeout time.Duration
	FallbackEnabled bool
	DefaultStrategy balancer.Strategy
}

// DefaultOptions returns the standard routing policy.
func DefaultOptions() Options {
	return Options{
		MaxRetries:      2,
		RetryBaseDelay:  500 * time.Millisecond,
		DispatchTimeout: 2 * time.Minute,
		FallbackEnabled: true,
		DefaultStrategy: balancer.RoundRobin,
	}
}

// Service routes canonical requests to backend instances.
type Service struct {
	registry  *registry.Controller
	balancer  *balancer.Balancer
	collector *metrics.Collector
	bus       *observability.Bus
	opts      Options

	strategyMu sync.RWMutex
	strategy   balancer.Strategy

	unsubscribe func()
}

// NewService creates the routing service (DI constructor).
func NewService(
	reg *registry.Controller,
	bal *balancer.Balancer,
	collector *metrics.Collector,
	bus *observability.Bus,
	opts Options,
) *Service {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultOptions().RetryBaseDelay
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultOptions().DispatchTimeout
	}
	if !balancer.ValidStrategy(opts.DefaultStrategy) {
		opts.DefaultStrategy = balancer.RoundRobin
	}

	return &Service{
		registry:  reg,
		balancer:  bal,
		collector: collector,
		bus:       bus,
		opts:      opts,
		strategy:  opts.DefaultStrategy,
	}
}

// Start subscribes to registry lifecycle events so balancer state for
// departed instances is released promptly.
func (s *Service) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}

	events, cancel := s.bus.Subscribe(64)
	s.unsubscribe = cancel

	go func() {
		for event := range events {
			switch event.Type {
			case "instance_stopped", "instance_reaped":
				if id, ok := event.Data["instance_id"].(string); ok {
					s.balancer.Forget(id)
				}
			}
		}
	}()
	return nil
}

// Stop releases the event subscription.
func (s *Service) Stop(_ context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	return nil
}

// Strategy returns the active selection strategy.
func (s *Service) Strategy() balancer.Strategy {
	s.strategyMu.RLock()
	defer s.strategyMu.RUnlock()
	return s.strategy
}

// SetStrategy switches the selection strategy at runtime.
func (s *Service) SetStrategy(strategy balancer.Strategy) error {
	if !balancer.ValidStrategy(strategy) {
		return domain.ValidationError("unknown strategy %q", strategy)
	}
	s.strategyMu.Lock()
	s.strategy = strategy
	s.strategyMu.Unlock()
	return nil
}

// Models lists the model names currently routable.
func (s *Service) Models() []string {
	return s.registry.Models()
}

// Complete routes a non-streaming request. Transient failures are
// retried on the same instance with exponential backoff; if the instance
// keeps failing, one fallback reselection excluding it is attempted.
func (s *Service) Complete(ctx context.Context, req *domain.CanonicalRequest) (*domain.CanonicalResponse, error) {
	if req == nil {
		return nil, domain.ValidationError("request cannot be nil")
	}

	if s.collector != nil {
		s.collector.RequestStarted()
	}
	start := time.Now()

	resp, err := s.route(ctx, req)

	if s.collector != nil {
		status := "success"
		if err != nil {
			status = string(domain.AsError(err).Kind)
		}
		s.collector.RequestFinished(string(req.Protocol), req.Model, status, time.Since(start).Seconds())
	}
	return resp, err
}

func (s *Service) route(ctx context.Context, req *domain.CanonicalRequest) (*domain.CanonicalResponse, error) {
	logger := observability.FromContext(ctx)

	instanceID, pinned, err := s.pickInstance(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.dispatch(ctx, instanceID, req)
	if err == nil {
		return resp, nil
	}
	if pinned || !s.fallbackEligible(err) {
		return nil, err
	}

	// One reselection, excluding the instance that just failed. A second
	// miss fails the request.
	logger.Warn("dispatch failed, attempting fallback",
		observability.String("instance", instanceID),
		observability.Error(err))

	fallbackID, _, selErr := s.pickInstance(ctx, req, []string{instanceID})
	if selErr != nil {
		return nil, err
	}
	if s.collector != nil {
		s.collector.FallbackRecorded()
	}

	return s.dispatch(ctx, fallbackID, req)
}

// Stream routes a streaming request. Selection, retry, and fallback apply
// until the upstream stream opens; after the first chunk the stream is
// committed and mid-stream failures terminate it.
func (s *Service) Stream(ctx context.Context, req *domain.CanonicalRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, domain.ValidationError("request cannot be nil")
	}

	instanceID, pinned, err := s.pickInstance(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	chunks, err := s.openStream(ctx, instanceID, req)
	if err == nil {
		return chunks, nil
	}
	if pinned || !s.fallbackEligible(err) {
		return nil, err
	}

	fallbackID, _, selErr := s.pickInstance(ctx, req, []string{instanceID})
	if selErr != nil {
		return nil, err
	}
	if s.collector != nil {
		s.collector.FallbackRecorded()
	}

	return s.openStream(ctx, fallbackID, req)
}

// pickInstance resolves the target instance: the pinned instance when the
// caller named one, otherwise a balancer selection.
func (s *Service) pickInstance(ctx context.Context, req *domain.CanonicalRequest, exclude []string) (string, bool, error) {
	if pinnedID := req.Metadata[PinnedInstanceKey]; pinnedID != "" {
		snap, err := s.registry.Instance(pinnedID)
		if err != nil {
			return "", true, err
		}
		if snap.Status != registry.StatusRunning {
			return "", true, domain.UnavailableError("pinned instance is not running")
		}
		return pinnedID, true, nil
	}

	instanceID, err := s.balancer.Select(ctx, req.Model, s.Strategy(), exclude)
	if errors.Is(err, balancer.ErrNoCandidate) {
		return "", false, domain.UnavailableError("no healthy instance for model " + req.Model)
	}
	if err != nil {
		return "", false, err
	}
	return instanceID, false, nil
}

// dispatch sends the request to one instance, retrying transient failures
// with exponential backoff. The registry and balancer are informed of
// every attempt's outcome; the concurrency slot stays reserved for the
// whole retry loop.
func (s *Service) dispatch(ctx context.Context, instanceID string, req *domain.CanonicalRequest) (*domain.CanonicalResponse, error) {
	backend, err := s.registry.Backend(instanceID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.BeginRequest(ctx, instanceID); err != nil {
		return nil, err
	}
	defer s.registry.ReleaseRequest(ctx, instanceID)

	s.balancer.Acquire(instanceID)
	defer s.balancer.Release(instanceID)

	ctx = observability.WithInstance(ctx, instanceID)
	logger := observability.FromContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if s.collector != nil {
				s.collector.RetryRecorded(req.Model)
			}
			if waitErr := s.backoff(ctx, attempt, lastErr); waitErr != nil {
				break
			}
			logger.Info("retrying dispatch",
				observability.Int("attempt", attempt))
		}

		attemptStart := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
		resp, callErr := backend.Send(callCtx, req)
		cancel()
		latency := time.Since(attemptStart)

		s.registry.RecordAttempt(ctx, instanceID, latency, callErr == nil)
		s.balancer.ObserveLatency(instanceID, float64(latency.Milliseconds()))

		if callErr == nil {
			return resp, nil
		}
		lastErr = callErr
		if !domain.IsRetryable(callErr) {
			break
		}
	}
	return nil, lastErr
}

// openStream opens a streaming dispatch on one instance, retrying until
// the stream starts. The returned channel relays upstream chunks and
// reports the final outcome to the registry when the stream ends.
func (s *Service) openStream(ctx context.Context, instanceID string, req *domain.CanonicalRequest) (<-chan domain.StreamChunk, error) {
	backend, err := s.registry.Backend(instanceID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.BeginRequest(ctx, instanceID); err != nil {
		return nil, err
	}

	ctx = observability.WithInstance(ctx, instanceID)
	start := time.Now()

	var upstream <-chan domain.StreamChunk
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if s.collector != nil {
				s.collector.RetryRecorded(req.Model)
			}
			if waitErr := s.backoff(ctx, attempt, lastErr); waitErr != nil {
				break
			}
		}

		upstream, lastErr = backend.Stream(ctx, req)
		if lastErr == nil {
			break
		}
		if !domain.IsRetryable(lastErr) {
			break
		}
	}
	if lastErr != nil {
		s.registry.EndRequest(ctx, instanceID, time.Since(start), false)
		return nil, lastErr
	}

	s.balancer.Acquire(instanceID)

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)

		success := true
		for chunk := range upstream {
			if chunk.Error != nil {
				success = false
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				success = false
				// Drain the abandoned stream so the producer can finish
				// even if it does not honor the context.
				for range upstream {
				}
				s.finishStream(ctx, instanceID, req, start, success)
				return
			}
		}
		s.finishStream(ctx, instanceID, req, start, success)
	}()
	return out, nil
}

func (s *Service) finishStream(ctx context.Context, instanceID string, req *domain.CanonicalRequest, start time.Time, success bool) {
	latency := time.Since(start)
	s.registry.EndRequest(ctx, instanceID, latency, success)
	s.balancer.ObserveLatency(instanceID, float64(latency.Milliseconds()))
	s.balancer.Release(instanceID)

	if s.collector != nil {
		status := "success"
		if !success {
			status = "stream_error"
		}
		s.collector.RequestFinished(string(req.Protocol), req.Model, status, latency.Seconds())
	}
}

// backoff sleeps base*2^(attempt-1), or the provider's Retry-After hint
// when it is longer. Context cancellation aborts the wait.
func (s *Service) backoff(ctx context.Context, attempt int, cause error) error {
	delay := s.opts.RetryBaseDelay << (attempt - 1)

	var gerr *domain.Error
	if errors.As(cause, &gerr) && gerr.RetryAfter > delay {
		delay = gerr.RetryAfter
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fallbackEligible reports whether a dispatch failure justifies trying a
// different instance. Caller mistakes never do.
func (s *Service) fallbackEligible(err error) bool {
	if !s.opts.FallbackEnabled {
		return false
	}
	switch domain.AsError(err).Kind {
	case domain.KindInvalidRequest, domain.KindAuthFailed, domain.KindNotFound:
		return false
	}
	return true
}
