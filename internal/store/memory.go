// Package store provides persistence adapters for endpoint
// configuration. The in-memory store is the default; the Redis store
// survives restarts when a Redis instance is configured.
package store

import (
	"context"
	"sync"

	"github.com/davidbz/hearth/internal/domain"
)

// Memory is a map-backed endpoint store. Safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	endpoints map[string]*domain.Endpoint
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{endpoints: make(map[string]*domain.Endpoint)}
}

// Get retrieves an endpoint by ID.
func (m *Memory) Get(_ context.Context, id string) (*domain.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ep, ok := m.endpoints[id]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	cp := *ep
	return &cp, nil
}

// List returns all stored endpoints.
func (m *Memory) List(_ context.Context) ([]*domain.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		cp := *ep
		out = append(out, &cp)
	}
	return out, nil
}

// Put creates or replaces an endpoint record.
func (m *Memory) Put(_ context.Context, endpoint *domain.Endpoint) error {
	if endpoint == nil || endpoint.ID == "" {
		return domain.ValidationError("endpoint ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *endpoint
	m.endpoints[endpoint.ID] = &cp
	return nil
}

// Delete removes an endpoint record.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.endpoints[id]; !ok {
		return domain.ErrCacheMiss
	}
	delete(m.endpoints, id)
	return nil
}
