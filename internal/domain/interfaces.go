package domain

import "context"

// Backend is the capability contract every concrete execution strategy
// must satisfy. The gateway depends only on this interface and is
// agnostic to whether the implementation is an HTTP client, a browser
// session, or anything else.
type Backend interface {
	// Start brings the backend execution context up.
	Start(ctx context.Context) error

	// Send dispatches a request and returns the full response.
	Send(ctx context.Context, req *CanonicalRequest) (*CanonicalResponse, error)

	// Stream dispatches a request and returns a finite, non-restartable
	// sequence of response fragments. The channel is closed after the
	// final chunk.
	Stream(ctx context.Context, req *CanonicalRequest) (<-chan StreamChunk, error)

	// HealthCheck probes liveness.
	HealthCheck(ctx context.Context) bool

	// Stop tears the backend down. Idempotent.
	Stop(ctx context.Context) error
}

// Store is the persistence boundary for endpoint configuration. The
// concrete store is an external collaborator.
type Store interface {
	// Get retrieves an endpoint by ID.
	Get(ctx context.Context, id string) (*Endpoint, error)

	// List returns all stored endpoints.
	List(ctx context.Context) ([]*Endpoint, error)

	// Put creates or replaces an endpoint record.
	Put(ctx context.Context, endpoint *Endpoint) error

	// Delete removes an endpoint record.
	Delete(ctx context.Context, id string) error
}

// EventPublisher publishes lifecycle events for observability.
type EventPublisher interface {
	// Publish publishes an event with the given type and data. It must
	// never block the caller's critical path.
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}
