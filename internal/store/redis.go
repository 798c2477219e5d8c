package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/observability"
)

const endpointKeyPrefix = "hearth:endpoint:"

// Redis persists endpoint records as JSON values so registered
// endpoints survive process restarts.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed endpoint store and verifies
// connectivity.
func NewRedis(ctx context.Context, client *redis.Client) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Get retrieves an endpoint by ID.
func (r *Redis) Get(ctx context.Context, id string) (*domain.Endpoint, error) {
	data, err := r.client.Get(ctx, endpointKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}

	var ep domain.Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("failed to decode endpoint record: %w", err)
	}
	return &ep, nil
}

// List returns all stored endpoints. Records that fail to decode are
// skipped and logged rather than failing the whole listing.
func (r *Redis) List(ctx context.Context) ([]*domain.Endpoint, error) {
	logger := observability.FromContext(ctx)

	var endpoints []*domain.Endpoint
	iter := r.client.Scan(ctx, 0, endpointKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list endpoints: %w", err)
		}

		var ep domain.Endpoint
		if err := json.Unmarshal(data, &ep); err != nil {
			logger.Warn("skipping corrupt endpoint record",
				observability.String("key", iter.Val()),
				observability.Error(err))
			continue
		}
		endpoints = append(endpoints, &ep)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan endpoints: %w", err)
	}
	return endpoints, nil
}

// Put creates or replaces an endpoint record.
func (r *Redis) Put(ctx context.Context, endpoint *domain.Endpoint) error {
	if endpoint == nil || endpoint.ID == "" {
		return domain.ValidationError("endpoint ID is required")
	}

	data, err := json.Marshal(endpoint)
	if err != nil {
		return fmt.Errorf("failed to encode endpoint record: %w", err)
	}
	if err := r.client.Set(ctx, endpointKeyPrefix+endpoint.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store endpoint: %w", err)
	}
	return nil
}

// Delete removes an endpoint record.
func (r *Redis) Delete(ctx context.Context, id string) error {
	removed, err := r.client.Del(ctx, endpointKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	if removed == 0 {
		return domain.ErrCacheMiss
	}
	return nil
}
