package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/store"
)

func endpoint(id, name string) *domain.Endpoint {
	return &domain.Endpoint{
		ID:        id,
		Name:      name,
		ModelName: "gpt-4o",
		Enabled:   true,
		Scaling:   domain.ScalingPolicy{MinInstances: 1, MaxInstances: 3},
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("should round-trip an endpoint", func(t *testing.T) {
		s := store.NewMemory()
		require.NoError(t, s.Put(ctx, endpoint("ep-1", "primary")))

		got, err := s.Get(ctx, "ep-1")
		require.NoError(t, err)
		require.Equal(t, "primary", got.Name)
		require.Equal(t, "gpt-4o", got.ModelName)
	})

	t.Run("should miss on unknown IDs", func(t *testing.T) {
		s := store.NewMemory()

		_, err := s.Get(ctx, "nope")
		require.ErrorIs(t, err, domain.ErrCacheMiss)
	})

	t.Run("should reject records without an ID", func(t *testing.T) {
		s := store.NewMemory()

		require.Error(t, s.Put(ctx, endpoint("", "anonymous")))
		require.Error(t, s.Put(ctx, nil))
	})

	t.Run("should replace an existing record", func(t *testing.T) {
		s := store.NewMemory()
		require.NoError(t, s.Put(ctx, endpoint("ep-1", "before")))
		require.NoError(t, s.Put(ctx, endpoint("ep-1", "after")))

		got, err := s.Get(ctx, "ep-1")
		require.NoError(t, err)
		require.Equal(t, "after", got.Name)

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
	})

	t.Run("should list every stored endpoint", func(t *testing.T) {
		s := store.NewMemory()
		require.NoError(t, s.Put(ctx, endpoint("ep-1", "one")))
		require.NoError(t, s.Put(ctx, endpoint("ep-2", "two")))

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
	})

	t.Run("should delete a record", func(t *testing.T) {
		s := store.NewMemory()
		require.NoError(t, s.Put(ctx, endpoint("ep-1", "one")))

		require.NoError(t, s.Delete(ctx, "ep-1"))
		_, err := s.Get(ctx, "ep-1")
		require.ErrorIs(t, err, domain.ErrCacheMiss)
	})

	t.Run("should miss when deleting an unknown ID", func(t *testing.T) {
		s := store.NewMemory()
		require.ErrorIs(t, s.Delete(ctx, "nope"), domain.ErrCacheMiss)
	})

	t.Run("should hand out copies, not shared pointers", func(t *testing.T) {
		s := store.NewMemory()
		original := endpoint("ep-1", "pristine")
		require.NoError(t, s.Put(ctx, original))

		original.Name = "mutated caller copy"
		got, err := s.Get(ctx, "ep-1")
		require.NoError(t, err)
		require.Equal(t, "pristine", got.Name)

		got.Name = "mutated read copy"
		again, err := s.Get(ctx, "ep-1")
		require.NoError(t, err)
		require.Equal(t, "pristine", again.Name)
	})
}
