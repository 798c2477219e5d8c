package balancer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/hearth/internal/balancer"
	"github.com/davidbz/hearth/internal/domain"
)

// stubSource returns a fixed candidate set.
type stubSource struct {
	candidates []balancer.Candidate
}

func (s *stubSource) Candidates(_ context.Context, _ string) []balancer.Candidate {
	return append([]balancer.Candidate(nil), s.candidates...)
}

func candidates(ids ...string) []balancer.Candidate {
	out := make([]balancer.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, balancer.Candidate{InstanceID: id, EndpointID: "ep-1", ModelCount: 5})
	}
	return out
}

func TestSelect(t *testing.T) {
	ctx := context.Background()

	t.Run("should fail with ErrNoCandidate on an empty set", func(t *testing.T) {
		b := balancer.New(&stubSource{})

		_, err := b.Select(ctx, "gpt-4o", balancer.RoundRobin, nil)
		require.ErrorIs(t, err, balancer.ErrNoCandidate)
	})

	t.Run("should fail when every candidate is excluded", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a", "b")})

		_, err := b.Select(ctx, "gpt-4o", balancer.RoundRobin, []string{"a", "b"})
		require.ErrorIs(t, err, balancer.ErrNoCandidate)
	})

	t.Run("should never pick an excluded instance", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a", "b", "c")})

		for range 10 {
			id, err := b.Select(ctx, "gpt-4o", balancer.RoundRobin, []string{"b"})
			require.NoError(t, err)
			require.NotEqual(t, "b", id)
		}
	})

	t.Run("should fall back to round robin for unknown strategies", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a")})

		id, err := b.Select(ctx, "gpt-4o", balancer.Strategy("bogus"), nil)
		require.NoError(t, err)
		require.Equal(t, "a", id)
	})
}

func TestRoundRobin(t *testing.T) {
	ctx := context.Background()

	t.Run("should visit each candidate exactly once per cycle", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a", "b", "c")})

		seen := map[string]int{}
		for range 3 {
			id, err := b.Select(ctx, "gpt-4o", balancer.RoundRobin, nil)
			require.NoError(t, err)
			seen[id]++
		}
		require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
	})

	t.Run("should keep separate cursors per model", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a", "b")})

		first, err := b.Select(ctx, "model-one", balancer.RoundRobin, nil)
		require.NoError(t, err)
		second, err := b.Select(ctx, "model-two", balancer.RoundRobin, nil)
		require.NoError(t, err)

		// A fresh cursor starts both models at the same position.
		require.Equal(t, first, second)
	})
}

func TestLeastConnections(t *testing.T) {
	ctx := context.Background()

	t.Run("should pick the instance with fewest in-flight requests", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a", "b")})

		b.Acquire("a")
		b.Acquire("a")
		b.Acquire("b")

		id, err := b.Select(ctx, "gpt-4o", balancer.LeastConnections, nil)
		require.NoError(t, err)
		require.Equal(t, "b", id)
	})

	t.Run("should rebalance after release", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a", "b")})

		b.Acquire("a")
		b.Acquire("b")
		b.Acquire("b")
		b.Release("b")
		b.Release("b")

		id, err := b.Select(ctx, "gpt-4o", balancer.LeastConnections, nil)
		require.NoError(t, err)
		require.Equal(t, "b", id)
	})
}

func TestResponseTime(t *testing.T) {
	ctx := context.Background()

	t.Run("should pick the instance with lowest average latency", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("fast", "slow")})

		b.ObserveLatency("slow", 900)
		b.ObserveLatency("fast", 100)

		id, err := b.Select(ctx, "gpt-4o", balancer.ResponseTime, nil)
		require.NoError(t, err)
		require.Equal(t, "fast", id)
	})

	t.Run("should prefer instances with no samples", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("fresh", "measured")})

		b.ObserveLatency("measured", 50)

		id, err := b.Select(ctx, "gpt-4o", balancer.ResponseTime, nil)
		require.NoError(t, err)
		require.Equal(t, "fresh", id)
	})

	t.Run("should only keep a rolling window of samples", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a", "b")})

		// Old slow samples on "a" age out of the window.
		for range 10 {
			b.ObserveLatency("a", 1000)
		}
		for range 10 {
			b.ObserveLatency("a", 10)
		}
		b.ObserveLatency("b", 500)

		id, err := b.Select(ctx, "gpt-4o", balancer.ResponseTime, nil)
		require.NoError(t, err)
		require.Equal(t, "a", id)
	})
}

func TestRandom(t *testing.T) {
	ctx := context.Background()

	t.Run("should always pick an eligible instance", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a", "b", "c")})

		for range 20 {
			id, err := b.Select(ctx, "gpt-4o", balancer.Random, nil)
			require.NoError(t, err)
			require.Contains(t, []string{"a", "b", "c"}, id)
		}
	})
}

func TestWeightedRoundRobin(t *testing.T) {
	ctx := context.Background()

	t.Run("should favor specialized endpoints", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: []balancer.Candidate{
			{InstanceID: "generalist", EndpointID: "ep-1", ModelCount: 8},
			{InstanceID: "specialist", EndpointID: "ep-2", ModelCount: 1},
		}})

		counts := map[string]int{}
		for range 8 {
			id, err := b.Select(ctx, "gpt-4o", balancer.WeightedRoundRobin, nil)
			require.NoError(t, err)
			counts[id]++
		}

		// Specialist weight 3 vs generalist weight 1.
		require.Equal(t, 6, counts["specialist"])
		require.Equal(t, 2, counts["generalist"])
	})

	t.Run("should grant REST backends extra weight", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: []balancer.Candidate{
			{InstanceID: "echo", EndpointID: "ep-1", ModelCount: 8, BackendKind: domain.BackendEcho},
			{InstanceID: "rest", EndpointID: "ep-2", ModelCount: 8, BackendKind: domain.BackendREST},
		}})

		counts := map[string]int{}
		for range 6 {
			id, err := b.Select(ctx, "gpt-4o", balancer.WeightedRoundRobin, nil)
			require.NoError(t, err)
			counts[id]++
		}
		require.Equal(t, 4, counts["rest"])
		require.Equal(t, 2, counts["echo"])
	})
}

func TestHealthBased(t *testing.T) {
	ctx := context.Background()

	t.Run("should penalize consecutive errors", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: []balancer.Candidate{
			{InstanceID: "flaky", EndpointID: "ep-1", ErrorCount: 3},
			{InstanceID: "steady", EndpointID: "ep-1", ErrorCount: 0},
		}})

		id, err := b.Select(ctx, "gpt-4o", balancer.HealthBased, nil)
		require.NoError(t, err)
		require.Equal(t, "steady", id)
	})

	t.Run("should reward uptime capped at a day", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: []balancer.Candidate{
			{InstanceID: "young", EndpointID: "ep-1", UptimeHours: 1},
			{InstanceID: "veteran", EndpointID: "ep-1", UptimeHours: 300},
		}})

		id, err := b.Select(ctx, "gpt-4o", balancer.HealthBased, nil)
		require.NoError(t, err)
		require.Equal(t, "veteran", id)
	})
}

func TestModelSpecific(t *testing.T) {
	ctx := context.Background()

	t.Run("should prefer specialists", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: []balancer.Candidate{
			{InstanceID: "generalist", EndpointID: "ep-1", ModelCount: 10},
			{InstanceID: "specialist", EndpointID: "ep-2", ModelCount: 2},
		}})

		for range 5 {
			id, err := b.Select(ctx, "gpt-4o", balancer.ModelSpecific, nil)
			require.NoError(t, err)
			require.Equal(t, "specialist", id)
		}
	})

	t.Run("should consult generalists by response time when no specialist exists", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: []balancer.Candidate{
			{InstanceID: "slow", EndpointID: "ep-1", ModelCount: 10},
			{InstanceID: "fast", EndpointID: "ep-2", ModelCount: 10},
		}})
		b.ObserveLatency("slow", 800)
		b.ObserveLatency("fast", 100)

		id, err := b.Select(ctx, "gpt-4o", balancer.ModelSpecific, nil)
		require.NoError(t, err)
		require.Equal(t, "fast", id)
	})
}

func TestForget(t *testing.T) {
	ctx := context.Background()

	t.Run("should drop state for removed instances", func(t *testing.T) {
		b := balancer.New(&stubSource{candidates: candidates("a", "b")})

		b.Acquire("a")
		b.Acquire("a")
		b.Forget("a")

		// With counts cleared, "a" sorts first again under least connections.
		id, err := b.Select(ctx, "gpt-4o", balancer.LeastConnections, nil)
		require.NoError(t, err)
		require.Equal(t, "a", id)
	})
}

func TestValidStrategy(t *testing.T) {
	t.Run("should accept all known strategies", func(t *testing.T) {
		for _, s := range []balancer.Strategy{
			balancer.RoundRobin, balancer.LeastConnections, balancer.ResponseTime,
			balancer.Random, balancer.WeightedRoundRobin, balancer.HealthBased,
			balancer.ModelSpecific,
		} {
			require.True(t, balancer.ValidStrategy(s))
		}
	})

	t.Run("should reject unknown strategies", func(t *testing.T) {
		require.False(t, balancer.ValidStrategy(balancer.Strategy("magic")))
	})
}
