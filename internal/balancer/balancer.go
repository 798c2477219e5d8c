// Package balancer selects a backend instance for a model according to a
// pluggable strategy. Strategies are pure functions over the candidate set
// plus a small amount of balancer-owned state (cursors, in-flight counts,
// rolling latency windows), each guarded by its own lock so no strategy
// becomes a global bottleneck.
package balancer

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/davidbz/hearth/internal/domain"
)

// Strategy names a selection rule.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	ResponseTime       Strategy = "response_time"
	Random             Strategy = "random"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	HealthBased        Strategy = "health_based"
	ModelSpecific      Strategy = "model_specific"
)

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case RoundRobin, LeastConnections, ResponseTime, Random,
		WeightedRoundRobin, HealthBased, ModelSpecific:
		return true
	}
	return false
}

// latencyWindowSize bounds the rolling latency window per instance.
const latencyWindowSize = 10

// ErrNoCandidate signals an empty eligible set. Callers must treat it as
// "no healthy backend" and fail the request, not retry indefinitely.
var ErrNoCandidate = errors.New("no eligible instance")

// Candidate is one selectable instance, snapshotted by the registry.
type Candidate struct {
	InstanceID  string
	EndpointID  string
	BackendKind domain.BackendKind

	// ModelCount is the number of distinct models the owning endpoint
	// serves; low counts indicate specialization.
	ModelCount int

	ErrorCount  int
	UptimeHours float64
}

// CandidateSource produces the eligible candidate set for a model:
// RUNNING instances serving the model whose health and recent activity
// permit traffic.
type CandidateSource interface {
	Candidates(ctx context.Context, model string) []Candidate
}

// Balancer selects instances from a candidate source.
type Balancer struct {
	source CandidateSource

	cursorMu sync.Mutex
	cursors  map[string]int // model -> round-robin cursor

	wrrMu      sync.Mutex
	wrrCursors map[string]int

	inflightMu sync.Mutex
	inflight   map[string]int // instance ID -> in-flight count

	latencyMu sync.Mutex
	latencies map[string]*latencyWindow
}

// New creates a balancer over the given candidate source.
func New(source CandidateSource) *Balancer {
	return &Balancer{
		source:     source,
		cursors:    make(map[string]int),
		wrrCursors: make(map[string]int),
		inflight:   make(map[string]int),
		latencies:  make(map[string]*latencyWindow),
	}
}

// Select picks one eligible instance for the model using the given
// strategy. Excluded instance IDs are removed from the candidate set
// first. An empty eligible set returns ErrNoCandidate.
func (b *Balancer) Select(ctx context.Context, model string, strategy Strategy, exclude []string) (string, error) {
	candidates := b.source.Candidates(ctx, model)
	if len(exclude) > 0 {
		excluded := make(map[string]struct{}, len(exclude))
		for _, id := range exclude {
			excluded[id] = struct{}{}
		}
		kept := candidates[:0]
		for _, c := range candidates {
			if _, skip := excluded[c.InstanceID]; !skip {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	if len(candidates) == 0 {
		return "", ErrNoCandidate
	}

	// Selections must not depend on map iteration order.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].InstanceID < candidates[j].InstanceID
	})

	switch strategy {
	case LeastConnections:
		return b.selectLeastConnections(candidates), nil
	case ResponseTime:
		return b.selectResponseTime(candidates), nil
	case Random:
		return candidates[rand.IntN(len(candidates))].InstanceID, nil
	case WeightedRoundRobin:
		return b.selectWeighted(model, candidates), nil
	case HealthBased:
		return b.selectHealthBased(candidates), nil
	case ModelSpecific:
		return b.selectModelSpecific(model, candidates), nil
	default:
		return b.selectRoundRobin(model, candidates), nil
	}
}

// Acquire increments the in-flight count used by least_connections.
func (b *Balancer) Acquire(instanceID string) {
	b.inflightMu.Lock()
	b.inflight[instanceID]++
	b.inflightMu.Unlock()
}

// Release decrements the in-flight count.
func (b *Balancer) Release(instanceID string) {
	b.inflightMu.Lock()
	if b.inflight[instanceID] > 0 {
		b.inflight[instanceID]--
	}
	b.inflightMu.Unlock()
}

// ObserveLatency records a completed call's latency in the instance's
// rolling window used by response_time.
func (b *Balancer) ObserveLatency(instanceID string, latencyMs float64) {
	b.latencyMu.Lock()
	w, ok := b.latencies[instanceID]
	if !ok {
		w = &latencyWindow{}
		b.latencies[instanceID] = w
	}
	w.add(latencyMs)
	b.latencyMu.Unlock()
}

// Forget drops balancer-owned state for an instance that left the
// registry.
func (b *Balancer) Forget(instanceID string) {
	b.inflightMu.Lock()
	delete(b.inflight, instanceID)
	b.inflightMu.Unlock()

	b.latencyMu.Lock()
	delete(b.latencies, instanceID)
	b.latencyMu.Unlock()
}

func (b *Balancer) selectRoundRobin(model string, candidates []Candidate) string {
	b.cursorMu.Lock()
	defer b.cursorMu.Unlock()

	idx := b.cursors[model] % len(candidates)
	b.cursors[model]++
	return candidates[idx].InstanceID
}

func (b *Balancer) selectLeastConnections(candidates []Candidate) string {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()

	best := candidates[0]
	bestCount := b.inflight[best.InstanceID]
	for _, c := range candidates[1:] {
		if count := b.inflight[c.InstanceID]; count < bestCount {
			best, bestCount = c, count
		}
	}
	return best.InstanceID
}

func (b *Balancer) selectResponseTime(candidates []Candidate) string {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()

	best := candidates[0]
	bestAvg := b.windowAvg(best.InstanceID)
	for _, c := range candidates[1:] {
		if avg := b.windowAvg(c.InstanceID); avg < bestAvg {
			best, bestAvg = c, avg
		}
	}
	return best.InstanceID
}

// windowAvg must be called with latencyMu held. Instances with no samples
// rank first so new capacity gets traffic.
func (b *Balancer) windowAvg(instanceID string) float64 {
	w, ok := b.latencies[instanceID]
	if !ok || w.count == 0 {
		return 0
	}
	return w.avg()
}

// selectWeighted expands candidates by weight and cycles over the
// expanded list. Specialized endpoints and REST backends get extra
// weight.
func (b *Balancer) selectWeighted(model string, candidates []Candidate) string {
	expanded := make([]string, 0, len(candidates)*2)
	for _, c := range candidates {
		for i := 0; i < candidateWeight(c); i++ {
			expanded = append(expanded, c.InstanceID)
		}
	}

	b.wrrMu.Lock()
	defer b.wrrMu.Unlock()

	idx := b.wrrCursors[model] % len(expanded)
	b.wrrCursors[model]++
	return expanded[idx]
}

func candidateWeight(c Candidate) int {
	weight := 1
	if c.ModelCount <= 2 {
		weight += 2
	}
	if c.BackendKind == domain.BackendREST {
		weight++
	}
	return weight
}

func (b *Balancer) selectHealthBased(candidates []Candidate) string {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()

	best := candidates[0]
	bestScore := b.healthScore(best)
	for _, c := range candidates[1:] {
		if score := b.healthScore(c); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best.InstanceID
}

// healthScore must be called with latencyMu held.
func (b *Balancer) healthScore(c Candidate) float64 {
	uptime := c.UptimeHours
	if uptime > 24 {
		uptime = 24
	}
	latencySec := b.windowAvg(c.InstanceID) / 1000
	latencyBonus := 10 - latencySec
	if latencyBonus < 0 {
		latencyBonus = 0
	}
	return 100 - 10*float64(c.ErrorCount) + uptime + latencyBonus
}

// selectModelSpecific prefers instances whose endpoint serves at most two
// models; generalists are consulted by response time only when no
// specialist exists.
func (b *Balancer) selectModelSpecific(model string, candidates []Candidate) string {
	specialists := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.ModelCount <= 2 {
			specialists = append(specialists, c)
		}
	}

	if len(specialists) > 0 {
		return b.selectRoundRobin(model+"#specific", specialists)
	}
	return b.selectResponseTime(candidates)
}

// latencyWindow is a fixed-size ring of recent latency samples.
type latencyWindow struct {
	samples [latencyWindowSize]float64
	next    int
	count   int
}

func (w *latencyWindow) add(latencyMs float64) {
	w.samples[w.next] = latencyMs
	w.next = (w.next + 1) % latencyWindowSize
	if w.count < latencyWindowSize {
		w.count++
	}
}

func (w *latencyWindow) avg() float64 {
	if w.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < w.count; i++ {
		sum += w.samples[i]
	}
	return sum / float64(w.count)
}
