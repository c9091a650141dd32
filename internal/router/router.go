// Package router selects a serving endpoint for each inbound request.
//
// Routing operates on the registry's current immutable snapshot and is
// deterministic: an identical snapshot, strategy, and request context
// always yield the same endpoint. Canary-state endpoints receive their
// committed traffic fraction via a stable hash of the request context;
// the configured strategy then scores the remaining active set.
package router

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/logging"
	"github.com/llm-d-incubation/model-rollout-controller/internal/registry"
)

// DefaultLoadThreshold is the load cutoff for performance-optimized
// candidate filtering.
const DefaultLoadThreshold = 0.8

// DefaultScoringWindow is the metrics window consulted for latency scores.
const DefaultScoringWindow = time.Minute

// RequestContext carries the per-request inputs to a routing decision.
type RequestContext struct {
	// ID identifies the request. It seeds the canary traffic split, so
	// the same ID always lands on the same side of the split for a given
	// snapshot.
	ID string
}

// MetricsReader is the collector surface the router consults.
type MetricsReader interface {
	GetAggregate(endpointID string, window time.Duration) interfaces.AggregateWindow
	Load(endpointID string) float64
}

// Observer is notified of every routing decision. Implementations must be
// cheap; they run on the hot path.
type Observer interface {
	Routed(model, endpointID string)
	RouteFailed(model string)
}

// Config configures a Router.
type Config struct {
	Strategy        Strategy
	Weights         BalancedWeights
	LoadThreshold   float64
	ScoringWindow   time.Duration
	Observer        Observer // optional
}

// Router routes requests to model endpoints.
type Router struct {
	registry *registry.Registry
	metrics  MetricsReader
	cfg      Config
	stats    *routeStats
}

// New creates a Router over the given registry and metrics.
func New(reg *registry.Registry, metrics MetricsReader, cfg Config) *Router {
	if cfg.LoadThreshold <= 0 || cfg.LoadThreshold > 1 {
		cfg.LoadThreshold = DefaultLoadThreshold
	}
	if cfg.ScoringWindow <= 0 {
		cfg.ScoringWindow = DefaultScoringWindow
	}
	if cfg.Weights == (BalancedWeights{}) {
		cfg.Weights = DefaultBalancedWeights
	}
	return &Router{
		registry: reg,
		metrics:  metrics,
		cfg:      cfg,
		stats:    newRouteStats(),
	}
}

// Route selects the endpoint that serves the request, or
// ErrNoHealthyEndpoint when no viable candidate exists. It never falls
// back to a possibly-wrong version silently.
func (r *Router) Route(model string, reqCtx RequestContext) (interfaces.ModelEndpoint, error) {
	snap, ok := r.registry.GetSnapshot(model)
	if !ok {
		r.routeFailed(model)
		return interfaces.ModelEndpoint{}, interfaces.ErrNoHealthyEndpoint
	}
	ep, err := r.routeSnapshot(snap, reqCtx)
	if err != nil {
		r.routeFailed(model)
		return interfaces.ModelEndpoint{}, err
	}
	r.stats.record(model, ep.ID)
	if r.cfg.Observer != nil {
		r.cfg.Observer.Routed(model, ep.ID)
	}
	logging.Log.V(logging.TRACE).Info("routed request",
		"model", model, "endpoint", ep.ID, "version", ep.Version, "strategy", r.cfg.Strategy.String())
	return ep, nil
}

func (r *Router) routeFailed(model string) {
	if r.cfg.Observer != nil {
		r.cfg.Observer.RouteFailed(model)
	}
}

// routeSnapshot is the pure routing decision over one snapshot.
func (r *Router) routeSnapshot(snap *registry.Snapshot, reqCtx RequestContext) (interfaces.ModelEndpoint, error) {
	// Canary split first: a canary endpoint owns the hash fraction of
	// traffic matching its committed weight.
	if canary, ok := canaryOf(snap); ok && canary.Weight > 0 && canary.Healthy {
		if int(hashFraction(reqCtx.ID)) < canary.Weight {
			return canary, nil
		}
	}

	candidates := activeCandidates(snap)
	if len(candidates) == 0 {
		// The active set may be empty with the canary holding all
		// traffic (final ramp step).
		if canary, ok := canaryOf(snap); ok && canary.Weight == 100 && canary.Healthy {
			return canary, nil
		}
		return interfaces.ModelEndpoint{}, interfaces.ErrNoHealthyEndpoint
	}

	scored := r.attach(candidates)
	if r.cfg.Strategy == PerformanceOptimized {
		// Prefer endpoints under the load threshold; if none qualify,
		// fall back to the full healthy set.
		under := make([]candidate, 0, len(scored))
		for _, c := range scored {
			if c.load < r.cfg.LoadThreshold {
				under = append(under, c)
			}
		}
		if len(under) > 0 {
			scored = under
		}
	}

	best := scored[0]
	bestScore := r.cfg.Strategy.score(best, r.cfg.Weights)
	for _, c := range scored[1:] {
		s := r.cfg.Strategy.score(c, r.cfg.Weights)
		// Strict improvement only: candidates are in ID order, so ties
		// resolve to the lexically smallest endpoint ID.
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	return best.endpoint, nil
}

// attach joins each candidate with its current metrics signals.
func (r *Router) attach(endpoints []interfaces.ModelEndpoint) []candidate {
	out := make([]candidate, len(endpoints))
	for i, ep := range endpoints {
		agg := r.metrics.GetAggregate(ep.ID, r.cfg.ScoringWindow)
		out[i] = candidate{
			endpoint: ep,
			latency:  agg.AvgLatency,
			load:     r.metrics.Load(ep.ID),
		}
	}
	return out
}

// Stats returns per-endpoint route counts for a model.
func (r *Router) Stats(model string) map[string]uint64 {
	return r.stats.snapshot(model)
}

func canaryOf(snap *registry.Snapshot) (interfaces.ModelEndpoint, bool) {
	for _, ep := range snap.Endpoints {
		if ep.State == interfaces.StateCanary {
			return ep, true
		}
	}
	return interfaces.ModelEndpoint{}, false
}

// activeCandidates returns the healthy active endpoints carrying weight,
// in ID order (snapshots are already ID-sorted).
func activeCandidates(snap *registry.Snapshot) []interfaces.ModelEndpoint {
	out := make([]interfaces.ModelEndpoint, 0, len(snap.Endpoints))
	for _, ep := range snap.Endpoints {
		if ep.State == interfaces.StateActive && ep.Healthy && ep.Weight > 0 {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// hashFraction maps a request ID onto [0,100) with a stable hash.
func hashFraction(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32() % 100
}
