// Package optimizer establishes fleet performance baselines and detects
// degradation and cost inefficiency, emitting ranked recommendations.
package optimizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/logging"
	"github.com/llm-d-incubation/model-rollout-controller/internal/registry"
	"github.com/llm-d-incubation/model-rollout-controller/internal/rollout"
)

// MetricsReader is the collector surface the optimizer reads.
type MetricsReader interface {
	GetAggregate(endpointID string, window time.Duration) interfaces.AggregateWindow
}

// Baseline is a reference snapshot of a model's aggregate metrics over a
// stable historical period.
type Baseline struct {
	Model         string
	EstablishedAt time.Time

	// Per-endpoint reference aggregates at establishment time.
	Endpoints map[string]interfaces.AggregateWindow

	// MeanErrorRate and MeanP95 summarize the weighted fleet, smoothed
	// across endpoints.
	MeanErrorRate float64
	MeanP95       time.Duration
}

// Options configures an Optimizer.
type Options struct {
	Registry *registry.Registry
	Metrics  MetricsReader
	Sink     interfaces.NotificationSink // optional

	// BaselineWindow is the historical period a baseline summarizes.
	// Zero means 15 minutes.
	BaselineWindow time.Duration

	// Tolerance is the allowed relative degradation before a breach is
	// reported. Zero means the canary defaults (5% error rate, 10%
	// latency).
	Tolerance rollout.SuccessCriteria

	// LatencySLA bounds acceptable p95 latency when recommending a
	// cheaper endpoint. Zero disables the SLA check.
	LatencySLA time.Duration

	Clock clock.PassiveClock // nil means real time
}

// Optimizer analyzes fleet metrics against established baselines.
type Optimizer struct {
	registry *registry.Registry
	metrics  MetricsReader
	sink     interfaces.NotificationSink
	window   time.Duration
	tol      rollout.SuccessCriteria
	sla      time.Duration
	clock    clock.PassiveClock

	mu        sync.Mutex
	baselines map[string]*Baseline
}

// New creates an Optimizer.
func New(opts Options) *Optimizer {
	if opts.BaselineWindow == 0 {
		opts.BaselineWindow = 15 * time.Minute
	}
	zero := rollout.SuccessCriteria{}
	if opts.Tolerance == zero {
		opts.Tolerance = rollout.SuccessCriteria{
			MaxErrorRateIncrease: rollout.DefaultMaxErrorRateIncrease,
			MaxLatencyIncrease:   rollout.DefaultMaxLatencyIncrease,
			AbsoluteErrorRate:    rollout.DefaultAbsoluteErrorRate,
			AbsoluteLatency:      rollout.DefaultAbsoluteLatency,
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Optimizer{
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		sink:      opts.Sink,
		window:    opts.BaselineWindow,
		tol:       opts.Tolerance,
		sla:       opts.LatencySLA,
		clock:     opts.Clock,
		baselines: make(map[string]*Baseline),
	}
}

// EstablishBaseline snapshots the model's current aggregates as the
// reference for later degradation analysis.
func (o *Optimizer) EstablishBaseline(ctx context.Context, model string) (*Baseline, error) {
	snap, ok := o.registry.GetSnapshot(model)
	if !ok {
		return nil, interfaces.NewValidationError("unknown model %q", model)
	}

	b := &Baseline{
		Model:         model,
		EstablishedAt: o.clock.Now(),
		Endpoints:     make(map[string]interfaces.AggregateWindow),
	}
	var errRates, latencies, weights []float64
	for _, ep := range snap.Endpoints {
		if ep.State != interfaces.StateActive || ep.Weight == 0 {
			continue
		}
		agg := o.metrics.GetAggregate(ep.ID, o.window)
		b.Endpoints[ep.ID] = agg
		errRates = append(errRates, agg.ErrorRate)
		latencies = append(latencies, float64(agg.P95Latency))
		weights = append(weights, float64(ep.Weight))
	}
	if len(errRates) == 0 {
		return nil, interfaces.NewValidationError("model %q has no active weighted endpoints", model)
	}
	b.MeanErrorRate = stat.Mean(errRates, weights)
	b.MeanP95 = time.Duration(stat.Mean(latencies, weights))

	o.mu.Lock()
	o.baselines[model] = b
	o.mu.Unlock()

	logging.FromContext(ctx).Info("baseline established",
		"model", model, "meanErrorRate", b.MeanErrorRate, "meanP95", b.MeanP95,
		"endpoints", len(b.Endpoints))
	return b, nil
}

// AnalyzeDegradation recomputes current aggregates, applies the same
// relative-delta comparison the canary evaluation uses against the stored
// baseline, and returns recommendations ranked by estimated improvement.
func (o *Optimizer) AnalyzeDegradation(ctx context.Context, model string) ([]interfaces.Recommendation, error) {
	o.mu.Lock()
	base, ok := o.baselines[model]
	o.mu.Unlock()
	if !ok {
		return nil, interfaces.NewValidationError("no baseline established for model %q", model)
	}
	snap, ok := o.registry.GetSnapshot(model)
	if !ok {
		return nil, interfaces.NewValidationError("unknown model %q", model)
	}

	var recs []interfaces.Recommendation
	for _, ep := range snap.Endpoints {
		if ep.State != interfaces.StateActive || ep.Weight == 0 {
			continue
		}
		cur := o.metrics.GetAggregate(ep.ID, o.window)
		recs = append(recs, o.analyzeEndpoint(ep, cur, base)...)
	}
	recs = append(recs, o.costRecommendations(snap)...)

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].ExpectedImprovement > recs[j].ExpectedImprovement
	})

	for _, rec := range recs {
		o.notifyRecommendation(ctx, model, rec)
	}
	return recs, nil
}

// analyzeEndpoint flags degradation of one endpoint against the fleet
// baseline.
func (o *Optimizer) analyzeEndpoint(ep interfaces.ModelEndpoint, cur interfaces.AggregateWindow, base *Baseline) []interfaces.Recommendation {
	var recs []interfaces.Recommendation
	confidence := sampleConfidence(cur.SampleCount)

	if delta, ok := rollout.RelativeIncrease(cur.ErrorRate, base.MeanErrorRate); ok {
		if delta > o.tol.MaxErrorRateIncrease {
			recs = append(recs, interfaces.Recommendation{
				Type: interfaces.RecommendationScaleUp,
				Description: fmt.Sprintf(
					"endpoint %s error rate %.4f is %.0f%% above the %.4f baseline; scale up or investigate",
					ep.ID, cur.ErrorRate, delta*100, base.MeanErrorRate),
				ExpectedImprovement: delta,
				Confidence:          confidence,
			})
		}
	} else if cur.ErrorRate > o.tol.AbsoluteErrorRate {
		recs = append(recs, interfaces.Recommendation{
			Type: interfaces.RecommendationScaleUp,
			Description: fmt.Sprintf(
				"endpoint %s error rate %.4f exceeds the absolute tolerance %.4f",
				ep.ID, cur.ErrorRate, o.tol.AbsoluteErrorRate),
			ExpectedImprovement: cur.ErrorRate - o.tol.AbsoluteErrorRate,
			Confidence:          confidence,
		})
	}

	if delta, ok := rollout.RelativeIncrease(float64(cur.P95Latency), float64(base.MeanP95)); ok && delta > o.tol.MaxLatencyIncrease {
		recs = append(recs, interfaces.Recommendation{
			Type: interfaces.RecommendationEnableCaching,
			Description: fmt.Sprintf(
				"endpoint %s p95 latency %s is %.0f%% above the %s baseline; enable response caching or scale up",
				ep.ID, cur.P95Latency, delta*100, base.MeanP95),
			ExpectedImprovement: delta,
			Confidence:          confidence,
		})
	}
	return recs
}

// costRecommendations suggests shifting traffic to a cheaper endpoint
// that still meets the latency SLA.
func (o *Optimizer) costRecommendations(snap *registry.Snapshot) []interfaces.Recommendation {
	var cheapest *interfaces.ModelEndpoint
	var current *interfaces.ModelEndpoint
	for i := range snap.Endpoints {
		ep := &snap.Endpoints[i]
		if ep.State != interfaces.StateActive || !ep.Healthy {
			continue
		}
		if ep.Weight > 0 && (current == nil || ep.Weight > current.Weight) {
			current = ep
		}
		if o.meetsSLA(ep.ID) && (cheapest == nil || ep.CostPerToken < cheapest.CostPerToken) {
			cheapest = ep
		}
	}
	if cheapest == nil || current == nil || cheapest.ID == current.ID {
		return nil
	}
	if cheapest.CostPerToken >= current.CostPerToken {
		return nil
	}
	saving := 1 - cheapest.CostPerToken/current.CostPerToken
	return []interfaces.Recommendation{{
		Type: interfaces.RecommendationSwitchEndpoint,
		Description: fmt.Sprintf(
			"endpoint %s serves within the latency SLA at %.4f/token vs %.4f/token on %s (%.0f%% cheaper)",
			cheapest.ID, cheapest.CostPerToken, current.CostPerToken, current.ID, saving*100),
		ExpectedImprovement: saving,
		Confidence:          sampleConfidence(o.metrics.GetAggregate(cheapest.ID, o.window).SampleCount),
	}}
}

func (o *Optimizer) meetsSLA(endpointID string) bool {
	if o.sla == 0 {
		return true
	}
	agg := o.metrics.GetAggregate(endpointID, o.window)
	return agg.SampleCount > 0 && agg.P95Latency <= o.sla
}

func (o *Optimizer) notifyRecommendation(ctx context.Context, model string, rec interfaces.Recommendation) {
	if o.sink == nil {
		return
	}
	o.sink.Notify(ctx, interfaces.Event{
		Kind:      interfaces.EventRecommendation,
		Model:     model,
		Reason:    rec.Description,
		Timestamp: o.clock.Now(),
	})
}

// sampleConfidence maps a sample count onto [0,1]. Confidence saturates
// at 200 samples.
func sampleConfidence(n int) float64 {
	if n >= 200 {
		return 1
	}
	return float64(n) / 200
}
