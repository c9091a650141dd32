package router

import (
	"fmt"
	"time"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
)

// Strategy is an enumeration of the routing strategies.
type Strategy int

const (
	// CostOptimized picks the healthy endpoint with the lowest
	// cost-per-token.
	CostOptimized Strategy = iota

	// PerformanceOptimized picks the endpoint with the lowest latency
	// among endpoints below the load threshold, falling back to the full
	// healthy set when none qualify.
	PerformanceOptimized

	// Balanced scores endpoints by a weighted combination of cost,
	// latency, and load.
	Balanced
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case CostOptimized:
		return "cost"
	case PerformanceOptimized:
		return "performance"
	case Balanced:
		return "balanced"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStrategy maps a configuration name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "cost", "cost-optimized":
		return CostOptimized, nil
	case "performance", "performance-optimized":
		return PerformanceOptimized, nil
	case "balanced", "":
		return Balanced, nil
	default:
		return Balanced, fmt.Errorf("unsupported routing strategy: %q", name)
	}
}

// BalancedWeights are the scoring weights for the Balanced strategy.
type BalancedWeights struct {
	Cost    float64
	Latency float64
	Load    float64
}

// DefaultBalancedWeights weights the three terms equally.
var DefaultBalancedWeights = BalancedWeights{Cost: 1, Latency: 1, Load: 1}

// candidate is an endpoint plus the observed signals scoring runs on.
type candidate struct {
	endpoint interfaces.ModelEndpoint
	latency  time.Duration
	load     float64
}

// score returns the candidate's score under the strategy; higher is better.
// Scoring is pure: identical inputs always produce identical scores.
func (s Strategy) score(c candidate, w BalancedWeights) float64 {
	switch s {
	case CostOptimized:
		return 1 / positive(c.endpoint.CostPerToken)
	case PerformanceOptimized:
		return 1 / positive(c.latency.Seconds())
	default:
		return w.Cost/positive(c.endpoint.CostPerToken) +
			w.Latency/positive(c.latency.Seconds()) +
			w.Load*(1-c.load)
	}
}

// positive guards scoring against zero denominators from endpoints with no
// recorded cost or latency yet.
func positive(v float64) float64 {
	if v <= 0 {
		return 1e-9
	}
	return v
}
