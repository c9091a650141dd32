package rollout

import (
	"fmt"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
)

// RelativeIncrease returns (current - baseline) / baseline. The boolean is
// false when the baseline is zero and the relative delta is undefined;
// callers fall back to an absolute threshold in that case.
func RelativeIncrease(current, baseline float64) (float64, bool) {
	if baseline == 0 {
		return 0, false
	}
	return (current - baseline) / baseline, true
}

// Verdict is the outcome of comparing a target aggregate against a
// baseline aggregate under success criteria.
type Verdict struct {
	Passed bool
	Reason string
}

// Compare evaluates the target window against the baseline window. The
// comparison is relative where the baseline is nonzero, absolute
// otherwise.
func (c SuccessCriteria) Compare(target, baseline interfaces.AggregateWindow) Verdict {
	if delta, ok := RelativeIncrease(target.ErrorRate, baseline.ErrorRate); ok {
		if delta > c.MaxErrorRateIncrease {
			return Verdict{Reason: fmt.Sprintf(
				"error rate increased %.0f%% over baseline (%.4f vs %.4f), limit %.0f%%",
				delta*100, target.ErrorRate, baseline.ErrorRate, c.MaxErrorRateIncrease*100)}
		}
	} else if target.ErrorRate > c.AbsoluteErrorRate {
		return Verdict{Reason: fmt.Sprintf(
			"error rate %.4f exceeds absolute limit %.4f with zero baseline",
			target.ErrorRate, c.AbsoluteErrorRate)}
	}

	tLat := float64(target.P95Latency)
	bLat := float64(baseline.P95Latency)
	if delta, ok := RelativeIncrease(tLat, bLat); ok {
		if delta > c.MaxLatencyIncrease {
			return Verdict{Reason: fmt.Sprintf(
				"p95 latency increased %.0f%% over baseline (%s vs %s), limit %.0f%%",
				delta*100, target.P95Latency, baseline.P95Latency, c.MaxLatencyIncrease*100)}
		}
	} else if target.P95Latency > c.AbsoluteLatency {
		return Verdict{Reason: fmt.Sprintf(
			"p95 latency %s exceeds absolute limit %s with zero baseline",
			target.P95Latency, c.AbsoluteLatency)}
	}

	return Verdict{Passed: true}
}
