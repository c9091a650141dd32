package rollout

import (
	"context"
	"fmt"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/logging"
)

// tickCanary advances a canary plan one state-machine step. Callers hold
// the controller mutex; this is the plan's only writer.
//
//	PENDING -> RAMPING(step 0)
//	RAMPING -> EVALUATING -> RAMPING(step+1) | SUCCEEDED | ROLLED_BACK
//	any non-terminal -> ABORTED (operator cancel or sample starvation)
func (c *Controller) tickCanary(ctx context.Context, plan *Plan) {
	logger := logging.FromContext(ctx).WithValues("plan", plan.ID, "model", plan.Config.Model)

	switch plan.State {
	case StatePending:
		if !c.commitStep(ctx, plan) {
			return
		}
		plan.State = StateRamping
		logger.Info("canary ramping", "step", plan.CurrentStep(), "stepIndex", plan.StepIndex)

	case StateRamping, StateEvaluating:
		plan.State = StateEvaluating
		c.evaluateCanary(ctx, plan)
	}
}

// evaluateCanary compares the canary window against the baseline window
// and decides: advance, promote, roll back, or defer.
func (c *Controller) evaluateCanary(ctx context.Context, plan *Plan) {
	logger := logging.FromContext(ctx).WithValues("plan", plan.ID, "model", plan.Config.Model)
	window := plan.Config.EvaluationInterval

	target := c.metrics.GetAggregate(plan.TargetEndpointID, window)
	baseline := c.metrics.GetAggregate(plan.BaselineEndpointID, window)

	if target.SampleCount < plan.Config.MinSampleCount {
		plan.Deferrals++
		logger.V(logging.DEBUG).Info("evaluation deferred, insufficient samples",
			"samples", target.SampleCount, "required", plan.Config.MinSampleCount,
			"deferrals", plan.Deferrals, "maxDeferrals", plan.Config.MaxDeferrals)
		if plan.Deferrals >= plan.Config.MaxDeferrals {
			c.abort(ctx, plan, fmt.Errorf("%w after %d deferrals: %d samples, need %d",
				interfaces.ErrEvaluationInconclusive, plan.Deferrals,
				target.SampleCount, plan.Config.MinSampleCount))
		}
		return
	}
	plan.Deferrals = 0

	verdict := plan.Config.Criteria.Compare(target, baseline)
	if !verdict.Passed {
		logger.Info("canary evaluation failed, rolling back",
			"step", plan.CurrentStep(), "reason", verdict.Reason)
		c.rollback(ctx, plan, verdict.Reason)
		return
	}

	logger.Info("canary evaluation passed",
		"step", plan.CurrentStep(),
		"canaryErrorRate", target.ErrorRate, "baselineErrorRate", baseline.ErrorRate,
		"canaryP95", target.P95Latency, "baselineP95", baseline.P95Latency)

	if plan.FinalStep() {
		c.promote(ctx, plan)
		return
	}

	plan.StepIndex++
	if !c.commitStep(ctx, plan) {
		return
	}
	plan.State = StateRamping
	logger.Info("canary advancing", "step", plan.CurrentStep(), "stepIndex", plan.StepIndex)
}

// commitStep commits {canary: step, baseline: 100-step} as one snapshot.
// A commit failure aborts the plan; weights are left untouched by the
// failed commit.
func (c *Controller) commitStep(ctx context.Context, plan *Plan) bool {
	step := plan.CurrentStep()
	err := c.registry.CommitWeights(plan.Config.Model, map[string]int{
		plan.TargetEndpointID:   step,
		plan.BaselineEndpointID: 100 - step,
	})
	if err != nil {
		logging.FromContext(ctx).Error(err, "failed to commit traffic step",
			"plan", plan.ID, "step", step)
		c.abort(ctx, plan, fmt.Errorf("weight commit failed: %w", err))
		return false
	}
	return true
}
