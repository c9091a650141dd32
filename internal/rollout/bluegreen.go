package rollout

import (
	"context"
	"fmt"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/logging"
)

// tickBlueGreen advances a blue-green plan. Callers hold the controller
// mutex; this is the plan's only writer.
//
// Green (the target) stays at weight 0 while blue serves 100%. A passing
// smoke test gates the single atomic flip to {green: 100, blue: 0}; the
// router never observes an intermediate split. Blue then stays registered
// at weight 0 for the rollback window, and an error-rate breach inside
// the window auto-reverts with another atomic commit.
func (c *Controller) tickBlueGreen(ctx context.Context, plan *Plan) {
	logger := logging.FromContext(ctx).WithValues("plan", plan.ID, "model", plan.Config.Model)

	switch plan.State {
	case StatePending:
		report, err := c.smoke.Run(ctx, plan.TargetEndpointID)
		if err != nil {
			logger.Error(err, "smoke test runner failed, staying pending")
			return
		}
		if !report.Passed {
			// Retryable: the plan stays PENDING and the next tick runs
			// the smoke test again.
			failure := &interfaces.SmokeTestFailure{EndpointID: plan.TargetEndpointID, Report: report}
			plan.Reason = failure.Error()
			logger.Info("smoke test failed, swap blocked", "reason", plan.Reason)
			return
		}
		plan.Reason = ""
		c.swap(ctx, plan)

	case StateEvaluating:
		c.observeWindow(ctx, plan)
	}
}

// swap performs the atomic all-or-nothing traffic flip.
func (c *Controller) swap(ctx context.Context, plan *Plan) {
	logger := logging.FromContext(ctx).WithValues("plan", plan.ID, "model", plan.Config.Model)

	if err := c.registry.SetState(plan.Config.Model, plan.TargetEndpointID, interfaces.StateActive); err != nil {
		logger.Error(err, "failed to activate green endpoint")
		c.abort(ctx, plan, fmt.Errorf("activation failed: %w", err))
		return
	}
	err := c.registry.CommitWeights(plan.Config.Model, map[string]int{
		plan.TargetEndpointID:   100,
		plan.BaselineEndpointID: 0,
	})
	if err != nil {
		logger.Error(err, "failed to commit swap weights")
		c.abort(ctx, plan, fmt.Errorf("swap commit failed: %w", err))
		return
	}
	plan.State = StateEvaluating
	plan.WindowEnds = c.clock.Now().Add(plan.Config.RollbackWindow)
	logger.Info("blue-green swap committed, observing rollback window",
		"windowEnds", plan.WindowEnds)
}

// observeWindow watches green's error rate during the rollback window.
func (c *Controller) observeWindow(ctx context.Context, plan *Plan) {
	logger := logging.FromContext(ctx).WithValues("plan", plan.ID, "model", plan.Config.Model)

	green := c.metrics.GetAggregate(plan.TargetEndpointID, plan.Config.EvaluationInterval)
	if green.SampleCount > 0 && green.ErrorRate > plan.Config.Criteria.AbsoluteErrorRate {
		reason := fmt.Sprintf("green error rate %.4f breached %.4f inside rollback window",
			green.ErrorRate, plan.Config.Criteria.AbsoluteErrorRate)
		logger.Info("auto-reverting blue-green swap", "reason", reason)
		c.rollback(ctx, plan, reason)
		return
	}

	if !c.clock.Now().Before(plan.WindowEnds) {
		// Uneventful window: blue retires after its drain grace period.
		if err := c.registry.SetState(plan.Config.Model, plan.BaselineEndpointID, interfaces.StateRetiring); err != nil {
			logger.Error(err, "failed to retire blue endpoint")
		}
		plan.RetiringEndpointID = plan.BaselineEndpointID
		plan.RetireAt = c.clock.Now().Add(plan.Config.DrainGracePeriod)
		c.finish(ctx, plan, StateSucceeded, "rollback window elapsed without incident")
		c.notify(ctx, interfaces.Event{
			Kind:   interfaces.EventPromotion,
			Model:  plan.Config.Model,
			PlanID: plan.ID,
			Reason: fmt.Sprintf("version %s live, blue retired", plan.Config.TargetVersion),
		})
		return
	}

	logger.V(logging.DEBUG).Info("rollback window check passed",
		"errorRate", green.ErrorRate, "samples", green.SampleCount)
}
