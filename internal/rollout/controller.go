package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/logging"
	"github.com/llm-d-incubation/model-rollout-controller/internal/registry"
)

// MetricsReader is the collector surface evaluations run on. Aggregates
// are snapshot copies; reading them never blocks metric writers.
type MetricsReader interface {
	GetAggregate(endpointID string, window time.Duration) interfaces.AggregateWindow
	Forget(endpointID string)
}

// Options wires a Controller.
type Options struct {
	Registry *registry.Registry
	Metrics  MetricsReader
	Backend  interfaces.DeploymentBackend
	Smoke    interfaces.SmokeTestRunner
	Sink     interfaces.NotificationSink
	Store    interfaces.StateStore // optional
	Clock    clock.Clock           // nil means real time
}

// Controller drives canary and blue-green rollouts. One evaluator
// goroutine per plan performs all state transitions; transitions are
// additionally serialized by the controller mutex, so a concurrent
// operator cancel can never race an evaluation.
type Controller struct {
	registry *registry.Registry
	metrics  MetricsReader
	backend  interfaces.DeploymentBackend
	smoke    interfaces.SmokeTestRunner
	sink     interfaces.NotificationSink
	store    interfaces.StateStore
	clock    clock.Clock

	mu      sync.Mutex
	plans   map[string]*Plan // plan ID -> plan
	byModel map[string]string
	history []*Plan
}

// NewController creates a Controller.
func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Controller{
		registry: opts.Registry,
		metrics:  opts.Metrics,
		backend:  opts.Backend,
		smoke:    opts.Smoke,
		sink:     opts.Sink,
		store:    opts.Store,
		clock:    opts.Clock,
		plans:    make(map[string]*Plan),
		byModel:  make(map[string]string),
	}
}

// Start validates the configuration, provisions the target deployment,
// registers its endpoint at weight 0, and returns the new plan in
// PENDING state. Run drives it from there.
func (c *Controller) Start(ctx context.Context, cfg Config) (Plan, error) {
	if err := cfg.Validate(); err != nil {
		return Plan{}, err
	}
	cfg = cfg.withDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byModel[cfg.Model]; ok {
		if p := c.plans[id]; p != nil && !p.State.Terminal() {
			return Plan{}, interfaces.NewValidationError("model %q already has active rollout %s", cfg.Model, id)
		}
	}

	baseline, err := c.findBaseline(cfg.Model, cfg.BaselineVersion)
	if err != nil {
		return Plan{}, err
	}

	address, err := c.backend.Create(ctx, cfg.Model, cfg.TargetVersion, cfg.BackendConfig)
	if err != nil {
		return Plan{}, &interfaces.BackendOperationError{Op: "create", Err: err}
	}

	now := c.clock.Now()
	plan := newPlan(cfg, cfg.Kind, now)
	plan.BaselineEndpointID = baseline.ID
	plan.TargetEndpointID = fmt.Sprintf("%s-%s-%s", cfg.Model, cfg.TargetVersion, plan.ID[:8])

	state := interfaces.StateCanary
	if cfg.Kind == KindBlueGreen {
		state = interfaces.StateDraft
	}
	err = c.registry.Register(interfaces.ModelEndpoint{
		ID:           plan.TargetEndpointID,
		Model:        cfg.Model,
		Version:      cfg.TargetVersion,
		Address:      address,
		CostPerToken: baseline.CostPerToken,
		State:        state,
		Weight:       0,
		Healthy:      true,
	})
	if err != nil {
		// Roll the deployment back; the registry rejected the endpoint.
		if delErr := c.backend.Delete(ctx, plan.TargetEndpointID); delErr != nil {
			logging.FromContext(ctx).Error(delErr, "failed to delete rejected deployment",
				"endpoint", plan.TargetEndpointID)
		}
		return Plan{}, err
	}

	c.plans[plan.ID] = plan
	c.byModel[cfg.Model] = plan.ID
	c.persist(ctx, plan)
	logging.FromContext(ctx).Info("rollout started",
		"plan", plan.ID, "model", cfg.Model, "kind", cfg.Kind,
		"target", cfg.TargetVersion, "baseline", cfg.BaselineVersion)
	return *plan, nil
}

// Run is the plan's evaluator loop. It owns all state transitions for the
// plan and returns when the plan reaches a terminal state or ctx is done.
// Call it once per plan.
func (c *Controller) Run(ctx context.Context, planID string) error {
	interval := func() time.Duration {
		c.mu.Lock()
		defer c.mu.Unlock()
		if p := c.plans[planID]; p != nil {
			return p.Config.EvaluationInterval
		}
		return 0
	}()
	if interval == 0 {
		return interfaces.NewValidationError("unknown plan %s", planID)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(interval):
		}
		done, err := c.Tick(ctx, planID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Tick advances the plan one evaluation step. It returns true once the
// plan is terminal and its drain work has completed.
func (c *Controller) Tick(ctx context.Context, planID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, ok := c.plans[planID]
	if !ok {
		return false, interfaces.NewValidationError("unknown plan %s", planID)
	}

	if plan.State.Terminal() {
		return c.drain(ctx, plan), nil
	}

	switch plan.Kind {
	case KindCanary:
		c.tickCanary(ctx, plan)
	case KindBlueGreen:
		c.tickBlueGreen(ctx, plan)
	}
	plan.UpdatedAt = c.clock.Now()
	c.persist(ctx, plan)

	if plan.State.Terminal() {
		return c.drain(ctx, plan), nil
	}
	return false, nil
}

// Cancel transitions a non-terminal plan to ABORTED through the same
// rollback path as a failed evaluation. Cancelling an already-terminal
// plan is a no-op and emits no duplicate notification.
func (c *Controller) Cancel(ctx context.Context, planID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, ok := c.plans[planID]
	if !ok {
		return interfaces.NewValidationError("unknown plan %s", planID)
	}
	if plan.State.Terminal() {
		return nil
	}
	c.abort(ctx, plan, errors.New("cancelled by operator"))
	c.persist(ctx, plan)
	return nil
}

// Plan returns a copy of the plan.
func (c *Controller) Plan(planID string) (Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.plans[planID]; ok {
		return *p, true
	}
	return Plan{}, false
}

// PlanForModel returns a copy of the model's most recent plan.
func (c *Controller) PlanForModel(model string) (Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byModel[model]; ok {
		if p, ok := c.plans[id]; ok {
			return *p, true
		}
	}
	return Plan{}, false
}

// History returns copies of terminal plans, oldest first.
func (c *Controller) History() []Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Plan, len(c.history))
	for i, p := range c.history {
		out[i] = *p
	}
	return out
}

// RestorePlan re-registers a persisted plan after a restart so Tick and
// Cancel can pick it up again. The target deployment and registry
// endpoints are expected to be restored separately.
func (c *Controller) RestorePlan(plan Plan) error {
	if plan.ID == "" || plan.Config.Model == "" {
		return interfaces.NewValidationError("restored plan missing id or model")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := plan
	p.Config = p.Config.withDefaults()
	c.plans[p.ID] = &p
	c.byModel[p.Config.Model] = p.ID
	return nil
}

// abort rolls all traffic back to the baseline and marks the plan
// ABORTED, recording cause as the plan's terminal error. Callers hold
// c.mu.
func (c *Controller) abort(ctx context.Context, plan *Plan, cause error) {
	c.rollbackWeights(ctx, plan)
	plan.Cause = cause
	c.finish(ctx, plan, StateAborted, cause.Error())
	c.notify(ctx, interfaces.Event{
		Kind:   interfaces.EventAbort,
		Model:  plan.Config.Model,
		PlanID: plan.ID,
		Reason: cause.Error(),
	})
}

// rollback restores the baseline to 100% and marks the plan ROLLED_BACK.
func (c *Controller) rollback(ctx context.Context, plan *Plan, reason string) {
	c.rollbackWeights(ctx, plan)
	c.finish(ctx, plan, StateRolledBack, reason)
	c.notify(ctx, interfaces.Event{
		Kind:   interfaces.EventRollback,
		Model:  plan.Config.Model,
		PlanID: plan.ID,
		Reason: reason,
	})
}

// rollbackWeights atomically restores {baseline: 100, target: 0}. The
// registry never observes an intermediate split.
func (c *Controller) rollbackWeights(ctx context.Context, plan *Plan) {
	err := c.registry.CommitWeights(plan.Config.Model, map[string]int{
		plan.BaselineEndpointID: 100,
		plan.TargetEndpointID:   0,
	})
	if err != nil {
		logging.FromContext(ctx).Error(err, "failed to restore baseline weights",
			"plan", plan.ID, "model", plan.Config.Model)
		return
	}
	// The failed target drains briefly, then its deployment is removed.
	plan.RetiringEndpointID = plan.TargetEndpointID
	plan.RetireAt = c.clock.Now().Add(plan.Config.DrainGracePeriod)
}

// promote shifts 100% to the target, retires the baseline, and marks the
// plan SUCCEEDED.
func (c *Controller) promote(ctx context.Context, plan *Plan) {
	model := plan.Config.Model
	if err := c.registry.CommitWeights(model, map[string]int{
		plan.TargetEndpointID:   100,
		plan.BaselineEndpointID: 0,
	}); err != nil {
		logging.FromContext(ctx).Error(err, "failed to commit promotion weights", "plan", plan.ID)
		c.rollback(ctx, plan, fmt.Sprintf("promotion commit failed: %v", err))
		return
	}
	if err := c.registry.SetState(model, plan.TargetEndpointID, interfaces.StateActive); err != nil {
		logging.FromContext(ctx).Error(err, "failed to activate target endpoint", "plan", plan.ID)
	}
	if err := c.registry.SetState(model, plan.BaselineEndpointID, interfaces.StateRetiring); err != nil {
		logging.FromContext(ctx).Error(err, "failed to retire baseline endpoint", "plan", plan.ID)
	}
	plan.RetiringEndpointID = plan.BaselineEndpointID
	plan.RetireAt = c.clock.Now().Add(plan.Config.DrainGracePeriod)
	c.finish(ctx, plan, StateSucceeded, "all steps passed")
	c.notify(ctx, interfaces.Event{
		Kind:   interfaces.EventPromotion,
		Model:  model,
		PlanID: plan.ID,
		Reason: fmt.Sprintf("version %s promoted", plan.Config.TargetVersion),
	})
}

func (c *Controller) finish(ctx context.Context, plan *Plan, state PlanState, reason string) {
	plan.State = state
	plan.Reason = reason
	plan.UpdatedAt = c.clock.Now()
	c.history = append(c.history, plan)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	logging.FromContext(ctx).Info("rollout finished",
		"plan", plan.ID, "model", plan.Config.Model, "state", state, "reason", reason)
}

const maxHistory = 64

// drain removes the retiring endpoint once its grace period has elapsed.
// Returns true when no drain work remains.
func (c *Controller) drain(ctx context.Context, plan *Plan) bool {
	if plan.RetiringEndpointID == "" {
		return true
	}
	if c.clock.Now().Before(plan.RetireAt) {
		return false
	}
	id := plan.RetiringEndpointID
	model := plan.Config.Model
	if err := c.registry.Deregister(model, id); err != nil {
		logging.FromContext(ctx).Error(err, "failed to deregister drained endpoint", "endpoint", id)
		return false
	}
	c.metrics.Forget(id)
	if err := c.backend.Delete(ctx, id); err != nil {
		// The endpoint is already out of the registry; deletion of the
		// backing deployment is logged but not retried here.
		logging.FromContext(ctx).Error(err, "failed to delete drained deployment", "endpoint", id)
	}
	plan.RetiringEndpointID = ""
	c.persist(ctx, plan)
	return true
}

func (c *Controller) notify(ctx context.Context, ev interfaces.Event) {
	if c.sink == nil {
		return
	}
	ev.Timestamp = c.clock.Now()
	c.sink.Notify(ctx, ev)
}

// persist writes the plan and its model's registry snapshot to the state
// store. Persistence failures are logged, never fatal to the rollout.
func (c *Controller) persist(ctx context.Context, plan *Plan) {
	if c.store == nil {
		return
	}
	raw, err := yaml.Marshal(plan)
	if err != nil {
		logging.FromContext(ctx).Error(err, "failed to marshal plan", "plan", plan.ID)
		return
	}
	if err := c.store.Put(ctx, "plan/"+plan.Config.Model, raw); err != nil {
		logging.FromContext(ctx).Error(err, "failed to persist plan", "plan", plan.ID)
	}
	if snap, ok := c.registry.GetSnapshot(plan.Config.Model); ok {
		raw, err := yaml.Marshal(snap.Endpoints)
		if err == nil {
			if err := c.store.Put(ctx, "registry/"+plan.Config.Model, raw); err != nil {
				logging.FromContext(ctx).Error(err, "failed to persist registry snapshot",
					"model", plan.Config.Model)
			}
		}
	}
}

func (c *Controller) findBaseline(model, version string) (interfaces.ModelEndpoint, error) {
	snap, ok := c.registry.GetSnapshot(model)
	if !ok {
		return interfaces.ModelEndpoint{}, interfaces.NewValidationError("unknown model %q", model)
	}
	for _, ep := range snap.Endpoints {
		if ep.Version == version && ep.State == interfaces.StateActive {
			return ep, nil
		}
	}
	return interfaces.ModelEndpoint{}, interfaces.NewValidationError(
		"no active endpoint serving baseline version %q for model %q", version, model)
}
