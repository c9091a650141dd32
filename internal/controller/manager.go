// Package controller composes the registry, collector, router, rollout
// controller, and optimizer into one manager with a status surface.
package controller

import (
	"context"
	"errors"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/model-rollout-controller/internal/collector"
	"github.com/llm-d-incubation/model-rollout-controller/internal/config"
	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/logging"
	"github.com/llm-d-incubation/model-rollout-controller/internal/optimizer"
	"github.com/llm-d-incubation/model-rollout-controller/internal/registry"
	"github.com/llm-d-incubation/model-rollout-controller/internal/rollout"
	"github.com/llm-d-incubation/model-rollout-controller/internal/router"
	"github.com/llm-d-incubation/model-rollout-controller/internal/store"
)

// Instrumentation receives routing decisions and recorded request
// samples. The Prometheus metrics registry implements it.
type Instrumentation interface {
	router.Observer
	ObserveSample(endpointID string, latency time.Duration)
}

// Dependencies are the external collaborators the manager is wired with.
type Dependencies struct {
	Backend         interfaces.DeploymentBackend
	Smoke           interfaces.SmokeTestRunner
	Sink            interfaces.NotificationSink
	Store           interfaces.StateStore // optional
	Instrumentation Instrumentation       // optional
	Clock           clock.Clock           // nil means real time
}

// Manager owns the controller's component graph.
type Manager struct {
	Registry  *registry.Registry
	Collector *collector.Collector
	Router    *router.Router
	Rollouts  *rollout.Controller
	Optimizer *optimizer.Optimizer

	cfg   *config.Config
	deps  Dependencies
	clock clock.Clock
}

// New builds the component graph from configuration.
func New(cfg *config.Config, deps Dependencies) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}

	reg := registry.New()
	colOpts := collector.Options{
		Capacity: cfg.Metrics.Capacity,
		Window:   time.Duration(cfg.Metrics.Window),
		Clock:    deps.Clock,
		CostPerToken: func(endpointID string) float64 {
			return costPerToken(reg, endpointID)
		},
	}
	if deps.Instrumentation != nil {
		colOpts.SampleObserver = deps.Instrumentation.ObserveSample
	}
	col := collector.New(colOpts)

	strategy, err := router.ParseStrategy(cfg.Routing.Strategy)
	if err != nil {
		return nil, interfaces.NewValidationError("%v", err)
	}
	weights := router.BalancedWeights{
		Cost:    cfg.Routing.CostWeight,
		Latency: cfg.Routing.LatencyWeight,
		Load:    cfg.Routing.LoadWeight,
	}
	rtCfg := router.Config{
		Strategy:      strategy,
		Weights:       weights,
		LoadThreshold: cfg.Routing.LoadThreshold,
	}
	if deps.Instrumentation != nil {
		rtCfg.Observer = deps.Instrumentation
	}
	rt := router.New(reg, col, rtCfg)

	rc := rollout.NewController(rollout.Options{
		Registry: reg,
		Metrics:  col,
		Backend:  deps.Backend,
		Smoke:    deps.Smoke,
		Sink:     deps.Sink,
		Store:    deps.Store,
		Clock:    deps.Clock,
	})

	opt := optimizer.New(optimizer.Options{
		Registry:       reg,
		Metrics:        col,
		Sink:           deps.Sink,
		BaselineWindow: time.Duration(cfg.Optimizer.BaselineWindow),
		LatencySLA:     time.Duration(cfg.Optimizer.LatencySLA),
		Clock:          deps.Clock,
	})

	return &Manager{
		Registry:  reg,
		Collector: col,
		Router:    rt,
		Rollouts:  rc,
		Optimizer: opt,
		cfg:       cfg,
		deps:      deps,
		clock:     deps.Clock,
	}, nil
}

// RolloutConfig seeds a plan config with the configured defaults.
func (m *Manager) RolloutConfig(model, kind, target, baseline string) rollout.Config {
	return rollout.Config{
		Model:              model,
		Kind:               rollout.StrategyKind(kind),
		TargetVersion:      target,
		BaselineVersion:    baseline,
		TrafficSteps:       append([]int(nil), m.cfg.Rollout.TrafficSteps...),
		EvaluationInterval: time.Duration(m.cfg.Rollout.EvaluationInterval),
		MinSampleCount:     m.cfg.Rollout.MinSampleCount,
		MaxDeferrals:       m.cfg.Rollout.MaxDeferrals,
		RollbackWindow:     time.Duration(m.cfg.Rollout.RollbackWindow),
		DrainGracePeriod:   time.Duration(m.cfg.Rollout.DrainGracePeriod),
	}
}

// EndpointStatus is the status view of one endpoint.
type EndpointStatus struct {
	ID            string                   `yaml:"id"`
	Version       string                   `yaml:"version"`
	State         interfaces.EndpointState `yaml:"state"`
	Weight        int                      `yaml:"weight"`
	Healthy       bool                     `yaml:"healthy"`
	RouteCount    uint64                   `yaml:"routeCount"`
	ObservedShare float64                  `yaml:"observedShare"`
}

// Status is the deployment status of one model.
type Status struct {
	Model           string           `yaml:"model"`
	SnapshotVersion uint64           `yaml:"snapshotVersion"`
	Endpoints       []EndpointStatus `yaml:"endpoints"`
	Plan            *rollout.Plan    `yaml:"plan,omitempty"`
}

// Status reports the model's committed weights against its observed
// traffic distribution, plus the most recent rollout plan.
func (m *Manager) Status(model string) (Status, error) {
	snap, ok := m.Registry.GetSnapshot(model)
	if !ok {
		return Status{}, interfaces.NewValidationError("unknown model %q", model)
	}
	counts := m.Router.Stats(model)
	var total uint64
	for _, n := range counts {
		total += n
	}

	st := Status{Model: model, SnapshotVersion: snap.Version}
	for _, ep := range snap.Endpoints {
		es := EndpointStatus{
			ID:         ep.ID,
			Version:    ep.Version,
			State:      ep.State,
			Weight:     ep.Weight,
			Healthy:    ep.Healthy,
			RouteCount: counts[ep.ID],
		}
		if total > 0 {
			es.ObservedShare = float64(counts[ep.ID]) / float64(total)
		}
		st.Endpoints = append(st.Endpoints, es)
	}
	if plan, ok := m.Rollouts.PlanForModel(model); ok {
		st.Plan = &plan
	}
	return st, nil
}

// RestoreState reloads persisted registry snapshots and rollout plans
// from the state store. Missing state is not an error on first start.
// Plans are restored before a restarted Run or an operator Cancel needs
// them; registry snapshots come first so restored plans find their
// endpoints.
func (m *Manager) RestoreState(ctx context.Context) error {
	if m.deps.Store == nil {
		return nil
	}
	if err := m.restoreRegistry(ctx); err != nil {
		return err
	}
	return m.restorePlans(ctx)
}

func (m *Manager) restoreRegistry(ctx context.Context) error {
	keys, err := m.deps.Store.Keys(ctx, "registry/")
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx)
	for _, key := range keys {
		raw, err := m.deps.Store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var endpoints []interfaces.ModelEndpoint
		if err := yaml.Unmarshal(raw, &endpoints); err != nil {
			logger.Error(err, "skipping corrupt registry state", "key", key)
			continue
		}
		model := strings.TrimPrefix(key, "registry/")
		if err := m.Registry.Restore(model, endpoints); err != nil {
			logger.Error(err, "skipping invalid registry state", "key", key)
			continue
		}
		logger.Info("restored registry state", "model", model, "endpoints", len(endpoints))
	}
	return nil
}

func (m *Manager) restorePlans(ctx context.Context) error {
	keys, err := m.deps.Store.Keys(ctx, "plan/")
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx)
	for _, key := range keys {
		raw, err := m.deps.Store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var plan rollout.Plan
		if err := yaml.Unmarshal(raw, &plan); err != nil {
			logger.Error(err, "skipping corrupt plan state", "key", key)
			continue
		}
		if err := m.Rollouts.RestorePlan(plan); err != nil {
			logger.Error(err, "skipping invalid plan state", "key", key)
			continue
		}
		logger.Info("restored rollout plan",
			"model", plan.Config.Model, "plan", plan.ID, "state", plan.State)
	}
	return nil
}

func costPerToken(reg *registry.Registry, endpointID string) float64 {
	for _, model := range reg.Models() {
		if snap, ok := reg.GetSnapshot(model); ok {
			if ep, ok := snap.Endpoint(endpointID); ok {
				return ep.CostPerToken
			}
		}
	}
	return 0
}
