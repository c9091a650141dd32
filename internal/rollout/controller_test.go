package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/registry"
)

type fakeBackend struct {
	created []string
	deleted []string
}

func (b *fakeBackend) Create(_ context.Context, model, version string, _ map[string]string) (string, error) {
	b.created = append(b.created, model+"/"+version)
	return fmt.Sprintf("http://%s-%s.test:8000", model, version), nil
}

func (b *fakeBackend) Delete(_ context.Context, endpointID string) error {
	b.deleted = append(b.deleted, endpointID)
	return nil
}

type fakeSmoke struct {
	passed bool
	err    error
	runs   int
}

func (s *fakeSmoke) Run(_ context.Context, endpointID string) (interfaces.SmokeReport, error) {
	s.runs++
	if s.err != nil {
		return interfaces.SmokeReport{}, s.err
	}
	report := interfaces.SmokeReport{
		EndpointID: endpointID,
		Passed:     s.passed,
		Checks:     []interfaces.SmokeCheck{{Name: "connectivity", Passed: s.passed}},
	}
	return report, nil
}

type fakeSink struct {
	events []interfaces.Event
}

func (s *fakeSink) Notify(_ context.Context, ev interfaces.Event) {
	s.events = append(s.events, ev)
}

func (s *fakeSink) kinds() []interfaces.EventKind {
	out := make([]interfaces.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

type fakeMetrics struct {
	aggs      map[string]interfaces.AggregateWindow
	forgotten []string
}

func (m *fakeMetrics) GetAggregate(endpointID string, _ time.Duration) interfaces.AggregateWindow {
	return m.aggs[endpointID]
}

func (m *fakeMetrics) Forget(endpointID string) {
	m.forgotten = append(m.forgotten, endpointID)
}

func healthyWindow(samples int, errorRate float64, p95 time.Duration) interfaces.AggregateWindow {
	return interfaces.AggregateWindow{
		SampleCount: samples,
		ErrorRate:   errorRate,
		AvgLatency:  p95 / 2,
		P50Latency:  p95 / 2,
		P95Latency:  p95,
		Throughput:  float64(samples) / 60.0,
	}
}

var _ = Describe("Rollout controller", func() {
	const model = "llama-7b"

	var (
		ctx     context.Context
		reg     *registry.Registry
		backend *fakeBackend
		smoke   *fakeSmoke
		sink    *fakeSink
		metrics *fakeMetrics
		fc      *clocktesting.FakeClock
		ctrl    *Controller
	)

	BeforeEach(func() {
		ctx = context.Background()
		reg = registry.New()
		backend = &fakeBackend{}
		smoke = &fakeSmoke{passed: true}
		sink = &fakeSink{}
		metrics = &fakeMetrics{aggs: make(map[string]interfaces.AggregateWindow)}
		fc = clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		ctrl = NewController(Options{
			Registry: reg,
			Metrics:  metrics,
			Backend:  backend,
			Smoke:    smoke,
			Sink:     sink,
			Clock:    fc,
		})

		err := reg.Register(interfaces.ModelEndpoint{
			ID:           model + "-v1",
			Model:        model,
			Version:      "v1",
			Address:      "http://llama-7b-v1.test:8000",
			CostPerToken: 0.002,
			State:        interfaces.StateActive,
			Weight:       100,
			Healthy:      true,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	weightOf := func(id string) int {
		snap, ok := reg.GetSnapshot(model)
		Expect(ok).To(BeTrue())
		ep, ok := snap.Endpoint(id)
		Expect(ok).To(BeTrue())
		return ep.Weight
	}

	stateOf := func(id string) interfaces.EndpointState {
		snap, ok := reg.GetSnapshot(model)
		Expect(ok).To(BeTrue())
		ep, ok := snap.Endpoint(id)
		Expect(ok).To(BeTrue())
		return ep.State
	}

	canaryConfig := func() Config {
		return Config{
			Model:              model,
			Kind:               KindCanary,
			TargetVersion:      "v2",
			BaselineVersion:    "v1",
			TrafficSteps:       []int{5, 20, 50, 100},
			EvaluationInterval: time.Minute,
			MinSampleCount:     10,
			MaxDeferrals:       3,
			DrainGracePeriod:   5 * time.Minute,
		}
	}

	Describe("canary rollouts", func() {
		It("ramps through every step and promotes the target", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.02, 200*time.Millisecond)

			plan, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.State).To(Equal(StatePending))
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(0))
			Expect(stateOf(plan.TargetEndpointID)).To(Equal(interfaces.StateCanary))

			metrics.aggs[plan.TargetEndpointID] = healthyWindow(150, 0.02, 210*time.Millisecond)

			// PENDING -> RAMPING at 5%.
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(5))
			Expect(weightOf(plan.BaselineEndpointID)).To(Equal(95))

			for _, step := range []int{20, 50, 100} {
				_, err = ctrl.Tick(ctx, plan.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(weightOf(plan.TargetEndpointID)).To(Equal(step))
				Expect(weightOf(plan.BaselineEndpointID)).To(Equal(100 - step))
			}

			// Final evaluation at 100% promotes.
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())

			got, ok := ctrl.Plan(plan.ID)
			Expect(ok).To(BeTrue())
			Expect(got.State).To(Equal(StateSucceeded))
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(100))
			Expect(weightOf(plan.BaselineEndpointID)).To(Equal(0))
			Expect(stateOf(plan.TargetEndpointID)).To(Equal(interfaces.StateActive))
			Expect(stateOf(plan.BaselineEndpointID)).To(Equal(interfaces.StateRetiring))
			Expect(sink.kinds()).To(ContainElement(interfaces.EventPromotion))
		})

		It("drains the retired baseline after the grace period", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.02, 200*time.Millisecond)
			plan, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())
			metrics.aggs[plan.TargetEndpointID] = healthyWindow(150, 0.02, 200*time.Millisecond)

			for i := 0; i < 5; i++ {
				_, err = ctrl.Tick(ctx, plan.ID)
				Expect(err).NotTo(HaveOccurred())
			}
			got, _ := ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StateSucceeded))

			// Inside the grace period the baseline stays registered.
			done, err := ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeFalse())
			snap, _ := reg.GetSnapshot(model)
			Expect(snap.Endpoints).To(HaveLen(2))

			fc.Step(6 * time.Minute)
			done, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())

			snap, _ = reg.GetSnapshot(model)
			Expect(snap.Endpoints).To(HaveLen(1))
			Expect(snap.Endpoints[0].ID).To(Equal(plan.TargetEndpointID))
			Expect(metrics.forgotten).To(ContainElement(plan.BaselineEndpointID))
			Expect(backend.deleted).To(ContainElement(plan.BaselineEndpointID))
		})

		It("rolls back when the error rate regression exceeds the threshold", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.04, 200*time.Millisecond)
			plan, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())
			// 0.10 against a 0.04 baseline is a 150% relative increase.
			metrics.aggs[plan.TargetEndpointID] = healthyWindow(150, 0.10, 200*time.Millisecond)

			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())

			got, _ := ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StateRolledBack))
			Expect(got.Reason).To(ContainSubstring("error rate"))
			Expect(weightOf(plan.BaselineEndpointID)).To(Equal(100))
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(0))
			Expect(sink.kinds()).To(Equal([]interfaces.EventKind{interfaces.EventRollback}))
		})

		It("tolerates a small regression within the criteria", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.040, 200*time.Millisecond)
			plan, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())
			// 0.041 against 0.040 is a 2.5% increase, under the 5% bound.
			metrics.aggs[plan.TargetEndpointID] = healthyWindow(150, 0.041, 205*time.Millisecond)

			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())

			got, _ := ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StateRamping))
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(20))
		})

		It("aborts as inconclusive after repeated sample starvation", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.02, 200*time.Millisecond)
			plan, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())
			metrics.aggs[plan.TargetEndpointID] = healthyWindow(3, 0.0, 200*time.Millisecond)

			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			for i := 0; i < 3; i++ {
				_, err = ctrl.Tick(ctx, plan.ID)
				Expect(err).NotTo(HaveOccurred())
			}

			got, _ := ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StateAborted))
			Expect(got.Reason).To(ContainSubstring("inconclusive"))
			Expect(errors.Is(got.Cause, interfaces.ErrEvaluationInconclusive)).To(BeTrue(),
				"terminal cause should match ErrEvaluationInconclusive")
			Expect(weightOf(plan.BaselineEndpointID)).To(Equal(100))
			Expect(sink.kinds()).To(Equal([]interfaces.EventKind{interfaces.EventAbort}))
		})

		It("resets the deferral count once samples arrive", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.02, 200*time.Millisecond)
			plan, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())
			metrics.aggs[plan.TargetEndpointID] = healthyWindow(3, 0.0, 200*time.Millisecond)

			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			got, _ := ctrl.Plan(plan.ID)
			Expect(got.Deferrals).To(Equal(1))

			metrics.aggs[plan.TargetEndpointID] = healthyWindow(150, 0.02, 200*time.Millisecond)
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			got, _ = ctrl.Plan(plan.ID)
			Expect(got.Deferrals).To(Equal(0))
			Expect(got.State).To(Equal(StateRamping))
		})

		It("refuses a second concurrent rollout for the same model", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.02, 200*time.Millisecond)
			_, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())

			cfg := canaryConfig()
			cfg.TargetVersion = "v3"
			_, err = ctrl.Start(ctx, cfg)
			Expect(err).To(HaveOccurred())
			Expect(interfaces.IsValidationError(err)).To(BeTrue())
		})

		It("rejects a ramp that does not end at 100", func() {
			cfg := canaryConfig()
			cfg.TrafficSteps = []int{5, 20, 50}
			_, err := ctrl.Start(ctx, cfg)
			Expect(err).To(HaveOccurred())
			Expect(interfaces.IsValidationError(err)).To(BeTrue())
		})

		It("resumes a restored plan after a restart", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.02, 200*time.Millisecond)
			plan, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())
			metrics.aggs[plan.TargetEndpointID] = healthyWindow(150, 0.02, 200*time.Millisecond)

			// A fresh controller over the same registry, seeded with the
			// persisted plan, picks up where the old one stopped.
			restarted := NewController(Options{
				Registry: reg,
				Metrics:  metrics,
				Backend:  backend,
				Smoke:    smoke,
				Sink:     sink,
				Clock:    fc,
			})
			Expect(restarted.RestorePlan(plan)).To(Succeed())

			got, ok := restarted.PlanForModel(model)
			Expect(ok).To(BeTrue())
			Expect(got.ID).To(Equal(plan.ID))

			_, err = restarted.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(5))
			Expect(weightOf(plan.BaselineEndpointID)).To(Equal(95))
		})

		It("rejects restoring a plan without an id or model", func() {
			err := ctrl.RestorePlan(Plan{})
			Expect(err).To(HaveOccurred())
			Expect(interfaces.IsValidationError(err)).To(BeTrue())
		})
	})

	Describe("cancellation", func() {
		It("aborts a running plan through the rollback path, idempotently", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.02, 200*time.Millisecond)
			plan, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())
			metrics.aggs[plan.TargetEndpointID] = healthyWindow(150, 0.02, 200*time.Millisecond)

			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(5))

			Expect(ctrl.Cancel(ctx, plan.ID)).To(Succeed())
			got, _ := ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StateAborted))
			Expect(weightOf(plan.BaselineEndpointID)).To(Equal(100))
			Expect(sink.events).To(HaveLen(1))

			// A second cancel is a no-op: no state change, no extra event.
			Expect(ctrl.Cancel(ctx, plan.ID)).To(Succeed())
			again, _ := ctrl.Plan(plan.ID)
			Expect(again.State).To(Equal(StateAborted))
			Expect(sink.events).To(HaveLen(1))
		})

		It("records terminal plans in the history", func() {
			metrics.aggs[model+"-v1"] = healthyWindow(200, 0.02, 200*time.Millisecond)
			plan, err := ctrl.Start(ctx, canaryConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(ctrl.Cancel(ctx, plan.ID)).To(Succeed())

			history := ctrl.History()
			Expect(history).To(HaveLen(1))
			Expect(history[0].ID).To(Equal(plan.ID))
			Expect(history[0].State).To(Equal(StateAborted))
		})
	})

	Describe("blue-green rollouts", func() {
		blueGreenConfig := func() Config {
			return Config{
				Model:              model,
				Kind:               KindBlueGreen,
				TargetVersion:      "v2",
				BaselineVersion:    "v1",
				EvaluationInterval: time.Minute,
				RollbackWindow:     10 * time.Minute,
				DrainGracePeriod:   5 * time.Minute,
			}
		}

		It("keeps blue at 100% while the smoke test fails, then swaps once it passes", func() {
			smoke.passed = false
			plan, err := ctrl.Start(ctx, blueGreenConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(stateOf(plan.TargetEndpointID)).To(Equal(interfaces.StateDraft))

			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			got, _ := ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StatePending))
			Expect(got.Reason).To(ContainSubstring("smoke test failed"))
			Expect(weightOf(plan.BaselineEndpointID)).To(Equal(100))
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(0))

			// The gate is retryable: a later passing run performs the swap.
			smoke.passed = true
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			got, _ = ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StateEvaluating))
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(100))
			Expect(weightOf(plan.BaselineEndpointID)).To(Equal(0))
			Expect(stateOf(plan.TargetEndpointID)).To(Equal(interfaces.StateActive))
			Expect(smoke.runs).To(Equal(2))
		})

		It("auto-reverts when green's error rate breaches inside the window", func() {
			plan, err := ctrl.Start(ctx, blueGreenConfig())
			Expect(err).NotTo(HaveOccurred())

			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(100))

			metrics.aggs[plan.TargetEndpointID] = healthyWindow(80, 0.08, 300*time.Millisecond)
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())

			got, _ := ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StateRolledBack))
			Expect(weightOf(plan.BaselineEndpointID)).To(Equal(100))
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(0))
			Expect(sink.kinds()).To(Equal([]interfaces.EventKind{interfaces.EventRollback}))
		})

		It("succeeds and retires blue after an uneventful window", func() {
			plan, err := ctrl.Start(ctx, blueGreenConfig())
			Expect(err).NotTo(HaveOccurred())

			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			metrics.aggs[plan.TargetEndpointID] = healthyWindow(120, 0.01, 220*time.Millisecond)

			// Mid-window checks keep observing.
			fc.Step(5 * time.Minute)
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			got, _ := ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StateEvaluating))

			fc.Step(6 * time.Minute)
			_, err = ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			got, _ = ctrl.Plan(plan.ID)
			Expect(got.State).To(Equal(StateSucceeded))
			Expect(stateOf(plan.BaselineEndpointID)).To(Equal(interfaces.StateRetiring))
			Expect(sink.kinds()).To(Equal([]interfaces.EventKind{interfaces.EventPromotion}))

			fc.Step(6 * time.Minute)
			done, err := ctrl.Tick(ctx, plan.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())
			snap, _ := reg.GetSnapshot(model)
			Expect(snap.Endpoints).To(HaveLen(1))
			Expect(snap.Endpoints[0].ID).To(Equal(plan.TargetEndpointID))
			Expect(weightOf(plan.TargetEndpointID)).To(Equal(100))
		})
	})
})
