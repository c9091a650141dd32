package router

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/registry"
)

type stubMetrics struct {
	latency map[string]time.Duration
	load    map[string]float64
}

func (m *stubMetrics) GetAggregate(endpointID string, _ time.Duration) interfaces.AggregateWindow {
	return interfaces.AggregateWindow{
		EndpointID: endpointID,
		AvgLatency: m.latency[endpointID],
	}
}

func (m *stubMetrics) Load(endpointID string) float64 {
	return m.load[endpointID]
}

func endpoint(id string, cost float64, state interfaces.EndpointState, weight int, healthy bool) interfaces.ModelEndpoint {
	return interfaces.ModelEndpoint{
		ID:           id,
		Model:        "m",
		Version:      "v1",
		Address:      "http://" + id + ".test:8000",
		CostPerToken: cost,
		State:        state,
		Weight:       weight,
		Healthy:      healthy,
	}
}

func restore(t *testing.T, eps ...interfaces.ModelEndpoint) *registry.Registry {
	t.Helper()
	r := registry.New()
	if err := r.Restore("m", eps); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRouteStrategies(t *testing.T) {
	metrics := &stubMetrics{
		latency: map[string]time.Duration{
			"cheap-slow": 400 * time.Millisecond,
			"pricy-fast": 50 * time.Millisecond,
		},
		load: map[string]float64{
			"cheap-slow": 0.2,
			"pricy-fast": 0.3,
		},
	}

	tests := []struct {
		name     string
		strategy Strategy
		want     string
	}{
		{name: "cost picks cheapest", strategy: CostOptimized, want: "cheap-slow"},
		{name: "performance picks fastest", strategy: PerformanceOptimized, want: "pricy-fast"},
		{name: "balanced favors the cheap endpoint here", strategy: Balanced, want: "cheap-slow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := restore(t,
				endpoint("cheap-slow", 0.001, interfaces.StateActive, 50, true),
				endpoint("pricy-fast", 0.010, interfaces.StateActive, 50, true),
			)
			r := New(reg, metrics, Config{Strategy: tt.strategy})
			ep, err := r.Route("m", RequestContext{ID: "req-1"})
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if ep.ID != tt.want {
				t.Errorf("Route() = %s, want %s", ep.ID, tt.want)
			}
		})
	}
}

func TestRouteDeterministic(t *testing.T) {
	metrics := &stubMetrics{latency: map[string]time.Duration{}, load: map[string]float64{}}
	reg := restore(t,
		endpoint("m-v1", 0.002, interfaces.StateActive, 90, true),
		interfaces.ModelEndpoint{
			ID: "m-v2", Model: "m", Version: "v2", CostPerToken: 0.002,
			State: interfaces.StateCanary, Weight: 10, Healthy: true,
		},
	)
	r := New(reg, metrics, Config{Strategy: Balanced})

	for _, id := range []string{"req-a", "req-b", "session-42"} {
		first, err := r.Route("m", RequestContext{ID: id})
		if err != nil {
			t.Fatalf("Route(%s): %v", id, err)
		}
		for i := 0; i < 10; i++ {
			again, err := r.Route("m", RequestContext{ID: id})
			if err != nil {
				t.Fatalf("Route(%s): %v", id, err)
			}
			if again.ID != first.ID {
				t.Fatalf("request %s routed to %s then %s", id, first.ID, again.ID)
			}
		}
	}
}

func TestCanarySplitFraction(t *testing.T) {
	metrics := &stubMetrics{latency: map[string]time.Duration{}, load: map[string]float64{}}

	for _, weight := range []int{5, 25, 50} {
		t.Run(fmt.Sprintf("weight %d", weight), func(t *testing.T) {
			reg := restore(t,
				endpoint("m-v1", 0.002, interfaces.StateActive, 100-weight, true),
				interfaces.ModelEndpoint{
					ID: "m-v2", Model: "m", Version: "v2", CostPerToken: 0.002,
					State: interfaces.StateCanary, Weight: weight, Healthy: true,
				},
			)
			r := New(reg, metrics, Config{Strategy: Balanced})

			const total = 5000
			canary := 0
			for i := 0; i < total; i++ {
				ep, err := r.Route("m", RequestContext{ID: fmt.Sprintf("req-%d", i)})
				if err != nil {
					t.Fatalf("Route: %v", err)
				}
				if ep.ID == "m-v2" {
					canary++
				}
			}
			got := float64(canary) / total * 100
			if diff := got - float64(weight); diff < -3 || diff > 3 {
				t.Errorf("canary share = %.1f%%, want %d%% +/- 3", got, weight)
			}
		})
	}
}

func TestCanaryAtFullWeight(t *testing.T) {
	metrics := &stubMetrics{latency: map[string]time.Duration{}, load: map[string]float64{}}
	reg := restore(t,
		endpoint("m-v1", 0.002, interfaces.StateActive, 0, true),
		interfaces.ModelEndpoint{
			ID: "m-v2", Model: "m", Version: "v2", CostPerToken: 0.002,
			State: interfaces.StateCanary, Weight: 100, Healthy: true,
		},
	)
	r := New(reg, metrics, Config{Strategy: Balanced})

	for i := 0; i < 200; i++ {
		ep, err := r.Route("m", RequestContext{ID: fmt.Sprintf("req-%d", i)})
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if ep.ID != "m-v2" {
			t.Fatalf("request %d routed to %s, want m-v2", i, ep.ID)
		}
	}
}

func TestUnhealthyCanaryGetsNoTraffic(t *testing.T) {
	metrics := &stubMetrics{latency: map[string]time.Duration{}, load: map[string]float64{}}
	reg := restore(t,
		endpoint("m-v1", 0.002, interfaces.StateActive, 50, true),
		interfaces.ModelEndpoint{
			ID: "m-v2", Model: "m", Version: "v2", CostPerToken: 0.002,
			State: interfaces.StateCanary, Weight: 50, Healthy: false,
		},
	)
	r := New(reg, metrics, Config{Strategy: Balanced})

	for i := 0; i < 200; i++ {
		ep, err := r.Route("m", RequestContext{ID: fmt.Sprintf("req-%d", i)})
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if ep.ID == "m-v2" {
			t.Fatal("unhealthy canary received traffic")
		}
	}
}

func TestRouteNoHealthyEndpoint(t *testing.T) {
	metrics := &stubMetrics{latency: map[string]time.Duration{}, load: map[string]float64{}}

	tests := []struct {
		name string
		eps  []interfaces.ModelEndpoint
	}{
		{name: "unknown model", eps: nil},
		{
			name: "all unhealthy",
			eps: []interfaces.ModelEndpoint{
				endpoint("m-v1", 0.002, interfaces.StateActive, 100, false),
			},
		},
		{
			name: "only draft endpoints",
			eps: []interfaces.ModelEndpoint{
				endpoint("m-v1", 0.002, interfaces.StateDraft, 100, true),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New()
			if tt.eps != nil {
				if err := reg.Restore("m", tt.eps); err != nil {
					t.Fatal(err)
				}
			}
			r := New(reg, metrics, Config{Strategy: Balanced})
			_, err := r.Route("m", RequestContext{ID: "req-1"})
			if !errors.Is(err, interfaces.ErrNoHealthyEndpoint) {
				t.Errorf("Route() error = %v, want ErrNoHealthyEndpoint", err)
			}
		})
	}
}

func TestPerformanceLoadThreshold(t *testing.T) {
	metrics := &stubMetrics{
		latency: map[string]time.Duration{
			"fast-busy": 50 * time.Millisecond,
			"slow-idle": 200 * time.Millisecond,
		},
		load: map[string]float64{
			"fast-busy": 0.95,
			"slow-idle": 0.1,
		},
	}
	reg := restore(t,
		endpoint("fast-busy", 0.002, interfaces.StateActive, 50, true),
		endpoint("slow-idle", 0.002, interfaces.StateActive, 50, true),
	)
	r := New(reg, metrics, Config{Strategy: PerformanceOptimized, LoadThreshold: 0.8})

	// The fastest endpoint is over the load threshold; the idle one wins.
	ep, err := r.Route("m", RequestContext{ID: "req-1"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ep.ID != "slow-idle" {
		t.Errorf("Route() = %s, want slow-idle", ep.ID)
	}

	// With every endpoint over the threshold, fall back to the full set.
	metrics.load["slow-idle"] = 0.9
	ep, err = r.Route("m", RequestContext{ID: "req-1"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ep.ID != "fast-busy" {
		t.Errorf("Route() fallback = %s, want fast-busy", ep.ID)
	}
}

func TestScoreTiesResolveToSmallestID(t *testing.T) {
	metrics := &stubMetrics{
		latency: map[string]time.Duration{
			"ep-a": 100 * time.Millisecond,
			"ep-b": 100 * time.Millisecond,
		},
		load: map[string]float64{"ep-a": 0.5, "ep-b": 0.5},
	}
	reg := restore(t,
		endpoint("ep-b", 0.002, interfaces.StateActive, 50, true),
		endpoint("ep-a", 0.002, interfaces.StateActive, 50, true),
	)
	r := New(reg, metrics, Config{Strategy: Balanced})

	ep, err := r.Route("m", RequestContext{ID: "req-1"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ep.ID != "ep-a" {
		t.Errorf("tied score resolved to %s, want ep-a", ep.ID)
	}
}

type recordingObserver struct {
	routed []string
	failed []string
}

func (o *recordingObserver) Routed(model, endpointID string) {
	o.routed = append(o.routed, model+"/"+endpointID)
}

func (o *recordingObserver) RouteFailed(model string) {
	o.failed = append(o.failed, model)
}

func TestObserverSeesDecisionsAndFailures(t *testing.T) {
	metrics := &stubMetrics{latency: map[string]time.Duration{}, load: map[string]float64{}}
	reg := restore(t, endpoint("m-v1", 0.002, interfaces.StateActive, 100, true))
	obs := &recordingObserver{}
	r := New(reg, metrics, Config{Strategy: Balanced, Observer: obs})

	if _, err := r.Route("m", RequestContext{ID: "req-1"}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(obs.routed) != 1 || obs.routed[0] != "m/m-v1" {
		t.Errorf("routed = %v, want [m/m-v1]", obs.routed)
	}

	// Unknown model counts as a routing failure.
	if _, err := r.Route("ghost", RequestContext{ID: "req-2"}); !errors.Is(err, interfaces.ErrNoHealthyEndpoint) {
		t.Fatalf("Route(ghost) error = %v, want ErrNoHealthyEndpoint", err)
	}
	// So does a known model with no viable candidate.
	if err := reg.SetHealth("m", "m-v1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Route("m", RequestContext{ID: "req-3"}); !errors.Is(err, interfaces.ErrNoHealthyEndpoint) {
		t.Fatalf("Route(m) error = %v, want ErrNoHealthyEndpoint", err)
	}

	if len(obs.failed) != 2 || obs.failed[0] != "ghost" || obs.failed[1] != "m" {
		t.Errorf("failed = %v, want [ghost m]", obs.failed)
	}
	if len(obs.routed) != 1 {
		t.Errorf("failures must not count as decisions, routed = %v", obs.routed)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{in: "cost", want: CostOptimized},
		{in: "cost-optimized", want: CostOptimized},
		{in: "performance", want: PerformanceOptimized},
		{in: "balanced", want: Balanced},
		{in: "", want: Balanced},
		{in: "fastest", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStats(t *testing.T) {
	metrics := &stubMetrics{latency: map[string]time.Duration{}, load: map[string]float64{}}
	reg := restore(t, endpoint("m-v1", 0.002, interfaces.StateActive, 100, true))
	r := New(reg, metrics, Config{Strategy: Balanced})

	for i := 0; i < 7; i++ {
		if _, err := r.Route("m", RequestContext{ID: fmt.Sprintf("req-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	stats := r.Stats("m")
	if stats["m-v1"] != 7 {
		t.Errorf("stats[m-v1] = %d, want 7", stats["m-v1"])
	}
}
