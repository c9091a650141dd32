package rollout

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
)

// PlanState is the lifecycle state of a rollout plan.
type PlanState string

const (
	StatePending    PlanState = "PENDING"
	StateRamping    PlanState = "RAMPING"
	StateEvaluating PlanState = "EVALUATING"
	StateSucceeded  PlanState = "SUCCEEDED"
	StateRolledBack PlanState = "ROLLED_BACK"
	StateAborted    PlanState = "ABORTED"
)

// Terminal reports whether the state is one of the terminal states.
func (s PlanState) Terminal() bool {
	switch s {
	case StateSucceeded, StateRolledBack, StateAborted:
		return true
	}
	return false
}

// StrategyKind distinguishes the two rollout mechanisms.
type StrategyKind string

const (
	KindCanary    StrategyKind = "canary"
	KindBlueGreen StrategyKind = "blue-green"
)

// Default thresholds, taken from the deployment playbook this controller
// grew out of: a canary may carry at most a 5% relative error-rate
// increase and a 10% relative latency increase over the baseline.
const (
	DefaultMaxErrorRateIncrease = 0.05
	DefaultMaxLatencyIncrease   = 0.10

	// Zero-baseline fallbacks for the relative-delta comparison.
	DefaultAbsoluteErrorRate = 0.05
	DefaultAbsoluteLatency   = 500 * time.Millisecond
)

// DefaultTrafficSteps is the default canary ramp ladder.
var DefaultTrafficSteps = []int{5, 10, 25, 50, 100}

// SuccessCriteria bound how far a target version may regress from the
// baseline before a rollout is rolled back.
type SuccessCriteria struct {
	// MaxErrorRateIncrease is the maximum allowed relative increase in
	// error rate: (target - baseline) / baseline.
	MaxErrorRateIncrease float64 `yaml:"maxErrorRateIncrease"`

	// MaxLatencyIncrease is the maximum allowed relative increase in p95
	// latency.
	MaxLatencyIncrease float64 `yaml:"maxLatencyIncrease"`

	// AbsoluteErrorRate is the fallback ceiling applied when the baseline
	// error rate is zero and a relative delta is undefined.
	AbsoluteErrorRate float64 `yaml:"absoluteErrorRate"`

	// AbsoluteLatency is the fallback ceiling applied when the baseline
	// latency is zero.
	AbsoluteLatency time.Duration `yaml:"absoluteLatency"`
}

// withDefaults fills unset criteria fields.
func (c SuccessCriteria) withDefaults() SuccessCriteria {
	if c.MaxErrorRateIncrease == 0 {
		c.MaxErrorRateIncrease = DefaultMaxErrorRateIncrease
	}
	if c.MaxLatencyIncrease == 0 {
		c.MaxLatencyIncrease = DefaultMaxLatencyIncrease
	}
	if c.AbsoluteErrorRate == 0 {
		c.AbsoluteErrorRate = DefaultAbsoluteErrorRate
	}
	if c.AbsoluteLatency == 0 {
		c.AbsoluteLatency = DefaultAbsoluteLatency
	}
	return c
}

// Config is the rollout configuration surface.
type Config struct {
	Model           string       `yaml:"model"`
	Kind            StrategyKind `yaml:"kind"`
	TargetVersion   string       `yaml:"targetVersion"`
	BaselineVersion string       `yaml:"baselineVersion"`

	// TrafficSteps is the ascending canary ramp, percentages in (0,100],
	// ending at 100. Ignored for blue-green.
	TrafficSteps []int `yaml:"trafficSteps"`

	Criteria SuccessCriteria `yaml:"criteria"`

	// EvaluationInterval is how long each step serves before evaluation.
	EvaluationInterval time.Duration `yaml:"evaluationInterval"`

	// MinSampleCount is the minimum number of target samples an
	// evaluation needs; below it the evaluation is deferred.
	MinSampleCount int `yaml:"minSampleCount"`

	// MaxDeferrals bounds consecutive deferrals before the rollout is
	// aborted as inconclusive.
	MaxDeferrals int `yaml:"maxDeferrals"`

	// RollbackWindow is how long blue stays on standby after a blue-green
	// swap. Ignored for canary.
	RollbackWindow time.Duration `yaml:"rollbackWindow"`

	// DrainGracePeriod is how long a retiring endpoint keeps draining at
	// weight 0 before it is removed.
	DrainGracePeriod time.Duration `yaml:"drainGracePeriod"`

	// BackendConfig is passed through to the deployment backend.
	BackendConfig map[string]string `yaml:"backendConfig,omitempty"`
}

// Validate rejects a malformed configuration before any state change.
func (c *Config) Validate() error {
	if c.Model == "" {
		return interfaces.NewValidationError("model is required")
	}
	if c.TargetVersion == "" {
		return interfaces.NewValidationError("targetVersion is required")
	}
	if c.BaselineVersion == "" {
		return interfaces.NewValidationError("baselineVersion is required")
	}
	if c.TargetVersion == c.BaselineVersion {
		return interfaces.NewValidationError("targetVersion and baselineVersion must differ")
	}
	switch c.Kind {
	case KindCanary:
		steps := c.TrafficSteps
		if len(steps) == 0 {
			break // defaulted later
		}
		if !sort.IntsAreSorted(steps) {
			return interfaces.NewValidationError("trafficSteps must be ascending, got %v", steps)
		}
		for i, s := range steps {
			if s <= 0 || s > 100 {
				return interfaces.NewValidationError("traffic step %d out of range (0,100]: %d", i, s)
			}
			if i > 0 && steps[i-1] == s {
				return interfaces.NewValidationError("duplicate traffic step %d", s)
			}
		}
		if steps[len(steps)-1] != 100 {
			return interfaces.NewValidationError("final traffic step must be 100, got %d", steps[len(steps)-1])
		}
	case KindBlueGreen:
	default:
		return interfaces.NewValidationError("unsupported rollout kind %q", c.Kind)
	}
	if c.EvaluationInterval < 0 || c.MinSampleCount < 0 || c.MaxDeferrals < 0 {
		return interfaces.NewValidationError("intervals and counts must be non-negative")
	}
	return nil
}

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if len(c.TrafficSteps) == 0 {
		c.TrafficSteps = append([]int(nil), DefaultTrafficSteps...)
	}
	if c.EvaluationInterval == 0 {
		c.EvaluationInterval = time.Minute
	}
	if c.MinSampleCount == 0 {
		c.MinSampleCount = 50
	}
	if c.MaxDeferrals == 0 {
		c.MaxDeferrals = 3
	}
	if c.RollbackWindow == 0 {
		c.RollbackWindow = 10 * time.Minute
	}
	if c.DrainGracePeriod == 0 {
		c.DrainGracePeriod = 5 * time.Minute
	}
	c.Criteria = c.Criteria.withDefaults()
	return c
}

// Plan coordinates one staged traffic shift and its evaluation.
// All fields are owned by the plan's single evaluator; external readers
// get copies via the controller's Plan accessor.
type Plan struct {
	ID     string       `yaml:"id"`
	Kind   StrategyKind `yaml:"kind"`
	Config Config       `yaml:"config"`

	// TargetEndpointID is the endpoint created for the target version.
	TargetEndpointID string `yaml:"targetEndpointID"`

	// BaselineEndpointID is the trusted endpoint compared against.
	BaselineEndpointID string `yaml:"baselineEndpointID"`

	State PlanState `yaml:"state"`

	// StepIndex is the current position in TrafficSteps. It never
	// decreases while the plan is RAMPING or EVALUATING.
	StepIndex int `yaml:"stepIndex"`

	// Deferrals counts consecutive sample-starved evaluations.
	Deferrals int `yaml:"deferrals"`

	// Reason records why the plan reached a terminal state.
	Reason string `yaml:"reason,omitempty"`

	// Cause is the terminal error behind Reason for aborted plans,
	// matchable with errors.Is. Not persisted; plans restored from the
	// state store carry only Reason.
	Cause error `yaml:"-"`

	CreatedAt time.Time `yaml:"createdAt"`
	UpdatedAt time.Time `yaml:"updatedAt"`

	// WindowEnds bounds the blue-green rollback window.
	WindowEnds time.Time `yaml:"windowEnds,omitempty"`

	// RetireAt schedules removal of the retiring endpoint.
	RetireAt time.Time `yaml:"retireAt,omitempty"`

	// RetiringEndpointID drains at weight 0 until RetireAt.
	RetiringEndpointID string `yaml:"retiringEndpointID,omitempty"`
}

func newPlan(cfg Config, kind StrategyKind, now time.Time) *Plan {
	return &Plan{
		ID:        uuid.NewString(),
		Kind:      kind,
		Config:    cfg,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CurrentStep returns the traffic percentage of the current step.
func (p *Plan) CurrentStep() int {
	if p.StepIndex >= len(p.Config.TrafficSteps) {
		return 100
	}
	return p.Config.TrafficSteps[p.StepIndex]
}

// FinalStep reports whether the plan is at its last traffic step.
func (p *Plan) FinalStep() bool {
	return p.StepIndex == len(p.Config.TrafficSteps)-1
}
