package main

import (
	"context"
	"fmt"
	"time"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/logging"
)

// localBackend is a development deployment backend that fabricates
// endpoint addresses instead of provisioning real infrastructure. It
// stands in for a cloud deployment API when running the controller
// standalone.
type localBackend struct{}

func (localBackend) Create(_ context.Context, model, version string, _ map[string]string) (string, error) {
	return fmt.Sprintf("http://%s-%s.local:8000", model, version), nil
}

func (localBackend) Delete(_ context.Context, endpointID string) error {
	logging.Log.Info("deleted local deployment", "endpoint", endpointID)
	return nil
}

// localSmokeRunner reports a passing connectivity check. Real
// deployments plug in a runner that exercises the endpoint.
type localSmokeRunner struct{}

func (localSmokeRunner) Run(_ context.Context, endpointID string) (interfaces.SmokeReport, error) {
	return interfaces.SmokeReport{
		EndpointID: endpointID,
		Passed:     true,
		Checks: []interfaces.SmokeCheck{
			{Name: "endpoint_connectivity", Passed: true, Message: "endpoint reachable"},
		},
		RanAt: time.Now(),
	}, nil
}

// logSink writes rollout events to the controller log.
type logSink struct{}

func (logSink) Notify(_ context.Context, event interfaces.Event) {
	logging.Log.Info("rollout event",
		"kind", event.Kind, "model", event.Model, "plan", event.PlanID, "reason", event.Reason)
}
