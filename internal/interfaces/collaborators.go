/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package interfaces

import (
	"context"
	"time"
)

// DeploymentBackend provisions and tears down model deployments.
// Implementations are fallible and not retried by the controller;
// retry policy belongs to the backend.
type DeploymentBackend interface {
	// Create provisions a deployment for the given model version and
	// returns its serving address.
	Create(ctx context.Context, model, version string, config map[string]string) (address string, err error)

	// Delete tears down the deployment behind the given endpoint.
	Delete(ctx context.Context, endpointID string) error
}

// SmokeCheck is one named check within a smoke test report.
type SmokeCheck struct {
	Name    string
	Passed  bool
	Message string
}

// SmokeReport is the outcome of a smoke test run against an endpoint.
type SmokeReport struct {
	EndpointID string
	Passed     bool
	Checks     []SmokeCheck
	RanAt      time.Time
}

// SmokeTestRunner validates a deployment before it may receive traffic.
// Blue-green swaps are gated on a passing report.
type SmokeTestRunner interface {
	Run(ctx context.Context, endpointID string) (SmokeReport, error)
}

// EventKind classifies notification events.
type EventKind string

const (
	EventRollback       EventKind = "rollback"
	EventAbort          EventKind = "abort"
	EventPromotion      EventKind = "promotion"
	EventRecommendation EventKind = "recommendation"
)

// Event is a notification emitted on rollout state changes and
// optimizer findings.
type Event struct {
	Kind      EventKind
	Model     string
	PlanID    string
	Reason    string
	Timestamp time.Time
}

// NotificationSink receives rollout and optimizer events.
type NotificationSink interface {
	Notify(ctx context.Context, event Event)
}

// StateStore persists controller state across restarts, keyed per model.
type StateStore interface {
	Get(ctx context.Context, modelKey string) ([]byte, error)
	Put(ctx context.Context, modelKey string, snapshot []byte) error

	// Keys lists the stored keys under a prefix, for state restore at
	// startup.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
