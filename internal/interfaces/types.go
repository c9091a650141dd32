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

// Package interfaces holds the domain types and external collaborator
// contracts shared across the rollout controller.
package interfaces

import (
	"time"
)

// EndpointState is the lifecycle state of a model endpoint.
type EndpointState string

const (
	// StateDraft marks an endpoint that is deployed but not yet serving.
	StateDraft EndpointState = "draft"

	// StateCanary marks the endpoint currently under canary validation.
	// At most one canary endpoint exists per model.
	StateCanary EndpointState = "canary"

	// StateActive marks a trusted, serving endpoint.
	StateActive EndpointState = "active"

	// StateRetiring marks an endpoint at weight 0 draining in-flight
	// requests before removal.
	StateRetiring EndpointState = "retiring"
)

// ModelEndpoint is a deployed, addressable instance of one model version.
type ModelEndpoint struct {
	// ID uniquely identifies the endpoint.
	ID string

	// Model is the model name this endpoint serves.
	Model string

	// Version is the model version deployed at this endpoint.
	Version string

	// Address is the backend address of the deployment.
	Address string

	// CostPerToken is the serving cost per token, used by cost-aware
	// routing and the optimizer.
	CostPerToken float64

	// State is the endpoint lifecycle state.
	State EndpointState

	// Weight is the committed traffic share, 0-100.
	Weight int

	// Healthy is the last reported health state. Unhealthy endpoints are
	// excluded from routing but keep their committed weight.
	Healthy bool
}

// RequestMetricSample is one request outcome recorded against an endpoint.
type RequestMetricSample struct {
	Timestamp  time.Time
	EndpointID string
	Latency    time.Duration
	Success    bool
	Tokens     int
}

// AggregateWindow is a rolling aggregate over an endpoint's samples.
type AggregateWindow struct {
	EndpointID string

	// From and To bound the aggregation window.
	From time.Time
	To   time.Time

	// SampleCount is the number of samples the aggregate was computed over.
	SampleCount int

	AvgLatency time.Duration
	P50Latency time.Duration
	P95Latency time.Duration

	// ErrorRate is failed requests over total, 0.0-1.0.
	ErrorRate float64

	// Throughput is requests per second over the window.
	Throughput float64

	// TotalTokens is the token volume observed in the window.
	TotalTokens int

	// Cost is the derived cost: tokens times the endpoint cost-per-token.
	Cost float64
}

// RecommendationType classifies optimizer output.
type RecommendationType string

const (
	RecommendationSwitchEndpoint RecommendationType = "switch-endpoint"
	RecommendationScaleUp        RecommendationType = "scale-up"
	RecommendationEnableCaching  RecommendationType = "enable-caching"
)

// Recommendation is an optimizer finding with an estimated payoff.
type Recommendation struct {
	Type        RecommendationType
	Description string

	// ExpectedImprovement estimates the relative gain, 0.0-1.0.
	ExpectedImprovement float64

	// Confidence is the optimizer's confidence in the estimate, 0.0-1.0.
	Confidence float64
}
