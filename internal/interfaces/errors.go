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
	"errors"
	"fmt"
)

// ErrNoHealthyEndpoint is returned by the router when no viable candidate
// exists for a model. It is a hard error, never a silent fallback.
var ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")

// ErrEvaluationInconclusive is returned when a rollout evaluation starves
// for samples beyond the allowed deferral count.
var ErrEvaluationInconclusive = errors.New("evaluation inconclusive: insufficient samples")

// ValidationError rejects malformed registry or rollout configuration
// before any state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// BackendOperationError wraps a deployment backend failure. It is fatal to
// the active rollout and triggers abort plus rollback.
type BackendOperationError struct {
	Op  string
	Err error
}

func (e *BackendOperationError) Error() string {
	return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err)
}

func (e *BackendOperationError) Unwrap() error { return e.Err }

// SmokeTestFailure blocks a blue-green swap. The rollout stays PENDING and
// may be retried.
type SmokeTestFailure struct {
	EndpointID string
	Report     SmokeReport
}

func (e *SmokeTestFailure) Error() string {
	failed := 0
	for _, c := range e.Report.Checks {
		if !c.Passed {
			failed++
		}
	}
	return fmt.Sprintf("smoke test failed for endpoint %s (%d failing checks)", e.EndpointID, failed)
}
