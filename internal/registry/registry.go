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

// Package registry holds the known deployments per model as immutable,
// versioned weight snapshots.
//
// Readers (the router hot path) load the current snapshot without taking
// any lock held by writers. All mutations build a fresh snapshot and swap
// it in atomically, so a reader always observes a fully committed pre- or
// post-state, never a partial one.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
)

// Snapshot is an immutable view of one model's endpoint table.
// Endpoints are sorted by ID for deterministic iteration.
type Snapshot struct {
	// Model is the model name this snapshot belongs to.
	Model string

	// Version increases by one on every committed mutation.
	Version uint64

	// Endpoints are value copies; mutating them does not affect the registry.
	Endpoints []interfaces.ModelEndpoint

	// CommittedAt is when this snapshot was swapped in.
	CommittedAt time.Time
}

// Endpoint returns the endpoint with the given id, if present.
func (s *Snapshot) Endpoint(id string) (interfaces.ModelEndpoint, bool) {
	for _, ep := range s.Endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return interfaces.ModelEndpoint{}, false
}

// WeightSum returns the total committed traffic weight in the snapshot.
func (s *Snapshot) WeightSum() int {
	sum := 0
	for _, ep := range s.Endpoints {
		sum += ep.Weight
	}
	return sum
}

// Registry is the endpoint registry. Safe for concurrent use; state is
// partitioned per model name, no cross-model locking.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*atomic.Pointer[Snapshot]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		models: make(map[string]*atomic.Pointer[Snapshot]),
	}
}

// GetSnapshot returns the current immutable snapshot for the model, or
// false if the model is unknown.
func (r *Registry) GetSnapshot(model string) (*Snapshot, bool) {
	r.mu.RLock()
	ptr, ok := r.models[model]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ptr.Load(), true
}

// Models returns the sorted list of known model names.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for m := range r.models {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// Register adds an endpoint to its model's table.
//
// The first endpoint of a model may register at any weight (typically 100
// for an initial active deployment). Subsequent endpoints must join at
// weight 0 so the 100% sum invariant holds across the commit; traffic is
// shifted to them afterwards via CommitWeights.
func (r *Registry) Register(ep interfaces.ModelEndpoint) error {
	if ep.ID == "" || ep.Model == "" {
		return interfaces.NewValidationError("endpoint id and model are required")
	}
	if ep.Weight < 0 || ep.Weight > 100 {
		return interfaces.NewValidationError("endpoint %s weight %d out of range [0,100]", ep.ID, ep.Weight)
	}
	if ep.State == interfaces.StateCanary && ep.Weight != 0 {
		return interfaces.NewValidationError("canary endpoint %s must register at weight 0", ep.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ptr, ok := r.models[ep.Model]
	if !ok {
		snap := &Snapshot{
			Model:       ep.Model,
			Version:     1,
			Endpoints:   []interfaces.ModelEndpoint{ep},
			CommittedAt: time.Now(),
		}
		ptr = &atomic.Pointer[Snapshot]{}
		ptr.Store(snap)
		r.models[ep.Model] = ptr
		return nil
	}

	cur := ptr.Load()
	if _, exists := cur.Endpoint(ep.ID); exists {
		return interfaces.NewValidationError("endpoint %s already registered", ep.ID)
	}
	if ep.Weight != 0 {
		return interfaces.NewValidationError("endpoint %s must join existing model %q at weight 0", ep.ID, ep.Model)
	}
	if ep.State == interfaces.StateCanary {
		for _, existing := range cur.Endpoints {
			if existing.State == interfaces.StateCanary {
				return interfaces.NewValidationError("model %q already has canary endpoint %s", ep.Model, existing.ID)
			}
		}
	}

	next := cloneEndpoints(cur.Endpoints)
	next = append(next, ep)
	ptr.Store(commit(cur, next))
	return nil
}

// Deregister removes an endpoint. Only weight-0 endpoints may be removed;
// draining is the caller's responsibility.
func (r *Registry) Deregister(model, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ptr, ok := r.models[model]
	if !ok {
		return interfaces.NewValidationError("unknown model %q", model)
	}
	cur := ptr.Load()
	ep, ok := cur.Endpoint(id)
	if !ok {
		return interfaces.NewValidationError("unknown endpoint %s for model %q", id, model)
	}
	if ep.Weight != 0 {
		return interfaces.NewValidationError("endpoint %s still carries weight %d, cannot deregister", id, ep.Weight)
	}

	next := make([]interfaces.ModelEndpoint, 0, len(cur.Endpoints)-1)
	for _, e := range cur.Endpoints {
		if e.ID != id {
			next = append(next, e)
		}
	}
	ptr.Store(commit(cur, next))
	return nil
}

// CommitWeights atomically replaces the entire weight table for a model.
// The new weights must reference only known endpoint ids and sum to 100.
// Endpoints absent from the map are set to weight 0.
func (r *Registry) CommitWeights(model string, weights map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ptr, ok := r.models[model]
	if !ok {
		return interfaces.NewValidationError("unknown model %q", model)
	}
	cur := ptr.Load()

	sum := 0
	for id, w := range weights {
		if _, ok := cur.Endpoint(id); !ok {
			return interfaces.NewValidationError("weight map references unknown endpoint %s", id)
		}
		if w < 0 || w > 100 {
			return interfaces.NewValidationError("weight %d for endpoint %s out of range [0,100]", w, id)
		}
		sum += w
	}
	if sum != 100 {
		return interfaces.NewValidationError("weights for model %q sum to %d, want 100", model, sum)
	}

	next := cloneEndpoints(cur.Endpoints)
	for i := range next {
		next[i].Weight = weights[next[i].ID]
	}
	ptr.Store(commit(cur, next))
	return nil
}

// SetState updates an endpoint's lifecycle state.
func (r *Registry) SetState(model, id string, state interfaces.EndpointState) error {
	return r.update(model, id, func(ep *interfaces.ModelEndpoint) {
		ep.State = state
	})
}

// SetHealth updates an endpoint's health flag.
func (r *Registry) SetHealth(model, id string, healthy bool) error {
	return r.update(model, id, func(ep *interfaces.ModelEndpoint) {
		ep.Healthy = healthy
	})
}

func (r *Registry) update(model, id string, mutate func(*interfaces.ModelEndpoint)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ptr, ok := r.models[model]
	if !ok {
		return interfaces.NewValidationError("unknown model %q", model)
	}
	cur := ptr.Load()
	if _, ok := cur.Endpoint(id); !ok {
		return interfaces.NewValidationError("unknown endpoint %s for model %q", id, model)
	}

	next := cloneEndpoints(cur.Endpoints)
	for i := range next {
		if next[i].ID == id {
			mutate(&next[i])
		}
	}
	ptr.Store(commit(cur, next))
	return nil
}

// Restore replaces a model's table wholesale, used when loading persisted
// state at startup. The endpoints must satisfy the weight sum invariant.
func (r *Registry) Restore(model string, endpoints []interfaces.ModelEndpoint) error {
	sum := 0
	for _, ep := range endpoints {
		if ep.Model != model {
			return interfaces.NewValidationError("endpoint %s belongs to model %q, not %q", ep.ID, ep.Model, model)
		}
		sum += ep.Weight
	}
	if len(endpoints) > 0 && sum != 100 {
		return interfaces.NewValidationError("restored weights for model %q sum to %d, want 100", model, sum)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := cloneEndpoints(endpoints)
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })

	ptr, ok := r.models[model]
	if !ok {
		ptr = &atomic.Pointer[Snapshot]{}
		ptr.Store(&Snapshot{Model: model, Version: 1, Endpoints: next, CommittedAt: time.Now()})
		r.models[model] = ptr
		return nil
	}
	ptr.Store(commit(ptr.Load(), next))
	return nil
}

func commit(prev *Snapshot, endpoints []interfaces.ModelEndpoint) *Snapshot {
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].ID < endpoints[j].ID })
	return &Snapshot{
		Model:       prev.Model,
		Version:     prev.Version + 1,
		Endpoints:   endpoints,
		CommittedAt: time.Now(),
	}
}

func cloneEndpoints(in []interfaces.ModelEndpoint) []interfaces.ModelEndpoint {
	out := make([]interfaces.ModelEndpoint, len(in))
	copy(out, in)
	return out
}
