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

package collector

import (
	"time"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
)

// sampleRing is a fixed-capacity ring of request samples for one endpoint.
// When full, the oldest sample is overwritten. Samples older than the
// retention window are evicted lazily on write.
// Note: this type is not thread-safe; the Collector holds a per-endpoint
// lock around it.
type sampleRing struct {
	samples []interfaces.RequestMetricSample
	head    int // index of the oldest sample
	size    int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{
		samples: make([]interfaces.RequestMetricSample, capacity),
	}
}

// add appends a sample, overwriting the oldest when full.
func (r *sampleRing) add(s interfaces.RequestMetricSample) {
	if r.size < len(r.samples) {
		r.samples[(r.head+r.size)%len(r.samples)] = s
		r.size++
		return
	}
	r.samples[r.head] = s
	r.head = (r.head + 1) % len(r.samples)
}

// evictBefore drops samples older than the cutoff. Samples arrive roughly
// in order, so eviction only advances the head.
func (r *sampleRing) evictBefore(cutoff time.Time) {
	for r.size > 0 && r.samples[r.head].Timestamp.Before(cutoff) {
		r.head = (r.head + 1) % len(r.samples)
		r.size--
	}
}

// inWindow returns a copy of the samples with timestamps at or after the
// cutoff, in chronological order.
func (r *sampleRing) inWindow(cutoff time.Time) []interfaces.RequestMetricSample {
	out := make([]interfaces.RequestMetricSample, 0, r.size)
	for i := 0; i < r.size; i++ {
		s := r.samples[(r.head+i)%len(r.samples)]
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
