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

// Package collector records per-request outcomes per endpoint and computes
// rolling aggregates over a bounded time window.
//
// Record is on the request hot path and must complete in microseconds.
// Each endpoint has its own lock; there is no global lock shared between
// endpoints, and aggregate readers work on sample copies so they never
// block writers for the duration of a computation.
package collector

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
)

const (
	// DefaultCapacity is the per-endpoint sample buffer capacity.
	DefaultCapacity = 4096

	// DefaultWindow is the default retention window for samples.
	DefaultWindow = 15 * time.Minute
)

// Options configures a Collector.
type Options struct {
	// Capacity is the fixed per-endpoint buffer size. Zero means
	// DefaultCapacity.
	Capacity int

	// Window is the sample retention window. Zero means DefaultWindow.
	Window time.Duration

	// CostPerToken resolves the cost rate for an endpoint so aggregates
	// can carry a derived cost. Nil means cost is reported as zero.
	CostPerToken func(endpointID string) float64

	// SampleObserver mirrors every recorded sample to an external
	// instrumentation sink. It runs on the request hot path outside the
	// buffer lock; implementations must be cheap. Nil disables mirroring.
	SampleObserver func(endpointID string, latency time.Duration)

	// Clock is the time source, swappable for tests. Nil means real time.
	Clock clock.PassiveClock
}

// Collector is the metrics collector. Safe for concurrent use.
type Collector struct {
	capacity       int
	window         time.Duration
	costPerToken   func(endpointID string) float64
	sampleObserver func(endpointID string, latency time.Duration)
	clock          clock.PassiveClock

	mu        sync.RWMutex // guards the endpoints map, never the buffers
	endpoints map[string]*endpointBuffer
}

type endpointBuffer struct {
	mu   sync.Mutex
	ring *sampleRing
}

// New creates a Collector.
func New(opts Options) *Collector {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Collector{
		capacity:       opts.Capacity,
		window:         opts.Window,
		costPerToken:   opts.CostPerToken,
		sampleObserver: opts.SampleObserver,
		clock:          opts.Clock,
		endpoints:      make(map[string]*endpointBuffer),
	}
}

// Record appends one request outcome for an endpoint. Samples older than
// the retention window are evicted as part of the same write.
func (c *Collector) Record(endpointID string, latency time.Duration, success bool, tokens int) {
	now := c.clock.Now()
	buf := c.buffer(endpointID)

	buf.mu.Lock()
	buf.ring.evictBefore(now.Add(-c.window))
	buf.ring.add(interfaces.RequestMetricSample{
		Timestamp:  now,
		EndpointID: endpointID,
		Latency:    latency,
		Success:    success,
		Tokens:     tokens,
	})
	buf.mu.Unlock()

	if c.sampleObserver != nil {
		c.sampleObserver(endpointID, latency)
	}
}

// Forget drops all samples for an endpoint, used when it is deregistered.
func (c *Collector) Forget(endpointID string) {
	c.mu.Lock()
	delete(c.endpoints, endpointID)
	c.mu.Unlock()
}

// GetAggregate computes the rolling aggregate for an endpoint over the
// given window, capped at the collector's retention window. The samples
// are copied under the endpoint lock and the computation runs on the copy.
func (c *Collector) GetAggregate(endpointID string, window time.Duration) interfaces.AggregateWindow {
	if window <= 0 || window > c.window {
		window = c.window
	}
	now := c.clock.Now()
	cutoff := now.Add(-window)

	agg := interfaces.AggregateWindow{
		EndpointID: endpointID,
		From:       cutoff,
		To:         now,
	}

	c.mu.RLock()
	buf, ok := c.endpoints[endpointID]
	c.mu.RUnlock()
	if !ok {
		return agg
	}

	buf.mu.Lock()
	samples := buf.ring.inWindow(cutoff)
	buf.mu.Unlock()

	if len(samples) == 0 {
		return agg
	}

	latencies := make([]float64, 0, len(samples))
	failures := 0
	for _, s := range samples {
		latencies = append(latencies, float64(s.Latency))
		if !s.Success {
			failures++
		}
		agg.TotalTokens += s.Tokens
	}
	sort.Float64s(latencies)

	agg.SampleCount = len(samples)
	agg.AvgLatency = time.Duration(stat.Mean(latencies, nil))
	agg.P50Latency = time.Duration(stat.Quantile(0.50, stat.Empirical, latencies, nil))
	agg.P95Latency = time.Duration(stat.Quantile(0.95, stat.Empirical, latencies, nil))
	agg.ErrorRate = float64(failures) / float64(len(samples))
	agg.Throughput = float64(len(samples)) / window.Seconds()
	if c.costPerToken != nil {
		agg.Cost = float64(agg.TotalTokens) * c.costPerToken(endpointID)
	}
	return agg
}

// Load reports the current request load of an endpoint relative to the
// retention window capacity, 0.0-1.0. Used by load-aware routing.
func (c *Collector) Load(endpointID string) float64 {
	c.mu.RLock()
	buf, ok := c.endpoints[endpointID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	buf.mu.Lock()
	size := buf.ring.size
	buf.mu.Unlock()
	return float64(size) / float64(c.capacity)
}

func (c *Collector) buffer(endpointID string) *endpointBuffer {
	c.mu.RLock()
	buf, ok := c.endpoints[endpointID]
	c.mu.RUnlock()
	if ok {
		return buf
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok = c.endpoints[endpointID]; ok {
		return buf
	}
	buf = &endpointBuffer{ring: newSampleRing(c.capacity)}
	c.endpoints[endpointID] = buf
	return buf
}
