package router

import (
	"sync"
)

// routeStats tracks per-endpoint route counts per model. Counts feed the
// status surface so operators can compare observed traffic distribution
// against committed weights.
type routeStats struct {
	mu     sync.Mutex
	counts map[string]map[string]uint64 // model -> endpoint -> count
}

func newRouteStats() *routeStats {
	return &routeStats{counts: make(map[string]map[string]uint64)}
}

func (s *routeStats) record(model, endpointID string) {
	s.mu.Lock()
	m, ok := s.counts[model]
	if !ok {
		m = make(map[string]uint64)
		s.counts[model] = m
	}
	m[endpointID]++
	s.mu.Unlock()
}

func (s *routeStats) snapshot(model string) map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counts[model]))
	for id, n := range s.counts[model] {
		out[id] = n
	}
	return out
}
