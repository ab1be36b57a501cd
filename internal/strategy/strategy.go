// Package strategy holds the pluggable monitoring strategies and the
// registry that selects one per cycle. Strategies are values implementing a
// minimal capability set; there is no hierarchy to extend.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tmuxmon/tmo/internal/health"
	"github.com/tmuxmon/tmo/internal/state"
)

// Built-in strategy names.
const (
	NamePolling    = "polling"
	NameConcurrent = "concurrent"
)

// DefaultMaxParallel is the concurrent strategy's default ceiling on
// in-flight checks.
const DefaultMaxParallel = 20

// CycleContext carries everything one monitoring pass needs.
type CycleContext struct {
	CycleID     string
	Agents      []state.Agent
	Checker     *health.Checker
	MaxParallel int
}

// CycleSummary reports one completed pass.
type CycleSummary struct {
	CycleID  string
	Strategy string
	Started  time.Time
	Duration time.Duration
	Checked  int
	Unknown  int
	ByState  map[state.AgentState]int
}

// Strategy is one way of scheduling a cycle's health checks.
type Strategy interface {
	Name() string
	// RequiredCapabilities declares the component names the strategy
	// depends on; the registry validates them at selection time.
	RequiredCapabilities() []string
	Execute(ctx context.Context, cycle *CycleContext) (*CycleSummary, error)
}

// Registry maps strategy names to implementations. It is seeded with the
// two built-ins; embedding programs may Register more in-process.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry seeded with polling and concurrent.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(&Polling{})
	r.Register(&Concurrent{})
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get returns the named strategy.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (have %v)", name, r.names())
	}
	return s, nil
}

// Names lists registered strategies, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newSummary starts a summary for one pass.
func newSummary(name string, cycle *CycleContext, started time.Time) *CycleSummary {
	return &CycleSummary{
		CycleID:  cycle.CycleID,
		Strategy: name,
		Started:  started,
		ByState:  make(map[state.AgentState]int),
	}
}

func (s *CycleSummary) record(v state.Verdict) {
	s.Checked++
	if v.Unknown {
		s.Unknown++
		return
	}
	s.ByState[v.State]++
}
