package strategy

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/tmux"
)

// Concurrent runs up to MaxParallel health checks in parallel. Results are
// buffered and folded into the summary in target order, so reporting stays
// stable however the checks interleave. Per-target verdict ordering is the
// tracker's job; each target is checked at most once per cycle.
type Concurrent struct{}

func (c *Concurrent) Name() string { return NameConcurrent }

func (c *Concurrent) RequiredCapabilities() []string {
	return []string{"health_checker", "connection_pool"}
}

type checkResult struct {
	target  tmux.Target
	verdict state.Verdict
}

// Execute fans the fleet out over a weighted semaphore.
func (c *Concurrent) Execute(ctx context.Context, cycle *CycleContext) (*CycleSummary, error) {
	started := time.Now()
	summary := newSummary(NameConcurrent, cycle, started)

	maxParallel := cycle.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	sem := semaphore.NewWeighted(int64(maxParallel))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []checkResult
	)

	for _, agent := range cycle.Agents {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(target tmux.Target) {
			defer wg.Done()
			defer sem.Release(1)

			verdict := cycle.Checker.Check(ctx, target, cycle.CycleID)
			mu.Lock()
			results = append(results, checkResult{target: target, verdict: verdict})
			mu.Unlock()
		}(agent.Target)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].target.Less(results[j].target) })
	for _, res := range results {
		summary.record(res.verdict)
	}

	summary.Duration = time.Since(started)
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}
