package strategy

import (
	"context"
	"time"
)

// Polling checks agents one at a time in discovery order. Meant for very
// small fleets and debugging, where interleaved captures would only add
// noise.
type Polling struct{}

func (p *Polling) Name() string { return NamePolling }

func (p *Polling) RequiredCapabilities() []string {
	return []string{"health_checker"}
}

// Execute walks the fleet sequentially, stopping early on cancellation.
func (p *Polling) Execute(ctx context.Context, cycle *CycleContext) (*CycleSummary, error) {
	started := time.Now()
	summary := newSummary(NamePolling, cycle, started)

	for _, agent := range cycle.Agents {
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(started)
			return summary, err
		}
		summary.record(cycle.Checker.Check(ctx, agent.Target, cycle.CycleID))
	}

	summary.Duration = time.Since(started)
	return summary, nil
}
