package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tmuxmon/tmo/internal/monitor"
	"github.com/tmuxmon/tmo/internal/output"
)

func newCheckCmd() *cobra.Command {
	var strategyName string

	cmd := &cobra.Command{
		Use:   "check [session]",
		Short: "Run one monitoring cycle and print the verdicts",
		Long: `Run a single discovery-and-check cycle in this process, without the
daemon, and print what each agent looks like right now. With a session
argument only that session's windows are checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := ""
			if len(args) == 1 {
				session = args[0]
			}
			return runCheck(cmd.Context(), session, strategyName)
		},
	}
	cmd.Flags().StringVar(&strategyName, "strategy", "", "strategy for this cycle (polling|concurrent)")
	return cmd
}

func runCheck(ctx context.Context, session, strategyName string) error {
	f := formatter()

	sched, err := monitor.New(cfg)
	if err != nil {
		return err
	}

	report, agents, err := sched.RunOnce(ctx, session, strategyName)
	if err != nil {
		return err
	}

	if f.IsJSON() {
		return f.JSON(struct {
			Cycle  *monitor.CycleReport `json:"cycle"`
			Agents []agentView          `json:"agents"`
		}{report, agentViews(agents)})
	}

	if len(agents) == 0 {
		if session != "" {
			f.Textln("no agents found in session %q", session)
		} else {
			f.Textln("no agents found")
		}
		return nil
	}

	table := output.NewTable(f.Writer(), f.ColorEnabled(), "TARGET", "ROLE", "STATE", "IDLE")
	for _, a := range agents {
		table.AddRow(a.Target.String(), a.Role.String(), f.StateBadge(a.State.String()), fmt.Sprintf("%d", a.ConsecutiveIdleSamples))
	}
	table.WithFooter(fmt.Sprintf("%s checked in %s (%s strategy)",
		output.CountStr(report.Checked, "agent", "agents"),
		report.Duration.Round(time.Millisecond),
		report.Strategy)).Render()
	return nil
}
