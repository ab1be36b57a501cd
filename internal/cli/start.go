package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tmuxmon/tmo/internal/config"
	"github.com/tmuxmon/tmo/internal/monitor"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the monitor daemon",
		Long: `Start the monitoring loop in the foreground. Exactly one monitor runs
per user; a second start reports the existing one and exits.

Signals:
  SIGINT/SIGTERM  graceful stop (drain alerts, persist state)
  SIGHUP          reload the config file

The config file is also watched; edits apply at the next cycle boundary.
Run under a supervisor or "tmux new-session -d tmo start" to detach.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func runStart() error {
	release, err := acquireDaemonLock()
	if err != nil {
		return err
	}
	defer release()

	sched, err := monitor.New(cfg)
	if err != nil {
		return err
	}

	res := sched.Start()
	if !res.OK {
		return fmt.Errorf("starting monitor: %s", res.Message)
	}

	path := configPath()
	reload := func(next *config.Config) {
		setupLogging(next.Log)
		r := sched.Reconfigure(next)
		if !r.OK {
			slog.Warn("reconfigure rejected", "error", r.Message)
		}
	}

	stopWatch, err := config.Watch(path, reload)
	if err != nil {
		slog.Warn("config watch unavailable", "path", path, "error", err)
	} else {
		defer stopWatch()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			next, err := config.Load(path)
			if err != nil {
				slog.Warn("reload failed; keeping previous config", "error", err)
				continue
			}
			reload(next)
			continue
		}

		slog.Info("shutting down", "signal", sig.String())
		sched.Stop(true, monitor.DefaultStopTimeout)
		return nil
	}
	return nil
}
