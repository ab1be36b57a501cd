// Package cli is the cobra command surface over the monitor's operational
// API.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tmuxmon/tmo/internal/config"
	"github.com/tmuxmon/tmo/internal/output"
)

// Build metadata, set by the release pipeline via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	cfgFile string
	jsonOut bool
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tmo",
	Short: "tmux agent monitor - watch CLI agent fleets for crashes and stalls",
	Long: `tmo monitors a fleet of CLI coding agents running in tmux windows:
it discovers them, classifies their roles, detects crashes, idleness, and
stuck loops from pane content, restarts crashed project managers with
backoff, and routes alerts to the session's PM pane.

Quick start:
  tmo config init         # write a commented config to edit
  tmo start               # run the monitor daemon
  tmo status              # see the fleet
  tmo check mysession     # one-shot cycle without the daemon
  tmo peek mysession:2    # look at what an agent pane shows`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "completion" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath())
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/tmo/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable JSON output")

	rootCmd.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newCheckCmd(),
		newPeekCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// formatter builds the output formatter for the invoked command.
func formatter() *output.Formatter {
	format := output.FormatText
	if jsonOut {
		format = output.FormatJSON
	}
	return output.New(os.Stdout, format)
}

// setupLogging installs the configured slog handler. The log-package level
// is set too so component loggers created before this point still honour
// the configured level.
func setupLogging(lc config.LogConfig) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tmo %s (commit %s, built %s)\n", Version, Commit, Date)
		},
	}
}
