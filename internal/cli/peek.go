package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tmuxmon/tmo/internal/output"
	"github.com/tmuxmon/tmo/internal/tmux"
	"github.com/tmuxmon/tmo/internal/util"
)

func newPeekCmd() *cobra.Command {
	var lines int
	var diff bool

	cmd := &cobra.Command{
		Use:   "peek <session:window>",
		Short: "Capture an agent's pane",
		Long: `Print the trailing pane content of one window. With --diff, compare
against the previous peek of the same target and print the similarity and a
line diff instead of the raw text.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeek(cmd, args[0], lines, diff)
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 50, "trailing pane lines to capture")
	cmd.Flags().BoolVar(&diff, "diff", false, "diff against the previous peek")
	return cmd
}

func runPeek(cmd *cobra.Command, targetStr string, lines int, diff bool) error {
	f := formatter()

	target, err := tmux.ParseTarget(targetStr)
	if err != nil {
		return err
	}

	adapter := tmux.NewCLIAdapter()
	defer adapter.Close()

	snap, err := adapter.Capture(cmd.Context(), target, lines)
	if err != nil {
		return err
	}

	if !diff {
		// Soft-wrap to the terminal so long agent lines stay readable;
		// Width(0) makes this a passthrough when piped.
		text := output.Wrap(snap.Text, f.Width(0))
		f.Text("%s", text)
		if len(text) > 0 && text[len(text)-1] != '\n' {
			f.Line()
		}
		return nil
	}

	prevPath, err := peekCachePath(target)
	if err != nil {
		return err
	}
	prev, err := os.ReadFile(prevPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if writeErr := util.AtomicWriteFile(prevPath, []byte(snap.Text), 0o644); writeErr != nil {
		return fmt.Errorf("saving peek for next diff: %w", writeErr)
	}

	if errors.Is(err, os.ErrNotExist) {
		f.Textln("no previous peek of %s; captured baseline for next time", target)
		return nil
	}

	similarity := output.Similarity(string(prev), snap.Text)
	if f.IsJSON() {
		return f.JSON(struct {
			Target     string  `json:"target"`
			Similarity float64 `json:"similarity"`
			Diff       string  `json:"diff"`
		}{target.String(), similarity, f.LineDiff(string(prev), snap.Text)})
	}

	f.Textln("similarity to previous peek: %.1f%%", similarity*100)
	f.Line()
	f.Text("%s", f.LineDiff(string(prev), snap.Text))
	return nil
}

// peekCachePath is where the previous peek of a target is kept, one file
// per target under the data directory.
func peekCachePath(target tmux.Target) (string, error) {
	dir, err := util.DataDir()
	if err != nil {
		return "", err
	}
	peekDir := filepath.Join(dir, "peeks")
	if err := util.EnsureDir(peekDir); err != nil {
		return "", err
	}
	return filepath.Join(peekDir, fmt.Sprintf("%s-%d.txt", target.Session, target.Window)), nil
}
