package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/harness"
)

// ScenarioSummary is one scenario's outcome in JSON output.
type ScenarioSummary struct {
	Scenario string   `json:"scenario"`
	Pass     bool     `json:"pass"`
	Turns    int      `json:"turns"`
	Errors   []string `json:"errors,omitempty"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run conversation scenarios",
		Long: `Run YAML conversation scenarios against an in-memory pipeline.

Each scenario declares report capabilities, stub tables, and a turn
script with expectations. Scenarios run with a frozen clock, so
results are deterministic.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runScenarios(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	results, err := harness.NewRunner().RunAll(cmd.Context(), dir)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}
	if len(results) == 0 {
		msg := fmt.Sprintf("no scenarios found in %s", dir)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	failed := 0
	summaries := make([]ScenarioSummary, 0, len(results))
	for _, res := range results {
		if !res.Pass {
			failed++
		}
		summaries = append(summaries, ScenarioSummary{
			Scenario: res.Scenario,
			Pass:     res.Pass,
			Turns:    len(res.Turns),
			Errors:   res.Errors,
		})
	}

	if formatter.Format == "json" {
		if err := formatter.Success(summaries); err != nil {
			return err
		}
		if failed > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", failed))
		}
		return nil
	}

	for _, s := range summaries {
		if s.Pass {
			fmt.Fprintf(formatter.Writer, "✓ %s (%d turn(s))\n", s.Scenario, s.Turns)
			continue
		}
		fmt.Fprintf(formatter.Writer, "✗ %s\n", s.Scenario)
		for _, e := range s.Errors {
			fmt.Fprintf(formatter.Writer, "  %s\n", e)
		}
	}
	fmt.Fprintf(formatter.Writer, "\n%d passed, %d failed\n", len(summaries)-failed, failed)

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", failed))
	}
	return nil
}
