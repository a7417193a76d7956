package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/nbridge/internal/harness"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Golden string // write the canonical trace here
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run one scenario against the loopback SDK",
		Long: `Run a scenario file and print its trace: the executed steps followed by
the delivered response events grouped by request.

Exit codes:
  0 - Scenario passed
  1 - A step or assertion failed
  2 - Command error (missing file, invalid scenario, etc.)

Examples:
  bridgectl run ./scenarios/ping.yaml
  bridgectl run ./scenarios/ping.yaml --format json
  bridgectl run ./scenarios/ping.yaml --golden ./scenarios/golden/ping.golden`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Golden, "golden", "", "write the canonical JSON trace to this file")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	result, err := harness.Run(scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	if opts.Golden != "" {
		snapshot := harness.NewTraceSnapshot(scenario.Name, result)
		data, err := snapshot.MarshalCanonical()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to marshal trace", err)
		}
		if err := os.WriteFile(opts.Golden, data, 0644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write golden file", err)
		}
	}

	if opts.Format == "json" {
		var failure *CLIError
		if !result.Pass {
			failure = &CLIError{
				Code:    "E_SCENARIO_FAILED",
				Message: fmt.Sprintf("scenario %s failed", scenario.Name),
				Details: result.Errors,
			}
		}
		out := opts.formatter(cmd.OutOrStdout(), cmd.ErrOrStderr())
		if err := out.Report(result, failure); err != nil {
			return err
		}
	} else {
		printResult(cmd.OutOrStdout(), scenario, result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

// printResult writes the human-readable trace.
func printResult(w io.Writer, scenario *harness.Scenario, result *harness.Result) {
	fmt.Fprintf(w, "Scenario: %s\n", scenario.Name)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Steps ===")
	for i, ev := range result.Trace {
		fmt.Fprintf(w, "  [%d] %s\n", i+1, formatStep(ev))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Responses ===")
	if len(result.Responses) == 0 {
		fmt.Fprintln(w, "  (none delivered)")
	}
	for _, r := range result.Responses {
		marker := ""
		if r.Finished {
			marker = " (finished)"
		}
		fmt.Fprintf(w, "  request %d #%d %s%s %s\n", r.RequestID, r.Index, r.ResponseType, marker, formatValue(r.Params))
	}
	fmt.Fprintln(w)

	if result.Pass {
		fmt.Fprintln(w, "✓ passed")
		return
	}
	fmt.Fprintln(w, "✗ failed")
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

func formatStep(ev harness.TraceEvent) string {
	switch ev.Op {
	case harness.OpCreate:
		if ev.ErrorCode != 0 {
			return fmt.Sprintf("create %s -> error %d", ev.Context, ev.ErrorCode)
		}
		return fmt.Sprintf("create %s -> %s", ev.Context, ev.Outcome)
	case harness.OpSend:
		return fmt.Sprintf("send %s #%d %s %s -> %s", ev.Context, ev.RequestID, ev.Function, formatValue(ev.Params), ev.Outcome)
	case harness.OpWait:
		if len(ev.RequestIDs) > 0 {
			return fmt.Sprintf("wait %v -> %s", ev.RequestIDs, ev.Outcome)
		}
		return fmt.Sprintf("wait all -> %s", ev.Outcome)
	case harness.OpDestroy:
		return fmt.Sprintf("destroy %s -> %s", ev.Context, ev.Outcome)
	case harness.OpInject:
		return fmt.Sprintf("inject %s #%d %s finished=%t -> %s", ev.Context, ev.RequestID, ev.ResponseType, ev.Finished, ev.Outcome)
	case harness.OpStoreBlob:
		return fmt.Sprintf("store_blob %s (%d bytes) -> %s", ev.Blob, ev.Size, ev.Handle)
	case harness.OpResolveBlob:
		if ev.Outcome == "ok" {
			return fmt.Sprintf("resolve_blob %s [%d:+%d] -> %q", ev.Blob, ev.Offset, ev.Size, ev.Data)
		}
		return fmt.Sprintf("resolve_blob %s [%d:+%d] -> %s", ev.Blob, ev.Offset, ev.Size, ev.Outcome)
	default:
		return ev.Op
	}
}
