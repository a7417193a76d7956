package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/registry"
	"github.com/roach88/nbridge/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Context  uint64 // optional - filter to one context handle
	Request  uint64 // optional - filter to one request id
}

// TraceEntry is a single entry in the journal timeline.
type TraceEntry struct {
	Seq          int64            `json:"seq"`
	Type         string           `json:"type"` // "request" or "event"
	Context      ir.ContextHandle `json:"context"`
	RequestID    ir.RequestID     `json:"request_id"`
	Function     string           `json:"function,omitempty"`
	ResponseType *ir.ResponseType `json:"response_type,omitempty"`
	Finished     bool             `json:"finished,omitempty"`
	Disposition  string           `json:"disposition,omitempty"`
	Params       any              `json:"params"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Timeline []TraceEntry `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Requests  int `json:"requests"`
	Events    int `json:"events"`
	Delivered int `json:"delivered"`
	Dropped   int `json:"dropped"`
	Open      int `json:"open"` // requests with no delivered finished event
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the request and event journal",
		Long: `Show the journaled requests and native events as one timeline ordered
by sequence number.

Each event carries its disposition: delivered to the response handler, or
dropped because its context was gone (invalid_handle) or its request had
already finished (unknown_request).

The database is --db, or journal.path from the config file.

Examples:
  bridgectl trace --db ./journal.db
  bridgectl trace --db ./journal.db --context 4294967297
  bridgectl trace --db ./journal.db --context 4294967297 --request 7 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal database")
	cmd.Flags().Uint64Var(&opts.Context, "context", 0, "only show this context handle")
	cmd.Flags().Uint64Var(&opts.Request, "request", 0, "only show this request id")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	path := opts.Database
	if path == "" {
		path = opts.Config.Journal.Path
	}
	if path == "" {
		return NewExitError(ExitCommandError, "no journal: pass --db or set journal.path in the config")
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	h := ir.ContextHandle(opts.Context)
	requests, err := st.ReadRequests(ctx, h)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read requests", err)
	}
	events, err := st.ReadEvents(ctx, h)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result := buildTrace(requests, events, ir.RequestID(opts.Request))

	if opts.Format == "json" {
		return opts.formatter(cmd.OutOrStdout(), cmd.ErrOrStderr()).Report(result, nil)
	}
	return outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
}

// buildTrace merges journaled requests and events into one timeline.
// A non-zero id keeps only that request's entries.
func buildTrace(requests []store.RequestRecord, events []store.EventRecord, id ir.RequestID) TraceResult {
	timeline := make([]TraceEntry, 0, len(requests)+len(events))

	type key struct {
		h  ir.ContextHandle
		id ir.RequestID
	}
	open := make(map[key]bool)
	var stats TraceStats

	for _, r := range requests {
		if id != 0 && r.RequestID != id {
			continue
		}
		timeline = append(timeline, TraceEntry{
			Seq:       r.Seq,
			Type:      "request",
			Context:   r.Handle,
			RequestID: r.RequestID,
			Function:  r.FunctionName,
			Params:    decodeParams(r.ParamsJSON),
		})
		open[key{r.Handle, r.RequestID}] = true
		stats.Requests++
	}

	for _, e := range events {
		if id != 0 && e.RequestID != id {
			continue
		}
		rt := e.ResponseType
		timeline = append(timeline, TraceEntry{
			Seq:          e.Seq,
			Type:         "event",
			Context:      e.Handle,
			RequestID:    e.RequestID,
			ResponseType: &rt,
			Finished:     e.Finished,
			Disposition:  e.Disposition,
			Params:       decodeParams(e.ParamsJSON),
		})
		stats.Events++
		if e.Disposition == registry.Deliver.String() {
			stats.Delivered++
			if e.Finished {
				delete(open, key{e.Handle, e.RequestID})
			}
		} else {
			stats.Dropped++
		}
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Seq < timeline[j].Seq
	})
	stats.Open = len(open)

	return TraceResult{Timeline: timeline, Stats: stats}
}

// decodeParams returns the decoded JSON, or the raw string when it is not
// valid JSON.
func decodeParams(s string) any {
	if s == "" {
		return nil
	}
	v, err := ir.DecodeJSONValue(s)
	if err != nil {
		return s
	}
	return v
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no entries)")
	}
	for _, entry := range result.Timeline {
		formatTimelineEntry(w, entry, verbose)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Requests:  %d\n", result.Stats.Requests)
	fmt.Fprintf(w, "  Events:    %d\n", result.Stats.Events)
	fmt.Fprintf(w, "  Delivered: %d\n", result.Stats.Delivered)
	fmt.Fprintf(w, "  Dropped:   %d\n", result.Stats.Dropped)
	fmt.Fprintf(w, "  Open:      %d\n", result.Stats.Open)

	return nil
}

// formatTimelineEntry formats a single timeline entry for text output.
func formatTimelineEntry(w io.Writer, entry TraceEntry, verbose bool) {
	switch entry.Type {
	case "request":
		fmt.Fprintf(w, "  [%d] REQ %s #%d %s\n", entry.Seq, entry.Context, entry.RequestID, entry.Function)
	case "event":
		marker := ""
		if entry.Finished {
			marker = " (finished)"
		}
		rt := ""
		if entry.ResponseType != nil {
			rt = entry.ResponseType.String()
		}
		fmt.Fprintf(w, "  [%d] EVT %s #%d %s%s %s\n", entry.Seq, entry.Context, entry.RequestID, rt, marker, entry.Disposition)
	}
	if verbose && entry.Params != nil {
		fmt.Fprintf(w, "       Params: %s\n", formatValue(entry.Params))
	}
}

// formatArgs formats a map of args for display.
// Uses sorted keys to ensure deterministic output.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(args[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// formatValue formats a single value for display, handling nested structures deterministically.
func formatValue(v any) string {
	switch val := v.(type) {
	case map[string]any:
		return formatArgs(val)
	case []any:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string:
		return val
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", v)
	}
}
