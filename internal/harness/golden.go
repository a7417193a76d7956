package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/nbridge/internal/ir"
)

// TraceSnapshot captures the steps and delivered events of a scenario run.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string          `json:"scenario_name"`
	Steps        []TraceEvent    `json:"steps"`
	Responses    []ResponseTrace `json:"responses"`
}

// NewTraceSnapshot builds the snapshot of a finished run.
func NewTraceSnapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: name,
		Steps:        result.Trace,
		Responses:    result.Responses,
	}
}

// MarshalCanonical renders the snapshot as canonical JSON.
func (s *TraceSnapshot) MarshalCanonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Steps))
	for i, ev := range s.Steps {
		steps[i] = ev.toCanonicalMap()
	}

	responses := make([]any, len(s.Responses))
	for i, r := range s.Responses {
		responses[i] = map[string]any{
			"request_id":    r.RequestID,
			"index":         r.Index,
			"response_type": r.ResponseType,
			"finished":      r.Finished,
			"params":        r.Params,
		}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"steps":         steps,
		"responses":     responses,
	}
}

// toCanonicalMap keeps the fields each operation uses.
func (ev TraceEvent) toCanonicalMap() map[string]any {
	m := map[string]any{
		"op":      ev.Op,
		"outcome": ev.Outcome,
	}

	switch ev.Op {
	case OpCreate:
		m["context"] = ev.Context
		if ev.ErrorCode != 0 {
			m["error_code"] = ev.ErrorCode
		}
	case OpSend:
		m["context"] = ev.Context
		m["request_id"] = ev.RequestID
		m["function"] = ev.Function
		m["params"] = ev.Params
	case OpWait:
		if len(ev.RequestIDs) > 0 {
			ids := make([]any, len(ev.RequestIDs))
			for i, id := range ev.RequestIDs {
				ids[i] = id
			}
			m["request_ids"] = ids
		}
	case OpDestroy:
		m["context"] = ev.Context
	case OpInject:
		m["context"] = ev.Context
		m["request_id"] = ev.RequestID
		m["response_type"] = ev.ResponseType
		m["finished"] = ev.Finished
		m["params"] = ev.Params
	case OpStoreBlob:
		m["blob"] = ev.Blob
		m["handle"] = ev.Handle
		m["size"] = ev.Size
	case OpResolveBlob:
		m["blob"] = ev.Blob
		m["offset"] = ev.Offset
		m["size"] = ev.Size
		if ev.Outcome == "ok" {
			m["data"] = ev.Data
		}
	}
	return m
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := NewTraceSnapshot(scenarioName, result)
	traceJSON, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
