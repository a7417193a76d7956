package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nbridge/internal/ir"
)

func TestRunWithGolden_Ping(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/ping.yaml")
	require.NoError(t, err)

	// Regenerate with:
	//   go test ./internal/harness -run TestRunWithGolden -update
	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_StreamBlobs(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/stream_blobs.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/stream_blobs.yaml")
	require.NoError(t, err)

	var first []byte
	for i := 0; i < 5; i++ {
		result, err := Run(scenario)
		require.NoError(t, err)

		snapshot := NewTraceSnapshot(scenario.Name, result)
		out, err := snapshot.MarshalCanonical()
		require.NoError(t, err)

		if first == nil {
			first = out
			continue
		}
		assert.Equal(t, string(first), string(out), "run %d differs", i)
	}
}

func TestTraceSnapshot_CanonicalFields(t *testing.T) {
	snapshot := TraceSnapshot{
		ScenarioName: "fields",
		Steps: []TraceEvent{
			{Op: OpCreate, Context: "bad", Outcome: "error", ErrorCode: 15},
			{Op: OpWait, Outcome: "ok"},
			{Op: OpResolveBlob, Blob: "b", Offset: 2, Size: 1, Outcome: "not_found", Data: "ignored"},
		},
		Responses: []ResponseTrace{
			{RequestID: 3, Index: 0, ResponseType: ir.ResponseError, Finished: true, Params: "not json"},
		},
	}

	out, err := snapshot.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"responses":[{"finished":true,"index":0,"params":"not json","request_id":3,"response_type":1}],`+
			`"scenario_name":"fields",`+
			`"steps":[{"context":"bad","error_code":15,"op":"create","outcome":"error"},`+
			`{"op":"wait","outcome":"ok"},`+
			`{"blob":"b","offset":2,"op":"resolve_blob","outcome":"not_found","size":1}]}`,
		string(out))
}

func TestTraceValue(t *testing.T) {
	assert.Equal(t, "not json", traceValue("not json"))
	assert.Equal(t, "null", traceValue("null"))
	assert.Equal(t, map[string]any{}, traceValue("{}"))
}
