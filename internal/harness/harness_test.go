package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nbridge/internal/ir"
)

func TestRun_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
			assert.Len(t, result.Trace, len(scenario.Steps))
		})
	}
}

func TestRun_StepMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "send to an unknown alias while expecting success",
		Steps: []Step{
			{Send: "nowhere", ID: 1, Function: "ping"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[0] send: expected ok, got invalid_handle")
}

func TestRun_CreateExpectCode(t *testing.T) {
	scenario := &Scenario{
		Name:        "create_code",
		Description: "expect_code is compared with the native code",
		Steps: []Step{
			{Create: "a", ConfigJSON: "7", ExpectCode: 15},
			{Create: "b", ConfigJSON: "7", ExpectCode: 16},
			{Create: "c", ExpectCode: 15},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, "error", result.Trace[0].Outcome)
	assert.Equal(t, ir.ErrCodeInvalidConfig, result.Trace[0].ErrorCode)
	assert.Equal(t, "ok", result.Trace[2].Outcome)

	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[1] create: expected error code 16, got 15")
	assert.Contains(t, result.Errors[1], "steps[2] create: expected error code 15, got ok")
}

func TestRun_WaitTimeout(t *testing.T) {
	scenario := &Scenario{
		Name:        "timeout",
		Description: "a wait that cannot finish reports a timeout",
		Steps: []Step{
			{Create: "main"},
			{Send: "main", ID: 1, Function: "sleep", Params: map[string]any{"ms": 5000}},
			{Wait: true, IDs: []ir.RequestID{1}, TimeoutMS: 20},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Equal(t, "timeout", result.Trace[2].Outcome)
	assert.Contains(t, result.Errors[0], "steps[2] wait: expected ok, got timeout")
	assert.Empty(t, result.Responses, "closing the bridge drops the sleeping request")
}

func TestRun_ResolveBlobData(t *testing.T) {
	expect := "ell"
	wrong := "nope"
	scenario := &Scenario{
		Name:        "blobs",
		Description: "resolve_blob checks returned bytes",
		Steps: []Step{
			{StoreBlob: "b", Data: "hello"},
			{ResolveBlob: "b", Offset: 1, Size: 3, Expect: &expect},
			{ResolveBlob: "blob-1", Offset: 1, Size: 3, Expect: &wrong},
			{ResolveBlob: "b", Offset: 4, Size: 2, ExpectError: "out_of_range"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, ir.BlobHandle("blob-1"), result.Trace[0].Handle)
	assert.Equal(t, "ell", result.Trace[1].Data)
	assert.Equal(t, "out_of_range", result.Trace[3].Outcome)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `steps[2] resolve_blob: expected data "nope", got "ell"`)
}

func TestRun_ResponsesGroupedByRequest(t *testing.T) {
	scenario := &Scenario{
		Name:        "grouping",
		Description: "concurrent requests are grouped by id in the result",
		Steps: []Step{
			{Create: "main"},
			{Send: "main", ID: 2, Function: "stream", Params: map[string]any{"count": 3}},
			{Send: "main", ID: 1, Function: "stream", Params: map[string]any{"count": 3}},
			{Wait: true},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Responses, 8)

	for i, r := range result.Responses {
		wantID := ir.RequestID(1)
		if i >= 4 {
			wantID = 2
		}
		assert.Equal(t, wantID, r.RequestID)
		assert.Equal(t, i%4, r.Index)
		assert.Equal(t, i%4 == 3, r.Finished)
	}
}

func TestRun_JournalRecordsDeliveries(t *testing.T) {
	scenario := &Scenario{
		Name:        "journal",
		Description: "every delivered event is journaled",
		Steps: []Step{
			{Create: "main"},
			{Send: "main", ID: 1, Function: "notify", Params: map[string]any{"message": "hi"}},
			{Wait: true},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Journal, 2)
	assert.Equal(t, ir.ResponseAppNotify, result.Journal[0].ResponseType)
	assert.Equal(t, "delivered", result.Journal[0].Disposition)
	assert.True(t, result.Journal[1].Finished)
	assert.Less(t, result.Journal[0].Seq, result.Journal[1].Seq)
}
