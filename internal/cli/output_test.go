package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"blob": "0192-abc"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"blob": "0192-abc"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("E_NOT_FOUND", "blob not found", map[string]string{"blob": "missing"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "blob not found", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		wantDetails bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, formatter.Error("E_OUT_OF_RANGE", "range outside blob", "offset 9"))
			assert.Contains(t, buf.String(), "Error [E_OUT_OF_RANGE]: range outside blob")
			if tt.wantDetails {
				assert.Contains(t, buf.String(), "Details: offset 9")
			} else {
				assert.NotContains(t, buf.String(), "Details:")
			}
		})
	}
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	diag := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}

	formatter.VerboseLog("opened %s", "journal.db")

	assert.Empty(t, out.String(), "diagnostics must not corrupt JSON output")
	assert.Equal(t, "opened journal.db\n", diag.String())
	assert.Equal(t, diag, formatter.GetErrWriter())

	formatter.Verbose = false
	formatter.VerboseLog("hidden")
	assert.NotContains(t, diag.String(), "hidden")
}

func TestExitError(t *testing.T) {
	base := errors.New("no such file")
	err := WrapExitError(ExitCommandError, "failed to open database", base)

	assert.Equal(t, "failed to open database: no such file", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", err)))

	assert.Equal(t, "2 scenario(s) failed", NewExitError(ExitFailure, "2 scenario(s) failed").Error())
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestOutputFormatter_Report(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Report(map[string]int{"passed": 2}, nil))
	assert.Equal(t, "{\n  \"status\": \"ok\",\n  \"data\": {\n    \"passed\": 2\n  }\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Report(map[string]int{"failed": 1}, &CLIError{Code: "E_TEST_FAILED", Message: "1 scenario(s) failed"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Data, "a failed report still carries its data")
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
}
