package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "bridgectl", cmd.Use)
	assert.Contains(t, cmd.Long, "native SDK")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "test", "serve", "blob", "trace", "version"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestBlobSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"put", "get", "stat"} {
		sub, _, err := cmd.Find([]string{"blob", name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	metricsFlag := serveCmd.Flags().Lookup("metrics-addr")
	require.NotNil(t, metricsFlag)
	assert.Equal(t, "", metricsFlag.DefValue)

	drainFlag := serveCmd.Flags().Lookup("drain-timeout")
	require.NotNil(t, drainFlag)
	assert.Equal(t, "5s", drainFlag.DefValue)
}

func TestTraceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	traceCmd, _, err := cmd.Find([]string{"trace"})
	require.NoError(t, err)

	for _, name := range []string{"db", "context", "request"} {
		assert.NotNil(t, traceCmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestBlobGetFlags(t *testing.T) {
	cmd := NewRootCommand()
	getCmd, _, err := cmd.Find([]string{"blob", "get"})
	require.NoError(t, err)

	sizeFlag := getCmd.Flags().Lookup("size")
	require.NotNil(t, sizeFlag)
	assert.Equal(t, "-1", sizeFlag.DefValue)

	outFlag := getCmd.Flags().Lookup("output")
	require.NotNil(t, outFlag)
	assert.Equal(t, "o", outFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"version", "--format", "xml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestValidFormats(t *testing.T) {
	assert.True(t, isValidFormat("json"))
	assert.True(t, isValidFormat("text"))
	assert.False(t, isValidFormat("yaml"))
	assert.False(t, isValidFormat(""))
}

func TestConfigFlag(t *testing.T) {
	dir := t.TempDir()

	t.Run("loads library name", func(t *testing.T) {
		path := filepath.Join(dir, "ok.yaml")
		require.NoError(t, os.WriteFile(path, []byte("library: loopback\nlog:\n  level: warn\n"), 0644))

		buf := &bytes.Buffer{}
		cmd := NewRootCommand()
		cmd.SetOut(buf)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"version", "--config", path})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, buf.String(), "library loopback")
	})

	t.Run("invalid config is a command error", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0644))

		cmd := NewRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"version", "-c", path})

		err := cmd.Execute()
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "failed to load config")
	})

	t.Run("missing file", func(t *testing.T) {
		cmd := NewRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"version", "-c", filepath.Join(dir, "nope.yaml")})

		err := cmd.Execute()
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestVersionCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"version", "--format", "json"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), `"status":"ok"`)
	assert.Contains(t, buf.String(), `"bridge":"0.1.0"`)
	assert.Contains(t, buf.String(), `"library":"loopback"`)
}
