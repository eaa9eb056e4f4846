package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/enclave/internal/shared/paths"
)

// execute runs the CLI with fresh flag state in an isolated data directory.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	configFlag, logLevelFlag, devFlag = "", "", false
	sessionFlag, traceFlag, jsonFlag, evalFlag, timeoutFlag = "", false, false, "", 0
	forceFlag = false

	var stdout, stderr bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func setup(t *testing.T) {
	t.Setenv(paths.EnvHome, t.TempDir())
	t.Setenv("ENCLAVE_LOGGING_LEVEL", "error")
}

func TestRun(t *testing.T) {
	setup(t)

	out, _, err := execute(t, "print(6 * 7)", "run", "-")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)

	out, errOut, err := execute(t, "", "run", "-e", "console.error('warn'); print('ok')")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
	assert.Equal(t, "warn\n", errOut)

	out, errOut, err = execute(t, "", "run", "-e", "print('a');\nthrow new Error('bad')")
	assert.ErrorIs(t, err, errExecutionFailed)
	assert.Equal(t, "a\n", out)
	assert.Contains(t, errOut, "execution_failed")
}

func TestRunJSON(t *testing.T) {
	setup(t)

	out, _, err := execute(t, "", "run", "--json", "--trace", "-e", `trace("line", {message: "here"}); print(1)`)
	require.NoError(t, err)
	assert.Contains(t, out, `"stdout": "1\n"`)
	assert.Contains(t, out, `"kind": "line"`)
}

func TestRunTimeout(t *testing.T) {
	setup(t)

	_, errOut, err := execute(t, "", "run", "--timeout", "100ms", "-e", "while (true) {}")
	assert.ErrorIs(t, err, errExecutionFailed)
	assert.Contains(t, errOut, "timeout")
}

func TestRunSessionsPersist(t *testing.T) {
	setup(t)

	for _, want := range []string{"1\n", "2\n"} {
		out, _, err := execute(t, "", "run", "--session", "work", "-e", "var n = (globalThis.n || 0) + 1; print(n)")
		require.NoError(t, err)
		assert.Equal(t, want, out)
	}

	out, _, err := execute(t, "", "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "work")

	_, _, err = execute(t, "", "sessions", "clear")
	assert.Error(t, err)

	out, _, err = execute(t, "", "sessions", "delete", "work")
	require.NoError(t, err)
	assert.Equal(t, "Deleted work.\n", out)

	_, _, err = execute(t, "", "sessions", "delete", "work")
	assert.Error(t, err)

	out, _, err = execute(t, "", "sessions", "clear", "--force")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 0 sessions.\n", out)
}

func TestReadCodeConflict(t *testing.T) {
	setup(t)
	_, _, err := execute(t, "", "run", "-e", "1", "file.js")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "enclave "))
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.n))
	}
}
