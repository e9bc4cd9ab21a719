package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	if err := LookPath("sh"); err != nil {
		t.Skip(err)
	}

	var streamed bytes.Buffer
	r := &ExecRunner{Output: &streamed}
	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; echo $KILN_TEST"},
		Env:  map[string]string{"KILN_TEST": "value"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\nvalue\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Contains(t, streamed.String(), "out")
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecRunnerExitError(t *testing.T) {
	if err := LookPath("sh"); err != nil {
		t.Skip(err)
	}

	r := &ExecRunner{}
	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, err.Error(), "broken")
}

func TestExecRunnerRequiresName(t *testing.T) {
	_, err := (&ExecRunner{}).Run(context.Background(), Command{})
	assert.Error(t, err)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "uv build --wheel", Command{Name: "uv", Args: []string{"build", "--wheel"}}.String())
}
