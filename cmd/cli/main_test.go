package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/logging"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var levelVar slog.LevelVar
	cli := &cliState{levelVar: &levelVar}
	cli.setLogger(logging.NewCLI(io.Discard, &levelVar))

	var out bytes.Buffer
	root := newRootCommand(cli)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\nversion = \"0.13.1\"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CHANGELOG.md"), []byte("# Changelog\n\n## Version 0.13.1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kiln.yaml"), []byte("variants: [lite, full]\n"), 0o644))
	return filepath.Join(dir, "kiln.yaml")
}

func TestGraphCommandPrintsExpandedJobs(t *testing.T) {
	out, err := execute(t, "--config", writeProject(t), "graph")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "install", lines[0])
	assert.Contains(t, out, "assemble (full) <- build, fetch (full), version")
	assert.Len(t, lines, 16)
}

func TestVersionCommand(t *testing.T) {
	t.Setenv("GITHUB_REF", "")
	config := writeProject(t)

	out, err := execute(t, "--config", config, "version")
	require.NoError(t, err)
	assert.Equal(t, "0.13.1\n", out)

	_, err = execute(t, "--config", config, "version", "--tag", "v0.13.2")
	assert.Equal(t, failure.VersionMismatch, failure.KindOf(err))
}

func TestVariantsCommandPrintsSizes(t *testing.T) {
	out, err := execute(t, "--config", writeProject(t), "variants")
	require.NoError(t, err)
	assert.Contains(t, out, "lite\t4563402752\t")
	assert.Contains(t, out, "full\t13958643712\t")
}

func TestUsageErrorsExitWithTwo(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "variants")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), err))

	_, err = execute(t, "reclaim")
	assert.Equal(t, failure.InvalidConfig, failure.KindOf(err))
}

func TestExitCodes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Equal(t, exitFailure, exitCode(context.Background(), logger, failure.New(failure.MissingArtifact, "build", "missing")))
	assert.Equal(t, exitInterrupted, exitCode(context.Background(), logger, context.Canceled))
	assert.Equal(t, exitFailure, exitCode(context.Background(), logger, errors.New("boom")))
}
