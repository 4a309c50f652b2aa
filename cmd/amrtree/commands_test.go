package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amrtree/internal/config"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("AMRTREE_CONFIG_JSON", "")
	t.Setenv("AMRTREE_CONFIG_YAML_B64", "")

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Tree.InitialLevel = 2
	cfg.Run.Steps = 3
	cfg.Run.ReportEvery = 0
	cfg.Store.Provider = config.ProviderDisk
	cfg.Store.Path = filepath.Join(dir, "store")
	cfg.Store.CheckpointEvery = 0
	cfg.Logging.Level = "error"
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

var checkpointLine = regexp.MustCompile(`checkpoint ([0-9a-f-]{36}) step (\d+)`)

func TestRunWritesCheckpointAndListsIt(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "--config", path, "run")
	require.NoError(t, err)
	m := checkpointLine.FindStringSubmatch(out)
	require.NotNil(t, m, out)
	assert.Equal(t, "3", m[2])
	assert.Contains(t, out, "ncells")

	out, err = execute(t, "--config", path, "snapshots", "list")
	require.NoError(t, err)
	assert.Contains(t, out, m[1])

	out, err = execute(t, "--config", path, "snapshots", "show", m[1])
	require.NoError(t, err)
	assert.Contains(t, out, "step 3")
	assert.Contains(t, out, "checks passed")

	out, err = execute(t, "--config", path, "run", "--steps", "2", "--resume", m[1])
	require.NoError(t, err)
	m2 := checkpointLine.FindStringSubmatch(out)
	require.NotNil(t, m2, out)
	assert.Equal(t, "5", m2[2])

	_, err = execute(t, "--config", path, "snapshots", "delete", m[1])
	require.NoError(t, err)
	out, err = execute(t, "--config", path, "snapshots", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, m[1])
	assert.Contains(t, out, m2[1])
}

func TestInspectFreshSession(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "--config", path, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "dim 2 roots 1 cells 21 leaves 16 depth 2")
	assert.Contains(t, out, "checks passed")
}

func TestInspectUnknownSnapshot(t *testing.T) {
	path := writeTestConfig(t)

	_, err := execute(t, "--config", path, "inspect", "--snapshot", "7f1e5a8e-8c4b-4f57-9c61-2b9b0f7c1a11")
	require.Error(t, err)

	_, err = execute(t, "--config", path, "inspect", "--snapshot", "not-a-uuid")
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "amrtree dev")
}
