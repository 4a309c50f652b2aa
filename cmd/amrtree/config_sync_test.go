package main

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"amrtree/internal/config"
)

func TestWriteConfigFromEnvJSON(t *testing.T) {
	t.Setenv("AMRTREE_CONFIG_YAML_B64", "")

	cfg := config.Default()
	cfg.Run.Steps = 7
	cfg.Tree.InitialLevel = 2
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	t.Setenv("AMRTREE_CONFIG_JSON", string(data))

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	wrote, err := writeConfigFromEnv(path)
	require.NoError(t, err)
	require.True(t, wrote)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Run.Steps)
	assert.Equal(t, 2, loaded.Tree.InitialLevel)
}

func TestWriteConfigFromEnvYAML(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Provider = config.ProviderBadger
	cfg.Store.InMemory = true
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	t.Setenv("AMRTREE_CONFIG_JSON", "")
	t.Setenv("AMRTREE_CONFIG_YAML_B64", base64.StdEncoding.EncodeToString(data))

	path := filepath.Join(t.TempDir(), "config.json")
	wrote, err := writeConfigFromEnv(path)
	require.NoError(t, err)
	require.True(t, wrote)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded config.Config
	require.NoError(t, json.Unmarshal(contents, &decoded))
	assert.Equal(t, config.ProviderBadger, decoded.Store.Provider)
	assert.True(t, decoded.Store.InMemory)
}

func TestWriteConfigFromEnvSkipsWhenUnset(t *testing.T) {
	t.Setenv("AMRTREE_CONFIG_JSON", "")
	t.Setenv("AMRTREE_CONFIG_YAML_B64", "")

	wrote, err := writeConfigFromEnv(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestWriteConfigFromEnvRequiresPath(t *testing.T) {
	t.Setenv("AMRTREE_CONFIG_JSON", `{"run":{"steps":3}}`)
	t.Setenv("AMRTREE_CONFIG_YAML_B64", "")

	_, err := writeConfigFromEnv("")
	require.Error(t, err)
}

func TestWriteConfigFromEnvRejectsInvalid(t *testing.T) {
	t.Setenv("AMRTREE_CONFIG_JSON", `{"tree":{"dim":4}}`)
	t.Setenv("AMRTREE_CONFIG_YAML_B64", "")

	path := filepath.Join(t.TempDir(), "config.json")
	_, err := writeConfigFromEnv(path)
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
