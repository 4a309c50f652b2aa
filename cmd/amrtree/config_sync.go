package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"amrtree/internal/config"
)

// writeConfigFromEnv materialises a configuration handed over through the
// environment into cfgPath so that later loads see the same file.
func writeConfigFromEnv(cfgPath string) (bool, error) {
	jsonPayload := os.Getenv("AMRTREE_CONFIG_JSON")
	yamlPayload := os.Getenv("AMRTREE_CONFIG_YAML_B64")

	if jsonPayload == "" && yamlPayload == "" {
		return false, nil
	}
	if cfgPath == "" {
		return false, errors.New("configuration provided through the environment but no --config path supplied")
	}

	cfg := config.Default()
	if jsonPayload != "" {
		if err := config.Decode([]byte(jsonPayload), ".json", cfg); err != nil {
			return false, fmt.Errorf("decode environment config json: %w", err)
		}
	} else {
		data, err := base64.StdEncoding.DecodeString(yamlPayload)
		if err != nil {
			return false, fmt.Errorf("decode environment config yaml: %w", err)
		}
		if err := config.Decode(data, ".yaml", cfg); err != nil {
			return false, fmt.Errorf("parse environment config yaml: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return false, fmt.Errorf("validate environment config: %w", err)
	}

	if dir := filepath.Dir(cfgPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal config json: %w", err)
	}
	// JSON is also valid YAML, so a .yaml path still loads.
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return false, fmt.Errorf("write config file: %w", err)
	}
	return true, nil
}
