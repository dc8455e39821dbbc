package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, SANDKASTEN_CONFIG env,
//     ./config.yaml, /etc/sandkasten/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. SANDKASTEN_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/sandkasten/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("SANDKASTEN_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/sandkasten/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps SANDKASTEN_* environment variables to config
// fields. Env vars take precedence over the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDKASTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SANDKASTEN_MAX_BODY_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxBodySize = n
		}
	}
	if v := os.Getenv("SANDKASTEN_REAPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Manager.ReaperInterval = d
		}
	}
	if v := os.Getenv("SANDKASTEN_STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("SANDKASTEN_STORAGE_DIR"); v != "" {
		cfg.Storage.Local.Dir = v
	}
	if v := os.Getenv("SANDKASTEN_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("SANDKASTEN_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}

	// SANDKASTEN_API_KEYS: JSON array of bearer token configs.
	if v := os.Getenv("SANDKASTEN_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err == nil && len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the
// corresponding value fields. For each field ending in _file, if the
// value field is empty and the file field is set, the file is read,
// whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	// auth.api_keys[*].key_file -> auth.api_keys[*].key
	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	// types[*].{container.token_file, cloud.api_key_file, kubernetes.token_file}
	for i := range cfg.Types {
		t := &cfg.Types[i]
		if t.Container.TokenFile != "" && t.Container.Token == "" {
			val, err := readSecretFile(t.Container.TokenFile)
			if err != nil {
				return fmt.Errorf("types[%d].container.token_file: %w", i, err)
			}
			t.Container.Token = val
		}
		if t.Cloud.APIKeyFile != "" && t.Cloud.APIKey == "" {
			val, err := readSecretFile(t.Cloud.APIKeyFile)
			if err != nil {
				return fmt.Errorf("types[%d].cloud.api_key_file: %w", i, err)
			}
			t.Cloud.APIKey = val
		}
		if t.Kubernetes.TokenFile != "" && t.Kubernetes.Token == "" {
			val, err := readSecretFile(t.Kubernetes.TokenFile)
			if err != nil {
				return fmt.Errorf("types[%d].kubernetes.token_file: %w", i, err)
			}
			t.Kubernetes.Token = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding
// whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
