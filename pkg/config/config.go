// Package config provides unified configuration for the sandkasten
// server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (SANDKASTEN_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"encoding/json"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
)

// Config holds all configuration for the sandkasten server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Manager       ManagerConfig       `yaml:"manager"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Types         []TypeConfig        `yaml:"types"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`             // default: ":8080"
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 10 MB
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// ManagerConfig holds sandbox-manager settings.
type ManagerConfig struct {
	// ReaperInterval is how often the idle reaper sweeps. Zero keeps
	// the built-in default; a negative value disables the reaper.
	ReaperInterval time.Duration `yaml:"reaper_interval"`
}

// StorageConfig holds artifact store settings.
type StorageConfig struct {
	Type     string         `yaml:"type"` // "memory", "local", or "postgres", default: "memory"
	Local    LocalConfig    `yaml:"local"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// LocalConfig holds filesystem artifact store settings.
type LocalConfig struct {
	Dir string `yaml:"dir"` // required when storage.type is "local"
}

// PostgresConfig holds PostgreSQL artifact store settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	DSNFile  string `yaml:"dsn_file"` // _file variant for dsn
	MaxConns int32  `yaml:"max_conns"` // default: 25
}

// AuthConfig holds authentication settings for the remote protocol.
type AuthConfig struct {
	Type    string         `yaml:"type"`     // "none", "apikey", or "jwt", default: "none"
	APIKeys []APIKeyConfig `yaml:"api_keys"` // bearer token entries for type=apikey
	JWT     JWTConfig      `yaml:"jwt"`
}

// APIKeyConfig describes a single static bearer token entry.
type APIKeyConfig struct {
	Key         string `yaml:"key"`
	KeyFile     string `yaml:"key_file"` // _file variant for key
	Subject     string `yaml:"subject"`
	ServiceTier string `yaml:"service_tier"`
}

// JWTConfig holds JWT validation settings for type=jwt.
type JWTConfig struct {
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	JWKSURL     string `yaml:"jwks_url"`
	UserClaim   string `yaml:"user_claim"`
	TierClaim   string `yaml:"tier_claim"`
	ScopesClaim string `yaml:"scopes_claim"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// TypeConfig declares one sandbox type the server registers at startup.
type TypeConfig struct {
	TypeID         string            `yaml:"type_id"`
	Image          string            `yaml:"image"`
	SecurityLevel  string            `yaml:"security_level"`  // "low", "medium", or "high"
	DefaultTimeout time.Duration     `yaml:"default_timeout"` // 0 disables idle reaping for the type
	Env            map[string]string `yaml:"env"`
	Description    string            `yaml:"description"`

	// Backend selects the provisioning engine for this type.
	Backend string `yaml:"backend"` // "noop", "container", "cloud", or "kubernetes"

	Tools      []ToolConfig            `yaml:"tools"`
	Container  ContainerBackendConfig  `yaml:"container"`
	Cloud      CloudBackendConfig      `yaml:"cloud"`
	Kubernetes KubernetesBackendConfig `yaml:"kubernetes"`
}

// ToolConfig declares one tool a configured type exposes. Parameters is
// a JSON-schema object as a raw JSON string.
type ToolConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Parameters  string `yaml:"parameters"`
}

// ContainerBackendConfig holds settings for the container engine backend.
type ContainerBackendConfig struct {
	Token         string `yaml:"token"`
	TokenFile     string `yaml:"token_file"` // _file variant for token
	WorkspaceRoot string `yaml:"workspace_root"`
}

// CloudBackendConfig holds settings for the cloud provisioning backend.
type CloudBackendConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	APIKeyFile string `yaml:"api_key_file"` // _file variant for api_key
}

// KubernetesBackendConfig holds settings for the SandboxClaim backend.
type KubernetesBackendConfig struct {
	Namespace string `yaml:"namespace"` // default: "default"
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"` // _file variant for token
}

// Meta converts the type declaration into the registry metadata shape.
func (t TypeConfig) Meta() api.SandboxType {
	return api.SandboxType{
		TypeID:         t.TypeID,
		Image:          t.Image,
		SecurityLevel:  api.SecurityLevel(t.SecurityLevel),
		DefaultTimeout: t.DefaultTimeout,
		Env:            t.Env,
		Description:    t.Description,
	}
}

// Descriptors converts the declared tools into dispatchable descriptors.
func (t TypeConfig) Descriptors() []api.ToolDescriptor {
	out := make([]api.ToolDescriptor, 0, len(t.Tools))
	for _, tool := range t.Tools {
		d := api.ToolDescriptor{Name: tool.Name, Description: tool.Description}
		if tool.Parameters != "" {
			d.Parameters = json.RawMessage(tool.Parameters)
		}
		out = append(out, d)
	}
	return out
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxBodySize:     10 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
