package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
)

// Validate checks the configuration for required fields and valid
// values. Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}

	switch c.Storage.Type {
	case "memory", "local", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"local\", or \"postgres\", got %q", c.Storage.Type))
	}
	if c.Storage.Type == "local" && c.Storage.Local.Dir == "" {
		errs = append(errs, fmt.Errorf("storage.local.dir is required when storage.type is \"local\""))
	}
	if c.Storage.Type == "postgres" {
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	}

	switch c.Auth.Type {
	case "none", "apikey", "jwt":
		// valid
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}
	if c.Auth.Type == "apikey" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
	}
	if c.Auth.Type == "jwt" {
		if c.Auth.JWT.JWKSURL == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
		}
		if c.Auth.JWT.Issuer == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.issuer is required when auth.type is \"jwt\""))
		}
	}

	seen := make(map[string]bool, len(c.Types))
	for i, t := range c.Types {
		errs = append(errs, t.validate(i, seen)...)
	}

	return errors.Join(errs...)
}

func (t TypeConfig) validate(i int, seen map[string]bool) []error {
	var errs []error
	field := func(name string) string { return fmt.Sprintf("types[%d].%s", i, name) }

	if t.TypeID == "" {
		errs = append(errs, fmt.Errorf("%s is required", field("type_id")))
	} else if seen[t.TypeID] {
		errs = append(errs, fmt.Errorf("%s: duplicate type_id %q", field("type_id"), t.TypeID))
	} else {
		seen[t.TypeID] = true
	}

	if !api.SecurityLevel(t.SecurityLevel).Valid() {
		errs = append(errs, fmt.Errorf("%s must be \"low\", \"medium\", or \"high\", got %q", field("security_level"), t.SecurityLevel))
	}
	if t.DefaultTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must be >= 0, got %s", field("default_timeout"), t.DefaultTimeout))
	}

	switch t.Backend {
	case "noop", "container", "kubernetes":
		// valid
	case "cloud":
		if t.Cloud.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s is required for the cloud backend", field("cloud.base_url")))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be \"noop\", \"container\", \"cloud\", or \"kubernetes\", got %q", field("backend"), t.Backend))
	}

	for j, tool := range t.Tools {
		if tool.Name == "" {
			errs = append(errs, fmt.Errorf("%s is required", field(fmt.Sprintf("tools[%d].name", j))))
		}
		if tool.Parameters != "" && !json.Valid([]byte(tool.Parameters)) {
			errs = append(errs, fmt.Errorf("%s is not valid JSON", field(fmt.Sprintf("tools[%d].parameters", j))))
		}
	}

	return errs
}
