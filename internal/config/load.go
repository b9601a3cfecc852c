package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath resolves $XDG_CONFIG_HOME/fanout/<name> or ~/.config/fanout/<name>.
func DefaultPath(name string) string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fanout", name)
}

// Load reads YAML configuration from a path. If path is empty, it resolves
// the default config.yaml and tolerates its absence. The API key is taken
// from the environment variable named by endpoint.api_key_env, falling back
// to secrets.env.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath("config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}
	cfg.ApplyDefaults()

	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv(cfg.Endpoint.APIKeyEnv); v != "" {
		cfg.Endpoint.APIKey = v
	} else if v, ok := secrets[cfg.Endpoint.APIKeyEnv]; ok && v != "" {
		cfg.Endpoint.APIKey = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
