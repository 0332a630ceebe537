package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Environment overrides applied after the file is parsed.
const (
	EnvAuditPath     = "MCP_LOG_PATH"
	EnvAuditMaxBytes = "MCP_LOG_MAX_BYTES"
	EnvNotesDB       = "NOTES_DB"
)

// Load reads and parses configuration from a file. The format follows the
// extension: .toml is TOML, anything else is YAML. An empty path yields the
// defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if err := decode(absPath, []byte(interpolateEnv(string(data))), cfg); err != nil {
			return nil, err
		}
		cfg.SourcePath = absPath
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyPeerDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse TOML %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML %s: %w", path, err)
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvAuditPath)); v != "" {
		cfg.Audit.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAuditMaxBytes)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAuditMaxBytes, err)
		}
		cfg.Audit.MaxBytes = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvNotesDB)); v != "" {
		cfg.Notes.DBPath = v
	}
	return nil
}

// applyPeerDefaults resolves relative peer directories against the config
// file's directory.
func applyPeerDefaults(cfg *Config) {
	if cfg.SourcePath == "" {
		return
	}
	base := filepath.Dir(cfg.SourcePath)
	for i := range cfg.Peers {
		if dir := cfg.Peers[i].Dir; dir != "" && !filepath.IsAbs(dir) {
			cfg.Peers[i].Dir = filepath.Join(base, dir)
		}
	}
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}
	if cfg.Audit.MaxString < 0 {
		return fmt.Errorf("audit.max_string must not be negative")
	}

	if cfg.Notes.Enabled && cfg.Notes.DBPath == "" {
		return fmt.Errorf("notes.db_path is required when notes are enabled")
	}

	seen := make(map[string]bool, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("peers[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("peers[%d]: duplicate peer name %q", i, p.Name)
		}
		seen[p.Name] = true
		if strings.TrimSpace(p.Command) == "" {
			return fmt.Errorf("peer %q: command is required", p.Name)
		}
		if p.StopTimeout < 0 {
			return fmt.Errorf("peer %q: stop_timeout must not be negative", p.Name)
		}
		for k, v := range p.Env {
			if envVarPattern.MatchString(v) {
				matches := envVarPattern.FindStringSubmatch(v)
				return fmt.Errorf("peer %q: env %s: environment variable ${%s} is not set", p.Name, k, matches[1])
			}
		}
	}

	if cfg.Bridge.Peer != "" && !seen[cfg.Bridge.Peer] {
		return fmt.Errorf("bridge.peer %q does not name a configured peer", cfg.Bridge.Peer)
	}
	if envVarPattern.MatchString(cfg.Bridge.AuthToken) {
		matches := envVarPattern.FindStringSubmatch(cfg.Bridge.AuthToken)
		return fmt.Errorf("bridge.auth_token: environment variable ${%s} is not set", matches[1])
	}

	return nil
}
