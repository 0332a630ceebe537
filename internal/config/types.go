package config

import "time"

// Config represents the complete mcplocal configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service" toml:"service"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Notes     NotesConfig     `yaml:"notes" toml:"notes"`
	Peers     []PeerConfig    `yaml:"peers" toml:"peers"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Bridge    BridgeConfig    `yaml:"bridge" toml:"bridge"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-" toml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name" toml:"name"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
}

// AuditConfig controls the request audit log.
type AuditConfig struct {
	Path      string `yaml:"path" toml:"path"`
	MaxBytes  int64  `yaml:"max_bytes" toml:"max_bytes"`
	MaxString int    `yaml:"max_string" toml:"max_string"`
}

// NotesConfig enables the SQLite-backed notes tools.
type NotesConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	DBPath  string `yaml:"db_path" toml:"db_path"`
}

// PeerConfig describes one supervised child process.
type PeerConfig struct {
	Name            string            `yaml:"name" toml:"name"`
	Command         string            `yaml:"command" toml:"command"`
	Args            []string          `yaml:"args,omitempty" toml:"args"`
	Dir             string            `yaml:"dir,omitempty" toml:"dir"`
	Env             map[string]string `yaml:"env,omitempty" toml:"env"`
	SendInitialized bool              `yaml:"send_initialized" toml:"send_initialized"`
	StopTimeout     time.Duration     `yaml:"stop_timeout" toml:"stop_timeout"`
	Autostart       bool              `yaml:"autostart" toml:"autostart"`
}

// HealthConfig schedules peer health probes.
type HealthConfig struct {
	// Schedule is a cron expression or descriptor, e.g. "@every 1m". Empty disables probes.
	Schedule string `yaml:"schedule" toml:"schedule"`
}

// BridgeConfig configures the HTTP bridge to one peer.
type BridgeConfig struct {
	Listen    string `yaml:"listen" toml:"listen"`
	Peer      string `yaml:"peer" toml:"peer"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "mcplocal",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Audit: AuditConfig{
			Path:      "reports/mcp.log.jsonl",
			MaxBytes:  5 * 1024 * 1024,
			MaxString: 1000,
		},
		Notes: NotesConfig{
			Enabled: false,
			DBPath:  "notes.db",
		},
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:8765",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mcplocal",
		},
	}
}

// Peer returns the named peer config.
func (c *Config) Peer(name string) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.Name == name {
			return p, true
		}
	}
	return PeerConfig{}, false
}
