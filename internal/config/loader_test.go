package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "yaml with peers",
			file: "config.yaml",
			content: `
service:
  name: local-host
  log_level: debug
audit:
  path: /var/log/mcp.jsonl
  max_bytes: 1024
peers:
  - name: fs
    command: fs-server
    args: ["--root", "/srv"]
    dir: work
    send_initialized: true
    stop_timeout: 3s
    autostart: true
    env:
      TOKEN: ${TEST_PEER_TOKEN}
health:
  schedule: "@every 30s"
bridge:
  peer: fs
`,
			env: map[string]string{"TEST_PEER_TOKEN": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "local-host" {
					t.Errorf("service.name = %q", cfg.Service.Name)
				}
				if cfg.Service.LogFormat != "json" {
					t.Error("default log_format not kept")
				}
				if cfg.Audit.MaxBytes != 1024 {
					t.Errorf("audit.max_bytes = %d", cfg.Audit.MaxBytes)
				}
				if cfg.Audit.MaxString != 1000 {
					t.Error("default audit.max_string not kept")
				}
				if len(cfg.Peers) != 1 {
					t.Fatalf("len(peers) = %d", len(cfg.Peers))
				}
				p := cfg.Peers[0]
				if p.StopTimeout != 3*time.Second {
					t.Errorf("stop_timeout = %v", p.StopTimeout)
				}
				if !p.SendInitialized || !p.Autostart {
					t.Error("peer flags not parsed")
				}
				if p.Env["TOKEN"] != "s3cret" {
					t.Errorf("env not interpolated: %q", p.Env["TOKEN"])
				}
				if !filepath.IsAbs(p.Dir) || filepath.Base(p.Dir) != "work" {
					t.Errorf("relative dir not resolved: %q", p.Dir)
				}
				if cfg.Health.Schedule != "@every 30s" {
					t.Errorf("health.schedule = %q", cfg.Health.Schedule)
				}
				if cfg.Bridge.Listen != "127.0.0.1:8765" {
					t.Error("default bridge.listen not kept")
				}
			},
		},
		{
			name: "toml",
			file: "config.toml",
			content: `
[service]
name = "toml-host"

[notes]
enabled = true
db_path = "/tmp/notes.db"

[[peers]]
name = "git"
command = "git-server"
stop_timeout = "1s"

[peers.env]
GIT_DIR = "/repo"
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "toml-host" {
					t.Errorf("service.name = %q", cfg.Service.Name)
				}
				if !cfg.Notes.Enabled || cfg.Notes.DBPath != "/tmp/notes.db" {
					t.Errorf("notes = %+v", cfg.Notes)
				}
				p, ok := cfg.Peer("git")
				if !ok {
					t.Fatal("peer git not found")
				}
				if p.StopTimeout != time.Second {
					t.Errorf("stop_timeout = %v", p.StopTimeout)
				}
				if p.Env["GIT_DIR"] != "/repo" {
					t.Errorf("env = %v", p.Env)
				}
			},
		},
		{
			name:    "env overrides",
			file:    "config.yaml",
			content: "audit:\n  path: from-file.jsonl\n",
			env: map[string]string{
				EnvAuditPath:     "/tmp/override.jsonl",
				EnvAuditMaxBytes: "2048",
				EnvNotesDB:       "/tmp/override.db",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Audit.Path != "/tmp/override.jsonl" {
					t.Errorf("audit.path = %q", cfg.Audit.Path)
				}
				if cfg.Audit.MaxBytes != 2048 {
					t.Errorf("audit.max_bytes = %d", cfg.Audit.MaxBytes)
				}
				if cfg.Notes.DBPath != "/tmp/override.db" {
					t.Errorf("notes.db_path = %q", cfg.Notes.DBPath)
				}
			},
		},
		{
			name:    "bad max bytes override",
			file:    "config.yaml",
			content: "service:\n  name: x\n",
			env:     map[string]string{EnvAuditMaxBytes: "lots"},
			wantErr: EnvAuditMaxBytes,
		},
		{
			name:    "invalid log level",
			file:    "config.yaml",
			content: "service:\n  log_level: chatty\n",
			wantErr: "service.log_level",
		},
		{
			name:    "peer without command",
			file:    "config.yaml",
			content: "peers:\n  - name: fs\n",
			wantErr: "command is required",
		},
		{
			name:    "duplicate peers",
			file:    "config.yaml",
			content: "peers:\n  - name: fs\n    command: a\n  - name: fs\n    command: b\n",
			wantErr: "duplicate peer name",
		},
		{
			name:    "unresolved env in peer",
			file:    "config.yaml",
			content: "peers:\n  - name: fs\n    command: a\n    env:\n      KEY: ${TEST_UNSET_VARIABLE_XYZ}\n",
			wantErr: "TEST_UNSET_VARIABLE_XYZ",
		},
		{
			name:    "bridge names unknown peer",
			file:    "config.yaml",
			content: "bridge:\n  peer: ghost\n",
			wantErr: "bridge.peer",
		},
		{
			name:    "malformed yaml",
			file:    "config.yaml",
			content: "service: [unterminated\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "malformed toml",
			file:    "config.toml",
			content: "[service\n",
			wantErr: "failed to parse TOML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, tt.file, tt.content)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if cfg.SourcePath != path {
				t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Service.Name != "mcplocal" || cfg.SourcePath != "" {
		t.Errorf("unexpected defaults: %+v", cfg.Service)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("Load() error = %v", err)
	}
}
