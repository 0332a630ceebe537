package doctor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/mcplocal/internal/config"
	"github.com/mattjoyce/mcplocal/internal/storage"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit", "mcp.jsonl")
	cfg.Peers = []config.PeerConfig{
		{Name: "fs", Command: "fs-server", Env: map[string]string{"ROOT": "/srv"}},
	}
	return cfg
}

// newDoctor resolves every command except those named "missing".
func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(cmd string) (string, error) {
		if filepath.Base(cmd) == "missing" {
			return "", errors.New("executable file not found in $PATH")
		}
		return cmd, nil
	}
	d.checkLocal = func(string) error { return nil }
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingCommand(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Peers[0].Command = "missing"
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "peers", `command "missing" not runnable`)
}

func TestValidate_RelativeCommandUsesDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	dir := t.TempDir()
	cfg.Peers[0].Dir = dir
	cfg.Peers[0].Command = filepath.Join("bin", "server")

	d := newDoctor(cfg)
	var looked string
	d.lookPath = func(cmd string) (string, error) {
		looked = cmd
		return cmd, nil
	}
	if r := d.Validate(); !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if want := filepath.Join(dir, "bin", "server"); looked != want {
		t.Fatalf("looked up %q, want %q", looked, want)
	}
}

func TestValidate_PeerDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Peers[0].Dir = filepath.Join(t.TempDir(), "nope")
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "peers", "does not exist")

	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.Peers[0].Dir = file
	r = newDoctor(cfg).Validate()
	assertHasError(t, r, "peers", "is not a directory")
}

func TestValidate_HealthSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		schedule  string
		peers     bool
		wantError string
		wantWarn  string
	}{
		{name: "valid descriptor", schedule: "@every 1m", peers: true},
		{name: "valid cron", schedule: "*/5 * * * *", peers: true},
		{name: "invalid", schedule: "every so often", peers: true, wantError: "invalid schedule"},
		{name: "too frequent", schedule: "@every 2s", peers: true, wantWarn: "probes every 2s"},
		{name: "no peers", schedule: "@every 1m", wantWarn: "no peers configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.Health.Schedule = tt.schedule
			if !tt.peers {
				cfg.Peers = nil
			}
			r := newDoctor(cfg).Validate()
			switch {
			case tt.wantError != "":
				assertHasError(t, r, "health", tt.wantError)
			case tt.wantWarn != "":
				assertHasWarning(t, r, "health", tt.wantWarn)
			default:
				if !r.Valid || len(r.Warnings) != 0 {
					t.Fatalf("expected clean result, got errors=%v warnings=%v", r.Errors, r.Warnings)
				}
			}
		})
	}
}

func TestValidate_AuditPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Audit.Path = t.TempDir()
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "audit", "is a directory")

	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.Audit.Path = filepath.Join(file, "mcp.jsonl")
	r = newDoctor(cfg).Validate()
	assertHasError(t, r, "audit", "is not a directory")
}

func TestValidate_AuditOnNetworkFilesystem(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	d := newDoctor(cfg)
	d.checkLocal = func(path string) error {
		return fmt.Errorf("%w: %q is on nfs", storage.ErrNetworkFilesystem, path)
	}
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("network audit path is a warning, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "audit", "rotation may not be atomic")
}

func TestValidate_NotesPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Notes.Enabled = true
	cfg.Notes.DBPath = filepath.Join(t.TempDir(), "notes.db")
	if r := newDoctor(cfg).Validate(); !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_BridgeExposure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		bridge    config.BridgeConfig
		extraPeer bool
		wantError string
		wantWarn  string
	}{
		{name: "loopback", bridge: config.BridgeConfig{Listen: "127.0.0.1:8765"}},
		{name: "localhost", bridge: config.BridgeConfig{Listen: "localhost:8765"}},
		{name: "ipv6 loopback", bridge: config.BridgeConfig{Listen: "[::1]:8765"}},
		{name: "public without token", bridge: config.BridgeConfig{Listen: "0.0.0.0:8765"}, wantWarn: "without auth_token"},
		{name: "all interfaces without token", bridge: config.BridgeConfig{Listen: ":8765"}, wantWarn: "without auth_token"},
		{name: "public with token", bridge: config.BridgeConfig{Listen: "0.0.0.0:8765", AuthToken: "s3cret"}},
		{name: "bad address", bridge: config.BridgeConfig{Listen: "8765"}, wantError: "invalid listen address"},
		{name: "ambiguous peer", bridge: config.BridgeConfig{Listen: "127.0.0.1:8765"}, extraPeer: true, wantWarn: "bridge needs --peer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.Bridge = tt.bridge
			if tt.extraPeer {
				cfg.Peers = append(cfg.Peers, config.PeerConfig{Name: "git", Command: "git-server"})
			}
			r := newDoctor(cfg).Validate()
			switch {
			case tt.wantError != "":
				assertHasError(t, r, "bridge", tt.wantError)
			case tt.wantWarn != "":
				assertHasWarning(t, r, "bridge", tt.wantWarn)
			default:
				if !r.Valid || len(r.Warnings) != 0 {
					t.Fatalf("expected clean result, got errors=%v warnings=%v", r.Errors, r.Warnings)
				}
			}
		})
	}
}

func TestValidate_EmptyEnv(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Peers[0].Env["TOKEN"] = ""
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("empty env must not invalidate, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "env_vars", "TOKEN is empty")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	if out := FormatHuman(&Result{Valid: true}); out != "Configuration valid.\n" {
		t.Fatalf("unexpected output: %q", out)
	}

	out := FormatHuman(&Result{
		Valid:    true,
		Warnings: []Issue{{Category: "bridge", Field: "bridge.auth_token", Message: "open"}},
	})
	if !strings.Contains(out, "1 warning(s)") || !strings.Contains(out, "WARN  [bridge] bridge.auth_token: open") {
		t.Fatalf("unexpected output: %s", out)
	}

	out = FormatHuman(&Result{
		Errors: []Issue{{Category: "peers", Message: "broken"}},
	})
	if !strings.Contains(out, "Configuration invalid (1 error(s), 0 warning(s))") || !strings.Contains(out, "ERROR [peers] broken") {
		t.Fatalf("unexpected output: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
