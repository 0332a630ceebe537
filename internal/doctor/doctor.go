// Package doctor checks a loaded mcplocal configuration against the host it
// will run on: peer executables, directories, schedules and exposure.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/mcplocal/internal/config"
	"github.com/mattjoyce/mcplocal/internal/storage"
)

// MinHealthInterval is the shortest health schedule spacing that passes
// without a warning.
const MinHealthInterval = 10 * time.Second

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration that already passed config.Load.
type Doctor struct {
	cfg        *config.Config
	lookPath   func(string) (string, error)
	checkLocal func(string) error
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, checkLocal: storage.CheckLocalPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePeers(r)
	d.validateHealth(r)
	d.validateAudit(r)
	d.validateNotes(r)
	d.warnBridgeExposure(r)
	d.warnEmptyEnv(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validatePeers checks that every peer can be spawned as configured.
func (d *Doctor) validatePeers(r *Result) {
	for i, p := range d.cfg.Peers {
		field := fmt.Sprintf("peers[%d]", i)

		if p.Dir != "" {
			info, err := os.Stat(p.Dir)
			switch {
			case err != nil:
				d.addError(r, "peers", field+".dir", fmt.Sprintf("peer %q: working directory %s does not exist", p.Name, p.Dir))
			case !info.IsDir():
				d.addError(r, "peers", field+".dir", fmt.Sprintf("peer %q: %s is not a directory", p.Name, p.Dir))
			}
		}

		command := p.Command
		// exec resolves a relative path containing a separator against the child's dir.
		if strings.ContainsRune(command, filepath.Separator) && !filepath.IsAbs(command) && p.Dir != "" {
			command = filepath.Join(p.Dir, command)
		}
		if _, err := d.lookPath(command); err != nil {
			d.addError(r, "peers", field+".command", fmt.Sprintf("peer %q: command %q not runnable: %v", p.Name, p.Command, err))
		}
	}
}

// validateHealth parses the probe schedule the way the peer pool does.
func (d *Doctor) validateHealth(r *Result) {
	schedule := strings.TrimSpace(d.cfg.Health.Schedule)
	if schedule == "" {
		return
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		d.addError(r, "health", "health.schedule", fmt.Sprintf("invalid schedule %q: %v", schedule, err))
		return
	}
	if len(d.cfg.Peers) == 0 {
		d.addWarning(r, "health", "health.schedule", "health checks scheduled but no peers configured")
	}

	first := sched.Next(time.Now())
	if gap := sched.Next(first).Sub(first); gap < MinHealthInterval {
		d.addWarning(r, "health", "health.schedule",
			fmt.Sprintf("schedule %q probes every %s; each probe lists tools on every peer", schedule, gap))
	}
}

// validateAudit checks that the audit file's directory can exist.
func (d *Doctor) validateAudit(r *Result) {
	dir := filepath.Dir(d.cfg.Audit.Path)
	info, err := os.Stat(dir)
	if err == nil && !info.IsDir() {
		d.addError(r, "audit", "audit.path", fmt.Sprintf("%s is not a directory", dir))
	}
	if info, err := os.Stat(d.cfg.Audit.Path); err == nil && info.IsDir() {
		d.addError(r, "audit", "audit.path", fmt.Sprintf("%s is a directory", d.cfg.Audit.Path))
	}
	if err := d.checkLocal(d.cfg.Audit.Path); errors.Is(err, storage.ErrNetworkFilesystem) {
		d.addWarning(r, "audit", "audit.path", err.Error()+"; rotation may not be atomic")
	}
}

func (d *Doctor) validateNotes(r *Result) {
	if !d.cfg.Notes.Enabled {
		return
	}
	if err := storage.CheckSQLitePath(d.cfg.Notes.DBPath); err != nil {
		d.addError(r, "notes", "notes.db_path", err.Error())
	}
}

// warnBridgeExposure flags an unauthenticated bridge reachable off-host.
func (d *Doctor) warnBridgeExposure(r *Result) {
	b := d.cfg.Bridge
	if b.Peer == "" && len(d.cfg.Peers) > 1 {
		d.addWarning(r, "bridge", "bridge.peer", "several peers configured; bridge needs --peer or bridge.peer")
	}
	if b.AuthToken != "" {
		return
	}
	host, _, err := net.SplitHostPort(b.Listen)
	if err != nil {
		d.addError(r, "bridge", "bridge.listen", fmt.Sprintf("invalid listen address %q: %v", b.Listen, err))
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "bridge", "bridge.auth_token",
			fmt.Sprintf("bridge listens on %s without auth_token", b.Listen))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// warnEmptyEnv flags peer environment values that resolved to nothing.
func (d *Doctor) warnEmptyEnv(r *Result) {
	for i, p := range d.cfg.Peers {
		for k, v := range p.Env {
			if v == "" {
				d.addWarning(r, "env_vars", fmt.Sprintf("peers[%d].env.%s", i, k),
					fmt.Sprintf("peer %q: %s is empty (possibly an empty environment variable)", p.Name, k))
			}
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
