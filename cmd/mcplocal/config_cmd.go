package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/mcplocal/internal/config"
	"github.com/mattjoyce/mcplocal/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "hash":
		return runConfigHash(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", args[0])
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: mcplocal config <action> [flags]

Actions:
  check    Validate the configuration and the host it runs on
  hash     Print the BLAKE3 fingerprint of the config file

Flags:
  --config PATH    Config file (.yaml, .yml or .toml)
  --expect HASH    check only: fail unless the file matches HASH
  --json           check only: machine-readable output
  --strict         check only: fail on warnings too
`)
}

type checkResult struct {
	Valid       bool           `json:"valid"`
	Path        string         `json:"path,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Peers       int            `json:"peers"`
	Notes       bool           `json:"notes"`
	Error       string         `json:"error,omitempty"`
	Errors      []doctor.Issue `json:"errors,omitempty"`
	Warnings    []doctor.Issue `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	expect := fs.String("expect", "", "Expected BLAKE3 hash of the config file")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	res := checkResult{}
	cfg, err := config.Load(*configPath)
	if err == nil && *expect != "" {
		if cfg.SourcePath == "" {
			err = fmt.Errorf("--expect needs --config")
		} else {
			err = config.VerifyFileHash(cfg.SourcePath, *expect)
		}
	}
	if err == nil {
		res.Path = cfg.SourcePath
		res.Peers = len(cfg.Peers)
		res.Notes = cfg.Notes.Enabled
		res.Fingerprint, err = cfg.Fingerprint()
	}
	if err != nil {
		res.Error = err.Error()
	} else {
		report := doctor.New(cfg).Validate()
		res.Errors = report.Errors
		res.Warnings = report.Warnings
		res.Valid = report.Valid && (!*strict || len(report.Warnings) == 0)
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
	} else if res.Error != "" {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %s\n", res.Error)
	} else {
		out := os.Stdout
		if !res.Valid {
			out = os.Stderr
		}
		fmt.Fprint(out, doctor.FormatHuman(&doctor.Result{Valid: res.Valid, Errors: res.Errors, Warnings: res.Warnings}))
		if res.Path != "" {
			fmt.Fprintf(out, "path: %s\nblake3: %s\n", res.Path, res.Fingerprint)
		}
		fmt.Fprintf(out, "peers: %d\nnotes: %t\n", res.Peers, res.Notes)
	}

	if !res.Valid {
		return 1
	}
	return 0
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("config hash", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: mcplocal config hash --config PATH")
		return 1
	}

	hash, err := config.ComputeBlake3Hash(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash config: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
