package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/mcplocal/internal/config"
	"github.com/mattjoyce/mcplocal/internal/peer"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "config":
		return runConfigNoun(args)
	case "peer":
		return runPeerNoun(args)

	// --- LONG-RUNNING ---
	case "serve":
		return runServe(args)
	case "bridge":
		return runBridge(args)
	case "console":
		return runConsole(args)
	case "watch":
		return runWatch(args)

	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: mcplocal version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("mcplocal %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `mcplocal - local JSON-RPC tool host and peer supervisor

Usage:
  mcplocal <command> [flags]
  mcplocal <noun> <action> [flags]

Long-running:
  serve             Serve local tools over stdin/stdout (newline-delimited JSON-RPC)
  bridge            Expose one configured peer over HTTP POST /rpc
  console           Interactive console for the local server and every peer
  watch             Live view of a running bridge (GET /events, GET /healthz)

Peer Commands:
  peer list         List configured peers, or a peer's tools with --name
  peer call         Call one tool on a peer
  peer rpc          Send a raw request to a peer

Config Commands:
  config check      Validate configuration (optionally against --expect HASH)
  config hash       Print the BLAKE3 fingerprint of the config file

General:
  version           Show version information
  help              Show this help message

Most commands accept --config PATH (.yaml, .yml or .toml).
`)
}

// --- SHARED HELPERS ---

func isHelpToken(arg string) bool {
	switch arg {
	case "help", "--help", "-h":
		return true
	}
	return false
}

func toPeerConfig(pc config.PeerConfig) peer.Config {
	return peer.Config{
		Name:            pc.Name,
		Command:         pc.Command,
		Args:            pc.Args,
		Dir:             pc.Dir,
		Env:             pc.Env,
		SendInitialized: pc.SendInitialized,
		StopTimeout:     pc.StopTimeout,
		ClientName:      "mcplocal",
		ClientVersion:   currentVersionInfo().Version,
	}
}

func peerConfigs(cfg *config.Config) []peer.Config {
	out := make([]peer.Config, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		out = append(out, toPeerConfig(pc))
	}
	return out
}
