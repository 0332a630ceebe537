package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/mcplocal/internal/config"
	"github.com/mattjoyce/mcplocal/internal/log"
	"github.com/mattjoyce/mcplocal/internal/peer"
	"github.com/mattjoyce/mcplocal/internal/protocol"
)

func runPeerNoun(args []string) int {
	if len(args) < 1 {
		printPeerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPeerNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runPeerList(actionArgs)
	case "call":
		return runPeerCall(actionArgs)
	case "rpc":
		return runPeerRPC(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown peer action: %s\n\n", action)
		printPeerNounHelp(os.Stderr)
		return 1
	}
}

func printPeerNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: mcplocal peer <action> [flags]

Actions:
  list [--name NAME]             Configured peers, or NAME's tools
  call --name NAME TOOL [JSON]   Call TOOL with JSON object args
  rpc --name NAME JSON           Send {"method":..., "params":...} and print the response

Flags:
  --config PATH    Config file
  --timeout DUR    Bound on start plus request (default 30s)
`)
}

type peerFlags struct {
	fs         *flag.FlagSet
	configPath *string
	name       *string
	timeout    *time.Duration
}

func newPeerFlags(action string) peerFlags {
	fs := flag.NewFlagSet("peer "+action, flag.ContinueOnError)
	return peerFlags{
		fs:         fs,
		configPath: fs.String("config", "", "Path to config file"),
		name:       fs.String("name", "", "Peer name"),
		timeout:    fs.Duration("timeout", 30*time.Second, "Bound on start plus request"),
	}
}

// withPeer starts the named peer, runs fn, and always stops the peer.
func (pf peerFlags) withPeer(fn func(ctx context.Context, c *peer.Conn) error) int {
	cfg, err := config.Load(*pf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("error", cfg.Service.LogFormat)

	pc, ok := cfg.Peer(*pf.name)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown peer %q\n", *pf.name)
		return 1
	}

	c := peer.NewConn(toPeerConfig(pc))
	ctx, cancel := context.WithTimeout(context.Background(), *pf.timeout)
	defer cancel()
	defer func() { _ = c.Stop(context.Background()) }()

	if err := c.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Peer %s did not start: %v\n", pc.Name, err)
		return 1
	}
	if err := fn(ctx, c); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runPeerList(args []string) int {
	pf := newPeerFlags("list")
	if err := pf.fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *pf.name == "" {
		cfg, err := config.Load(*pf.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		if len(cfg.Peers) == 0 {
			fmt.Println("No peers configured.")
			return 0
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCOMMAND\tAUTOSTART")
		for _, p := range cfg.Peers {
			cmdline := strings.TrimSpace(p.Command + " " + strings.Join(p.Args, " "))
			fmt.Fprintf(tw, "%s\t%s\t%t\n", p.Name, cmdline, p.Autostart)
		}
		_ = tw.Flush()
		return 0
	}

	return pf.withPeer(func(ctx context.Context, c *peer.Conn) error {
		specs, err := c.ListTools(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
		for _, s := range specs {
			fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.Description)
		}
		return tw.Flush()
	})
}

func runPeerCall(args []string) int {
	pf := newPeerFlags("call")
	if err := pf.fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if pf.fs.NArg() < 1 || pf.fs.NArg() > 2 {
		fmt.Fprintln(os.Stderr, "Usage: mcplocal peer call --name NAME TOOL [JSON]")
		return 1
	}

	toolName := pf.fs.Arg(0)
	toolArgs := map[string]any{}
	if raw := pf.fs.Arg(1); raw != "" {
		if err := json.Unmarshal([]byte(raw), &toolArgs); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid JSON args: %v\n", err)
			return 1
		}
	}

	return pf.withPeer(func(ctx context.Context, c *peer.Conn) error {
		result, err := c.CallTool(ctx, toolName, toolArgs)
		if err != nil {
			return err
		}
		return printIndented(result)
	})
}

func runPeerRPC(args []string) int {
	pf := newPeerFlags("rpc")
	if err := pf.fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if pf.fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, `Usage: mcplocal peer rpc --name NAME '{"method":"tools/list"}'`)
		return 1
	}

	var payload struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(pf.fs.Arg(0)), &payload); err != nil || payload.Method == "" {
		fmt.Fprintln(os.Stderr, "Payload must be a JSON object with a method")
		return 1
	}
	var params any
	if len(payload.Params) > 0 {
		params = payload.Params
	}

	return pf.withPeer(func(ctx context.Context, c *peer.Conn) error {
		req, err := protocol.NewRequest(1, payload.Method, params)
		if err != nil {
			return err
		}
		resp, err := c.Roundtrip(ctx, req)
		if err != nil {
			return err
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return printIndented(data)
	})
}

func printIndented(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("peer returned invalid JSON: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
