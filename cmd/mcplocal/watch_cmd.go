package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/mcplocal/internal/config"
	"github.com/mattjoyce/mcplocal/internal/tui/watch"
)

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file (supplies bridge.listen and bridge.auth_token)")
	url := fs.String("url", "", "Bridge base URL (default: http://<bridge.listen>)")
	token := fs.String("token", "", "Bearer token (default: bridge.auth_token)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *url == "" {
		*url = bridgeURL(cfg.Bridge.Listen)
	}
	if *token == "" {
		*token = cfg.Bridge.AuthToken
	}

	p := tea.NewProgram(watch.New(*url, *token))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// bridgeURL turns a listen address into a URL a local client can dial.
func bridgeURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	} else if strings.HasPrefix(listen, "0.0.0.0:") {
		listen = "127.0.0.1" + strings.TrimPrefix(listen, "0.0.0.0")
	}
	return "http://" + listen
}
