// Package console implements the interactive line console that drives the
// local tool server and every configured peer.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/mattjoyce/mcplocal/internal/peer"
	"github.com/mattjoyce/mcplocal/internal/protocol"
	"github.com/mattjoyce/mcplocal/internal/tool"
)

// Peer is the blocking view of a supervised child the console needs.
// *bridge.SyncPeer satisfies it.
type Peer interface {
	Name() string
	State() peer.State
	EnsureStarted() error
	ListTools() ([]tool.Spec, error)
	CallTool(name string, args map[string]any) (json.RawMessage, error)
	Roundtrip(msg *protocol.Message) (*protocol.Message, error)
}

const helpText = `Commands:
  /help                    Show this help
  /tools                   List the local server's tools
  /call NAME {json}        Call a local tool with JSON args
  /peers                   List configured peers and their state
  /<peer>.list             List a peer's tools
  /<peer>.call NAME {json} Call a peer tool
  /<peer>.rpc {json}       Raw request to a peer, e.g. {"method":"tools/list"}
  /exit                    Quit`

// Console reads commands line by line and prints results.
type Console struct {
	local  Peer
	peers  map[string]Peer
	order  []string
	out    io.Writer
	theme  Theme
	nextID atomic.Int64
}

// New builds a console. local may be nil when no local server is attached.
func New(local Peer, peers []Peer, out io.Writer, theme Theme) *Console {
	c := &Console{
		local: local,
		peers: make(map[string]Peer, len(peers)),
		out:   out,
		theme: theme,
	}
	for _, p := range peers {
		if _, dup := c.peers[p.Name()]; !dup {
			c.order = append(c.order, p.Name())
		}
		c.peers[p.Name()] = p
	}
	c.nextID.Store(10)
	return c
}

// Run reads from in until EOF, /exit or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	c.banner()
	br := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprint(c.out, c.theme.Prompt.Render("> "))
		line, err := br.ReadString('\n')
		if line != "" {
			if quit := c.Execute(line); quit {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(c.out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read console input: %w", err)
		}
	}
}

func (c *Console) banner() {
	if c.local != nil {
		if specs, err := c.local.ListTools(); err == nil {
			c.printf("%s %s\n", c.theme.Title.Render("Tools:"), strings.Join(sortedNames(specs), ", "))
		}
	}
	for _, name := range c.order {
		c.printf("%s %s\n", c.theme.Name.Render(name), c.stateLabel(c.peers[name].State()))
	}
	c.printf("%s\n", c.theme.Dim.Render("Type /help for commands, /exit to quit."))
}

// Execute runs one command line and reports whether the console should quit.
func (c *Console) Execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.errorf("not a command: %q (try /help)", line)
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "/exit", "/quit", "/q":
		return true
	case "/help":
		c.printf("%s\n", helpText)
	case "/tools":
		c.listTools(c.local, "local")
	case "/call":
		c.callTool(c.local, "local", rest)
	case "/peers":
		c.listPeers()
	default:
		c.peerCommand(cmd, rest)
	}
	return false
}

func (c *Console) peerCommand(cmd, rest string) {
	name, verb, ok := strings.Cut(strings.TrimPrefix(cmd, "/"), ".")
	if !ok {
		c.errorf("unknown command %s (try /help)", cmd)
		return
	}
	p, found := c.peers[name]
	if !found {
		c.errorf("peer %q is not configured", name)
		return
	}

	switch strings.ToLower(verb) {
	case "list":
		c.listTools(p, name)
	case "call":
		c.callTool(p, name, rest)
	case "rpc":
		c.rawRPC(p, name, rest)
	default:
		c.errorf("unknown peer command %s (use list, call or rpc)", verb)
	}
}

func (c *Console) listTools(p Peer, label string) {
	if p == nil {
		c.errorf("%s server is not attached", label)
		return
	}
	if err := p.EnsureStarted(); err != nil {
		c.errorf("[%s.list error] %v", label, err)
		return
	}
	specs, err := p.ListTools()
	if err != nil {
		c.errorf("[%s.list error] %v", label, err)
		return
	}
	names := sortedNames(specs)
	if len(names) == 0 {
		c.printf("%s %s\n", c.theme.Title.Render(label+" tools:"), c.theme.Dim.Render("(none)"))
		return
	}
	c.printf("%s %s\n", c.theme.Title.Render(label+" tools:"), strings.Join(names, ", "))
}

func (c *Console) callTool(p Peer, label, rest string) {
	if p == nil {
		c.errorf("%s server is not attached", label)
		return
	}
	name, rawArgs, _ := strings.Cut(rest, " ")
	if name == "" {
		c.errorf("usage: /call NAME {json_args}")
		return
	}
	args := map[string]any{}
	if rawArgs = strings.TrimSpace(rawArgs); rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			c.errorf("invalid JSON: %v", err)
			return
		}
	}
	if err := p.EnsureStarted(); err != nil {
		c.errorf("[%s.call error] %v", label, err)
		return
	}
	result, err := p.CallTool(name, args)
	if err != nil {
		c.reportError(label+".call", err)
		return
	}
	c.printJSON(result)
}

func (c *Console) rawRPC(p Peer, label, rest string) {
	if rest == "" {
		c.errorf(`usage: /%s.rpc {"method":"tools/list"}`, label)
		return
	}
	var payload struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(rest), &payload); err != nil {
		c.errorf("invalid JSON: %v", err)
		return
	}
	if payload.Method == "" {
		c.errorf("rpc payload needs a method")
		return
	}
	var params any
	if len(payload.Params) > 0 {
		params = payload.Params
	}
	req, err := protocol.NewRequest(c.nextID.Add(1), payload.Method, params)
	if err != nil {
		c.errorf("[%s.rpc error] %v", label, err)
		return
	}
	if err := p.EnsureStarted(); err != nil {
		c.errorf("[%s.rpc error] %v", label, err)
		return
	}
	resp, err := p.Roundtrip(req)
	if err != nil {
		c.errorf("[%s.rpc error] %v", label, err)
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		c.errorf("[%s.rpc error] %v", label, err)
		return
	}
	c.printJSON(data)
}

func (c *Console) listPeers() {
	if len(c.order) == 0 {
		c.printf("%s\n", c.theme.Dim.Render("no peers configured"))
		return
	}
	for _, name := range c.order {
		c.printf("%-16s %s\n", c.theme.Name.Render(name), c.stateLabel(c.peers[name].State()))
	}
}

func (c *Console) stateLabel(s peer.State) string {
	switch s {
	case peer.StateReady:
		return c.theme.OK.Render(s.String())
	case peer.StateFailed:
		return c.theme.Error.Render(s.String())
	default:
		return c.theme.Dim.Render(s.String())
	}
}

// reportError prints a remote JSON-RPC error with its fields, anything else
// as a plain message.
func (c *Console) reportError(label string, err error) {
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		c.errorf("[ERROR] %d %s", rpcErr.Code, rpcErr.Message)
		if rpcErr.Data != nil {
			if data, mErr := json.MarshalIndent(rpcErr.Data, "", "  "); mErr == nil {
				c.printf("%s\n", c.theme.Dim.Render(string(data)))
			}
		}
		return
	}
	c.errorf("[%s error] %v", label, err)
}

func (c *Console) printJSON(raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		c.printf("%s\n", raw)
		return
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	c.printf("%s\n", pretty)
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) errorf(format string, args ...any) {
	fmt.Fprintln(c.out, c.theme.Error.Render(fmt.Sprintf(format, args...)))
}

func sortedNames(specs []tool.Spec) []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}
