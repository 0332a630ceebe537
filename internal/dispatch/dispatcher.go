package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/mcplocal/internal/audit"
	"github.com/mattjoyce/mcplocal/internal/log"
	"github.com/mattjoyce/mcplocal/internal/protocol"
	"github.com/mattjoyce/mcplocal/internal/tool"
)

// ProtocolName is reported by initialize.
const ProtocolName = "jsonrpc2"

// Dispatcher serves a tool.Registry over a line-delimited stream.
type Dispatcher struct {
	name     string
	registry *tool.Registry
	audit    *audit.Logger
	session  string
	now      func() time.Time
	logger   *slog.Logger

	meter  metric.Meter
	tracer trace.Tracer
	inst   *instruments
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAudit records one event per request to l.
func WithAudit(l *audit.Logger) Option {
	return func(d *Dispatcher) { d.audit = l }
}

// WithMeter overrides the global meter.
func WithMeter(m metric.Meter) Option {
	return func(d *Dispatcher) { d.meter = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithSessionID fixes the session id stamped on audit events.
func WithSessionID(id string) Option {
	return func(d *Dispatcher) { d.session = id }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher that identifies itself as name.
func New(name string, reg *tool.Registry, opts ...Option) (*Dispatcher, error) {
	if reg == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	d := &Dispatcher{
		name:     name,
		registry: reg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.session == "" {
		d.session = uuid.NewString()
	}
	if d.meter == nil {
		d.meter = otel.Meter(instrumentationName)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(instrumentationName)
	}
	inst, err := newInstruments(d.meter, d.tracer)
	if err != nil {
		return nil, fmt.Errorf("dispatch: create instruments: %w", err)
	}
	d.inst = inst
	d.logger = log.WithComponent("dispatch").With("session_id", d.session)
	return d, nil
}

// SessionID returns the id stamped on this dispatcher's audit events.
func (d *Dispatcher) SessionID() string { return d.session }

// outcome is what one request produced, for audit and telemetry.
type outcome struct {
	method     string
	tool       string
	args       any
	params     any
	resultSize *int
	errCode    int
	errMsg     string
	shutdown   bool
}

// Serve runs the loop until end of input or shutdown. ctx is checked between
// requests and passed to tool handlers.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := protocol.NewReader(r)
	d.logger.Info("dispatch loop started", "server", d.name, "tools", d.registry.Len())
	defer d.logger.Info("dispatch loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// A request is timed from the start of its read to the end of its write.
		readStart := d.now()
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &protocol.TransportError{Op: "read", Err: err}
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		start := readStart
		spanCtx, span := d.inst.startSpan(ctx)
		resp, out := d.handle(spanCtx, line)

		var writeErr error
		if resp != nil {
			writeErr = protocol.WriteMessage(w, resp)
			if resp.Result != nil {
				n := len(resp.Result)
				out.resultSize = &n
			}
		}
		elapsed := d.now().Sub(start)

		if writeErr != nil && out.errCode == 0 {
			out.errCode = protocol.CodeInternalError
			out.errMsg = writeErr.Error()
		}
		d.inst.observe(ctx, span, out, elapsed)
		d.record(start, elapsed, out)

		if writeErr != nil {
			d.logger.Error("response write failed", "method", out.method, "error", writeErr)
			return writeErr
		}
		if out.shutdown {
			d.logger.Info("shutdown requested")
			return nil
		}
	}
}

func (d *Dispatcher) record(start time.Time, elapsed time.Duration, out outcome) {
	d.audit.Record(audit.Event{
		TS:         start,
		Session:    d.session,
		Method:     out.method,
		OK:         out.errCode == 0,
		DurationMS: float64(elapsed.Microseconds()) / 1000,
		Tool:       out.tool,
		Args:       out.args,
		Params:     out.params,
		ResultSize: out.resultSize,
		Error:      out.errMsg,
	})
}

// handle turns one line into a response. A nil response means the request
// was a notification.
func (d *Dispatcher) handle(ctx context.Context, line []byte) (*protocol.Message, outcome) {
	msg, err := protocol.Decode(line)
	if err != nil {
		d.logger.Warn("undecodable request", "error", err)
		perr := protocol.ParseError()
		return protocol.NewErrorResponse(nil, perr), outcome{errCode: perr.Code, errMsg: perr.Message}
	}

	out := outcome{method: msg.Method}
	notify := msg.IsNotification()

	reply := func(result any, rpcErr *protocol.Error) (*protocol.Message, outcome) {
		if rpcErr != nil {
			out.errCode = rpcErr.Code
			out.errMsg = rpcErr.Message
		}
		if notify {
			if rpcErr != nil {
				d.logger.Debug("notification failed", "method", msg.Method, "error", rpcErr.Message)
			}
			return nil, out
		}
		if rpcErr != nil {
			return protocol.NewErrorResponse(msg.ID, rpcErr), out
		}
		resp, err := protocol.NewResult(msg.ID, result)
		if err != nil {
			ierr := protocol.NewError(protocol.CodeInternalError, "encode result: %v", err)
			out.errCode = ierr.Code
			out.errMsg = ierr.Message
			return protocol.NewErrorResponse(msg.ID, ierr), out
		}
		return resp, out
	}

	switch msg.JSONRPC {
	case protocol.Version:
	case "":
		d.logger.Debug("request without jsonrpc version", "method", msg.Method)
	default:
		return reply(nil, protocol.NewError(protocol.CodeInvalidRequest, "Invalid Request: unsupported jsonrpc version %q", msg.JSONRPC))
	}
	if msg.Method == "" {
		return reply(nil, protocol.NewError(protocol.CodeInvalidRequest, "Invalid Request: missing method"))
	}

	params, perr := decodeParams(msg.Params)
	if perr != nil {
		return reply(nil, perr)
	}
	if params != nil {
		out.params = params
	}

	switch msg.Method {
	case "initialize":
		return reply(map[string]any{"serverName": d.name, "protocol": ProtocolName}, nil)

	case "tools/list":
		return reply(map[string]any{"tools": d.registry.List()}, nil)

	case "tools/call":
		call, cerr := parseToolCall(params)
		if cerr != nil {
			return reply(nil, cerr)
		}
		out.tool = call.name
		out.args = call.args
		out.params = nil
		result, err := d.registry.Call(ctx, call.name, call.args)
		if err != nil {
			return reply(nil, d.toolError(call.name, err))
		}
		return reply(result, nil)

	case "shutdown":
		out.shutdown = true
		return reply(map[string]any{"ok": true}, nil)

	default:
		return reply(nil, protocol.NewError(protocol.CodeMethodNotFound, "Method not found: %s", msg.Method))
	}
}

func (d *Dispatcher) toolError(name string, err error) *protocol.Error {
	if errors.Is(err, tool.ErrToolNotFound) {
		return protocol.NewError(protocol.CodeToolError, "tool not found: %s", name)
	}
	var te *tool.Error
	if errors.As(err, &te) {
		log.WithTool(name).Warn("tool failed", "session_id", d.session, "error", te.Message)
		return &protocol.Error{
			Code:    protocol.CodeToolError,
			Message: te.Message,
			Data:    map[string]any{"tool": name, "trace": te.Trace},
		}
	}
	return protocol.NewError(protocol.CodeInternalError, "%v", err)
}

// decodeParams accepts absent or null params as empty. Anything else must be
// a JSON object.
func decodeParams(raw json.RawMessage) (map[string]any, *protocol.Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "Invalid params: params must be an object")
	}
	// Numbers stay json.Number so integers beyond 2^53 pass through intact.
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "Invalid params: %v", err)
	}
	return params, nil
}

type toolCall struct {
	name string
	args map[string]any
}

func parseToolCall(params map[string]any) (toolCall, *protocol.Error) {
	name, _ := params["name"].(string)
	if name == "" {
		return toolCall{}, protocol.NewError(protocol.CodeInvalidParams, "Invalid params: tools/call requires a string name")
	}

	raw, ok := params["args"]
	if !ok || raw == nil {
		raw = params["arguments"]
	}
	if raw == nil {
		return toolCall{name: name, args: map[string]any{}}, nil
	}
	args, ok := raw.(map[string]any)
	if !ok {
		return toolCall{}, protocol.NewError(protocol.CodeInvalidParams, "Invalid params: args must be an object")
	}
	return toolCall{name: name, args: args}, nil
}
