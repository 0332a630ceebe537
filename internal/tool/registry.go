package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/mattjoyce/mcplocal/internal/log"
)

// ErrToolNotFound is returned by Call when no tool has the requested name.
var ErrToolNotFound = errors.New("tool not found")

// Spec describes a tool as advertised by tools/list.
type Spec struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
}

// Handler is the single calling convention every registered tool is stored as.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Func is a plain handler that does not take a context.
type Func func(args map[string]any) (any, error)

// Adapt turns a Func into a Handler. The context is checked before the call.
func Adapt(fn Func) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn(args)
	}
}

type entry struct {
	spec    Spec
	handler Handler
}

// Registry maps tool names to specs and handlers. Registration is expected
// during startup; Call and List are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register stores spec and h under spec.Name. A second registration of the
// same name replaces the first but keeps its position in List.
func (r *Registry) Register(spec Spec, h Handler) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if h == nil {
		return fmt.Errorf("register tool %q: handler is nil", name)
	}
	spec.Name = name
	if spec.InputSchema == nil {
		spec.InputSchema = map[string]any{"type": "object"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		log.WithTool(name).Warn("tool re-registered, replacing previous handler")
	} else {
		r.order = append(r.order, name)
	}
	r.entries[name] = entry{spec: spec, handler: h}
	return nil
}

// RegisterFunc registers a context-free handler.
func (r *Registry) RegisterFunc(spec Spec, fn Func) error {
	if fn == nil {
		return fmt.Errorf("register tool %q: handler is nil", spec.Name)
	}
	return r.Register(spec, Adapt(fn))
}

// List returns the registered specs in registration order.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.entries[name].spec)
	}
	return specs
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Call runs the named tool. A missing tool yields an error wrapping
// ErrToolNotFound; a handler error or panic yields a *Error.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (result any, err error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &Error{
				Tool:    name,
				Message: fmt.Sprint(rec),
				Trace:   string(debug.Stack()),
			}
		}
	}()

	result, err = e.handler(ctx, args)
	if err != nil {
		return nil, newError(name, err)
	}
	return result, nil
}

// Error is a handler failure surfaced to the caller with a trace.
type Error struct {
	Tool    string
	Message string
	Trace   string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(name string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{
		Tool:    name,
		Message: err.Error(),
		Trace:   errorChain(err),
		Err:     err,
	}
}

// errorChain renders the unwrap chain of err, one cause per line.
func errorChain(err error) string {
	var b strings.Builder
	depth := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%s%T: %s\n", strings.Repeat("  ", depth), e, e.Error())
		depth++
	}
	return b.String()
}

// DecodeArgs converts a tool's argument map into a typed struct.
func DecodeArgs(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}
