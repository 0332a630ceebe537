package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/mattjoyce/mcplocal/internal/tool"
)

var emptyObject = map[string]any{"type": "object", "properties": map[string]any{}}

// Specs lists the notes tools in registration order.
var Specs = []tool.Spec{
	{
		Name:        "notes_add",
		Description: "Add a text note (optional comma-separated tags).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
				"tags": map[string]any{"type": "string", "description": "e.g. work,ideas"},
			},
			"required": []any{"text"},
		},
	},
	{
		Name:        "notes_list",
		Description: "List notes, newest first; filter by q (text) or tag.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"q":   map[string]any{"type": "string"},
				"tag": map[string]any{"type": "string"},
			},
		},
	},
	{
		Name:        "notes_delete",
		Description: "Delete a note by id.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "integer"}},
			"required":   []any{"id"},
		},
	},
	{Name: "notes_clear", Description: "Delete every note.", InputSchema: emptyObject},
	{Name: "notes_stats", Description: "Return note counts and the most common tags.", InputSchema: emptyObject},
	{Name: "notes_export_md", Description: "Export every note as Markdown.", InputSchema: emptyObject},
}

// Register installs the notes tools backed by s.
func Register(r *tool.Registry, s *Store) error {
	handlers := map[string]tool.Handler{
		"notes_add":       s.addTool,
		"notes_list":      s.listTool,
		"notes_delete":    s.deleteTool,
		"notes_clear":     s.clearTool,
		"notes_stats":     s.statsTool,
		"notes_export_md": s.exportTool,
	}
	for _, spec := range Specs {
		if err := r.Register(spec, handlers[spec.Name]); err != nil {
			return fmt.Errorf("register notes tools: %w", err)
		}
	}
	return nil
}

func (s *Store) addTool(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		Text string `json:"text"`
		Tags string `json:"tags"`
	}
	if err := tool.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	n, err := s.Add(ctx, in.Text, in.Tags)
	if errors.Is(err, ErrEmptyText) {
		return tool.TextResult("Error: 'text' is empty"), nil
	}
	if err != nil {
		return nil, err
	}
	return tool.JSONResult(n), nil
}

func (s *Store) listTool(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		Q   string `json:"q"`
		Tag string `json:"tag"`
	}
	if err := tool.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	list, err := s.List(ctx, Filter{Query: in.Q, Tag: in.Tag})
	if err != nil {
		return nil, err
	}
	return tool.JSONResult(list), nil
}

func (s *Store) deleteTool(ctx context.Context, args map[string]any) (any, error) {
	id, ok := intArg(args["id"])
	if !ok {
		return tool.TextResult("Error: 'id' must be an integer"), nil
	}
	if err := s.Delete(ctx, id); err != nil {
		return nil, err
	}
	return tool.TextResult(fmt.Sprintf("Note %d deleted", id)), nil
}

func (s *Store) clearTool(ctx context.Context, _ map[string]any) (any, error) {
	if err := s.Clear(ctx); err != nil {
		return nil, err
	}
	return tool.TextResult("All notes deleted"), nil
}

func (s *Store) statsTool(ctx context.Context, _ map[string]any) (any, error) {
	st, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return tool.JSONResult(map[string]any{
		"total": st.Total,
		"tags":  st.Tags,
		"top":   st.TopTags(),
	}), nil
}

func (s *Store) exportTool(ctx context.Context, _ map[string]any) (any, error) {
	md, err := s.ExportMarkdown(ctx)
	if err != nil {
		return nil, err
	}
	return tool.TextResult(md), nil
}

// intArg accepts the integral forms a decoded JSON argument can take.
func intArg(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
