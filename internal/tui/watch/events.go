package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mcplocal/internal/events"
)

const maxEventLog = 50

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeRPCForwarded:
		typeStyle = theme.StatusOK
	case events.TypeRPCFailed:
		typeStyle = theme.StatusFailed
	case events.TypePeerHealth:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-14s", e.Type)), describeEvent(e))
}

// describeEvent renders the payload fields worth a glance.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if peer, ok := data["peer"].(string); ok {
		parts = append(parts, peer)
	}
	if method, ok := data["method"].(string); ok {
		parts = append(parts, method)
	}
	if id, ok := data["id"]; ok && id != nil {
		parts = append(parts, fmt.Sprintf("#%v", id))
	}
	if state, ok := data["state"].(string); ok {
		parts = append(parts, state)
	}
	if tools, ok := data["tools"].(float64); ok && e.Type == events.TypePeerHealth {
		parts = append(parts, fmt.Sprintf("tools=%d", int(tools)))
	}
	if ms, ok := data["duration_ms"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%dms", int64(ms)))
	}
	if msg, ok := data["error"].(string); ok && msg != "" {
		parts = append(parts, msg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
