package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

const maxMethodRows = 8

func newMethodTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Method", Width: 24},
			{Title: "Calls", Width: 7},
			{Title: "Fail", Width: 6},
			{Title: "Last", Width: 8},
			{Title: "Avg", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(maxMethodRows),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func methodRows(stats []MethodStats) []table.Row {
	rows := make([]table.Row, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, table.Row{
			s.Method,
			strconv.Itoa(s.Calls),
			strconv.Itoa(s.Failures),
			fmt.Sprintf("%dms", s.LastMS),
			fmt.Sprintf("%dms", s.AvgMS()),
		})
	}
	return rows
}

func renderActivity(t table.Model, selected *MethodStats, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("RPC ACTIVITY")

	if len(t.Rows()) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No requests forwarded yet"),
		))
	}

	parts := []string{title, t.View()}
	if selected != nil && selected.LastError != "" {
		parts = append(parts, theme.StatusFailed.Render(" last error: "+selected.LastError))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func renderPeers(peers []PeerHealth, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4
	title := theme.Title.Render("PEER HEALTH")

	if len(peers) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No health probes yet (set health.schedule)"),
		))
	}

	lines := make([]string, 0, len(peers))
	for _, p := range peers {
		style := theme.stateStyle(p.State)
		line := fmt.Sprintf(" %s %-16s %-9s tools=%-3d probed %s ago",
			style.Render("●"), p.Peer, style.Render(p.State), p.Tools,
			now.Sub(p.At).Round(time.Second))
		if p.Error != "" {
			line += " " + theme.StatusFailed.Render(p.Error)
		}
		lines = append(lines, line)
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		title,
		strings.Join(lines, "\n"),
	))
}
