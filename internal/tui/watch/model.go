package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mcplocal/internal/api"
	"github.com/mattjoyce/mcplocal/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ err error }

type reconnectMsg struct{}

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *Client
	now    func() time.Time

	width  int
	height int

	health      HealthState
	activity    *Activity
	methods     table.Model
	eventLog    []events.Event
	lastEventID int64

	ticker  Ticker
	spinner Spinner
	theme   Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the bridge at baseURL.
func New(baseURL, token string) *Model {
	return &Model{
		client:    NewClient(baseURL, token),
		now:       time.Now,
		activity:  newActivity(),
		methods:   newMethodTable(),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 128),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.client, m.lastEventID, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

// subscribe follows the event stream until it drops.
func subscribe(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		err := c.Stream(context.Background(), lastID, func(ev events.Event) { ch <- ev })
		return sseDisconnectedMsg{err: err}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(context.Background())
		if err != nil {
			return errMsg(err)
		}
		return healthMsg(h)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.methods, cmd = m.methods.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.Apply(e)
		m.methods.SetRows(methodRows(m.activity.Methods()))
		m.spinner.OnEvent(m.now())

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Peer = msg.Peer
		m.health.PeerState = msg.PeerState
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.client)() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps waiting on the channel and
		// picks up events from the next subscription.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.client, m.lastEventID, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.client)() })
	}

	return m, nil
}

func (m Model) selectedMethod() *MethodStats {
	stats := m.activity.Methods()
	i := m.methods.Cursor()
	if i < 0 || i >= len(stats) {
		return nil
	}
	return &stats[i]
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to bridge..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.activity, m.ticker, m.spinner, m.theme, m.width, now),
		renderActivity(m.methods, m.selectedMethod(), m.theme, m.width),
		renderPeers(m.activity.Peers(), m.theme, m.width, now),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Select method"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
