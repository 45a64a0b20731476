package main

import (
	"time"

	"loom/pkg/config"
	"loom/pkg/protocol"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// tickMsg is sent by Bubble Tea on every tick interval. It triggers a
// periodic refresh from the ledger database.
type tickMsg time.Time

// snapshotMsg carries a refreshed conversations+queue snapshot.
type snapshotMsg snapshot

// transcriptMsg carries the fetched transcript of the selected conversation.
type transcriptMsg transcript

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshotCmd returns a tea.Cmd that refreshes the overview data.
func fetchSnapshotCmd(cfg config.Config) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(fetchSnapshot(cfg))
	}
}

// fetchTranscriptCmd returns a tea.Cmd that loads one transcript.
func fetchTranscriptCmd(cfg config.Config, conversationID string) tea.Cmd {
	return func() tea.Msg {
		return transcriptMsg(fetchTranscript(cfg, conversationID))
	}
}

// Model is the Bubble Tea model for the loom dashboard.
type Model struct {
	cfg   config.Config
	theme Theme

	conversations []protocol.Conversation
	queue         []protocol.RunQueueItem
	messages      []protocol.Message

	// selected indexes into conversations.
	selected int
	// loadedFor is the conversation id the transcript pane currently shows.
	loadedFor string

	transcriptPane viewport.Model

	width  int
	height int
	err    error
}

// newModel creates a Model that polls the ledger at cfg's paths.
func newModel(cfg config.Config) Model {
	return Model{
		cfg:            cfg,
		theme:          DefaultTheme(),
		transcriptPane: viewport.New(0, 0),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchSnapshotCmd(m.cfg), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.transcriptPane.Width = m.transcriptWidth()
		m.transcriptPane.Height = m.paneHeight()
		m.transcriptPane.SetContent(m.renderTranscript())

	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			break
		}
		m.err = nil
		m.conversations = msg.conversations
		m.queue = msg.queue
		if m.selected >= len(m.conversations) {
			m.selected = max(0, len(m.conversations)-1)
		}
		if id := m.selectedID(); id != "" && id != m.loadedFor {
			return m, fetchTranscriptCmd(m.cfg, id)
		}

	case transcriptMsg:
		if msg.err != nil {
			m.err = msg.err
			break
		}
		// A stale fetch for a conversation the user already moved off of.
		if msg.conversationID != m.selectedID() {
			break
		}
		m.loadedFor = msg.conversationID
		m.messages = msg.messages
		m.transcriptPane.SetContent(m.renderTranscript())
		m.transcriptPane.GotoBottom()

	case tickMsg:
		cmds := []tea.Cmd{fetchSnapshotCmd(m.cfg), tickCmd()}
		if id := m.selectedID(); id != "" {
			cmds = append(cmds, fetchTranscriptCmd(m.cfg, id))
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

// handleKeyPress processes keyboard input.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "j", "down":
		if m.selected < len(m.conversations)-1 {
			m.selected++
			return m, fetchTranscriptCmd(m.cfg, m.selectedID())
		}

	case "k", "up":
		if m.selected > 0 {
			m.selected--
			return m, fetchTranscriptCmd(m.cfg, m.selectedID())
		}

	case "pgdown", "ctrl+d":
		m.transcriptPane.HalfViewDown()

	case "pgup", "ctrl+u":
		m.transcriptPane.HalfViewUp()

	case "g":
		m.transcriptPane.GotoTop()

	case "G":
		m.transcriptPane.GotoBottom()

	case "r":
		return m, fetchSnapshotCmd(m.cfg)
	}
	return m, nil
}

// selectedID returns the id of the highlighted conversation, or "".
func (m Model) selectedID() string {
	if m.selected < 0 || m.selected >= len(m.conversations) {
		return ""
	}
	return m.conversations[m.selected].ID
}
