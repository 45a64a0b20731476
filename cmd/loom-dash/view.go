package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	// listWidth is the fixed width of the conversation list pane.
	listWidth = 38
	// footerRows is the queue footer plus the help line.
	footerRows = 6
)

// transcriptWidth returns the width available to the transcript pane.
func (m Model) transcriptWidth() int {
	w := m.width - listWidth - 3
	if w < 20 {
		w = 20
	}
	return w
}

// paneHeight returns the height available to the two main panes.
func (m Model) paneHeight() int {
	h := m.height - footerRows
	if h < 5 {
		h = 5
	}
	return h
}

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 {
		return "loading..."
	}

	left := m.renderConversationList()
	right := m.transcriptPane.View()

	border := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.theme.Muted)

	panes := lipgloss.JoinHorizontal(lipgloss.Top,
		border.Width(listWidth).Height(m.paneHeight()).Render(left),
		border.Width(m.transcriptWidth()).Height(m.paneHeight()).Render(right),
	)

	var b strings.Builder
	b.WriteString(panes)
	b.WriteString("\n")
	b.WriteString(m.renderQueue())
	b.WriteString("\n")
	b.WriteString(m.renderStatusLine())
	return b.String()
}

// renderConversationList renders the left pane.
func (m Model) renderConversationList() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary)
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)
	cursor := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary)

	var b strings.Builder
	b.WriteString(title.Render(fmt.Sprintf("Conversations (%d)", len(m.conversations))))
	b.WriteString("\n\n")

	if len(m.conversations) == 0 {
		b.WriteString(muted.Render("none yet"))
		return b.String()
	}

	visible := m.paneHeight() - 3
	start := 0
	if m.selected >= visible {
		start = m.selected - visible + 1
	}
	for i := start; i < len(m.conversations) && i < start+visible; i++ {
		c := m.conversations[i]
		line := fmt.Sprintf("%s  %d msgs", shorten(c.ID, 20), c.MessageCount)
		if i == m.selected {
			b.WriteString(cursor.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
		b.WriteString(muted.Render("  " + c.TenantID + "/" + c.AgentKey))
		b.WriteString("\n")
	}
	return b.String()
}

// renderTranscript renders the selected conversation's messages for the
// viewport pane.
func (m Model) renderTranscript() string {
	if len(m.messages) == 0 {
		return lipgloss.NewStyle().Foreground(m.theme.Muted).Render("no visible messages")
	}

	role := func(r string) lipgloss.Style {
		switch r {
		case "user":
			return lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary)
		case "assistant":
			return lipgloss.NewStyle().Bold(true).Foreground(m.theme.Success)
		default:
			return lipgloss.NewStyle().Bold(true).Foreground(m.theme.Warning)
		}
	}
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)

	var b strings.Builder
	for _, msg := range m.messages {
		b.WriteString(role(msg.Role).Render(fmt.Sprintf("[%d] %s", msg.Position, msg.Role)))
		b.WriteString("  ")
		b.WriteString(muted.Render(msg.CreatedAt))
		b.WriteString("\n")
		b.WriteString(wrap(msg.Content, m.transcriptWidth()-2))
		b.WriteString("\n\n")
	}
	return b.String()
}

// renderQueue renders the admission queue footer.
func (m Model) renderQueue() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary)
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)

	var b strings.Builder
	b.WriteString(title.Render(fmt.Sprintf("Queue (%d active)", len(m.queue))))
	b.WriteString("  ")

	shown := 0
	for _, item := range m.queue {
		if shown >= 4 {
			b.WriteString(muted.Render(fmt.Sprintf("+%d more", len(m.queue)-shown)))
			break
		}
		st := lipgloss.NewStyle().Foreground(m.theme.statusColor(string(item.Status)))
		b.WriteString(st.Render(fmt.Sprintf("#%d %s %s", item.ID, item.Status, shorten(item.ConversationID, 12))))
		b.WriteString("  ")
		shown++
	}
	return b.String()
}

// renderStatusLine renders the bottom help/error line.
func (m Model) renderStatusLine() string {
	if m.err != nil {
		return lipgloss.NewStyle().Foreground(m.theme.Error).Render("error: " + m.err.Error())
	}
	return lipgloss.NewStyle().Foreground(m.theme.Muted).
		Render("j/k select · ctrl+d/ctrl+u scroll · g/G top/bottom · r refresh · q quit")
}

// shorten truncates s to n characters with an ellipsis.
func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

// wrap breaks s into lines no wider than w. Existing newlines are kept.
func wrap(s string, w int) string {
	if w < 10 {
		w = 10
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		for len(line) > w {
			cut := strings.LastIndex(line[:w], " ")
			if cut <= 0 {
				cut = w
			}
			out = append(out, line[:cut])
			line = strings.TrimLeft(line[cut:], " ")
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
