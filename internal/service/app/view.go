package app

import (
	"fmt"
	"strings"

	"secure_msg/internal/conversation"
	"secure_msg/internal/model"
	"secure_msg/internal/realtime"

	"github.com/rivo/tview"
)

func threadLabel(t model.Thread) string {
	label := tview.Escape(t.Subject)
	if t.UnreadCount > 0 {
		label = fmt.Sprintf("%s [red](%d)[-]", label, t.UnreadCount)
	}
	return label
}

func threadDetail(t model.Thread, self string) string {
	detail := strings.Join(t.Peers(self), ", ")
	if t.LastMessage != nil {
		detail += " · " + t.LastMessage.CreatedAt.Local().Format("Jan 2 15:04")
	}
	return tview.Escape(detail)
}

// formatMessage renders the n-th (1-based) message of the pane.
func formatMessage(n int, m model.Message, s conversation.State) string {
	var b strings.Builder

	who, color := m.SenderID, "green"
	if m.SenderID == s.Self {
		who, color = "You", "yellow"
	}
	if m.Type == model.MessageTypeSystem {
		color = "gray"
	}

	fmt.Fprintf(&b, "[gray]%d[-] [%s]%s:[-] %s", n, color, tview.Escape(who), tview.Escape(s.Text(m.ID)))

	for _, a := range m.Attachments {
		fmt.Fprintf(&b, " [blue]📎 %s[-]", tview.Escape(a.Name))
	}
	if len(m.Reactions) > 0 {
		parts := make([]string, 0, len(m.Reactions))
		for _, r := range m.Reactions {
			parts = append(parts, fmt.Sprintf("%s%d", r.Emoji, r.Count))
		}
		fmt.Fprintf(&b, "  [darkcyan]%s[-]", tview.Escape(strings.Join(parts, " ")))
	}
	if m.SenderID == s.Self && s.Thread != nil {
		for _, p := range s.Thread.Peers(s.Self) {
			if m.IsReadBy(p) {
				b.WriteString(" [gray]✓✓[-]")
				break
			}
		}
	}
	return b.String()
}

func typingLine(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing…"
	default:
		return strings.Join(users, ", ") + " are typing…"
	}
}

func statusLine(s conversation.State) string {
	var b strings.Builder

	switch s.Connection {
	case realtime.Open:
		b.WriteString("[green]● connected[-]")
	case realtime.Connecting, realtime.Reconnecting:
		fmt.Fprintf(&b, "[yellow]● %s[-]", s.Connection)
	case realtime.Idle:
		b.WriteString("[gray]● offline[-]")
	default:
		fmt.Fprintf(&b, "[red]● %s[-]", s.Connection)
	}

	if s.Thread != nil {
		var peers []string
		for _, p := range s.Thread.Peers(s.Self) {
			status := s.Presence[p]
			if status == "" {
				status = model.PresenceOffline
			}
			peers = append(peers, p+" "+status)
		}
		if len(peers) > 0 {
			fmt.Fprintf(&b, "  %s", tview.Escape(strings.Join(peers, ", ")))
		}
	}
	if s.Loading {
		b.WriteString("  loading…")
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "  [red]%s[-]", tview.Escape(s.Error))
	}
	return b.String()
}
