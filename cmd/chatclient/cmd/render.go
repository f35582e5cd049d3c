package cmd

import (
	"fmt"
	"io"

	"crewchat/internal/models"
)

// renderer prints transcript lines once, plus status changes of the local
// user's messages.
type renderer struct {
	out       io.Writer
	seen      map[string]models.MessageStatus
	indicator string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, seen: make(map[string]models.MessageStatus)}
}

func (r *renderer) render(msgs []models.Message, indicator string, own func(models.Message) bool) {
	for _, m := range msgs {
		prev, ok := r.seen[m.ID]
		if ok && prev == m.Status {
			continue
		}
		r.seen[m.ID] = m.Status

		switch {
		case !ok:
			name := m.SenderName
			if name == "" {
				name = m.SenderID
			}
			if own(m) {
				name = "me"
			}
			fmt.Fprintf(r.out, "[%s] %s: %s%s\n", m.SentAt.Local().Format("15:04"), name, m.Body, statusSuffix(m))
		case m.Status == models.StatusUnsent:
			fmt.Fprintf(r.out, "-- not delivered: %s (/retry %s)\n", m.Body, m.ID)
		}
	}

	if indicator != r.indicator {
		r.indicator = indicator
		if indicator != "" {
			fmt.Fprintf(r.out, "-- %s\n", indicator)
		}
	}
}

func statusSuffix(m models.Message) string {
	if m.Status == models.StatusUnsent {
		return fmt.Sprintf(" (unsent, /retry %s)", m.ID)
	}
	return ""
}
