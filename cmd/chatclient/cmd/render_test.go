package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"crewchat/internal/models"
)

func TestRendererPrintsEachMessageOnce(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)
	own := func(m models.Message) bool { return m.SenderID == "me-id" }
	at := time.Date(2026, 1, 2, 9, 30, 0, 0, time.Local)

	msgs := []models.Message{
		{ID: "1", SenderID: "u2", SenderName: "Bo", Body: "hey", SentAt: at, Status: models.StatusConfirmed},
		{ID: "2", SenderID: "me-id", Body: "yo", SentAt: at, Status: models.StatusPending, IsLocalEcho: true},
	}
	r.render(msgs, "", own)
	assert.Equal(t, "[09:30] Bo: hey\n[09:30] me: yo\n", buf.String())

	buf.Reset()
	msgs[1].Status = models.StatusConfirmed
	msgs[1].IsLocalEcho = false
	r.render(msgs, "", own)
	assert.Empty(t, buf.String())
}

func TestRendererReportsUnsentAndTyping(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)
	own := func(models.Message) bool { return true }

	msg := models.Message{ID: "9", Body: "lost", Status: models.StatusPending}
	r.render([]models.Message{msg}, "Bo is typing...", own)
	buf.Reset()

	msg.Status = models.StatusUnsent
	r.render([]models.Message{msg}, "Bo is typing...", own)
	assert.Equal(t, "-- not delivered: lost (/retry 9)\n", buf.String())

	buf.Reset()
	r.render([]models.Message{msg}, "", own)
	assert.Empty(t, buf.String())
}

func TestTokenCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"token", "--user", "u-1", "--name", "Ana", "--secret", "s"})
	assert.NoError(t, rootCmd.Execute())
	assert.Regexp(t, `^[\w-]+\.[\w-]+\.[\w-]+\n$`, buf.String())
}
