package handlers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
var (
	turnSSEType         = sse.Type("turn")
	notificationSSEType = sse.Type("notification")
)

const maxTitleRunes = 80

// TurnUpdated pushes the rendered turn to the pages subscribed to the session. Once an assistant
// turn settles, the session transcript is archived.
func (m *Main) TurnUpdated(sessionID string, turn models.Turn) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "turn", turn); err != nil {
		m.logger.Error("Failed to render turn",
			slog.String("turnID", turn.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: turnSSEType,
	}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish turn",
			slog.String("turnID", turn.ID),
			slog.String(errLoggerKey, err.Error()))
	}

	if turn.Author == models.AuthorAssistant && !turn.Pending() {
		m.archiveSession(sessionID)
	}
}

// Notify pushes a notification toast to the pages subscribed to the session.
func (m *Main) Notify(sessionID string, n models.Notification) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "notification", n); err != nil {
		m.logger.Error("Failed to render notification", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: notificationSSEType,
	}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish notification",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) archiveSession(sessionID string) {
	if m.archive == nil {
		return
	}
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return
	}

	turns := s.Turns()
	sess := models.Session{
		ID:        s.ID(),
		Title:     sessionTitle(turns),
		CreatedAt: s.CreatedAt(),
	}
	if err := m.archive.SaveSession(context.Background(), sess, turns); err != nil {
		m.logger.Error("Failed to archive session",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// sessionTitle is the first user query, shortened for the history list.
func sessionTitle(turns []models.Turn) string {
	for _, t := range turns {
		if t.Author != models.AuthorUser {
			continue
		}
		title := []rune(strings.Join(strings.Fields(t.Text), " "))
		if len(title) > maxTitleRunes {
			return string(title[:maxTitleRunes-1]) + "…"
		}
		return string(title)
	}
	return "Untitled"
}
