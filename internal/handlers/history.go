package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/go-chi/chi/v5"
)

// HandleHistory lists the archived sessions, newest first.
func (m *Main) HandleHistory(w http.ResponseWriter, r *http.Request) {
	data := pageData{
		Title:  "History",
		Params: models.SearchParams{Images: true, Model: m.defaultModel},
		Models: m.models,
	}
	if m.archive != nil {
		sessions, err := m.archive.Sessions(r.Context())
		if err != nil {
			m.logger.Error("Failed to get archived sessions", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Sessions = sessions
	}

	if err := m.templates.ExecuteTemplate(w, "history.html", data); err != nil {
		m.logger.Error("Failed to render history page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleArchivedSession renders the archived transcript of one session.
func (m *Main) HandleArchivedSession(w http.ResponseWriter, r *http.Request) {
	sess, turns, ok := m.archivedSession(w, r)
	if !ok {
		return
	}

	data := pageData{
		Title:     sess.Title,
		Params:    models.SearchParams{Images: true, Model: m.defaultModel},
		Models:    m.models,
		SessionID: sess.ID,
		Turns:     turns,
	}
	if err := m.templates.ExecuteTemplate(w, "transcript.html", data); err != nil {
		m.logger.Error("Failed to render transcript page",
			slog.String("sessionID", sess.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleArchivedMarkdown exports the archived transcript of one session as a Markdown document.
func (m *Main) HandleArchivedMarkdown(w http.ResponseWriter, r *http.Request) {
	sess, turns, ok := m.archivedSession(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sess.ID+`.md"`)
	if _, err := w.Write([]byte(models.RenderTranscript(sess.Title, turns))); err != nil {
		m.logger.Error("Failed to write transcript", slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) archivedSession(w http.ResponseWriter, r *http.Request) (models.Session, []models.Turn, bool) {
	if m.archive == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return models.Session{}, nil, false
	}

	sess, turns, err := m.archive.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrSessionNotArchived) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return models.Session{}, nil, false
		}
		m.logger.Error("Failed to get archived session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return models.Session{}, nil, false
	}
	return sess, turns, true
}
