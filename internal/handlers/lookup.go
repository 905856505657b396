package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/OmChillure/newera-search/internal/models"
)

type formatRequest struct {
	Text  string             `json:"text"`
	Start int                `json:"start"`
	End   int                `json:"end"`
	Style models.FormatStyle `json:"style"`
}

type formatResponse struct {
	Text  string `json:"text"`
	Caret int    `json:"caret"`
}

// HandleFormat applies a composer toolbar action to the posted text selection. Offsets are UTF-8
// byte offsets.
func (m *Main) HandleFormat(w http.ResponseWriter, r *http.Request) {
	var req formatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	text, caret, err := models.Format(req.Text, req.Start, req.End, req.Style)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(formatResponse{Text: text, Caret: caret}); err != nil {
		m.logger.Error("Failed to encode format response", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleDefine renders the dictionary popup for the "q" phrase. Lookup failures never touch a chat
// session: they are answered with an error status and a notification partial.
func (m *Main) HandleDefine(w http.ResponseWriter, r *http.Request) {
	phrase := strings.TrimSpace(r.URL.Query().Get("q"))
	if phrase == "" {
		http.Error(w, "Phrase is required", http.StatusBadRequest)
		return
	}
	if m.dictionary == nil {
		m.renderNotification(w, http.StatusServiceUnavailable, models.Notification{
			Level:   models.NotificationError,
			Message: "Dictionary is not available.",
		})
		return
	}

	def, err := m.dictionary.Lookup(r.Context(), phrase)
	if err != nil {
		if errors.Is(err, models.ErrNoDefinition) {
			m.renderNotification(w, http.StatusNotFound, models.Notification{
				Level:   models.NotificationError,
				Message: "No definition found for \"" + phrase + "\".",
			})
			return
		}
		m.logger.Error("Failed to look up definition",
			slog.String("phrase", phrase),
			slog.String(errLoggerKey, err.Error()))
		m.renderNotification(w, http.StatusBadGateway, models.Notification{
			Level:   models.NotificationError,
			Message: "Failed to fetch definition. Please try again.",
		})
		return
	}

	if err := m.templates.ExecuteTemplate(w, "definition", def); err != nil {
		m.logger.Error("Failed to render definition", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Main) renderNotification(w http.ResponseWriter, status int, n models.Notification) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := m.templates.ExecuteTemplate(w, "notification", n); err != nil {
		m.logger.Error("Failed to render notification", slog.String(errLoggerKey, err.Error()))
	}
}
