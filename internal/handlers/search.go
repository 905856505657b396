package handlers

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/OmChillure/newera-search/internal/session"
	"github.com/OmChillure/newera-search/internal/stream"
	"github.com/go-chi/chi/v5"
)

type pageData struct {
	Title string

	Params models.SearchParams
	Models []string

	SessionID string
	Turns     []models.Turn

	Sessions []models.Session
	Markdown string
}

// Attached documents are kept as references only, so the form is parsed with a small memory cap.
const maxUploadMemory = 8 << 20

// HandleHome renders the landing page with the search form.
func (m *Main) HandleHome(w http.ResponseWriter, _ *http.Request) {
	data := pageData{
		Title:  "New Era",
		Params: models.SearchParams{Images: true, Model: m.defaultModel},
		Models: m.models,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSearch renders the results page for the deep-link parameters of the request URL. Each
// visit opens a new session. The page issues the initial query itself once its event stream is
// connected, so no update of the first answer is missed.
func (m *Main) HandleSearch(w http.ResponseWriter, r *http.Request) {
	params := models.ParseSearchParams(r.URL.Query())
	if params.Query == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if !m.controller.HasModel(params.Model) {
		m.logger.Warn("Unknown model in search link, using default",
			slog.String("model", params.Model),
			slog.String("default", m.defaultModel))
		params.Model = m.defaultModel
	}

	s := m.sessions.Create()
	m.watchSession(s.ID())
	data := pageData{
		Title:     params.Query,
		Params:    params,
		Models:    m.models,
		SessionID: s.ID(),
	}
	if err := m.templates.ExecuteTemplate(w, "search.html", data); err != nil {
		m.logger.Error("Failed to render search page",
			slog.String("sessionID", s.ID()),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleQueries starts a query in the session named by the URL. It accepts the "message", "model"
// and "images" form fields and, in a multipart body, any number of "documents" files. Files with
// an unsupported extension are ignored.
//
// The response renders the new user turn and the assistant placeholder. Later updates of the
// assistant turn are pushed over the session's event stream.
func (m *Main) HandleQueries(w http.ResponseWriter, r *http.Request) {
	s, ok := m.session(w, r)
	if !ok {
		return
	}

	attachments, err := parseQueryForm(r)
	if err != nil {
		m.logger.Error("Failed to parse query form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	model := r.FormValue("model")
	if model == "" {
		model = m.defaultModel
	}

	run, err := m.controller.Start(s, stream.Query{
		Text:        msg,
		Model:       model,
		Images:      formBool(r.FormValue("images")),
		Attachments: attachments,
	})
	if err != nil {
		if errors.Is(err, stream.ErrUnknownModel) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.logger.Error("Failed to start query",
			slog.String("sessionID", s.ID()),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	for _, id := range []string{run.UserTurn.ID, run.Turn.ID} {
		// The turn may have moved on already; render its latest state.
		t, ok := s.Turn(id)
		if !ok {
			continue
		}
		if err := m.templates.ExecuteTemplate(w, "turn", t); err != nil {
			m.logger.Error("Failed to render turn",
				slog.String("turnID", id),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

// HandleCancel stops the in-flight request of the session, as the stop button does. It responds
// with 204 whether or not a request was in flight.
func (m *Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	s, ok := m.session(w, r)
	if !ok {
		return
	}
	if m.controller.Cancel(s) {
		m.logger.Debug("Request cancelled", slog.String("sessionID", s.ID()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTranscript renders every turn of a live session. The page uses it to resynchronize after
// its event stream reconnects.
func (m *Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	s, ok := m.session(w, r)
	if !ok {
		return
	}
	for _, t := range s.Turns() {
		if err := m.templates.ExecuteTemplate(w, "turn", t); err != nil {
			m.logger.Error("Failed to render turn",
				slog.String("turnID", t.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

func (m *Main) session(w http.ResponseWriter, r *http.Request) (*session.Store, bool) {
	s, err := m.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return nil, false
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return s, true
}

func parseQueryForm(r *http.Request) ([]models.Attachment, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return nil, r.ParseForm()
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, err
	}

	var attachments []models.Attachment
	for _, fh := range r.MultipartForm.File["documents"] {
		if !models.AcceptsAttachment(fh.Filename) {
			continue
		}
		attachments = append(attachments, models.Attachment{
			Name:        fh.Filename,
			Size:        fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
		})
	}
	return attachments, nil
}

func formBool(v string) bool {
	switch strings.ToLower(v) {
	case "on", "true", "1":
		return true
	}
	return false
}
