package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	newera "github.com/OmChillure/newera-search"
	"github.com/OmChillure/newera-search/internal/models"
	"github.com/OmChillure/newera-search/internal/session"
	"github.com/OmChillure/newera-search/internal/stream"
	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Dictionary looks up the definition of a phrase. It returns models.ErrNoDefinition when the phrase
// has no entry.
type Dictionary interface {
	Lookup(ctx context.Context, phrase string) (models.Definition, error)
}

// Archive defines the interface for persisting finished transcripts so they can be listed and
// reopened from the history page. SaveSession replaces the whole archived transcript of a session.
type Archive interface {
	SaveSession(ctx context.Context, session models.Session, turns []models.Turn) error
	Sessions(ctx context.Context) ([]models.Session, error)
	Session(ctx context.Context, id string) (models.Session, []models.Turn, error)
}

// Config configures Main.
type Config struct {
	// Generators maps model identifiers to their text generator.
	Generators map[string]stream.Generator
	// Models lists the model identifiers offered in the model selector, in order. All keys of
	// Generators are offered, sorted, when it is empty.
	Models       []string
	DefaultModel string

	Images       stream.ImageSearcher
	ImageCount   int
	SystemPrompt string

	Dictionary Dictionary
	Archive    Archive

	// SessionIdleTimeout is how long a session is kept without an event stream subscriber
	// before its request is stopped and the session forgotten. Defaults to one minute.
	SessionIdleTimeout time.Duration

	Logger *slog.Logger
}

// Main handles the core functionality of the search application, managing server-sent events,
// HTML templates, and the interactions between sessions, the stream controller, and the
// dictionary and archive collaborators.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	sessions   *session.Registry
	controller *stream.Controller
	dictionary Dictionary
	archive    Archive

	models       []string
	defaultModel string

	idleTimeout time.Duration
	presenceMu  sync.Mutex
	presence    map[string]*sessionPresence

	logger *slog.Logger
}

// sessionPresence counts the event streams open on a session. expiry is armed while there are none.
type sessionPresence struct {
	subscribers int
	expiry      *time.Timer
}

const (
	errLoggerKey              = "err"
	defaultSessionIdleTimeout = time.Minute
)

// NewMain creates a new Main instance from cfg. It initializes the SSE server, parses the HTML
// templates from the embedded filesystem and builds the stream controller, which reports turn
// changes and notifications back to Main for publishing.
func NewMain(cfg Config) (*Main, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Main{
		sessions:     session.NewRegistry(),
		dictionary:   cfg.Dictionary,
		archive:      cfg.Archive,
		models:       cfg.Models,
		defaultModel: cfg.DefaultModel,
		idleTimeout:  cfg.SessionIdleTimeout,
		presence:     make(map[string]*sessionPresence),
		logger:       logger.With(slog.String("module", "main")),
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = defaultSessionIdleTimeout
	}
	if len(m.models) == 0 {
		for id := range cfg.Generators {
			m.models = append(m.models, id)
		}
		slices.Sort(m.models)
	}
	if m.defaultModel == "" {
		m.defaultModel = models.DefaultModel
	}

	tmpl, err := template.New("").Funcs(template.FuncMap{
		"markdown": renderMarkdown,
		"kb": func(size int64) string {
			return fmt.Sprintf("%.1f KB", float64(size)/1024)
		},
		"searchURL": func(p models.SearchParams) string {
			return p.URL()
		},
	}).ParseFS(
		newera.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	m.templates = tmpl

	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			topics := []string{sse.DefaultTopic}

			// A search page subscribes to the updates of its own session.
			sessionID := s.Req.URL.Query().Get("session_id")
			if sessionID != "" {
				topics = append(topics, sessionTopic(sessionID))
			}

			// Send the headers now: nothing may be published to a fresh session until the page
			// issues its first query, and the page waits for the stream to open to do so.
			if err := s.Flush(); err != nil {
				m.logger.Warn("Failed to open event stream",
					slog.String("sessionID", sessionID),
					slog.String(errLoggerKey, err.Error()))
				return sse.Subscription{}, false
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}

	m.controller = stream.NewController(stream.Config{
		Generators:   cfg.Generators,
		Images:       cfg.Images,
		ImageCount:   cfg.ImageCount,
		SystemPrompt: cfg.SystemPrompt,
		Observer:     m,
		Notifier:     m,
		Logger:       logger,
	})

	return m, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(highlighting.WithStyle("github")),
	),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// renderMarkdown converts assistant text to HTML. Raw HTML in the source is not rendered.
func renderMarkdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(buf.String())
}

// RegisterRoutes registers every page, API and asset route on r.
func (m *Main) RegisterRoutes(r chi.Router) error {
	staticFS, err := fs.Sub(newera.StaticFS, "static")
	if err != nil {
		return fmt.Errorf("failed to open static files: %w", err)
	}

	r.Get("/", m.HandleHome)
	r.Get("/search", m.HandleSearch)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", m.HandleTranscript)
		r.Post("/queries", m.HandleQueries)
		r.Post("/cancel", m.HandleCancel)
	})
	r.Post("/format", m.HandleFormat)
	r.Get("/define", m.HandleDefine)
	r.Route("/history", func(r chi.Router) {
		r.Get("/", m.HandleHistory)
		r.Get("/{id}", m.HandleArchivedSession)
		r.Get("/{id}/markdown", m.HandleArchivedMarkdown)
	})
	r.Get("/sse", m.HandleSSE)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	return nil
}

// Shutdown gracefully terminates the Main instance. It cancels every in-flight request, broadcasts
// a close message to all connected clients and waits up to 5 seconds for connections to terminate.
// After the timeout, any remaining connections are forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	m.presenceMu.Lock()
	for id, p := range m.presence {
		if p.expiry != nil {
			p.expiry.Stop()
		}
		delete(m.presence, id)
	}
	m.presenceMu.Unlock()

	m.sessions.Close()

	e := &sse.Message{Type: sse.Type("close")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// HandleSSE serves the event stream that pushes turn updates and notifications to the page. A
// session without any open stream expires after the idle timeout.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		m.subscribe(sessionID)
		defer m.unsubscribe(sessionID)
	}
	m.sseSrv.ServeHTTP(w, r)
}

// watchSession arms the expiry of a session nobody has subscribed to yet.
func (m *Main) watchSession(sessionID string) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	p := &sessionPresence{}
	p.expiry = m.armExpiry(sessionID)
	m.presence[sessionID] = p
}

func (m *Main) subscribe(sessionID string) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	p, ok := m.presence[sessionID]
	if !ok {
		// Unknown or already expired; OnSession still serves the broadcast topic.
		return
	}
	p.subscribers++
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
}

func (m *Main) unsubscribe(sessionID string) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	p, ok := m.presence[sessionID]
	if !ok || p.subscribers == 0 {
		return
	}
	p.subscribers--
	if p.subscribers == 0 {
		p.expiry = m.armExpiry(sessionID)
	}
}

func (m *Main) armExpiry(sessionID string) *time.Timer {
	return time.AfterFunc(m.idleTimeout, func() {
		m.expireSession(sessionID)
	})
}

// expireSession stops the request of an unwatched session and forgets it. The stopped turn is
// archived like any other settled turn.
func (m *Main) expireSession(sessionID string) {
	m.presenceMu.Lock()
	p, ok := m.presence[sessionID]
	if !ok || p.subscribers > 0 {
		m.presenceMu.Unlock()
		return
	}
	delete(m.presence, sessionID)
	m.presenceMu.Unlock()

	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return
	}
	m.controller.Cancel(s)
	_, _ = m.sessions.Remove(sessionID)
	m.logger.Debug("Session expired", slog.String("sessionID", sessionID))
}
