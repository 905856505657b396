// Package stream drives one query round trip: it opens the turns of a query, streams the remote
// model's answer into the session, and finalizes the answer with image search results.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/OmChillure/newera-search/internal/session"
)

// Generator streams the answer of a remote language model for a prompt. The returned iterator
// yields text fragments as they arrive. It should end without yielding an error when ctx is
// cancelled.
type Generator interface {
	Generate(ctx context.Context, prompt models.Prompt) iter.Seq2[string, error]
}

// ImageSearcher searches images related to a query.
type ImageSearcher interface {
	SearchImages(ctx context.Context, query string, count int) ([]models.Image, error)
}

// TurnObserver is told about every change of a turn, e.g. to push it to the page.
type TurnObserver interface {
	TurnUpdated(sessionID string, turn models.Turn)
}

// Notifier surfaces transient notifications to the user of a session.
type Notifier interface {
	Notify(sessionID string, n models.Notification)
}

// ErrUnknownModel is returned by Start when the query names a model without a generator.
var ErrUnknownModel = errors.New("unknown model")

// FailureMessage is the notification shown when a request fails.
const FailureMessage = "Failed to get response. Please try again."

// Query is one submission of the user.
type Query struct {
	Text        string
	Model       string
	Images      bool
	Attachments []models.Attachment
}

// Config configures a Controller.
type Config struct {
	// Generators maps model identifiers to their generator.
	Generators map[string]Generator
	// Images is optional; image search is skipped without it.
	Images     ImageSearcher
	ImageCount int

	SystemPrompt string

	Observer TurnObserver
	Notifier Notifier
	Logger   *slog.Logger
}

// Controller orchestrates query round trips against sessions.
type Controller struct {
	generators   map[string]Generator
	images       ImageSearcher
	imageCount   int
	systemPrompt string

	observer TurnObserver
	notifier Notifier
	logger   *slog.Logger
}

const defaultImageCount = 4

// NewController creates a Controller from cfg.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	count := cfg.ImageCount
	if count <= 0 {
		count = defaultImageCount
	}
	return &Controller{
		generators:   cfg.Generators,
		images:       cfg.Images,
		imageCount:   count,
		systemPrompt: cfg.SystemPrompt,
		observer:     cfg.Observer,
		notifier:     cfg.Notifier,
		logger:       logger.With(slog.String("module", "stream")),
	}
}

// Cancel stops the in-flight request of s, as the stop button does, and publishes the abandoned
// turn. It reports whether a request was in flight.
func (c *Controller) Cancel(s *session.Store) bool {
	turnID, ok := s.CancelRequest()
	if !ok {
		return false
	}
	if turnID != "" {
		c.publish(s, turnID)
	}
	return true
}

// HasModel reports whether a generator is registered for model.
func (c *Controller) HasModel(model string) bool {
	_, ok := c.generators[model]
	return ok
}

// Start begins a round trip for q on s. The previous request of s, if still in flight, is
// cancelled and its turn superseded. The user turn and the assistant placeholder are appended
// before Start returns; the answer is streamed in the background and tracked by the returned Run.
func (c *Controller) Start(s *session.Store, q Query) (*Run, error) {
	gen, ok := c.generators[q.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, q.Model)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := s.BeginRequest(cancel, q.Text, q.Attachments)

	r := &Run{
		UserTurn: req.UserTurn,
		Turn:     req.Turn,
		done:     make(chan struct{}),
	}
	r.state.Store(int32(StateRequesting))

	if req.Superseded != "" {
		c.publish(s, req.Superseded)
	}
	c.publish(s, req.UserTurn.ID)
	c.publish(s, req.Turn.ID)

	prompt := models.Prompt{
		Query:        q.Text,
		Model:        q.Model,
		SystemPrompt: c.systemPrompt,
		History:      req.History,
	}

	go func() {
		defer close(r.done)
		defer cancel()
		defer s.EndRequest(req.ID)

		state := c.run(ctx, s, r.Turn.ID, gen, prompt, q.Images, r)
		r.state.Store(int32(state))
	}()

	return r, nil
}

type imageResult struct {
	images []models.Image
	err    error
}

func (c *Controller) run(
	ctx context.Context,
	s *session.Store,
	turnID string,
	gen Generator,
	prompt models.Prompt,
	withImages bool,
	r *Run,
) State {
	logger := c.logger.With(slog.String("session", s.ID()), slog.String("turn", turnID))

	var images chan imageResult
	if withImages && c.images != nil {
		images = make(chan imageResult, 1)
		go func() {
			// Image search has no cancellation contract; a superseded result is dropped below.
			imgs, err := c.images.SearchImages(context.WithoutCancel(ctx), prompt.Query, c.imageCount)
			images <- imageResult{images: imgs, err: err}
		}()
	}

	var sb strings.Builder
	for chunk, err := range gen.Generate(ctx, prompt) {
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				logger.Debug("Request cancelled")
				return StateCancelled
			}
			return c.fail(s, turnID, logger, fmt.Errorf("error generating answer: %w", err))
		}
		r.state.Store(int32(StateStreaming))

		text := models.StripSentinel(chunk)
		sb.WriteString(text)
		if !s.AppendChunk(turnID, text) {
			// Superseded between two chunks; the context is cancelled as well.
			return StateCancelled
		}
		c.publish(s, turnID)
	}
	if ctx.Err() != nil {
		logger.Debug("Request cancelled")
		return StateCancelled
	}

	var found []models.Image
	if images != nil {
		select {
		case res := <-images:
			if res.err != nil {
				return c.fail(s, turnID, logger, fmt.Errorf("error searching images: %w", res.err))
			}
			found = res.images
			if found == nil {
				found = []models.Image{}
			}
		case <-ctx.Done():
			logger.Debug("Request cancelled while waiting for images")
			return StateCancelled
		}
	}

	if !s.Finalize(turnID, sb.String(), found) {
		return StateCancelled
	}
	c.publish(s, turnID)

	logger.Debug("Answer completed",
		slog.Int("length", sb.Len()),
		slog.Int("images", len(found)))
	return StateCompleted
}

func (c *Controller) fail(s *session.Store, turnID string, logger *slog.Logger, err error) State {
	if !s.Fail(turnID) {
		// Superseded before the failure surfaced; cancellation stays silent.
		logger.Debug("Request cancelled", slog.String(errLoggerKey, err.Error()))
		return StateCancelled
	}
	logger.Error("Request failed", slog.String(errLoggerKey, err.Error()))

	if c.notifier != nil {
		c.notifier.Notify(s.ID(), models.Notification{
			Level:   models.NotificationError,
			Message: FailureMessage,
		})
	}
	c.publish(s, turnID)
	return StateFailed
}

func (c *Controller) publish(s *session.Store, turnID string) {
	if c.observer == nil {
		return
	}
	t, ok := s.Turn(turnID)
	if !ok {
		return
	}
	c.observer.TurnUpdated(s.ID(), t)
}

const errLoggerKey = "err"
