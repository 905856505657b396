// Package session holds conversation transcripts and the single in-flight request handle of each
// conversation.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/google/uuid"
)

// Store holds the ordered transcript of one conversation and its in-flight request handle. Turns
// are append-only. Only the live streaming assistant turn accepts chunks; a turn abandoned by a
// newer request is marked superseded and never changes again.
//
// The stream controller is the only writer; renderers read snapshots through Turns.
type Store struct {
	id        string
	createdAt time.Time

	mu    sync.RWMutex
	turns []models.Turn
	// live is the index of the assistant turn owned by the active request, or -1.
	live int

	active    *request
	nextReqID uint64
}

type request struct {
	id     uint64
	cancel context.CancelFunc
}

// Request describes a request registered with BeginRequest.
type Request struct {
	ID       uint64
	UserTurn models.Turn
	Turn     models.Turn
	// History is the conversation before this request, with mid-stream turns excluded.
	History []models.Exchange
	// Superseded is the ID of the assistant turn this request abandoned, if any.
	Superseded string
}

// New creates an empty Store with the given session ID.
func New(id string) *Store {
	return &Store{
		id:        id,
		createdAt: time.Now(),
		live:      -1,
	}
}

// ID returns the session ID.
func (s *Store) ID() string {
	return s.id
}

// CreatedAt returns the time the session was created.
func (s *Store) CreatedAt() time.Time {
	return s.createdAt
}

// AppendUserTurn appends a user turn and its paired assistant placeholder, and returns the
// placeholder. Any assistant turn that was still live is superseded by the new pair.
func (s *Store) AppendUserTurn(text string, attachments []models.Attachment) models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, assistant := s.appendUserTurn(text, attachments)
	return assistant
}

func (s *Store) appendUserTurn(text string, attachments []models.Attachment) (models.Turn, models.Turn) {
	s.supersedeLive()

	now := time.Now()
	user := models.Turn{
		ID:          uuid.New().String(),
		Author:      models.AuthorUser,
		Text:        text,
		Attachments: slices.Clone(attachments),
		Timestamp:   now,
	}
	assistant := models.Turn{
		ID:        uuid.New().String(),
		Author:    models.AuthorAssistant,
		Streaming: true,
		Timestamp: now,
	}
	s.turns = append(s.turns, user, assistant)
	s.live = len(s.turns) - 1

	return cloneTurn(user), cloneTurn(assistant)
}

func (s *Store) supersedeLive() {
	if s.live < 0 {
		return
	}
	s.turns[s.live].Superseded = true
	s.live = -1
}

// AppendChunk concatenates chunk to the live streaming assistant turn. It does nothing and returns
// false if turnID does not reference that turn.
func (s *Store) AppendChunk(turnID, chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.liveTurn(turnID)
	if t == nil {
		return false
	}
	t.Text += chunk
	t.StartedOutput = true
	return true
}

// Finalize ends streaming of the live assistant turn: its text is overwritten with finalText and
// images are attached when not nil. It returns false, leaving the turn untouched, if turnID is not
// the live turn, which is the case once the turn is finalized or superseded.
func (s *Store) Finalize(turnID, finalText string, images []models.Image) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.liveTurn(turnID)
	if t == nil {
		return false
	}
	t.Text = finalText
	t.Streaming = false
	if images != nil {
		t.Images = slices.Clone(images)
	}
	s.live = -1
	return true
}

// Fail ends streaming of the live assistant turn after a failed request. The partial text is kept
// as is. It returns false if turnID is not the live turn.
func (s *Store) Fail(turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.liveTurn(turnID)
	if t == nil {
		return false
	}
	t.Streaming = false
	s.live = -1
	return true
}

func (s *Store) liveTurn(turnID string) *models.Turn {
	if s.live < 0 || s.turns[s.live].ID != turnID {
		return nil
	}
	return &s.turns[s.live]
}

// CurrentStreamingTurn returns the assistant turn that is still receiving chunks, if any.
func (s *Store) CurrentStreamingTurn() (models.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.live < 0 {
		return models.Turn{}, false
	}
	return cloneTurn(s.turns[s.live]), true
}

// Turn returns the turn with the given ID.
func (s *Store) Turn(turnID string) (models.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.turns {
		if t.ID == turnID {
			return cloneTurn(t), true
		}
	}
	return models.Turn{}, false
}

// Turns returns a snapshot of the transcript.
func (s *Store) Turns() []models.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := make([]models.Turn, len(s.turns))
	for i, t := range s.turns {
		turns[i] = cloneTurn(t)
	}
	return turns
}

// History returns the conversation as (user, assistant) pairs. Turns still streaming are dropped
// first, then each user turn directly followed by an assistant turn forms a pair.
func (s *Store) History() []models.Exchange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.history()
}

func (s *Store) history() []models.Exchange {
	settled := make([]models.Turn, 0, len(s.turns))
	for _, t := range s.turns {
		if !t.Streaming {
			settled = append(settled, t)
		}
	}

	var history []models.Exchange
	for i := 0; i+1 < len(settled); i++ {
		if settled[i].Author == models.AuthorUser && settled[i+1].Author == models.AuthorAssistant {
			history = append(history, models.Exchange{
				User:      settled[i].Text,
				Assistant: settled[i+1].Text,
			})
		}
	}
	return history
}

// BeginRequest starts a new request in one step: the outstanding request is cancelled without
// waiting for it to drain, cancel becomes the active handle, and a user turn with its assistant
// placeholder is appended. The returned history is taken before the new turns are appended.
func (s *Store) BeginRequest(cancel context.CancelFunc, text string, attachments []models.Attachment) Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.active.cancel()
	}
	s.nextReqID++
	s.active = &request{id: s.nextReqID, cancel: cancel}

	var superseded string
	if s.live >= 0 {
		superseded = s.turns[s.live].ID
	}

	history := s.history()
	user, assistant := s.appendUserTurn(text, attachments)

	return Request{
		ID:         s.nextReqID,
		UserTurn:   user,
		Turn:       assistant,
		History:    history,
		Superseded: superseded,
	}
}

// EndRequest releases the active handle if it still belongs to the request with the given ID.
func (s *Store) EndRequest(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && s.active.id == id {
		s.active = nil
	}
}

// CancelRequest cancels the active request, if any, and supersedes its turn. It returns the ID of
// the superseded turn and reports whether there was a request to cancel.
func (s *Store) CancelRequest() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return "", false
	}
	s.active.cancel()
	s.active = nil

	var turnID string
	if s.live >= 0 {
		turnID = s.turns[s.live].ID
	}
	s.supersedeLive()
	return turnID, true
}

// Busy reports whether a request is in flight.
func (s *Store) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.active != nil
}

func cloneTurn(t models.Turn) models.Turn {
	t.Attachments = slices.Clone(t.Attachments)
	t.Images = slices.Clone(t.Images)
	return t
}
