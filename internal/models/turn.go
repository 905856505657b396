package models

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// Session represents an archived conversation. It provides basic identification and labeling
// capabilities for listing past searches.
type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// ErrSessionNotArchived is returned when a session is missing from the transcript archive.
var ErrSessionNotArchived = errors.New("session not archived")

// Turn represents one message unit in a conversation transcript. User turns are fixed at creation,
// while assistant turns accumulate streamed text until they are finalized.
type Turn struct {
	ID     string
	Author Author
	Text   string

	// Streaming is true while more chunks are expected for an assistant turn.
	Streaming bool
	// StartedOutput is true once the first chunk of an assistant turn has arrived. It only
	// distinguishes "waiting" from "answering" for rendering.
	StartedOutput bool
	// Superseded is set when a newer query (or the stop button) abandoned the request that owned
	// this turn. A superseded turn keeps its last received text and Streaming flag forever.
	Superseded bool

	// Attachments would be filled for user turns only.
	Attachments []Attachment
	// Images would be filled at most once, after streaming ended, and only if image search was
	// requested. A nil slice means no image search result is attached.
	Images []Image

	Timestamp time.Time
}

// Author represents the author of a turn.
type Author string

const (
	// AuthorUser represents a turn typed by the user.
	AuthorUser Author = "user"
	// AuthorAssistant represents a turn generated by the remote language model.
	AuthorAssistant Author = "assistant"
)

// Pending reports whether the turn is still waiting for more output from a live request.
func (t Turn) Pending() bool {
	return t.Streaming && !t.Superseded
}

// Attachment is an opaque reference to a document captured at submission time.
type Attachment struct {
	Name        string
	Size        int64
	ContentType string
}

// AttachmentExtensions lists the document types the composer accepts.
var AttachmentExtensions = []string{".pdf", ".doc", ".docx", ".txt"}

// AcceptsAttachment reports whether the file name carries one of the accepted document extensions.
func AcceptsAttachment(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range AttachmentExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Image is an image search result.
type Image struct {
	Src string `json:"src"`
}

// Exchange is one (user, assistant) content pair of conversation history.
type Exchange struct {
	User      string
	Assistant string
}

// Prompt is what a text generator receives for one query.
type Prompt struct {
	Query        string
	Model        string
	SystemPrompt string
	History      []Exchange
}

// Sentinel marks the end of generation in the raw chunk stream of some endpoints.
const Sentinel = "</s>"

// StripSentinel removes every occurrence of Sentinel from a chunk.
func StripSentinel(chunk string) string {
	return strings.ReplaceAll(chunk, Sentinel, "")
}

// NotificationLevel is the severity of a user-visible notification.
type NotificationLevel string

const (
	// NotificationSuccess reports a successful side effect, e.g. a copy to the clipboard.
	NotificationSuccess NotificationLevel = "success"
	// NotificationError reports a failed request.
	NotificationError NotificationLevel = "error"
)

// Notification is a transient message shown to the user.
type Notification struct {
	Level   NotificationLevel
	Message string
}
