package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/OmChillure/newera-search/internal/models"
)

// HistoryFormat selects how a TextStream endpoint expects the conversation history.
type HistoryFormat string

const (
	// HistoryPairs sends {prompt, model, history: [[user, assistant], ...], system_prompt}.
	HistoryPairs HistoryFormat = "pairs"
	// HistoryRoles sends {query, model, history: [{role, content}, ...]}.
	HistoryRoles HistoryFormat = "roles"
)

// ErrEmptyResponse is returned when an endpoint answers with an empty body.
var ErrEmptyResponse = errors.New("empty response body")

// TextStream generates answers with an endpoint that replies with a raw, incrementally delivered
// text body. Each read of the body becomes one fragment; UTF-8 sequences split across reads are
// carried over to the next fragment.
type TextStream struct {
	url          string
	model        string
	systemPrompt string
	format       HistoryFormat

	client *http.Client
	logger *slog.Logger
}

type pairsRequest struct {
	Prompt       string      `json:"prompt"`
	Model        string      `json:"model"`
	History      [][2]string `json:"history"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
}

type rolesRequest struct {
	Query   string        `json:"query"`
	Model   string        `json:"model"`
	History []roleMessage `json:"history"`
}

const textStreamReadSize = 4096

// NewTextStream creates a TextStream posting to url. model is the identifier sent to the endpoint.
func NewTextStream(url, model, systemPrompt string, format HistoryFormat, logger *slog.Logger) (TextStream, error) {
	switch format {
	case HistoryPairs, HistoryRoles:
	case "":
		format = HistoryRoles
	default:
		return TextStream{}, fmt.Errorf("unknown history format: %s", format)
	}
	return TextStream{
		url:          url,
		model:        model,
		systemPrompt: systemPrompt,
		format:       format,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "textstream")),
	}, nil
}

// Generate posts prompt and yields the response body as it arrives.
func (t TextStream) Generate(ctx context.Context, prompt models.Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := t.requestBody(prompt)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		t.logger.Debug("Request Body", slog.String("body", string(body)))

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			yield("", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(b)))
			return
		}

		buf := make([]byte, textStreamReadSize)
		var carry []byte
		received := false
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				received = true
				data := append(carry, buf[:n]...)
				var complete []byte
				complete, carry = splitUTF8(data)
				carry = bytes.Clone(carry)
				if len(complete) > 0 {
					if !yield(string(complete), nil) {
						return
					}
				}
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) {
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			if len(carry) > 0 {
				// A truncated sequence at the very end; emit it as is.
				if !yield(string(carry), nil) {
					return
				}
			}
			if !received {
				yield("", ErrEmptyResponse)
			}
			return
		}
	}
}

func (t TextStream) requestBody(prompt models.Prompt) ([]byte, error) {
	if t.format == HistoryPairs {
		history := make([][2]string, len(prompt.History))
		for i, ex := range prompt.History {
			history[i] = [2]string{ex.User, ex.Assistant}
		}
		return json.Marshal(pairsRequest{
			Prompt:       prompt.Query,
			Model:        t.model,
			History:      history,
			SystemPrompt: systemPrompt(prompt, t.systemPrompt),
		})
	}

	msgs := roleMessages(prompt)
	return json.Marshal(rolesRequest{
		Query:   prompt.Query,
		Model:   t.model,
		History: msgs[:len(msgs)-1],
	})
}

// splitUTF8 splits b before a trailing incomplete UTF-8 sequence.
func splitUTF8(b []byte) ([]byte, []byte) {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if utf8.FullRune(b[start:]) {
			return b, nil
		}
		return b[:start], b[start:]
	}
	return b, nil
}
