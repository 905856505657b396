package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/ollama/ollama/api"
)

var errOllamaStopped = errors.New("consumer stopped")

// Ollama provides an implementation of the Generator interface for interacting with Ollama's
// language models. It manages connections to an Ollama server instance and handles streaming chat
// completions.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

// Generate streams the answer of the Ollama model for prompt. The response is streamed
// incrementally; cancelling ctx stops the stream without an error.
func (o Ollama) Generate(ctx context.Context, prompt models.Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		history := roleMessages(prompt)
		msgs := make([]api.Message, 0, len(history)+1)
		if sp := systemPrompt(prompt, o.systemPrompt); sp != "" {
			msgs = append(msgs, api.Message{Role: "system", Content: sp})
		}
		for _, m := range history {
			msgs = append(msgs, api.Message{Role: m.Role, Content: m.Content})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				// The client keeps scanning buffered lines unless the callback fails.
				return errOllamaStopped
			}
			return nil
		}); err != nil {
			if errors.Is(err, errOllamaStopped) || errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}
