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

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides an implementation of the Generator interface for interacting with
// OpenRouter's language models.
type OpenRouter struct {
	apiKey       string
	model        string
	systemPrompt string
	endpoint     string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model    string        `json:"model"`
	Messages []roleMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type openRouterStreamingResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key, model name, and
// system prompt. An empty endpoint selects the official API.
func NewOpenRouter(apiKey, endpoint, model, systemPrompt string, logger *slog.Logger) OpenRouter {
	if endpoint == "" {
		endpoint = openRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		endpoint:     endpoint,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// Generate streams responses from the OpenRouter API for prompt. The context can be used to
// cancel ongoing requests.
func (o OpenRouter) Generate(ctx context.Context, prompt models.Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := o.doRequest(ctx, prompt)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if len(res.Choices) == 0 {
				continue
			}

			if content := res.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

func (o OpenRouter) doRequest(ctx context.Context, prompt models.Prompt) (*http.Response, error) {
	msgs := roleMessages(prompt)
	if sp := systemPrompt(prompt, o.systemPrompt); sp != "" {
		msgs = append([]roleMessage{{Role: "system", Content: sp}}, msgs...)
	}

	reqBody := openRouterChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/OmChillure/newera-search/")
	req.Header.Set("X-Title", "NewEra Search")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
