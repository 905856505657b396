package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/OmChillure/newera-search/internal/models"
)

const dictionaryAPIEndpoint = "https://api.dictionaryapi.dev/api/v2/entries/en"

// Dictionary looks up phrases in the public dictionary API.
type Dictionary struct {
	endpoint string

	client *http.Client
}

// NewDictionary creates a Dictionary. An empty endpoint selects the public API.
func NewDictionary(endpoint string) Dictionary {
	if endpoint == "" {
		endpoint = dictionaryAPIEndpoint
	}
	return Dictionary{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{},
	}
}

// Lookup returns the definition of the exact phrase, keeping the first entry and its first two
// definitions per part of speech.
func (d Dictionary) Lookup(ctx context.Context, phrase string) (models.Definition, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return models.Definition{}, models.ErrNoDefinition
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.endpoint+"/"+url.PathEscape(phrase), nil)
	if err != nil {
		return models.Definition{}, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return models.Definition{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.Definition{}, models.ErrNoDefinition
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.Definition{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var entries []models.DictionaryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return models.Definition{}, fmt.Errorf("error decoding response: %w", err)
	}

	def, ok := models.SummarizeEntries(entries)
	if !ok {
		return models.Definition{}, models.ErrNoDefinition
	}
	return def, nil
}
