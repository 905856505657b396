// Package services implements the remote collaborators of the search UI: text generators for
// several providers, image search, dictionary lookup, and the transcript archive.
package services

import (
	"github.com/OmChillure/newera-search/internal/models"
)

// LLMParameters contains optional sampling parameters forwarded to providers that support them.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	Seed             *int           `yaml:"seed"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	LogitBias        map[string]int `yaml:"logitBias"`
}

type roleMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// roleMessages flattens the prompt history into role/content messages followed by the query.
func roleMessages(prompt models.Prompt) []roleMessage {
	msgs := make([]roleMessage, 0, len(prompt.History)*2+1)
	for _, ex := range prompt.History {
		msgs = append(msgs,
			roleMessage{Role: string(models.AuthorUser), Content: ex.User},
			roleMessage{Role: string(models.AuthorAssistant), Content: ex.Assistant},
		)
	}
	return append(msgs, roleMessage{Role: string(models.AuthorUser), Content: prompt.Query})
}

func systemPrompt(prompt models.Prompt, fallback string) string {
	if prompt.SystemPrompt != "" {
		return prompt.SystemPrompt
	}
	return fallback
}
