package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/OmChillure/newera-search/internal/services"
	"github.com/OmChillure/newera-search/internal/stream"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const appDirName = "newera"

type llmConfig interface {
	id() string
	generator(systemPrompt string, logger *slog.Logger) (stream.Generator, error)
}

// BaseLLMConfig contains the common fields for all model configurations. ID is the identifier
// offered in the model selector; Model is the name sent to the provider and defaults to ID.
type BaseLLMConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ServerConfig holds the scalar settings. Each can be overridden by an environment variable.
type ServerConfig struct {
	Port           string `yaml:"port" env:"NEWERA_PORT"`
	DefaultModel   string `yaml:"defaultModel" env:"NEWERA_DEFAULT_MODEL"`
	SystemPrompt   string `yaml:"systemPrompt" env:"NEWERA_SYSTEM_PROMPT"`
	DBPath         string `yaml:"dbPath" env:"NEWERA_DB_PATH"`
	ImageSearchURL string `yaml:"imageSearchURL" env:"NEWERA_IMAGE_SEARCH_URL"`
	ImageCount     int    `yaml:"imageCount" env:"NEWERA_IMAGE_COUNT"`
	DictionaryURL  string `yaml:"dictionaryURL" env:"NEWERA_DICTIONARY_URL"`
}

type config struct {
	ServerConfig `yaml:",inline"`
	Models       []llmConfig `yaml:"models"`
}

type textStreamConfig struct {
	BaseLLMConfig `yaml:",inline"`
	URL           string                 `yaml:"url"`
	HistoryFormat services.HistoryFormat `yaml:"historyFormat"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type openrouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

// defaultConfig reproduces the hosted endpoints the search UI was built against.
func defaultConfig() config {
	return config{
		ServerConfig: ServerConfig{
			Port:           "8080",
			DefaultModel:   "mixtral",
			SystemPrompt:   "YOU ARE AN AI ASSISTANT NAMED SHADOW AI",
			ImageSearchURL: "https://red-panda-v1.koyeb.app/images",
			ImageCount:     4,
		},
		Models: []llmConfig{
			&textStreamConfig{
				BaseLLMConfig: BaseLLMConfig{ID: "mixtral", Provider: "textstream", Model: "mixtral"},
				URL:           "https://bhkkhjgkk-mixtral-46-7b-fastapi-v2-stream.hf.space/generate/",
				HistoryFormat: services.HistoryPairs,
			},
			&textStreamConfig{
				BaseLLMConfig: BaseLLMConfig{ID: "lamma", Provider: "textstream", Model: "llama-3.1-70b"},
				URL:           "https://red-panda-v1.koyeb.app/answer",
				HistoryFormat: services.HistoryRoles,
			},
			&textStreamConfig{
				BaseLLMConfig: BaseLLMConfig{ID: "online", Provider: "textstream", Model: "llama-3.1-70b"},
				URL:           "https://red-panda-v1.koyeb.app/answeron",
				HistoryFormat: services.HistoryRoles,
			},
		},
	}
}

func defaultConfigPath() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", appDirName, "config.yaml")
	}
	return filepath.Join(cfgDir, appDirName, "config.yaml")
}

// loadConfig reads the YAML file at path on top of the defaults, then applies the environment
// overrides. A missing file is not an error.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := env.Parse(&cfg.ServerConfig); err != nil {
		return config{}, fmt.Errorf("error parsing environment: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(filepath.Dir(path), "history.db")
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	rawConfig := struct {
		ServerConfig `yaml:",inline"`
		Models       []map[string]any `yaml:"models"`
	}{
		ServerConfig: c.ServerConfig,
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.ServerConfig = rawConfig.ServerConfig
	if rawConfig.Models == nil {
		return nil
	}

	llms := make([]llmConfig, 0, len(rawConfig.Models))
	for i, rawLLM := range rawConfig.Models {
		llmProvider, ok := rawLLM["provider"].(string)
		if !ok {
			return fmt.Errorf("models[%d]: provider is required", i)
		}

		llmRawYAML, err := yaml.Marshal(rawLLM)
		if err != nil {
			return err
		}

		var llm llmConfig
		switch llmProvider {
		case "textstream":
			llm = &textStreamConfig{}
		case "ollama":
			llm = &ollamaConfig{}
		case "openai":
			llm = &openaiConfig{}
		case "anthropic":
			llm = &anthropicConfig{}
		case "openrouter":
			llm = &openrouterConfig{}
		default:
			return fmt.Errorf("models[%d]: unknown llm provider: %s", i, llmProvider)
		}

		if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
			return err
		}
		if llm.id() == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		llms = append(llms, llm)
	}
	c.Models = llms

	return nil
}

// generators builds the generator of every configured model, keyed by model ID, and returns the
// IDs in configuration order.
func (c config) generators(logger *slog.Logger) (map[string]stream.Generator, []string, error) {
	gens := make(map[string]stream.Generator, len(c.Models))
	ids := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		if _, ok := gens[m.id()]; ok {
			return nil, nil, fmt.Errorf("duplicate model id: %s", m.id())
		}
		gen, err := m.generator(c.SystemPrompt, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("model %s: %w", m.id(), err)
		}
		gens[m.id()] = gen
		ids = append(ids, m.id())
	}
	if _, ok := gens[c.DefaultModel]; !ok {
		return nil, nil, fmt.Errorf("default model %q is not configured", c.DefaultModel)
	}
	return gens, ids, nil
}

func (b BaseLLMConfig) id() string {
	return b.ID
}

func (b BaseLLMConfig) model() string {
	if b.Model == "" {
		return b.ID
	}
	return b.Model
}

func (t textStreamConfig) generator(systemPrompt string, logger *slog.Logger) (stream.Generator, error) {
	if t.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	return services.NewTextStream(t.URL, t.model(), systemPrompt, t.HistoryFormat, logger)
}

func (o ollamaConfig) generator(systemPrompt string, _ *slog.Logger) (stream.Generator, error) {
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	return services.NewOllama(host, o.model(), systemPrompt)
}

func (o openaiConfig) generator(systemPrompt string, logger *slog.Logger) (stream.Generator, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.model(), systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) generator(systemPrompt string, _ *slog.Logger) (stream.Generator, error) {
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.model(), systemPrompt, a.MaxTokens), nil
}

func (o openrouterConfig) generator(systemPrompt string, logger *slog.Logger) (stream.Generator, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.Endpoint, o.model(), systemPrompt, logger), nil
}
