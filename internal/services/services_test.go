package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/OmChillure/newera-search/internal/services"
)

func collect(t *testing.T, seq func(func(string, error) bool)) ([]string, error) {
	t.Helper()

	var chunks []string
	for chunk, err := range seq {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func streamHandler(parts ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		flusher, _ := w.(http.Flusher)
		for _, p := range parts {
			_, _ = io.WriteString(w, p)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func TestTextStreamGenerate(t *testing.T) {
	prompt := models.Prompt{
		Query:   "and Rust?",
		History: []models.Exchange{{User: "what is Go?", Assistant: "A language."}},
	}

	tests := []struct {
		name     string
		format   services.HistoryFormat
		wantBody map[string]any
	}{
		{
			name:   "Pairs history",
			format: services.HistoryPairs,
			wantBody: map[string]any{
				"prompt":        "and Rust?",
				"model":         "mixtral",
				"history":       []any{[]any{"what is Go?", "A language."}},
				"system_prompt": "YOU ARE AN AI ASSISTANT",
			},
		},
		{
			name:   "Role history",
			format: services.HistoryRoles,
			wantBody: map[string]any{
				"query": "and Rust?",
				"model": "mixtral",
				"history": []any{
					map[string]any{"role": "user", "content": "what is Go?"},
					map[string]any{"role": "assistant", "content": "A language."},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				_ = json.NewDecoder(r.Body).Decode(&gotBody)
				streamHandler("Rust ", "is ", "a language too.")(w, r)
			}))
			defer srv.Close()

			ts, err := services.NewTextStream(srv.URL, "mixtral", "YOU ARE AN AI ASSISTANT", tt.format, slog.Default())
			if err != nil {
				t.Fatalf("NewTextStream() error = %v", err)
			}

			chunks, err := collect(t, ts.Generate(context.Background(), prompt))
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if got := strings.Join(chunks, ""); got != "Rust is a language too." {
				t.Errorf("Generate() text = %q, want %q", got, "Rust is a language too.")
			}

			want, _ := json.Marshal(tt.wantBody)
			got, _ := json.Marshal(gotBody)
			if string(got) != string(want) {
				t.Errorf("request body = %s, want %s", got, want)
			}
		})
	}
}

func TestTextStreamSplitsUTF8(t *testing.T) {
	euro := "€" // three bytes
	srv := httptest.NewServer(streamHandler("price: "+euro[:1], euro[1:2], euro[2:]+"5 ✓"))
	defer srv.Close()

	ts, err := services.NewTextStream(srv.URL, "lamma", "", services.HistoryRoles, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := collect(t, ts.Generate(context.Background(), models.Prompt{Query: "price"}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q is not valid UTF-8", c)
		}
	}
	if got := strings.Join(chunks, ""); got != "price: €5 ✓" {
		t.Errorf("Generate() text = %q, want %q", got, "price: €5 ✓")
	}
}

func TestTextStreamFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr func(error) bool
	}{
		{
			name: "Bad status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			wantErr: func(err error) bool { return err != nil && strings.Contains(err.Error(), "503") },
		},
		{
			name:    "Empty body",
			handler: func(http.ResponseWriter, *http.Request) {},
			wantErr: func(err error) bool { return errors.Is(err, services.ErrEmptyResponse) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			ts, err := services.NewTextStream(srv.URL, "online", "", services.HistoryRoles, slog.Default())
			if err != nil {
				t.Fatal(err)
			}

			_, err = collect(t, ts.Generate(context.Background(), models.Prompt{Query: "q"}))
			if !tt.wantErr(err) {
				t.Errorf("Generate() error = %v", err)
			}
		})
	}
}

func TestTextStreamCancelled(t *testing.T) {
	srv := httptest.NewServer(streamHandler("never read"))
	defer srv.Close()

	ts, err := services.NewTextStream(srv.URL, "online", "", services.HistoryRoles, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chunks, err := collect(t, ts.Generate(ctx, models.Prompt{Query: "q"}))
	if err != nil || len(chunks) != 0 {
		t.Errorf("Generate() = %v, %v; want no chunks and no error", chunks, err)
	}
}

func TestNewTextStreamUnknownFormat(t *testing.T) {
	if _, err := services.NewTextStream("http://localhost", "m", "", "tuples", slog.Default()); err == nil {
		t.Error("NewTextStream() error = nil, want error for unknown history format")
	}
}

func TestOpenRouterGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer key")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		var parts []string
		for _, c := range []string{"Hel", "lo"} {
			parts = append(parts, fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c))
		}
		parts = append(parts, "data: [DONE]\n\n")
		streamHandler(parts...)(w, r)
	}))
	defer srv.Close()

	router := services.NewOpenRouter("key", srv.URL, "some/model", "", slog.Default())
	chunks, err := collect(t, router.Generate(context.Background(), models.Prompt{Query: "hi"}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got := strings.Join(chunks, ""); got != "Hello" {
		t.Errorf("Generate() text = %q, want %q", got, "Hello")
	}
}

type generator interface {
	Generate(ctx context.Context, prompt models.Prompt) iter.Seq2[string, error]
}

const providerChunks = 20

// providerBody renders providerChunks chunks c0, c1, ... in the wire format of a provider. The
// whole body is written at once so that the client has lines buffered when the consumer stops.
func providerBody(line func(chunk string) string, end string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sb strings.Builder
		for i := range providerChunks {
			sb.WriteString(line(fmt.Sprintf("c%d", i)))
		}
		sb.WriteString(end)
		streamHandler(sb.String())(w, r)
	}
}

func TestProviderGenerate(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		handler http.HandlerFunc
		newGen  func(t *testing.T, url string) generator
	}{
		{
			name: "Ollama",
			path: "/api/chat",
			handler: providerBody(func(c string) string {
				return fmt.Sprintf("{\"model\":\"llama3\",\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", c)
			}, "{\"model\":\"llama3\",\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n"),
			newGen: func(t *testing.T, url string) generator {
				o, err := services.NewOllama(url, "llama3", "system")
				if err != nil {
					t.Fatal(err)
				}
				return o
			},
		},
		{
			name: "OpenAI",
			path: "/chat/completions",
			handler: providerBody(func(c string) string {
				return fmt.Sprintf("data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
			}, "data: [DONE]\n\n"),
			newGen: func(_ *testing.T, url string) generator {
				return services.NewOpenAI("key", url, "gpt-4o-mini", "system", services.LLMParameters{}, slog.Default())
			},
		},
		{
			name: "Anthropic",
			path: "/messages",
			handler: providerBody(func(c string) string {
				return fmt.Sprintf("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":%q}}\n\n", c)
			}, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"),
			newGen: func(_ *testing.T, url string) generator {
				return services.NewAnthropic("key", url, "claude-3-5-haiku-latest", "system", 1024)
			},
		},
		{
			name: "OpenRouter",
			path: "/chat/completions",
			handler: providerBody(func(c string) string {
				return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
			}, "data: [DONE]\n\n"),
			newGen: func(_ *testing.T, url string) generator {
				return services.NewOpenRouter("key", url, "some/model", "system", slog.Default())
			},
		},
	}

	var want strings.Builder
	for i := range providerChunks {
		fmt.Fprintf(&want, "c%d", i)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					t.Errorf("path = %s, want %s", r.URL.Path, tt.path)
					http.NotFound(w, r)
					return
				}
				tt.handler(w, r)
			}))
			defer srv.Close()

			gen := tt.newGen(t, srv.URL)
			prompt := models.Prompt{
				Query:   "and Rust?",
				History: []models.Exchange{{User: "what is Go?", Assistant: "A language."}},
			}

			t.Run("Full stream", func(t *testing.T) {
				chunks, err := collect(t, gen.Generate(context.Background(), prompt))
				if err != nil {
					t.Fatalf("Generate() error = %v", err)
				}
				if got := strings.Join(chunks, ""); got != want.String() {
					t.Errorf("Generate() text = %q, want %q", got, want.String())
				}
			})

			t.Run("Consumer stops early", func(t *testing.T) {
				var got []string
				for chunk, err := range gen.Generate(context.Background(), prompt) {
					if err != nil {
						t.Fatalf("Generate() error = %v", err)
					}
					got = append(got, chunk)
					break
				}
				if len(got) != 1 || got[0] != "c0" {
					t.Errorf("Generate() chunks = %v, want [c0]", got)
				}
			})

			t.Run("Cancelled", func(t *testing.T) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				chunks, err := collect(t, gen.Generate(ctx, prompt))
				if err != nil || len(chunks) != 0 {
					t.Errorf("Generate() = %v, %v; want no chunks and no error", chunks, err)
				}
			})
		})
	}
}

func TestImageSearch(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		count   int
		want    []string
		wantErr bool
	}{
		{
			name:  "Array of URLs",
			body:  `["https://a/1.png","https://a/2.png"]`,
			count: 4,
			want:  []string{"https://a/1.png", "https://a/2.png"},
		},
		{
			name:  "Wrapped objects",
			body:  `{"images":[{"src":"https://a/1.png"},{"thumbnail":"https://a/2.png"},{"title":"no source"}]}`,
			count: 4,
			want:  []string{"https://a/1.png", "https://a/2.png"},
		},
		{
			name:  "Results key",
			body:  `{"results":[{"url":"https://a/1.png"}]}`,
			count: 4,
			want:  []string{"https://a/1.png"},
		},
		{
			name:  "Truncated to count",
			body:  `["1","2","3","4","5"]`,
			count: 3,
			want:  []string{"1", "2", "3"},
		},
		{
			name:    "No image list",
			body:    `{"error":"nope"}`,
			count:   4,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("query"); got != "red panda" {
					t.Errorf("query = %q, want %q", got, "red panda")
				}
				if got := r.URL.Query().Get("images"); got != fmt.Sprint(tt.count) {
					t.Errorf("images = %q, want %d", got, tt.count)
				}
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			s := services.NewImageSearch(srv.URL+"/images", slog.Default())
			images, err := s.SearchImages(context.Background(), "red panda", tt.count)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SearchImages() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			got := make([]string, len(images))
			for i, img := range images {
				got[i] = img.Src
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("SearchImages() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestImageSearchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := services.NewImageSearch(srv.URL, slog.Default())
	if _, err := s.SearchImages(context.Background(), "q", 4); err == nil {
		t.Error("SearchImages() error = nil, want error")
	}
}

func TestDictionaryLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.EscapedPath() {
		case "/ice%20cream":
			_, _ = io.WriteString(w, `[{
				"word": "ice cream",
				"phonetic": "/ˌaɪs ˈkɹiːm/",
				"meanings": [{
					"partOfSpeech": "noun",
					"definitions": [
						{"definition": "A frozen dessert.", "example": "I love ice cream."},
						{"definition": "A serving of it."},
						{"definition": "Never shown."}
					]
				}]
			}, {"word": "ignored"}]`)
		default:
			http.Error(w, `{"title":"No Definitions Found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := services.NewDictionary(srv.URL)

	def, err := d.Lookup(context.Background(), " ice cream ")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if def.Word != "ice cream" || len(def.Meanings) != 1 {
		t.Fatalf("Lookup() = %+v, want one meaning of %q", def, "ice cream")
	}
	senses := def.Meanings[0].Senses
	if len(senses) != models.DefinitionsPerMeaning {
		t.Fatalf("Lookup() senses = %d, want %d", len(senses), models.DefinitionsPerMeaning)
	}
	if senses[0].Example != "I love ice cream." {
		t.Errorf("Lookup() example = %q, want %q", senses[0].Example, "I love ice cream.")
	}

	if _, err := d.Lookup(context.Background(), "qwertyuiop"); !errors.Is(err, models.ErrNoDefinition) {
		t.Errorf("Lookup() error = %v, want %v", err, models.ErrNoDefinition)
	}
	if _, err := d.Lookup(context.Background(), "   "); !errors.Is(err, models.ErrNoDefinition) {
		t.Errorf("Lookup() blank error = %v, want %v", err, models.ErrNoDefinition)
	}
}

func TestBoltDB(t *testing.T) {
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	older := models.Session{ID: "a", Title: "first", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := models.Session{ID: "b", Title: "second", CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}

	turns := []models.Turn{
		{ID: "u1", Author: models.AuthorUser, Text: "hi"},
		{ID: "a1", Author: models.AuthorAssistant, Text: "partial", Streaming: true},
	}
	if err := db.SaveSession(ctx, older, turns); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := db.SaveSession(ctx, newer, nil); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	// Saving again replaces the archived transcript.
	turns[1] = models.Turn{
		ID:     "a1",
		Author: models.AuthorAssistant,
		Text:   "hello",
		Images: []models.Image{{Src: "https://a/1.png"}},
	}
	if err := db.SaveSession(ctx, older, turns); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	sessions, err := db.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "b" || sessions[1].ID != "a" {
		t.Errorf("Sessions() = %+v, want newest first", sessions)
	}

	sess, got, err := db.Session(ctx, "a")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if sess.Title != "first" {
		t.Errorf("Session() title = %q, want %q", sess.Title, "first")
	}
	if len(got) != 2 || got[0].ID != "u1" || got[1].Text != "hello" || got[1].Streaming {
		t.Errorf("Session() turns = %+v, want the replaced transcript", got)
	}
	if len(got[1].Images) != 1 || got[1].Images[0].Src != "https://a/1.png" {
		t.Errorf("Session() images = %+v, want one image", got[1].Images)
	}

	if _, _, err := db.Session(ctx, "missing"); !errors.Is(err, models.ErrSessionNotArchived) {
		t.Errorf("Session() error = %v, want %v", err, models.ErrSessionNotArchived)
	}
}
