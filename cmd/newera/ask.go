package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/OmChillure/newera-search/internal/services"
	"github.com/OmChillure/newera-search/internal/session"
	"github.com/OmChillure/newera-search/internal/stream"
	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

func newAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a question and print the streamed answer",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "Model identifier (defaults to the configured default model)",
			},
			&cli.BoolFlag{
				Name:  "images",
				Usage: "Also search images related to the query",
			},
			&cli.BoolFlag{
				Name:    "render",
				Aliases: []string{"r"},
				Usage:   "Render the finished answer as Markdown instead of streaming raw text",
			},
			&cli.IntFlag{
				Name:  "width",
				Usage: "Word wrap width of the rendered answer",
				Value: 100,
			},
		},
		Action: runAsk,
	}
}

func runAsk(ctx context.Context, cmd *cli.Command) error {
	query := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if query == "" {
		return fmt.Errorf("usage: newera ask <query>")
	}

	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cmd.Bool("debug"), false)

	gens, _, err := cfg.generators(logger)
	if err != nil {
		return err
	}

	model := cmd.String("model")
	if model == "" {
		model = cfg.DefaultModel
	}

	term := &terminal{
		out:    os.Stdout,
		errOut: os.Stderr,
		stream: !cmd.Bool("render"),
	}
	scfg := stream.Config{
		Generators:   gens,
		ImageCount:   cfg.ImageCount,
		SystemPrompt: cfg.SystemPrompt,
		Observer:     term,
		Notifier:     term,
		Logger:       logger,
	}
	if cfg.ImageSearchURL != "" {
		scfg.Images = services.NewImageSearch(cfg.ImageSearchURL, logger)
	}
	controller := stream.NewController(scfg)

	s := session.New(uuid.New().String())
	run, err := controller.Start(s, stream.Query{
		Text:   query,
		Model:  model,
		Images: cmd.Bool("images"),
	})
	if err != nil {
		return err
	}

	state, err := run.Wait(ctx)
	if err != nil {
		controller.Cancel(s)
		<-run.Done()
		fmt.Fprintln(term.out)
		return err
	}
	if state != stream.StateCompleted {
		return fmt.Errorf("request %s", state)
	}

	answer, _ := s.Turn(run.Turn.ID)
	return term.finish(answer, cmd.Int("width"))
}

// terminal prints the assistant turn of a one-shot session.
type terminal struct {
	out    io.Writer
	errOut io.Writer
	// stream prints text as it arrives; otherwise the finished answer is rendered at once.
	stream bool

	mu      sync.Mutex
	printed int
}

func (t *terminal) TurnUpdated(_ string, turn models.Turn) {
	if !t.stream || turn.Author != models.AuthorAssistant {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(turn.Text) > t.printed {
		fmt.Fprint(t.out, turn.Text[t.printed:])
		t.printed = len(turn.Text)
	}
}

func (t *terminal) Notify(_ string, n models.Notification) {
	fmt.Fprintf(t.errOut, "%s: %s\n", n.Level, n.Message)
}

func (t *terminal) finish(answer models.Turn, width int) error {
	if t.stream {
		fmt.Fprintln(t.out)
	} else {
		rendered, err := renderTerminalMarkdown(answer.Text, width)
		if err != nil {
			return err
		}
		fmt.Fprint(t.out, rendered)
	}

	if len(answer.Images) > 0 {
		fmt.Fprintln(t.out, "\nImages:")
		for _, img := range answer.Images {
			fmt.Fprintf(t.out, "  %s\n", img.Src)
		}
	}
	return nil
}

func renderTerminalMarkdown(text string, width int) (string, error) {
	if text == "" {
		return "", errors.New("empty answer")
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("error creating markdown renderer: %w", err)
	}
	rendered, err := renderer.Render(text)
	if err != nil {
		return "", fmt.Errorf("error rendering markdown: %w", err)
	}
	return rendered, nil
}
