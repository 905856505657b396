package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/OmChillure/newera-search/internal/handlers"
	"github.com/OmChillure/newera-search/internal/services"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v3"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the web interface",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "port",
				Usage: "Port to listen on (overrides the config file)",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	if port := cmd.String("port"); port != "" {
		cfg.Port = port
	}

	logger := newLogger(os.Stderr, cmd.Bool("debug"), !cmd.Bool("debug"))

	gens, ids, err := cfg.generators(logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("error creating data directory: %w", err)
	}
	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	hcfg := handlers.Config{
		Generators:   gens,
		Models:       ids,
		DefaultModel: cfg.DefaultModel,
		ImageCount:   cfg.ImageCount,
		SystemPrompt: cfg.SystemPrompt,
		Dictionary:   services.NewDictionary(cfg.DictionaryURL),
		Archive:      boltDB,
		Logger:       logger,
	}
	if cfg.ImageSearchURL != "" {
		hcfg.Images = services.NewImageSearch(cfg.ImageSearchURL, logger)
	}
	m, err := handlers.NewMain(hcfg)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	if err := m.RegisterRoutes(r); err != nil {
		return err
	}

	// WriteTimeout stays unset so event streams are not cut off.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.Any("models", ids))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}
	return nil
}

const errLoggerKey = "err"
