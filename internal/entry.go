// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/notegraph/internal/activity"
	"github.com/starford/notegraph/internal/api"
	"github.com/starford/notegraph/internal/engine"
	"github.com/starford/notegraph/internal/importer"
	"github.com/starford/notegraph/internal/llm"
	"github.com/starford/notegraph/internal/mcpserver"
	"github.com/starford/notegraph/internal/sandbox"
	"github.com/starford/notegraph/internal/sse"
	"github.com/starford/notegraph/internal/toolexec"
)

const shutdownTimeout = 10 * time.Second

func newApplication(opts []Option) (*application, error) {
	app := &application{stdout: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// logger initializes the structured JSON logger.
func (a *application) logger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(a.stdout, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// runtime builds the engine runtime from the config.
func (a *application) runtime(ctx context.Context, logger *slog.Logger) (*engine.Runtime, error) {
	cfg := a.config

	chatModel := a.model
	if chatModel == nil {
		m, err := llm.NewChatModel(ctx, cfg.LLM.ModelConfig())
		if err != nil {
			return nil, fmt.Errorf("init llm: %w", err)
		}
		chatModel = m
	}

	httpClient := &http.Client{Timeout: cfg.Engine.HTTPTimeout}
	opts := engine.Options{
		LLM:              chatModel,
		SystemPrompt:     cfg.LLM.SystemPrompt,
		Persistent:       cfg.Engine.Persist,
		SQLitePath:       cfg.SQLite.Path,
		ConcurrencyLimit: cfg.Engine.ConcurrencyLimit,
		SandboxRoot:      cfg.Sandbox.Root,
		IDScheme:         cfg.Engine.IDScheme,
		HTTPClient:       httpClient,
		ActivityLog:      activity.New(activity.DefaultMaxSize),
		Logger:           logger,
	}
	if cfg.Search.Enabled() {
		opts.SearchTool = &toolexec.WebSearch{
			URL:        cfg.Search.URL,
			QueryParam: cfg.Search.QueryParam,
			Headers:    cfg.Search.Headers,
			Client:     httpClient,
		}
	}
	rt, err := engine.NewRuntime(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return rt, nil
}

func closeRuntime(rt *engine.Runtime, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		logger.Error("engine shutdown error", slog.String("error", err.Error()))
	}
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger()

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.Bool("persist", cfg.Engine.Persist),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("sandbox_root", cfg.Sandbox.Root),
		slog.Int("concurrency_limit", cfg.Engine.ConcurrencyLimit),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.Bool("web_search", cfg.Search.Enabled()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	rt, err := app.runtime(ctx, logger)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, logger)

	if cfg.Import.Path != "" {
		if _, err := importer.Import(ctx, cfg.Import.Path, rt.Engine(), rt, logger); err != nil {
			logger.Warn("initial import failed", slog.String("error", err.Error()))
		}
	}

	// SSE broker fed by the change bus and the activity log.
	broker := sse.NewBroker(cfg.Engine.NotifyThrottle)
	defer broker.Close()
	unsubscribe := rt.Subscribe(broker.NotesChanged)
	defer unsubscribe()
	stopLog := rt.Engine().Activity().Listen(func(e activity.Entry) {
		broker.Publish(sse.Event{Type: sse.EventLogEntry, Data: e})
	})
	defer stopLog()

	apiRouter := api.NewRouter(rt, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := rt.Engine().GetAllNotes(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "events": broker.Stats()})
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Report external edits to sandbox files.
	if cfg.Sandbox.Watch {
		g.Go(func() error {
			root := rt.Engine().SandboxRoot()
			if err := sandbox.Watch(gCtx, root, logger, broker.PublishSandboxChange); err != nil {
				logger.Warn("sandbox watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		// Unblocks the watcher when shutdown came from a signal.
		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the engine over MCP on stdin/stdout until stdin closes.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if err != nil {
		return err
	}
	logger := app.logger()

	rt, err := app.runtime(ctx, logger)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, logger)

	if path := app.config.Import.Path; path != "" {
		if _, err := importer.Import(ctx, path, rt.Engine(), rt, logger); err != nil {
			logger.Warn("initial import failed", slog.String("error", err.Error()))
		}
	}

	logger.Info("Starting MCP server on stdio")
	if err := mcpserver.New(rt).ServeStdio(); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}

// RunImport loads the Markdown files under dir into the persistent store.
func RunImport(ctx context.Context, dir string, opts ...Option) (importer.Result, error) {
	app, err := newApplication(opts)
	if err != nil {
		return importer.Result{}, err
	}
	// An in-memory import would be lost on exit.
	app.config.Engine.Persist = true
	logger := app.logger()

	rt, err := app.runtime(ctx, logger)
	if err != nil {
		return importer.Result{}, err
	}
	defer closeRuntime(rt, logger)

	return importer.Import(ctx, dir, rt.Engine(), rt, logger)
}
