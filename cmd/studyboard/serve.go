package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/c360studio/studyboard/boardapi"
	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/config"
	"github.com/c360studio/studyboard/conversation"
	"github.com/c360studio/studyboard/engine"
	"github.com/c360studio/studyboard/events"
	"github.com/c360studio/studyboard/expert"
	"github.com/c360studio/studyboard/llm"
	"github.com/c360studio/studyboard/metrics"
	"github.com/c360studio/studyboard/model"
	"github.com/c360studio/studyboard/pagestore"
	"github.com/c360studio/studyboard/pdfref"
	"github.com/nats-io/nats.go"
)

const shutdownTimeout = 10 * time.Second

// app is the wired server: every long-lived collaborator plus the mux.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics       *metrics.Metrics
	interactions  *llm.InteractionLog
	client        *llm.Client
	pages         *pagestore.Store
	watcher       *pagestore.Watcher
	boards        *boardlog.Log
	conversations *conversation.Store
	bus           *events.Bus
	nats          *nats.Conn
	registry      *expert.Registry
	api           *boardapi.Handler
	mux           *http.ServeMux
}

// newApp builds the component graph from cfg. Nothing is started.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	for _, dir := range []string{cfg.BoardsDir(), cfg.UploadsDir(), cfg.PagesDir(), cfg.ImagesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	registry, err := model.FromConfig(&cfg.LLM.Registry)
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}

	a.interactions, err = llm.OpenInteractionLog(cfg.InteractionLogPath(), cfg.LLM.InteractionTail,
		llm.WithInteractionLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open interaction log: %w", err)
	}

	retry := llm.DefaultRetryConfig()
	if cfg.LLM.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.LLM.MaxAttempts
	}
	a.client = llm.NewClient(registry,
		llm.WithLogger(logger),
		llm.WithRetryConfig(retry),
		llm.WithInteractionLog(a.interactions),
		llm.WithMetrics(a.metrics),
		llm.WithTimeouts(cfg.LLM.TextTimeout, cfg.LLM.ExtendedTimeout),
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithBypassProxy(cfg.LLM.BypassProxy),
	)

	// The API serves page content from local disk. Experts read through the
	// remote endpoint when one is configured.
	a.pages = pagestore.New(cfg.PagesDir(), cfg.ImagesDir(), pagestore.WithLogger(logger))
	expertPages := a.pages
	if cfg.Storage.PagesURL != "" {
		expertPages = pagestore.New(cfg.PagesDir(), cfg.ImagesDir(),
			pagestore.WithLogger(logger),
			pagestore.WithRemote(pagestore.NewRemoteReader(cfg.Storage.PagesURL, nil)))
	}
	if cfg.Storage.WatchPages {
		if a.watcher, err = pagestore.NewWatcher(a.pages); err != nil {
			a.close()
			return nil, fmt.Errorf("create page watcher: %w", err)
		}
	}

	a.boards = boardlog.New(cfg.BoardsDir(), boardlog.WithLogger(logger))
	a.conversations = conversation.NewStore(
		conversation.WithLogger(logger),
		conversation.WithIdleAge(cfg.Conversation.IdleAge))

	busOpts := []events.Option{
		events.WithLogger(logger),
		events.WithInboxSize(cfg.Events.InboxSize),
		events.WithMetrics(a.metrics),
	}
	if cfg.NATS.URL != "" {
		// The relay is optional; SSE keeps working without it.
		nc, err := events.Dial(cfg.NATS.URL, logger)
		if err != nil {
			logger.Warn("NATS relay disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			a.nats = nc
			busOpts = append(busOpts, events.WithRelay(events.NewNATSRelay(nc, cfg.NATS.SubjectPrefix, logger)))
		}
	}
	a.bus = events.NewBus(busOpts...)

	a.registry, err = expert.NewRegistry(expert.Deps{
		Gateway:       a.client,
		Pages:         expertPages,
		Boards:        a.boards,
		Conversations: a.conversations,
		Bus:           a.bus,
		Metrics:       a.metrics,
		Logger:        logger,
		Engine: engine.Config{
			MaxConcurrent:    cfg.Engine.MaxConcurrent,
			Timeout:          cfg.Engine.TaskTimeout,
			ResultCacheSize:  cfg.Engine.ResultCacheSize,
			QueueLimit:       cfg.Engine.QueueLimit,
			ProgressInterval: cfg.Engine.ProgressInterval,
		},
		HistoryWindow: cfg.Conversation.HistoryWindow,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create expert registry: %w", err)
	}

	a.api, err = boardapi.NewHandler(boardapi.Deps{
		Registry:     a.registry,
		Boards:       a.boards,
		Pages:        a.pages,
		PDFs:         pdfref.New(a.boards, a.pages, cfg.UploadsDir(), pdfref.WithLogger(logger)),
		Interactions: a.client,
		Logger:       logger,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create API handler: %w", err)
	}

	a.mux = http.NewServeMux()
	a.api.RegisterHTTPHandlers(cfg.Server.APIPrefix, a.mux)
	a.mux.Handle("GET /metrics", a.metrics.Handler())
	a.mux.HandleFunc("GET /healthz", a.api.Health)
	return a, nil
}

// start launches the background loops; they stop when ctx is done.
func (a *app) start(ctx context.Context) error {
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start page watcher: %w", err)
		}
	}
	go a.bus.RunHeartbeat(ctx, a.cfg.Events.Heartbeat)
	go a.conversations.RunReaper(ctx, a.cfg.Conversation.ReapInterval)
	return nil
}

// close releases everything newApp acquired. Safe on a partially built app.
func (a *app) close() {
	if a.registry != nil {
		a.registry.CloseAll()
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Debug("Page watcher stop failed", "error", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Debug("NATS drain failed", "error", err)
		}
	}
	if a.interactions != nil {
		if err := a.interactions.Close(); err != nil {
			a.logger.Warn("Failed to close interaction log", "error", err)
		}
	}
}

func runServe(parent context.Context, g *globals) error {
	logger := g.logger()
	cfg, err := g.load(logger)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(parent)
	defer cancel()

	if err := a.start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("Studyboard ready",
		"version", Version,
		"addr", cfg.Server.Addr,
		"api_prefix", cfg.Server.APIPrefix,
		"data_dir", cfg.Storage.DataDir,
		"max_concurrent", cfg.Engine.MaxConcurrent,
		"nats_relay", a.nats != nil)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	// SSE streams end when the bus closes their subscriptions, so experts
	// shut down before the server waits on open connections.
	a.registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	slog.Info("Studyboard stopped")
	return nil
}
