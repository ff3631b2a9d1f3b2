// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/timesnap/internal/api"
	"github.com/starford/timesnap/internal/capsuleservice"
	"github.com/starford/timesnap/internal/kv"
	"github.com/starford/timesnap/internal/mcpserver"
	"github.com/starford/timesnap/internal/media"
	"github.com/starford/timesnap/internal/mediawatch"
	"github.com/starford/timesnap/internal/repository"
	"github.com/starford/timesnap/internal/sse"
)

// core is the state shared by every run mode.
type core struct {
	cfg    *Config
	logger *slog.Logger
	store  kv.Store
	media  *media.FS
	repo   *repository.Repository
	svc    *capsuleservice.Service
}

func (c *core) Close() error {
	return c.store.Close()
}

func setup(ctx context.Context, opts []Option) (*application, *core, error) {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	var out io.Writer = os.Stdout
	if app.logOutput != nil {
		out = app.logOutput
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("store_path", cfg.Store.Path),
		slog.String("media_dir", cfg.Media.Dir),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Media.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create media dir: %w", err)
	}

	storeDir := cfg.Store.Path
	if cfg.Store.Driver == kv.DriverSQLite {
		storeDir = filepath.Dir(cfg.Store.Path)
	}
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create store dir: %w", err)
	}

	mediaStore, err := media.NewFS(cfg.Media.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("init media: %w", err)
	}

	store, err := kv.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("init store: %w", err)
	}

	repo, err := repository.Open(ctx, store, mediaStore,
		repository.WithKey(cfg.Store.Key),
		repository.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("open repository: %w", err)
	}

	if rep := repo.LoadReport(); rep.Recovered() {
		logger.Warn("stored collection was unreadable, starting empty",
			slog.String("recovery_key", rep.RecoveryKey),
			slog.String("error", rep.DecodeError))
	}

	svc := capsuleservice.NewService(repo, mediaStore,
		capsuleservice.WithMaxUpload(cfg.Media.MaxUploadBytes),
		capsuleservice.WithLogger(logger))

	return app, &core{
		cfg:    cfg,
		logger: logger,
		store:  store,
		media:  mediaStore,
		repo:   repo,
		svc:    svc,
	}, nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	_, c, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	cfg, logger := c.cfg, c.logger

	// SSE broker fed by repository events.
	broker := sse.NewBroker(cfg.Watch.SSEThrottle)
	defer broker.Close()
	unsubscribe := c.repo.Subscribe(broker.PublishChange)
	defer unsubscribe()

	handler := api.NewServer(c.svc, api.Options{
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		SSE:         broker,
		CORSOrigins: cfg.App.HTTP.CORSOrigins,
		MaxUpload:   cfg.Media.MaxUploadBytes,
	})

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Watch.Enabled {
		g.Go(func() error {
			err := mediawatch.Watch(gCtx, cfg.Media.Dir, c.repo, c.media, logger, func(kind string, ref media.AssetRef) {
				broker.Publish(sse.Event{Type: kind, Data: map[string]string{"ref": ref.String()}})
			})
			if err != nil {
				logger.Warn("media watcher stopped", slog.String("error", err.Error()))
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

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	// A failed write is retried once before exit.
	if c.repo.LastPersistError() != nil {
		if err := c.repo.Flush(context.Background()); err != nil {
			logger.Error("final flush failed", slog.String("error", err.Error()))
		}
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the capsule tools over stdio until stdin closes.
func RunMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	_, c, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	c.logger.Info("MCP server starting on stdio")
	if err := mcpserver.New(c.svc).ServeStdio(); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

// FsckResult is printed by RunFsck as JSON.
type FsckResult struct {
	Load          repository.LoadReport     `json:"load"`
	RecoverySlots []string                  `json:"recovery_slots"`
	Missing       []mediawatch.MissingMedia `json:"missing"`
	Orphans       []media.Asset             `json:"orphans"`
	Swept         []media.AssetRef          `json:"swept,omitempty"`
	Dropped       []string                  `json:"dropped,omitempty"`
}

// RunFsck compares the stored collection with the asset directory and writes
// the result to out. With WithSweep, old orphans are deleted; with
// WithDropRecovery, recovery slots are deleted after being listed.
func RunFsck(ctx context.Context, out io.Writer, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	app, c, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	rep, err := mediawatch.Check(ctx, c.repo, c.media)
	if err != nil {
		return fmt.Errorf("fsck: %w", err)
	}
	slots, err := c.repo.RecoverySlots(ctx)
	if err != nil {
		return fmt.Errorf("fsck: %w", err)
	}
	res := FsckResult{
		Load:          c.repo.LoadReport(),
		RecoverySlots: slots,
		Missing:       rep.Missing,
		Orphans:       rep.Orphans,
	}

	if app.sweep {
		res.Swept, err = mediawatch.Sweep(ctx, c.repo, c.media, c.cfg.Media.OrphanGrace, time.Now(), c.logger)
		if err != nil {
			return fmt.Errorf("fsck: sweep: %w", err)
		}
	}

	if app.dropRecov {
		for _, key := range slots {
			if err := c.repo.DropRecovery(ctx, key); err != nil {
				return fmt.Errorf("fsck: %w", err)
			}
			res.Dropped = append(res.Dropped, key)
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
