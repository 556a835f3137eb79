package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/djdanielsson/mosaicterm-sub001/internal/config"
	"github.com/djdanielsson/mosaicterm-sub001/internal/events"
	"github.com/djdanielsson/mosaicterm-sub001/internal/history"
	"github.com/djdanielsson/mosaicterm-sub001/internal/server"
	"github.com/djdanielsson/mosaicterm-sub001/internal/session"
	"github.com/djdanielsson/mosaicterm-sub001/internal/storage"
	"github.com/djdanielsson/mosaicterm-sub001/internal/suggest"
	"github.com/djdanielsson/mosaicterm-sub001/internal/system"
)

// version and build are injected at link time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.build=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	build   = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mosaictermd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "config file (default: <config dir>/config.toml)")
		listenAddr  = flag.String("listen", "", "listen address override")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mosaictermd %s (%s)\n", version, build)
		return nil
	}

	path := *configPath
	if path == "" {
		if p, err := config.DefaultPath(); err == nil {
			path = p
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting", "version", version, "build", build, "config", path)

	// Storage and history. The database lives in the platform data
	// directory so it survives restarts.
	var (
		db      *storage.DB
		histSvc *history.Service
	)
	if !cfg.History.Disabled {
		dbPath, err := cfg.HistoryDBPath()
		if err != nil {
			return fmt.Errorf("failed to resolve history path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err = storage.NewDB(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer db.Close()
		histSvc = history.NewService(db, logger)
		defer histSvc.Close()
	}

	var fileSink *history.FileSink
	if !cfg.History.Disabled && cfg.History.FilePath != "" {
		fileSink, err = history.NewFileSink(cfg.History.FilePath, logger)
		if err != nil {
			return fmt.Errorf("failed to open history file: %w", err)
		}
		defer fileSink.Close()
	}

	registry := session.NewRegistry(logger, events.New(events.DefaultCapacity))
	defer registry.CloseAll()

	providers := make([]suggest.Provider, 0, 3)
	if histSvc != nil {
		// History matches rank highest.
		providers = append(providers, suggest.NewHistoryProvider(histSvc))
	}
	providers = append(providers,
		suggest.NewFilesystemProvider(registry),
		suggest.NewStaticProvider(), // stock commands, lowest priority
	)

	srv := server.New(server.Deps{
		Config:      cfg,
		Logger:      logger,
		Registry:    registry,
		History:     histSvc,
		HistoryFile: fileSink,
		Suggest:     suggest.NewService(logger, providers...),
		System:      system.New(version, build),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return nil
}

// newLogger writes text to a terminal and JSON elsewhere.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
