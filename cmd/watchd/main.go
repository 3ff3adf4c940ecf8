package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"watchd/internal/config"
	"watchd/internal/event"
	"watchd/internal/logging"
	"watchd/internal/loop"
	"watchd/internal/stream"
	"watchd/internal/watch"
)

func main() {
	configPath := flag.String("config", "watchd.yaml", "path to the watch manifest")
	runFor := flag.Duration("run", 0, "bounded run duration, overrides the manifest")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watchd: %v\n", err)
		os.Exit(1)
	}

	level := logging.LevelInfo
	if cfg.LogLevel != "" {
		if parsed, ok := logging.ParseLevel(cfg.LogLevel); ok {
			level = parsed
		}
	}
	logger := logging.NewLogger(logging.NewBuffer(logging.DefaultBufferSize), level)

	if err := run(cfg, *runFor, logger); err != nil {
		logger.Error("watchd failed", map[string]string{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func run(cfg config.Config, runFor time.Duration, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskLoop := loop.New(ctx, loop.Options{
		Logger:    logger,
		QueueSize: cfg.QueueSize,
	})
	defer taskLoop.Close()

	source, err := watch.NewWatcher(watch.SourceOptions{
		Logger:     logger,
		MaxWatches: cfg.MaxWatches,
		ErrorHandler: func(err error) {
			logger.Error("watch backend unrecoverable", map[string]string{
				"error": err.Error(),
			})
			stop()
		},
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	bus := event.NewBus[watch.Notification](ctx, event.BusOptions{})
	defer bus.Close()

	registry := watch.NewRegistry()
	for _, entry := range cfg.Watches {
		for _, kind := range entry.ResolvedKinds() {
			registry.Register(kind, entry.Path, logHandler(logger))
		}
	}

	session := watch.NewSession(registry, source, taskLoop, watch.SessionOptions{
		Logger: logger,
		Bus:    bus,
	})

	var server *http.Server
	if cfg.Stream.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", &stream.Handler{
			Bus:            bus,
			Logger:         logger,
			AllowedOrigins: cfg.Stream.AllowedOrigins,
		})
		server = &http.Server{Addr: cfg.Stream.Addr, Handler: mux}
		go func() {
			logger.Info("notification stream listening", map[string]string{
				"addr": cfg.Stream.Addr,
			})
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("stream server failed", map[string]string{
					"error": err.Error(),
				})
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	duration := runFor
	if duration <= 0 {
		duration = cfg.RunDuration()
	}
	if duration > 0 {
		logger.Info("running bounded watch session", map[string]string{
			"duration": duration.String(),
		})
		return session.Run(ctx, duration)
	}

	if err := session.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return session.Stop()
}

func logHandler(logger *logging.Logger) watch.Handler {
	return func(_ context.Context, notification watch.Notification) error {
		logger.Info("filesystem change", map[string]string{
			"kind":   string(notification.Kind),
			"path":   notification.Path,
			"is_dir": fmt.Sprintf("%t", notification.IsDir),
		})
		return nil
	}
}
