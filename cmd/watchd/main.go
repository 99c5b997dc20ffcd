// Command watchd watches DOM nodes in Chrome tabs and forwards their changes
// to sinks.
//
// Usage:
//
//	watchd -config watchd.yaml                        # targets from YAML, reloaded on change
//	watchd -url https://example.com -selector '#feed' # quick single-target watch (stdout sink)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/domobs/watchd"
)

func main() {
	configPath := flag.String("config", "", "path to watchd.yaml config file")
	singleURL := flag.String("url", "", "watch a single URL (stdout sink)")
	selector := flag.String("selector", "body", "CSS selector of the node to watch with -url")
	mode := flag.String("mode", watchd.ModeAuto, "watch mode with -url: auto, native, polling")
	adminAddr := flag.String("admin", "", "admin HTTP listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		cfg *watchd.Config
		err error
	)
	switch {
	case *configPath != "":
		cfg, err = watchd.LoadConfigFile(*configPath)
		if err != nil {
			logger.Error("watchd: load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	case *singleURL != "":
		cfg, err = singleTarget(*singleURL, *selector, *mode)
		if err != nil {
			logger.Error("watchd: bad flags", "error", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: watchd -config <file> | -url <url> [-selector <css>]")
		os.Exit(2)
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}

	if err := run(ctx, logger, cfg, *configPath); err != nil {
		logger.Error("watchd: fatal", "error", err)
		os.Exit(1)
	}
}

func singleTarget(url, selector, mode string) (*watchd.Config, error) {
	doc := fmt.Sprintf("targets: [{id: single, url: %q, selector: %q, mode: %q}]", url, selector, mode)
	return watchd.ParseConfig([]byte(doc))
}

func run(ctx context.Context, logger *slog.Logger, cfg *watchd.Config, configPath string) error {
	d, err := watchd.New(cfg, watchd.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("start: %w", err)
	}

	if configPath != "" {
		go func() {
			err := watchd.WatchConfigFile(ctx, configPath, logger, func(next *watchd.Config) {
				if err := d.Reload(ctx, next); err != nil {
					logger.Warn("watchd: reload incomplete", "error", err)
				}
			})
			if err != nil {
				logger.Warn("watchd: config hot reload disabled", "error", err)
			}
		}()
	}

	var srv *http.Server
	if cfg.Admin.Addr != "" {
		srv = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           d.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("watchd: admin listening", "addr", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("watchd: admin server", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("watchd: shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	return d.Stop()
}
