// Command regretpill attaches to the Bilibili homepage, captures the
// recommendation grid around every 换一换 roll, and lets the user toggle
// back and forth between the previous and the current batch.
//
// Usage:
//
//	regretpill -config regretpill.yaml     # full daemon from YAML config
//	regretpill -url https://www.bilibili.com  # defaults, admin on localhost
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

	"github.com/go-rod/rod"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/admin"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/browser"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/journal"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to regretpill.yaml config file")
	pageURL := flag.String("url", "", "attach to a single URL with default settings")
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
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *pageURL); err != nil {
		logger.Error("regretpill: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, pageURL string) error {
	var cfg *appConfig
	switch {
	case configPath != "":
		c, err := loadConfigFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	case pageURL != "":
		cfg = defaultConfig()
		cfg.Engine.Page.URL = pageURL
	default:
		fmt.Fprintln(os.Stderr, "usage: regretpill -config <file> | -url <url>")
		os.Exit(1)
	}

	mgr := browser.NewManager(withLogger(cfg.Browser.managerConfig(), logger))
	if _, err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer mgr.Close()

	page, err := browser.OpenPage(ctx, mgr, cfg.Engine.Page.URL, cfg.Engine.Page.ID)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	opts := []regret.Option{regret.WithLogger(logger)}

	var store *journal.Store
	if cfg.Journal.Path != "" {
		jopts := []journal.Option{journal.WithLogger(logger)}
		if cfg.Journal.Retention > 0 {
			jopts = append(jopts, journal.WithRetention(cfg.Journal.Retention))
		}
		store, err = journal.Open(cfg.Journal.Path, jopts...)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		opts = append(opts, regret.WithRecorder(store))
	}

	sess, err := regret.NewSession(&cfg.Engine, page, opts...)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}
	page.SetEvents(sess)

	// Chrome recycling drops the tab; reattach and let discovery rebind.
	mgr.SetRecycleCallback(&browser.RecycleCallback{
		AfterRecycle: func(_ *rod.Browser) {
			if err := page.Reattach(ctx); err != nil {
				logger.Error("regretpill: reattach after recycle", "error", err)
			}
		},
	})

	sess.Start(ctx)
	defer sess.Stop()

	errCh := make(chan error, 2)

	if cfg.Admin.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           admin.New(sess, journalReader(store)).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("regretpill: admin listening", "addr", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
		}()
	}

	if cfg.MCP.Stdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "regretpill", Version: version}, nil)
		sess.RegisterMCP(srv)
		go func() {
			logger.Info("regretpill: mcp serving on stdio")
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
				errCh <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	logger.Info("regretpill: running",
		"page", cfg.Engine.Page.URL,
		"admin", cfg.Admin.Addr,
		"journal", cfg.Journal.Path)

	select {
	case <-ctx.Done():
		logger.Info("regretpill: shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func withLogger(c browser.Config, l *slog.Logger) browser.Config {
	c.Logger = l
	return c
}

// journalReader keeps the nil check in one place: a nil *Store must reach
// the admin server as a nil interface.
func journalReader(s *journal.Store) admin.Journal {
	if s == nil {
		return nil
	}
	return s
}
